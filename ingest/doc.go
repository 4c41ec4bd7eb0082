// Package ingest converts the raw text files of the data loggers into
// InfluxDB line protocol.
//
// # Value files
//
// Each line of a value file has the form
//
//	ISO8601|EPOCH|TRAINID|PATH|TYPE|VALUE|USER|FLAG
//
// ParseValueLine turns a line into a Record whose field name carries the
// Karabo type as a suffix, e.g. "table-VECTOR_HASH". An Ingester merges the
// consecutive records sharing user, train id and timestamp into one Point
// and writes the points in chunks:
//
//	ingester := ingest.NewIngester("SA1/MOTOR/X", "archive_3.txt", client, ingest.Options{
//		OutputDir: "/data/migration",
//	})
//	complete, err := ingester.Run(ctx)
//
// Login and logout lines become rows of the <device>__EVENTS measurement.
//
// # Schema files
//
// A SchemaIngester reads "SECONDS FRAC TRAINID XML" lines. The schema is
// stored once per sha1 digest of its binary form in <device>__SCHEMAS, its
// base64 payload split over schema_0..schema_N fields. Every line adds a
// SCHEMA row to the events measurement.
//
// # Markers
//
// Below the output directory a complete file gets
// processed/<device>/<file>.ok with its Stats and a line in the processed
// list. Failing lines go to part_processed/<device>/<file>.err; lines
// matching no known grammar go to the .warn file and do not prevent the
// .ok marker. A file with a .ok marker is skipped.
//
// # Migration
//
// A Migrator walks <root>/<device>/raw directories, skips the files already
// done or outside the date range, and runs the rest in ConcurrentTasks
// workloads, newest files first.
//
// Client writes over the InfluxDB 1.x HTTP API and retries 503 replies
// and transport failures until the write timeout elapses. FileSink stands
// in for it on dry runs.
package ingest
