// Package testutil provides fixtures shared by package tests.
//
// FakeInflux is an in-memory InfluxDB 1.x endpoint built on
// net/http/httptest. It stores the points of every write, can be told to
// fail the next writes with given statuses, and answers the COUNT and
// last-value queries issued by the ingest client:
//
//	influx := testutil.NewFakeInflux(t)
//	influx.FailNextWrites(http.StatusServiceUnavailable)
//	// point an ingest.Client at influx.URL
//	points := influx.Measurement("karabo", "SA1/MOTOR/X")
//
// The raw logger helpers write value and schema files in the layout the
// data loggers produce, below <root>/<deviceId>/raw.
package testutil
