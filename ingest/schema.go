package ingest

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// SchemaChunkSize is the largest base64 chunk stored in one field.
const SchemaChunkSize = 1_048_576

// SchemaStore is a Writer that can tell which schema digests it holds.
type SchemaStore interface {
	Writer
	DigestExists(ctx context.Context, measurement, digest string) (bool, error)
}

// EncodedSchema is a schema in its stored form.
type EncodedSchema struct {
	Digest string
	Size   int
	Chunks []string
}

// EncodeSchema decodes the XML of a schema line and returns the sha1
// digest of its binary form with the base64 payload split into chunks.
func EncodeSchema(xml string) (EncodedSchema, error) {
	h, err := hash.DecodeXML([]byte(xml))
	if err != nil {
		return EncodedSchema{}, kerrors.New(kerrors.KindLineIngest, "Invalid schema XML").WithCause(err)
	}
	bin, err := hash.EncodeBinary(h)
	if err != nil {
		return EncodedSchema{}, kerrors.New(kerrors.KindLineIngest, "Cannot encode schema").WithCause(err)
	}
	sum := sha1.Sum(bin)
	b64 := base64.StdEncoding.EncodeToString(bin)
	var chunks []string
	for len(b64) > SchemaChunkSize {
		chunks = append(chunks, b64[:SchemaChunkSize])
		b64 = b64[SchemaChunkSize:]
	}
	chunks = append(chunks, b64)
	return EncodedSchema{Digest: hex.EncodeToString(sum[:]), Size: len(bin), Chunks: chunks}, nil
}

// Line renders the __SCHEMAS point of s.
func (s EncodedSchema) Line(measurement string, ts int64) string {
	var b strings.Builder
	b.WriteString(measurement)
	b.WriteString(`__SCHEMAS,digest="`)
	b.WriteString(s.Digest)
	b.WriteString(`" `)
	for i, c := range s.Chunks {
		fmt.Fprintf(&b, `schema_%d="%s",`, i, c)
	}
	fmt.Fprintf(&b, "schema_size=%di,n_schema_chunks=%di %d", s.Size, len(s.Chunks), ts)
	return b.String()
}

// SchemaEventLine renders the events row referencing digest.
func SchemaEventLine(measurement, digest string, tid uint64, ts int64) string {
	line := measurement + `__EVENTS,type="SCHEMA" schema_digest="` + digest + `"`
	if tid > 0 {
		line += ",_tid=" + strconv.FormatUint(tid, 10) + "i"
	}
	return line + " " + strconv.FormatInt(ts, 10)
}

// SchemaIngester stores the schema file of one device. Each schema is
// written once per digest; every line adds an events row.
type SchemaIngester struct {
	deviceID    string
	measurement string
	path        string
	store       SchemaStore
	opts        Options
	mk          markers
	logger      *slog.Logger

	stats   Stats
	warns   int
	skipped bool
	written map[string]bool
}

// NewSchemaIngester creates an ingester of the schema file path.
func NewSchemaIngester(deviceID, path string, store SchemaStore, opts Options) *SchemaIngester {
	opts.defaults()
	return &SchemaIngester{
		deviceID:    deviceID,
		measurement: EscapeMeasurement(deviceID),
		path:        path,
		store:       store,
		opts:        opts,
		mk:          newMarkers(opts.OutputDir, deviceID, path, ProcessedSchemasFile),
		logger:      opts.Logger.With("component", "ingest-schema", "device_id", deviceID),
	}
}

// Stats returns the statistics of the last run.
func (si *SchemaIngester) Stats() Stats { return si.stats }

// Skipped reports whether the last run found the file already done.
func (si *SchemaIngester) Skipped() bool { return si.skipped }

// Warnings returns the number of lines skipped as known issues.
func (si *SchemaIngester) Warnings() int { return si.warns }

// Run ingests the schema file. Lines are written one by one since a
// single schema may be large.
func (si *SchemaIngester) Run(ctx context.Context) (bool, error) {
	si.skipped = !si.opts.DryRun && Done(si.opts.OutputDir, si.deviceID, si.path)
	if si.skipped {
		si.logger.Info("Already ingested, skipping", "path", si.path)
		return true, nil
	}
	f, err := os.Open(si.path)
	if err != nil {
		return false, kerrors.WrapInvalid(err, "SchemaIngester", "Run", "open "+si.path)
	}
	defer f.Close()

	start := time.Now()
	si.stats = Stats{StartTime: epochSeconds(start), WriteRetries: []int{}}
	si.warns = 0
	si.written = map[string]bool{}
	partial := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineSize)
	for i := 0; sc.Scan(); i++ {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := si.processLine(ctx, sc.Text()); err != nil {
			if si.handle(err, i) {
				partial = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		partial = true
		si.handle(kerrors.New(kerrors.KindLineIngest, "read failed").WithCause(err), -1)
	}
	end := time.Now()
	si.stats.EndTime = epochSeconds(end)
	si.stats.ElapsedSecs = end.Sub(start).Seconds()
	if si.stats.ElapsedSecs > 0 {
		si.stats.InsertRate = float64(si.stats.LinesProcessed) / si.stats.ElapsedSecs
	}
	si.logger.Info("Ingested schemas", "path", si.path, "lines", si.stats.LinesProcessed,
		"distinct", len(si.written), "partial", partial)
	return !partial, writeDone(si.mk, si.opts, si.path, si.stats, partial)
}

func (si *SchemaIngester) processLine(ctx context.Context, line string) error {
	sl, ok, err := ParseSchemaLine(line)
	if err != nil || !ok {
		return err
	}
	enc, err := EncodeSchema(sl.XML)
	if err != nil {
		return err
	}
	var lines []string
	if !si.written[enc.Digest] {
		exists, err := si.store.DigestExists(ctx, si.measurement, enc.Digest)
		if err != nil {
			return err
		}
		if !exists {
			lines = append(lines, enc.Line(si.measurement, sl.Timestamp))
		}
	}
	lines = append(lines, SchemaEventLine(si.measurement, enc.Digest, sl.TrainID, sl.Timestamp))
	retries, err := si.store.Write(ctx, lines, si.opts.WriteTimeout)
	si.opts.Metrics.RecordWriteRetries(retries)
	if retries > 0 {
		si.stats.WriteRetries = append(si.stats.WriteRetries, retries)
	}
	if err != nil {
		return err
	}
	si.written[enc.Digest] = true
	si.opts.Metrics.RecordIngestLines("written", len(lines))
	si.stats.LinesProcessed++
	return nil
}

func (si *SchemaIngester) handle(err error, line int) bool {
	var known *KnownIssueError
	if errors.As(err, &known) {
		si.warns++
		if !si.opts.DryRun {
			_ = appendLine(si.mk.warn, fmt.Sprintf("Known issue. Line %d: %v", line, err))
		}
		return false
	}
	si.opts.Metrics.RecordError("ingest", kerrors.KindOf(err).String())
	si.logger.Warn("Schema line not ingested", "line", line, "error", err)
	if !si.opts.DryRun {
		_ = appendLine(si.mk.err, fmt.Sprintf("Error at line %d: %v", line, err))
	}
	return true
}
