package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/metric"
)

const (
	// DefaultLinesPerWrite is the number of points sent per write.
	DefaultLinesPerWrite = 8000
	// DefaultWriteTimeout bounds the retries of one write.
	DefaultWriteTimeout = 40 * time.Second

	// ProcessedPropsFile lists the value files done, one per line.
	ProcessedPropsFile = ".processed_props.txt"
	// ProcessedSchemasFile lists the schema files done, one per line.
	ProcessedSchemasFile = ".processed_schemas.txt"

	maxLineSize = 64 << 20
)

// Writer receives chunks of line protocol.
type Writer interface {
	Write(ctx context.Context, lines []string, timeout time.Duration) (int, error)
}

// Options configure a file ingester.
type Options struct {
	// OutputDir holds the markers and the processed lists. Empty disables
	// them.
	OutputDir     string
	LinesPerWrite int
	WriteTimeout  time.Duration
	WorkloadID    string
	// DryRun skips the markers; the writer decides where lines go.
	DryRun bool
	// Limiter throttles the points written per second.
	Limiter *rate.Limiter
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.LinesPerWrite <= 0 {
		o.LinesPerWrite = DefaultLinesPerWrite
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is the content of a .ok marker.
type Stats struct {
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	ElapsedSecs    float64 `json:"elapsed_secs"`
	InsertRate     float64 `json:"insert_rate"`
	LinesProcessed int     `json:"lines_processed"`
	WriteRetries   []int   `json:"write_retries"`
}

func epochSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// markers locates the per-file outputs below OutputDir.
type markers struct {
	ok, err, warn, list string
}

func newMarkers(outputDir, deviceID, path, list string) markers {
	if outputDir == "" {
		return markers{}
	}
	base := filepath.Base(path)
	return markers{
		ok:   filepath.Join(outputDir, "processed", deviceID, base+".ok"),
		err:  filepath.Join(outputDir, "part_processed", deviceID, base+".err"),
		warn: filepath.Join(outputDir, "part_processed", deviceID, base+".warn"),
		list: filepath.Join(outputDir, list),
	}
}

// Done reports whether path has a .ok marker below outputDir.
func Done(outputDir, deviceID, path string) bool {
	if outputDir == "" {
		return false
	}
	_, err := os.Stat(newMarkers(outputDir, deviceID, path, "").ok)
	return err == nil
}

var listMu sync.Mutex

func appendLine(path, line string) error {
	if path == "" {
		return nil
	}
	listMu.Lock()
	defer listMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Ingester converts the value file of one device into line protocol.
type Ingester struct {
	deviceID    string
	measurement string
	path        string
	w           Writer
	opts        Options
	mk          markers
	logger      *slog.Logger

	buf     *Point
	data    []string
	stats   Stats
	warns   int
	skipped bool
}

// NewIngester creates an ingester of the value file path of deviceID.
func NewIngester(deviceID, path string, w Writer, opts Options) *Ingester {
	opts.defaults()
	return &Ingester{
		deviceID:    deviceID,
		measurement: EscapeMeasurement(deviceID),
		path:        path,
		w:           w,
		opts:        opts,
		mk:          newMarkers(opts.OutputDir, deviceID, path, ProcessedPropsFile),
		logger:      opts.Logger.With("component", "ingest", "device_id", deviceID),
	}
}

// Stats returns the statistics of the last run.
func (in *Ingester) Stats() Stats { return in.stats }

// Skipped reports whether the last run found the file already done.
func (in *Ingester) Skipped() bool { return in.skipped }

// Warnings returns the number of lines skipped as known issues.
func (in *Ingester) Warnings() int { return in.warns }

// Run ingests the whole file. It reports complete=false when a line or a
// write failed; such errors are recorded in the .err marker. The returned
// error is for failures outside line processing, e.g. an unreadable file.
func (in *Ingester) Run(ctx context.Context) (complete bool, err error) {
	in.skipped = !in.opts.DryRun && Done(in.opts.OutputDir, in.deviceID, in.path)
	if in.skipped {
		in.logger.Info("Already ingested, skipping", "path", in.path)
		return true, nil
	}
	f, err := os.Open(in.path)
	if err != nil {
		return false, kerrors.WrapInvalid(err, "Ingester", "Run", "open "+in.path)
	}
	defer f.Close()

	start := time.Now()
	in.stats = Stats{StartTime: epochSeconds(start), WriteRetries: []int{}}
	in.buf, in.data, in.warns = nil, nil, 0
	partial := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	i := 0
	for ; sc.Scan(); i++ {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := in.processLine(sc.Text()); err != nil {
			if in.handle(err, i) {
				partial = true
			}
			continue
		}
		if err := in.send(ctx, false); err != nil {
			partial = true
			in.handle(err, i)
		}
	}
	if err := sc.Err(); err != nil {
		partial = true
		in.handle(kerrors.New(kerrors.KindLineIngest, "read failed").WithCause(err), i)
	}
	in.flush()
	if err := in.send(ctx, true); err != nil {
		partial = true
		in.handle(err, i)
	}
	if err := in.finish(start, partial); err != nil {
		return !partial, err
	}
	return !partial, nil
}

// handle records err for line i and reports whether it makes the file
// partially processed.
func (in *Ingester) handle(err error, line int) bool {
	var known *KnownIssueError
	if errors.As(err, &known) {
		in.warns++
		in.opts.Metrics.RecordIngestLines("skipped", 1)
		in.logger.Debug("Skipping known issue", "line", line, "error", err)
		if !in.opts.DryRun {
			if werr := appendLine(in.mk.warn, fmt.Sprintf("Known issue. Line %d: %v", line, err)); werr != nil {
				in.logger.Warn("Cannot write warn marker", "error", werr)
			}
		}
		return false
	}
	in.opts.Metrics.RecordIngestLines("failed", 1)
	in.opts.Metrics.RecordError("ingest", kerrors.KindOf(err).String())
	in.logger.Warn("Line not ingested", "line", line, "error", err)
	if !in.opts.DryRun {
		if werr := appendLine(in.mk.err, fmt.Sprintf("Error at line %d: %v", line, err)); werr != nil {
			in.logger.Warn("Cannot write error marker", "error", werr)
		}
	}
	return true
}

func (in *Ingester) processLine(line string) error {
	rec, ok, err := ParseValueLine(line)
	if err != nil || !ok {
		return err
	}
	user := EscapeKey(rec.User)
	if rec.IsEvent() {
		in.data = append(in.data, EventLine(in.measurement, rec.EventType(), user, rec.Timestamp))
		in.stats.LinesProcessed++
		return nil
	}
	key := pointKey{user, rec.TrainID, rec.Timestamp}
	if in.buf != nil && in.buf.key() != key {
		in.flush()
	}
	if in.buf == nil {
		in.buf = &Point{User: user, TrainID: rec.TrainID, Timestamp: rec.Timestamp}
	}
	if rec.Value != "" {
		in.buf.Set(EscapeKey(rec.Name), rec.Value)
	}
	in.stats.LinesProcessed++
	return nil
}

func (in *Ingester) flush() {
	if !in.buf.Empty() {
		in.data = append(in.data, in.buf.Line(in.measurement))
	}
	in.buf = nil
}

func (in *Ingester) send(ctx context.Context, force bool) error {
	if len(in.data) == 0 || (!force && len(in.data) < in.opts.LinesPerWrite) {
		return nil
	}
	lines := in.data
	in.data = nil
	if in.opts.Limiter != nil {
		if err := in.opts.Limiter.WaitN(ctx, min(len(lines), in.opts.Limiter.Burst())); err != nil {
			return kerrors.WrapTransient(err, "Ingester", "send", "rate limit")
		}
	}
	retries, err := in.w.Write(ctx, lines, in.opts.WriteTimeout)
	in.opts.Metrics.RecordWriteRetries(retries)
	if err != nil {
		return err
	}
	if retries > 0 {
		in.stats.WriteRetries = append(in.stats.WriteRetries, retries)
	}
	in.opts.Metrics.RecordIngestLines("written", len(lines))
	return nil
}

func (in *Ingester) finish(start time.Time, partial bool) error {
	end := time.Now()
	in.stats.EndTime = epochSeconds(end)
	in.stats.ElapsedSecs = end.Sub(start).Seconds()
	if in.stats.ElapsedSecs > 0 {
		in.stats.InsertRate = float64(in.stats.LinesProcessed) / in.stats.ElapsedSecs
	}
	in.logger.Info("Ingested file", "path", in.path, "lines", in.stats.LinesProcessed,
		"warnings", in.warns, "partial", partial, "elapsed", end.Sub(start))
	return writeDone(in.mk, in.opts, in.path, in.stats, partial)
}

// writeDone writes the .ok marker and the processed list entry of a
// complete file.
func writeDone(mk markers, opts Options, path string, stats Stats, partial bool) error {
	if mk.ok == "" || opts.DryRun || partial {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return kerrors.WrapFatal(err, "Ingester", "finish", "encode stats")
	}
	if err := os.MkdirAll(filepath.Dir(mk.ok), 0o755); err != nil {
		return kerrors.WrapFatal(err, "Ingester", "finish", "create marker directory")
	}
	if err := os.WriteFile(mk.ok, data, 0o644); err != nil {
		return kerrors.WrapFatal(err, "Ingester", "finish", "write .ok marker")
	}
	var mtime float64
	if fi, err := os.Stat(path); err == nil {
		mtime = epochSeconds(fi.ModTime())
	}
	line := strconv.FormatFloat(mtime, 'f', -1, 64) + "|" + opts.WorkloadID + "|" + path
	if err := appendLine(mk.list, line); err != nil {
		return kerrors.WrapFatal(err, "Ingester", "finish", "append processed list")
	}
	return nil
}
