package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
	"github.com/European-XFEL/Karabo-sub011/testutil"
)

const db = "karabo"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClient(t *testing.T, f *testutil.FakeInflux) *Client {
	t.Helper()
	c, err := NewClient(InfluxConfig{
		URL:      f.URL,
		Database: db,
		User:     f.User,
		Password: f.Password,
		Timeout:  2 * time.Second,
		Retry:    retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func options(out string) Options {
	return Options{OutputDir: out, WriteTimeout: 2 * time.Second, WorkloadID: "w1", Logger: quietLogger}
}

func readStats(t *testing.T, path string) Stats {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Stats
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestIngestRoundTrip(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	ctx := context.Background()

	orig := hash.New("table", []*hash.Hash{hash.New("a", int32(1), "b", "x")})
	xml, err := hash.EncodeXML(orig)
	require.NoError(t, err)
	root, out := t.TempDir(), t.TempDir()
	path := testutil.WriteRawFile(t, root, "SA1/DEV", "archive_1.txt", time.Time{},
		"2020-02-04T14:32:57Z|1580826777.0|0|table|VECTOR_HASH|"+string(xml)+"|alice|VALID")

	in := NewIngester("SA1/DEV", path, c, options(out))
	complete, err := in.Run(ctx)
	require.NoError(t, err)
	assert.True(t, complete)

	points := f.Measurement(db, "SA1/DEV")
	require.Len(t, points, 1)
	p := points[0]
	assert.Equal(t, `"alice"`, p.Tags["karabo_user"])
	assert.Equal(t, int64(1580826777000000), p.Time)
	assert.NotContains(t, p.Fields, "_tid")
	require.Contains(t, p.Fields, "table-VECTOR_HASH")

	last, err := c.LastValue(ctx, "SA1/DEV", "table-VECTOR_HASH")
	require.NoError(t, err)
	assert.Equal(t, int64(1580826777000000), last.Time)
	b64, ok := last.Value.(string)
	require.True(t, ok)
	assert.Equal(t, `"`+b64+`"`, p.Fields["table-VECTOR_HASH"])
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	back, err := hash.DecodeBinary(raw)
	require.NoError(t, err)
	assert.True(t, orig.Equal(back))

	okPath := filepath.Join(out, "processed", "SA1/DEV", "archive_1.txt.ok")
	stats := readStats(t, okPath)
	assert.Equal(t, 1, stats.LinesProcessed)
	assert.Empty(t, stats.WriteRetries)
	list, err := os.ReadFile(filepath.Join(out, ProcessedPropsFile))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(list)), "|w1|"+path))

	// a second run is a no-op
	before, err := os.ReadFile(okPath)
	require.NoError(t, err)
	writes := f.Writes()
	complete, err = NewIngester("SA1/DEV", path, c, options(out)).Run(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, writes, f.Writes())
	after, err := os.ReadFile(okPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.Measurement(db, "SA1/DEV"), 1)
}

func TestIngestBuffersByKey(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	t0 := time.Unix(1580826777, 0)
	t1 := t0.Add(time.Second)
	path := testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_2.txt", time.Time{},
		testutil.ValueLine(t0, 10, "a", "INT32", "1", "bob", FlagValid),
		testutil.ValueLine(t0, 10, "b", "DOUBLE", "2.5", "bob", FlagValid),
		testutil.ValueLine(t1, 11, "a", "INT32", "2", "bob", FlagValid),
		testutil.ValueLine(t1, 11, ".", "", "", "bob", FlagLogin),
		testutil.ValueLine(t1, 11, "c", "STRING", "x y", "", FlagValid),
	)
	opts := options("")
	opts.LinesPerWrite = 2
	opts.Limiter = rate.NewLimiter(rate.Limit(10000), 10)
	opts.Metrics = metric.NewMetrics()
	in := NewIngester("DEV", path, c, opts)
	complete, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 5, in.Stats().LinesProcessed)

	points := f.Measurement(db, "DEV")
	require.Len(t, points, 3)
	assert.Equal(t, map[string]string{"a-INT32": "1i", "b-DOUBLE": "2.5", "_tid": "10i"}, points[0].Fields)
	assert.Equal(t, map[string]string{"a-INT32": "2i", "_tid": "11i"}, points[1].Fields)
	assert.Equal(t, `"."`, points[2].Tags["karabo_user"])
	assert.Equal(t, `"x y"`, points[2].Fields["c-STRING"])

	events := f.Measurement(db, "DEV__EVENTS")
	require.Len(t, events, 1)
	assert.Equal(t, `"+LOG"`, events[0].Tags["type"])
	assert.Equal(t, `"bob"`, events[0].Fields["karabo_user"])
	assert.Equal(t, 2, f.Writes())
	assert.Equal(t, float64(4), promtest.ToFloat64(opts.Metrics.IngestLines.WithLabelValues("written")))
}

func TestIngestRetries(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	f.FailNextWrites(http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	out := t.TempDir()
	path := testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_3.txt", time.Time{},
		testutil.ValueLine(time.Unix(1600000000, 0), 0, "a", "BOOL", "1", "bob", FlagValid))

	complete, err := NewIngester("DEV", path, c, options(out)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 3, f.Writes())
	stats := readStats(t, filepath.Join(out, "processed", "DEV", "archive_3.txt.ok"))
	assert.Equal(t, []int{2}, stats.WriteRetries)
}

func TestIngestWriteRejected(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	f.FailNextWrites(http.StatusBadRequest)
	out := t.TempDir()
	path := testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_4.txt", time.Time{},
		testutil.ValueLine(time.Unix(1600000000, 0), 0, "a", "BOOL", "1", "bob", FlagValid))

	complete, err := NewIngester("DEV", path, c, options(out)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 1, f.Writes())
	assert.NoFileExists(t, filepath.Join(out, "processed", "DEV", "archive_4.txt.ok"))
	data, err := os.ReadFile(filepath.Join(out, "part_processed", "DEV", "archive_4.txt.err"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Error at line 0")
	assert.Contains(t, string(data), "400")
}

func TestIngestLineIssues(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	ts := time.Unix(1600000000, 0)
	out := t.TempDir()
	path := testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_5.txt", time.Time{},
		testutil.ValueLine(ts, 0, "a", "INT32", "1", "bob", FlagValid),
		"20200915T122640.000000Z|1600172800.0|0|trunc",
		testutil.ValueLine(ts, 0, "b", "INT32", "2", "bob", FlagValid),
	)
	in := NewIngester("DEV", path, c, options(out))
	complete, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 1, in.Warnings())
	assert.FileExists(t, filepath.Join(out, "part_processed", "DEV", "archive_5.txt.warn"))
	assert.FileExists(t, filepath.Join(out, "processed", "DEV", "archive_5.txt.ok"))
	require.Len(t, f.Measurement(db, "DEV"), 1)

	path = testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_6.txt", time.Time{},
		testutil.ValueLine(ts, 0, "a", "BOOL", "7", "bob", FlagValid),
		testutil.ValueLine(ts, 0, "b", "INT32", "2", "bob", FlagValid),
	)
	in = NewIngester("DEV", path, c, options(out))
	complete, err = in.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, complete)
	data, err := os.ReadFile(filepath.Join(out, "part_processed", "DEV", "archive_6.txt.err"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Error at line 0: ")
	assert.Contains(t, string(data), "Bool parameter with undefined value")
	assert.NoFileExists(t, filepath.Join(out, "processed", "DEV", "archive_6.txt.ok"))
}

func TestIngestDryRun(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "dry", "out.lp"))
	require.NoError(t, err)
	out := t.TempDir()
	path := testutil.WriteRawFile(t, t.TempDir(), "DEV", "archive_7.txt", time.Time{},
		testutil.ValueLine(time.Unix(1600000000, 0), 3, "a", "UINT8", "4", "bob", FlagValid))
	opts := options(out)
	opts.DryRun = true
	complete, err := NewIngester("DEV", path, sink, opts).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, `DEV,karabo_user="bob" a-UINT8=4i,_tid=3i 1600000000000000`+"\n", string(data))
	_, err = os.Stat(filepath.Join(out, "processed"))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestMissingFile(t *testing.T) {
	_, err := NewIngester("DEV", "/nonexistent/archive_0.txt", &FileSink{}, options("")).Run(context.Background())
	assert.True(t, kerrors.IsInvalid(err))
}

func TestClient(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	f.User, f.Password = "writer", "secret"
	ctx := context.Background()

	_, err := NewClient(InfluxConfig{URL: "ftp://x", Database: db})
	assert.True(t, kerrors.IsInvalid(err))
	_, err = NewClient(InfluxConfig{URL: f.URL})
	assert.True(t, kerrors.IsInvalid(err))

	bad, err := NewClient(InfluxConfig{URL: f.URL, Database: db, User: "writer", Password: "nope"})
	require.NoError(t, err)
	retries, err := bad.Write(ctx, []string{"m f=1i 1"}, time.Second)
	assert.Equal(t, kerrors.KindWrite, kerrors.KindOf(err))
	assert.Equal(t, 0, retries)

	c := newClient(t, f)
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.CreateDatabase(ctx))
	_, err = c.Write(ctx, []string{
		`m,digest="abc" schema_size=3i 1`,
		`m,digest="def" schema_size=4i 2`,
		`m,digest="abc" other=1i 3`,
	}, time.Second)
	require.NoError(t, err)

	n, err := c.FieldHas(ctx, "m", "schema_size", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = c.FieldHas(ctx, "m", "schema_size", `"digest" = '"abc"'`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.FieldHas(ctx, "nothing", "schema_size", "")
	require.NoError(t, err)
	assert.Zero(t, n)

	last, err := c.LastValue(ctx, "m", "schema_size")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Time)
	assert.Equal(t, json.Number("4"), last.Value)
	_, err = c.LastValue(ctx, "m", "missing")
	assert.Equal(t, kerrors.KindNotFound, kerrors.KindOf(err))

	_, err = c.Query(ctx, "DROP SERIES FROM m")
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
}
