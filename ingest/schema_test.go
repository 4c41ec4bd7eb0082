package ingest

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/testutil"
)

func schemaXML(t *testing.T, key string) string {
	t.Helper()
	xml, err := hash.EncodeXML(hash.New(key, hash.New("nodeType", int32(0), "displayedName", key)))
	require.NoError(t, err)
	return string(xml)
}

func TestEncodeSchemaChunks(t *testing.T) {
	enc, err := EncodeSchema(schemaXML(t, "motor"))
	require.NoError(t, err)
	assert.Len(t, enc.Digest, 40)
	require.Len(t, enc.Chunks, 1)

	raw, err := base64.StdEncoding.DecodeString(enc.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, enc.Size, len(raw))

	line := enc.Line("DEV", 5)
	assert.True(t, strings.HasPrefix(line, `DEV__SCHEMAS,digest="`+enc.Digest+`" schema_0="`))
	assert.True(t, strings.HasSuffix(line, ",n_schema_chunks=1i 5"))

	same, err := EncodeSchema(schemaXML(t, "motor"))
	require.NoError(t, err)
	assert.Equal(t, enc.Digest, same.Digest)
	other, err := EncodeSchema(schemaXML(t, "camera"))
	require.NoError(t, err)
	assert.NotEqual(t, enc.Digest, other.Digest)

	_, err = EncodeSchema("<root")
	assert.Error(t, err)
}

func TestSchemaEventLine(t *testing.T) {
	assert.Equal(t, `DEV__EVENTS,type="SCHEMA" schema_digest="ab" 10`, SchemaEventLine("DEV", "ab", 0, 10))
	assert.Equal(t, `DEV__EVENTS,type="SCHEMA" schema_digest="ab",_tid=3i 10`, SchemaEventLine("DEV", "ab", 3, 10))
}

func TestSchemaIngestDeduplicates(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	ctx := context.Background()
	ts := time.Unix(1600000000, 250_000_000)
	motor, camera := schemaXML(t, "motor"), schemaXML(t, "camera")

	root, out := t.TempDir(), t.TempDir()
	path := testutil.WriteRawFile(t, root, "DEV", SchemaFileName, time.Time{},
		testutil.SchemaLine(ts, 0, motor),
		testutil.SchemaLine(ts.Add(time.Second), 7, motor),
		testutil.SchemaLine(ts.Add(2*time.Second), 8, camera),
	)
	si := NewSchemaIngester("DEV", path, c, options(out))
	complete, err := si.Run(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 3, si.Stats().LinesProcessed)

	schemas := f.Measurement(db, "DEV__SCHEMAS")
	require.Len(t, schemas, 2)
	assert.Equal(t, int64(1600000000250000), schemas[0].Time)
	assert.Equal(t, "1i", schemas[0].Fields["n_schema_chunks"])

	events := f.Measurement(db, "DEV__EVENTS")
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, `"SCHEMA"`, e.Tags["type"])
	}
	assert.Equal(t, events[0].Fields["schema_digest"], events[1].Fields["schema_digest"])
	assert.Equal(t, "7i", events[1].Fields["_tid"])
	assert.Empty(t, events[0].Fields["_tid"])

	// A second file carrying a known schema only adds events.
	path2 := testutil.WriteRawFile(t, t.TempDir(), "DEV", SchemaFileName, time.Time{},
		testutil.SchemaLine(ts.Add(time.Hour), 9, motor))
	_, err = NewSchemaIngester("DEV", path2, c, options(t.TempDir())).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, f.Measurement(db, "DEV__SCHEMAS"), 2)
	assert.Len(t, f.Measurement(db, "DEV__EVENTS"), 4)

	// The marker makes a rerun a no-op.
	si = NewSchemaIngester("DEV", path, c, options(out))
	complete, err = si.Run(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.True(t, si.Skipped())
	assert.Len(t, f.Measurement(db, "DEV__EVENTS"), 4)

	list, err := os.ReadFile(filepath.Join(out, ProcessedSchemasFile))
	require.NoError(t, err)
	assert.Contains(t, string(list), "|w1|"+path)
}

func TestSchemaIngestBadLines(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	root, out := t.TempDir(), t.TempDir()
	path := testutil.WriteRawFile(t, root, "DEV", SchemaFileName, time.Time{},
		"1600000000",
		testutil.SchemaLine(time.Unix(1600000000, 0), 1, "<broken"),
		testutil.SchemaLine(time.Unix(1600000001, 0), 2, schemaXML(t, "motor")),
	)
	si := NewSchemaIngester("DEV", path, c, options(out))
	complete, err := si.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 1, si.Warnings())
	assert.Equal(t, 1, si.Stats().LinesProcessed)

	errs, err := os.ReadFile(filepath.Join(out, "part_processed", "DEV", SchemaFileName+".err"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "Error at line 1:")
	assert.False(t, Done(out, "DEV", path))
}

func TestFileSinkDryRun(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(filepath.Join(dir, "out", "dry.lp"))
	require.NoError(t, err)
	ctx := context.Background()

	root := t.TempDir()
	motor := schemaXML(t, "motor")
	path := testutil.WriteRawFile(t, root, "DEV", SchemaFileName, time.Time{},
		testutil.SchemaLine(time.Unix(1600000000, 0), 0, motor),
		testutil.SchemaLine(time.Unix(1600000001, 0), 0, motor),
	)
	opts := options(dir)
	opts.DryRun = true
	_, err = NewSchemaIngester("DEV", path, sink, opts).Run(ctx)
	require.NoError(t, err)

	enc, err := EncodeSchema(motor)
	require.NoError(t, err)
	exists, err := sink.DigestExists(ctx, "DEV", enc.Digest)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = sink.DigestExists(ctx, "OTHER", enc.Digest)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "DEV__SCHEMAS,"))
	assert.Equal(t, 2, strings.Count(string(data), "DEV__EVENTS,"))
	assert.NoFileExists(t, filepath.Join(dir, "processed", "DEV", SchemaFileName+".ok"))
}
