package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/testutil"
)

func TestMigratorConfigValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		cfg     MigratorConfig
		wantErr bool
	}{
		{"valid", MigratorConfig{InputDir: "in", OutputDir: "out"}, false},
		{"no input", MigratorConfig{OutputDir: "out"}, true},
		{"no output", MigratorConfig{InputDir: "in"}, true},
		{"inverted range", MigratorConfig{InputDir: "in", OutputDir: "out", Start: now, End: now.Add(-time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, kerrors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSplit(t *testing.T) {
	jobs := []Job{{Path: "a"}, {Path: "b"}, {Path: "c"}}
	got := Split(jobs, 2)
	require.Len(t, got, 2)
	assert.Equal(t, []Job{{Path: "a"}, {Path: "c"}}, got[0])
	assert.Equal(t, []Job{{Path: "b"}}, got[1])

	assert.Len(t, Split(jobs, 5), 3)
	assert.Empty(t, Split(nil, 4))
}

func TestMigratorScan(t *testing.T) {
	root, out := t.TempDir(), t.TempDir()
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	v := testutil.ValueLine(base, 1, "x", "INT32", "1", "", FlagValid)
	old := testutil.WriteRawFile(t, root, "A/DEV", "archive_1.txt", base, v)
	newer := testutil.WriteRawFile(t, root, "A/DEV", "archive_2.txt", base.Add(48*time.Hour), v)
	schema := testutil.WriteRawFile(t, root, "B", SchemaFileName, base.Add(24*time.Hour),
		testutil.SchemaLine(base, 0, schemaXML(t, "b")))
	testutil.WriteRawFile(t, root, "B", "archive_index.txt", base, "ignored")
	testutil.WriteRawFile(t, root, "B", "notes.txt", base, "ignored")

	m, err := NewMigrator(MigratorConfig{InputDir: root, OutputDir: out, Options: options(out)}, nil)
	require.NoError(t, err)
	jobs, err := m.Scan()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, newer, jobs[0].Path)
	assert.Equal(t, "A/DEV", jobs[0].DeviceID)
	assert.Equal(t, schema, jobs[1].Path)
	assert.Equal(t, "B", jobs[1].DeviceID)
	assert.Equal(t, old, jobs[2].Path)

	m, err = NewMigrator(MigratorConfig{
		InputDir:  root,
		OutputDir: out,
		Start:     base.Add(time.Hour),
		End:       base.Add(30 * time.Hour),
		Options:   options(out),
	}, nil)
	require.NoError(t, err)
	jobs, err = m.Scan()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, schema, jobs[0].Path)
}

func TestMigratorRun(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	c := newClient(t, f)
	ctx := context.Background()
	root, out := t.TempDir(), t.TempDir()
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, dev := range []string{"SA1/MOTOR/X", "SA1/MOTOR/Y", "SA2/CAM"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		testutil.WriteRawFile(t, root, dev, "archive_1.txt", ts,
			testutil.ValueLine(ts, 10, "position", "DOUBLE", "1.5", "alice", FlagValid))
		testutil.WriteRawFile(t, root, dev, SchemaFileName, ts,
			testutil.SchemaLine(ts, 0, schemaXML(t, "position")))
	}
	broken := testutil.WriteRawFile(t, root, "SA2/CAM", "archive_2.txt", base,
		testutil.ValueLine(base, 1, "flag", "BOOL", "7", "", FlagValid))

	cfg := MigratorConfig{InputDir: root, OutputDir: out, ConcurrentTasks: 2, Options: options(out)}
	m, err := NewMigrator(cfg, c)
	require.NoError(t, err)
	sum, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 6, PartProcessed: 1}, sum)

	assert.Len(t, f.Measurement(db, "SA1/MOTOR/X"), 1)
	assert.Len(t, f.Measurement(db, "SA2/CAM__SCHEMAS"), 1)
	assert.FileExists(t, filepath.Join(out, "processed", "SA1", "MOTOR", "Y", SchemaFileName+".ok"))
	assert.FileExists(t, filepath.Join(out, "part_processed", "SA2", "CAM", "archive_2.txt.err"))

	data, err := os.ReadFile(filepath.Join(out, ".run_info.json"))
	require.NoError(t, err)
	var info RunInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.NotZero(t, info.EndTime)
	require.Len(t, info.Workloads, 2)
	assert.Equal(t, 7, info.Workloads[0].Files+info.Workloads[1].Files)
	assert.NotEqual(t, info.Workloads[0].ID, info.Workloads[1].ID)

	run, err := os.ReadFile(filepath.Join(out, previousRunFile))
	require.NoError(t, err)
	assert.Equal(t, "1", string(run))

	// The second run backs up the markers and only retries the broken file.
	writes := f.Writes()
	sum, err = m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{PartProcessed: 1, Skipped: 6}, sum)
	assert.Equal(t, writes, f.Writes())
	assert.DirExists(t, filepath.Join(out, "run_001", "processed"))
	assert.FileExists(t, filepath.Join(out, "run_001", "run_info.json"))
	assert.FileExists(t, filepath.Join(out, "part_processed", "SA2", "CAM", "archive_2.txt.err"))
	assert.FileExists(t, broken)

	run, err = os.ReadFile(filepath.Join(out, previousRunFile))
	require.NoError(t, err)
	assert.Equal(t, "2", string(run))
}

func TestMigratorCancelled(t *testing.T) {
	f := testutil.NewFakeInflux(t)
	root, out := t.TempDir(), t.TempDir()
	testutil.WriteRawFile(t, root, "DEV", "archive_1.txt", time.Time{},
		testutil.ValueLine(time.Now(), 1, "x", "INT32", "1", "", FlagValid))
	m, err := NewMigrator(MigratorConfig{InputDir: root, OutputDir: out, Options: options(out)}, newClient(t, f))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Writes())
}
