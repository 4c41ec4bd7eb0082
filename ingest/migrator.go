package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

const (
	// DefaultConcurrentTasks is the number of workloads run in parallel.
	DefaultConcurrentTasks = 4
	// SchemaFileName is the schema file of a device.
	SchemaFileName = "archive_schema.txt"

	previousRunFile = ".previous_run.txt"
	runInfoFile     = ".run_info.json"
)

var valueFileName = regexp.MustCompile(`^archive_[0-9]+\.txt$`)

// MigratorConfig configures a directory migration.
type MigratorConfig struct {
	// InputDir is scanned for <deviceId>/raw directories.
	InputDir string
	// OutputDir receives markers, processed lists and run backups.
	OutputDir       string
	ConcurrentTasks int
	// Start and End bound the modification times of migrated files. Zero
	// values leave the range open.
	Start, End time.Time
	Options    Options
}

// Validate checks the migration settings.
func (c MigratorConfig) Validate() error {
	if c.InputDir == "" {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "MigratorConfig", "Validate", "input directory is required")
	}
	if c.OutputDir == "" {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "MigratorConfig", "Validate", "output directory is required")
	}
	if !c.Start.IsZero() && !c.End.IsZero() && c.End.Before(c.Start) {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "MigratorConfig", "Validate", "end before start")
	}
	return nil
}

// Job is one file to migrate.
type Job struct {
	DeviceID string
	Path     string
	ModTime  float64
}

// WorkloadInfo describes one workload of a run.
type WorkloadInfo struct {
	ID    string `json:"workload_id"`
	Files int    `json:"files"`
}

// RunInfo is written to .run_info.json at the start and end of a run.
type RunInfo struct {
	StartTime float64        `json:"start_time"`
	EndTime   float64        `json:"end_time,omitempty"`
	Workloads []WorkloadInfo `json:"workloads_info"`
}

// Summary counts the outcome of a run.
type Summary struct {
	Processed     int64
	PartProcessed int64
	Skipped       int64
}

// Migrator ingests every raw logger file below a directory tree.
type Migrator struct {
	cfg    MigratorConfig
	store  SchemaStore
	logger *slog.Logger

	processed, partial, skipped atomic.Int64
}

// NewMigrator creates a migrator writing to store.
func NewMigrator(cfg MigratorConfig, store SchemaStore) (*Migrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConcurrentTasks <= 0 {
		cfg.ConcurrentTasks = DefaultConcurrentTasks
	}
	cfg.Options.OutputDir = cfg.OutputDir
	cfg.Options.defaults()
	return &Migrator{
		cfg:    cfg,
		store:  store,
		logger: cfg.Options.Logger.With("component", "migrator"),
	}, nil
}

// loadProcessed reads a processed list into path -> modification time.
func loadProcessed(path string, into map[string]float64) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "|", 3)
		if len(fields) != 3 {
			continue
		}
		mtime, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		into[fields[2]] = mtime
	}
	return sc.Err()
}

// Scan lists the files to migrate, newest first.
func (m *Migrator) Scan() ([]Job, error) {
	done := map[string]float64{}
	for _, name := range []string{ProcessedPropsFile, ProcessedSchemasFile} {
		if err := loadProcessed(filepath.Join(m.cfg.OutputDir, name), done); err != nil {
			return nil, kerrors.WrapFatal(err, "Migrator", "Scan", "read "+name)
		}
	}
	var jobs []Job
	err := filepath.WalkDir(m.cfg.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(filepath.Dir(path)) != "raw" {
			return nil
		}
		name := d.Name()
		if !valueFileName.MatchString(name) && name != SchemaFileName {
			return nil
		}
		deviceID, err := filepath.Rel(m.cfg.InputDir, filepath.Dir(filepath.Dir(path)))
		if err != nil || deviceID == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := epochSeconds(info.ModTime())
		if prev, ok := done[path]; (ok && prev == mtime) || Done(m.cfg.OutputDir, deviceID, path) {
			m.logger.Debug("Already migrated", "path", path)
			m.skipped.Add(1)
			return nil
		}
		if (!m.cfg.Start.IsZero() && info.ModTime().Before(m.cfg.Start)) ||
			(!m.cfg.End.IsZero() && info.ModTime().After(m.cfg.End)) {
			m.logger.Debug("Outside date range", "path", path)
			m.skipped.Add(1)
			return nil
		}
		jobs = append(jobs, Job{DeviceID: filepath.ToSlash(deviceID), Path: path, ModTime: mtime})
		return nil
	})
	if err != nil {
		return nil, kerrors.WrapFatal(err, "Migrator", "Scan", "walk "+m.cfg.InputDir)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ModTime > jobs[j].ModTime })
	return jobs, nil
}

// Split deals jobs round-robin over n workloads, dropping empty ones.
func Split(jobs []Job, n int) [][]Job {
	out := make([][]Job, n)
	for i, j := range jobs {
		out[i%n] = append(out[i%n], j)
	}
	var nonEmpty [][]Job
	for _, w := range out {
		if len(w) > 0 {
			nonEmpty = append(nonEmpty, w)
		}
	}
	return nonEmpty
}

func (m *Migrator) previousRun() (int, error) {
	data, err := os.ReadFile(filepath.Join(m.cfg.OutputDir, previousRunFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// backup moves the markers and run info of the previous run into
// run_<NNN> and increments the run number.
func (m *Migrator) backup() error {
	out := m.cfg.OutputDir
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	prev, err := m.previousRun()
	if err != nil {
		return err
	}
	moved := false
	dir := filepath.Join(out, fmt.Sprintf("run_%03d", prev))
	for _, name := range []string{"processed", "part_processed", runInfoFile} {
		src := filepath.Join(out, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if !moved {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			moved = true
		}
		dst := filepath.Join(dir, name)
		if name == runInfoFile {
			dst = filepath.Join(dir, "run_info.json")
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(out, previousRunFile), []byte(strconv.Itoa(prev+1)), 0o644)
}

func (m *Migrator) saveRunInfo(info RunInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.cfg.OutputDir, runInfoFile), data, 0o644)
}

// Run migrates all pending files. Files failing to ingest are counted as
// partially processed; only scan and bookkeeping failures abort the run.
func (m *Migrator) Run(ctx context.Context) (Summary, error) {
	m.processed.Store(0)
	m.partial.Store(0)
	m.skipped.Store(0)
	start := time.Now()

	jobs, err := m.Scan()
	if err != nil {
		return Summary{}, err
	}
	if err := m.backup(); err != nil {
		return Summary{}, kerrors.WrapFatal(err, "Migrator", "Run", "back up previous run")
	}
	workloads := Split(jobs, m.cfg.ConcurrentTasks)
	info := RunInfo{StartTime: epochSeconds(start)}
	ids := make([]string, len(workloads))
	for i, w := range workloads {
		ids[i] = uuid.NewString()
		info.Workloads = append(info.Workloads, WorkloadInfo{ID: ids[i], Files: len(w)})
	}
	if err := m.saveRunInfo(info); err != nil {
		return Summary{}, kerrors.WrapFatal(err, "Migrator", "Run", "write run info")
	}
	m.logger.Info("Migration started", "files", len(jobs), "workloads", len(workloads))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workloads {
		g.Go(func() error { return m.migrate(gctx, ids[i], w) })
	}
	err = g.Wait()

	info.EndTime = epochSeconds(time.Now())
	if serr := m.saveRunInfo(info); serr != nil && err == nil {
		err = kerrors.WrapFatal(serr, "Migrator", "Run", "write run info")
	}
	sum := Summary{
		Processed:     m.processed.Load(),
		PartProcessed: m.partial.Load(),
		Skipped:       m.skipped.Load(),
	}
	m.logger.Info("Migration finished", "processed", sum.Processed,
		"part_processed", sum.PartProcessed, "skipped", sum.Skipped, "elapsed", time.Since(start))
	return sum, err
}

func (m *Migrator) migrate(ctx context.Context, id string, jobs []Job) error {
	opts := m.cfg.Options
	opts.WorkloadID = id
	logger := m.logger.With("workload_id", id)
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ok bool
		var err error
		if filepath.Base(j.Path) == SchemaFileName {
			ok, err = NewSchemaIngester(j.DeviceID, j.Path, m.store, opts).Run(ctx)
		} else {
			ok, err = NewIngester(j.DeviceID, j.Path, m.store, opts).Run(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || !ok {
			m.partial.Add(1)
			logger.Warn("Migration failed", "path", j.Path, "error", err)
			continue
		}
		m.processed.Add(1)
		logger.Debug("Migrated", "path", j.Path)
	}
	return nil
}
