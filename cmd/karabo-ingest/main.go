// Package main implements karabo-ingest, which converts the raw files of
// the file based data loggers into InfluxDB line protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/ingest"
	"github.com/European-XFEL/Karabo-sub011/runtime"
)

// Build information constants
const (
	Version   = "2.20.0"
	BuildTime = "dev"
	appName   = "karabo-ingest"
)

// errPartial reports a file that was only partially ingested.
var errPartial = errors.New("partially processed")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	default:
		slog.Error("Ingest failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cli, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printHelp(fs)
		return nil
	}
	if err := validateFlags(cli); err != nil {
		printHelp(fs)
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(shutdownCtx)
	}()
	if _, err := rt.ServeMetrics(); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}

	store, err := openStore(cli, cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		rt.OnClose("store", func(context.Context) error { return closer.Close() })
	}

	opts := ingest.Options{
		OutputDir:     cli.OutputDir,
		LinesPerWrite: cfg.Influx.LinesPerWrite,
		WriteTimeout:  cfg.Influx.WriteTimeout,
		WorkloadID:    cli.WorkloadID,
		DryRun:        cli.DryRun != "",
		Limiter:       newLimiter(cfg.Influx.MaxPointsPerSecond, cfg.Influx.LinesPerWrite),
		Metrics:       rt.Metrics(),
		Logger:        logger,
	}
	if opts.WorkloadID == "" {
		opts.WorkloadID = uuid.NewString()
	}

	switch cli.Command {
	case "file":
		in := ingest.NewIngester(cli.Args[0], cli.Args[1], store, opts)
		complete, err := in.Run(ctx)
		return report(stdout, cli.Args[1], complete, in.Skipped(), in.Stats(), err)
	case "schema":
		in := ingest.NewSchemaIngester(cli.Args[0], cli.Args[1], store, opts)
		complete, err := in.Run(ctx)
		return report(stdout, cli.Args[1], complete, in.Skipped(), in.Stats(), err)
	default:
		return migrate(ctx, stdout, cli, store, opts)
	}
}

func migrate(ctx context.Context, stdout io.Writer, cli *CLIConfig, store ingest.SchemaStore, opts ingest.Options) error {
	start, _ := parseTime(cli.Start)
	end, _ := parseTime(cli.End)
	m, err := ingest.NewMigrator(ingest.MigratorConfig{
		InputDir:        cli.Args[0],
		OutputDir:       cli.OutputDir,
		ConcurrentTasks: cli.ConcurrentTasks,
		Start:           start,
		End:             end,
		Options:         opts,
	}, store)
	if err != nil {
		return err
	}
	sum, err := m.Run(ctx)
	_, _ = fmt.Fprintf(stdout, "processed=%d part_processed=%d skipped=%d\n", sum.Processed, sum.PartProcessed, sum.Skipped)
	if err != nil {
		return err
	}
	if sum.PartProcessed > 0 {
		return fmt.Errorf("%d files %w", sum.PartProcessed, errPartial)
	}
	return nil
}

func report(stdout io.Writer, path string, complete, skipped bool, stats ingest.Stats, err error) error {
	if err != nil {
		return err
	}
	switch {
	case skipped:
		_, _ = fmt.Fprintf(stdout, "%s: already processed\n", path)
	case !complete:
		return fmt.Errorf("%s: %w", path, errPartial)
	default:
		_, _ = fmt.Fprintf(stdout, "%s: %d lines in %.3fs\n", path, stats.LinesProcessed, stats.ElapsedSecs)
	}
	return nil
}

// openStore returns a file sink for dry runs and the InfluxDB client
// otherwise.
func openStore(cli *CLIConfig, cfg *config.Config) (ingest.SchemaStore, error) {
	if cli.DryRun != "" {
		return ingest.NewFileSink(cli.DryRun)
	}
	client, err := ingest.NewClient(ingest.InfluxConfig{
		URL:      cfg.Influx.URL,
		Database: cfg.Influx.Database,
		User:     cfg.Influx.User,
		Password: cfg.Influx.Password,
		Timeout:  cfg.Influx.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("influx client: %w", err)
	}
	return client, nil
}

// newLimiter throttles writes to pps points per second. A burst holds at
// least one full write.
func newLimiter(pps float64, linesPerWrite int) *rate.Limiter {
	if pps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(pps), max(linesPerWrite, int(pps)))
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	l := config.NewLoader()
	if cli.ConfigPath != "" {
		l.AddLayer(cli.ConfigPath)
	}
	if cli.EnvFile != "" {
		l.SetEnvFile(cli.EnvFile)
	}
	cfg, err := l.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
