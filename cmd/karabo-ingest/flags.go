package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	OutputDir       string
	DryRun          string
	WorkloadID      string
	ConcurrentTasks int
	Start, End      string
	ShowVersion     bool
	ShowHelp        bool

	Command string
	Args    []string
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("KARABO_CONFIG", ""),
		"Path to configuration file (env: KARABO_CONFIG)")
	fs.StringVar(&cfg.EnvFile, "env-file", "",
		"Dotenv file read before the process environment (default $KARABO/var/environment.env)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("KARABO_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: KARABO_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("KARABO_LOG_FORMAT", ""),
		"Log format: json, text (env: KARABO_LOG_FORMAT)")
	fs.StringVar(&cfg.OutputDir, "output-dir", getEnv("KARABO_INGEST_OUTPUT", "."),
		"Directory of markers and processed lists (env: KARABO_INGEST_OUTPUT)")
	fs.StringVar(&cfg.DryRun, "dry-run", "",
		"Write line protocol to this file instead of InfluxDB")
	fs.StringVar(&cfg.WorkloadID, "workload-id", "",
		"Workload id recorded in the processed lists (default: random)")
	fs.IntVar(&cfg.ConcurrentTasks, "concurrent-tasks",
		getEnvInt("KARABO_INGEST_CONCURRENT_TASKS", 4),
		"Parallel workloads of migrate (env: KARABO_INGEST_CONCURRENT_TASKS)")
	fs.StringVar(&cfg.Start, "start", "", "Only migrate files modified at or after this RFC 3339 time")
	fs.StringVar(&cfg.End, "end", "", "Only migrate files modified at or before this RFC 3339 time")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.Usage = func() { printHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command, cfg.Args = rest[0], rest[1:]
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	want := map[string]int{"file": 2, "schema": 2, "migrate": 1}
	n, ok := want[cfg.Command]
	switch {
	case cfg.Command == "":
		return fmt.Errorf("missing command")
	case !ok:
		return fmt.Errorf("unknown command %q", cfg.Command)
	case len(cfg.Args) != n:
		return fmt.Errorf("%s expects %d arguments, got %d", cfg.Command, n, len(cfg.Args))
	}
	if cfg.ConcurrentTasks < 1 {
		return fmt.Errorf("invalid concurrent tasks: %d", cfg.ConcurrentTasks)
	}
	for _, s := range []string{cfg.Start, cfg.End} {
		if _, err := parseTime(s); err != nil {
			return err
		}
	}
	return nil
}

// parseTime accepts RFC 3339 with or without a zone and a bare date.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func printHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - ingest raw data logger files into InfluxDB

Usage:
  %s [options] file <deviceId> <valueFile>
  %s [options] schema <deviceId> <schemaFile>
  %s [options] migrate <root>

Options:
`, appName, appName, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
The database is configured by KARABO_INFLUXDB_WRITE_URL, KARABO_INFLUXDB_DBNAME,
KARABO_INFLUXDB_WRITE_USER and KARABO_INFLUXDB_WRITE_PASSWORD or the influx
section of the configuration file.

Version: %s
`, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
