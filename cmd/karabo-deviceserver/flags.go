package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// Args are the key=value server arguments after the flags.
	Args []string
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
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("KARABO_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: KARABO_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.Usage = func() { printHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// ServerArgs are the key=value arguments of the command line.
type ServerArgs struct {
	ServerID          string
	DeviceClasses     []string
	PluginDirectory   string
	Visibility        string
	LogLevel          string
	LogFormat         string
	HeartbeatInterval time.Duration
	// Init maps device ids to configurations carrying a classId.
	Init *hash.Hash
}

// parseServerArgs reads serverId=..., deviceClasses=A,B, pluginDirectory=...,
// visibility=..., heartbeatInterval=<seconds>, log.level=..., log.format=...
// and init=<JSON object of deviceId to configuration>.
func parseServerArgs(args []string) (*ServerArgs, error) {
	sa := &ServerArgs{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		switch key {
		case "serverId":
			sa.ServerID = value
		case "deviceClasses":
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					sa.DeviceClasses = append(sa.DeviceClasses, c)
				}
			}
		case "pluginDirectory":
			sa.PluginDirectory = value
		case "visibility":
			sa.Visibility = value
		case "log.level", "Logger.priority":
			sa.LogLevel = strings.ToLower(value)
		case "log.format":
			sa.LogFormat = value
		case "heartbeatInterval":
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid heartbeatInterval %q", value)
			}
			sa.HeartbeatInterval = time.Duration(secs * float64(time.Second))
		case "init":
			h, err := hash.FromJSON([]byte(value))
			if err != nil {
				return nil, fmt.Errorf("invalid init: %w", err)
			}
			for _, n := range h.Nodes() {
				cfg, ok := n.Hash()
				if !ok || !cfg.Has("classId") {
					return nil, fmt.Errorf("init entry %q needs a classId", n.Key())
				}
			}
			sa.Init = h
		default:
			return nil, fmt.Errorf("unknown argument %q", key)
		}
	}
	return sa, nil
}

// apply overrides the configuration with the command line.
func (sa *ServerArgs) apply(cfg *config.Config, cli *CLIConfig) {
	if sa.ServerID != "" {
		cfg.Server.ServerID = sa.ServerID
	}
	if len(sa.DeviceClasses) > 0 {
		cfg.Server.DeviceClasses = sa.DeviceClasses
	}
	if sa.PluginDirectory != "" {
		cfg.Server.PluginDirectory = sa.PluginDirectory
	}
	if sa.Visibility != "" {
		cfg.Server.Visibility = strings.ToUpper(sa.Visibility)
	}
	if sa.HeartbeatInterval > 0 {
		cfg.Heartbeat.Interval = sa.HeartbeatInterval
	}
	for _, level := range []string{cli.LogLevel, sa.LogLevel} {
		if level != "" {
			cfg.Log.Level = level
		}
	}
	for _, format := range []string{cli.LogFormat, sa.LogFormat} {
		if format != "" {
			cfg.Log.Format = format
		}
	}
}

// defaultServerID is <host>_Server_<pid>.
func defaultServerID() string {
	host, _ := os.Hostname()
	host, _, _ = strings.Cut(host, ".")
	return fmt.Sprintf("%s_Server_%d", host, os.Getpid())
}

func printHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - Karabo device server

Usage: %s [options] serverId=<id> [key=value ...]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Server arguments:
  serverId=<id>               instance id of the server (default <host>_Server_<pid>)
  deviceClasses=A,B           restrict the offered classes
  pluginDirectory=<dir>       directory of plugin manifests
  visibility=<level>          OBSERVER, USER, OPERATOR, EXPERT or ADMIN
  heartbeatInterval=<secs>    heartbeat period
  log.level=<level>           log level of server and devices
  init='{"dev/1": {"classId": "PropertyTest"}}'
                              devices started with the server

Version: %s
`, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
