package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Broker transports
const (
	TransportNATS = "nats"
	TransportMQTT = "mqtt"
)

// Project store backends
const (
	ProjectBackendFile = "file"
	ProjectBackendKV   = "kv"
)

// Config is the process configuration shared by the Karabo binaries.
type Config struct {
	Karabo    KaraboConfig    `json:"karabo"`
	Broker    BrokerConfig    `json:"broker"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Server    ServerConfig    `json:"server"`
	ProjectDB ProjectDBConfig `json:"projectdb"`
	ConfigDB  ConfigDBConfig  `json:"configdb"`
	Influx    InfluxConfig    `json:"influx"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// KaraboConfig locates the installation and names the host.
type KaraboConfig struct {
	// Root is the installation directory, $KARABO.
	Root     string `json:"root"`
	Topic    string `json:"topic"`
	HostName string `json:"host_name,omitempty"`
}

// BrokerConfig holds the broker connection settings.
type BrokerConfig struct {
	Transport     string        `json:"transport"`
	URLs          []string      `json:"urls"`
	User          string        `json:"user,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           TLSConfig     `json:"tls"`
	Timeout       time.Duration `json:"timeout"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
}

// TLSConfig holds broker client certificates.
type TLSConfig struct {
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
	CA   string `json:"ca,omitempty"`
}

// HeartbeatConfig sets the heartbeat period of every instance and the
// number of periods a tracker waits before declaring an instance gone.
type HeartbeatConfig struct {
	Interval  time.Duration `json:"interval"`
	Countdown int           `json:"countdown"`
}

// ServerConfig configures a device server.
type ServerConfig struct {
	ServerID        string        `json:"server_id,omitempty"`
	PluginDirectory string        `json:"plugin_directory,omitempty"`
	ScanInterval    time.Duration `json:"scan_interval"`
	Visibility      string        `json:"visibility"`
	KillTimeout     time.Duration `json:"kill_timeout"`
	DeviceClasses   []string      `json:"device_classes,omitempty"`
}

// ProjectDBConfig selects the project store.
type ProjectDBConfig struct {
	Backend string   `json:"backend"`
	Root    string   `json:"root,omitempty"`
	Bucket  string   `json:"bucket,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

// ConfigDBConfig locates the configuration database.
type ConfigDBConfig struct {
	Path      string `json:"path,omitempty"`
	BulkLimit int    `json:"bulk_limit"`
}

// InfluxConfig holds the ingester's InfluxDB settings.
type InfluxConfig struct {
	URL                string        `json:"url,omitempty"`
	Database           string        `json:"database,omitempty"`
	User               string        `json:"user,omitempty"`
	Password           string        `json:"password,omitempty"`
	LinesPerWrite      int           `json:"lines_per_write"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	MaxPointsPerSecond float64       `json:"max_points_per_second,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Karabo: KaraboConfig{Topic: defaultTopic()},
		Broker: BrokerConfig{
			Transport:     TransportNATS,
			URLs:          []string{"nats://localhost:4222"},
			Timeout:       5 * time.Second,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 20 * time.Second, Countdown: 3},
		Server: ServerConfig{
			ScanInterval: 3 * time.Second,
			Visibility:   "OBSERVER",
			KillTimeout:  10 * time.Second,
		},
		ProjectDB: ProjectDBConfig{Backend: ProjectBackendFile, Bucket: "karabo-projects"},
		ConfigDB:  ConfigDBConfig{BulkLimit: 1000},
		Influx: InfluxConfig{
			Database:      "karabo",
			LinesPerWrite: 8000,
			WriteTimeout:  40 * time.Second,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// defaultTopic is the user name, as topics were per user before sites
// configured them.
func defaultTopic() string {
	u := strings.Map(func(r rune) rune {
		if strings.ContainsRune(topicReserved, r) {
			return -1
		}
		return r
	}, os.Getenv("USER"))
	if u == "" {
		return "karabo"
	}
	return u
}

// RootPath joins elem below the Karabo root.
func (c *Config) RootPath(elem ...string) string {
	return filepath.Join(append([]string{c.Karabo.Root}, elem...)...)
}

// ProjectRoot returns the file project store directory, defaulting to
// $KARABO/var/data/projects.
func (c *Config) ProjectRoot() string {
	if c.ProjectDB.Root != "" {
		return c.ProjectDB.Root
	}
	return c.RootPath("var", "data", "projects")
}

// ConfigDBPath returns the configuration database file, defaulting to
// $KARABO/var/data/karaboDB.
func (c *Config) ConfigDBPath() string {
	if c.ConfigDB.Path != "" {
		return c.ConfigDB.Path
	}
	return c.RootPath("var", "data", "karaboDB")
}

// topicReserved holds the characters that are separators or wildcards in
// NATS subjects or MQTT topics.
const topicReserved = ".*> /#+"

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "text": true}
	validAccess  = map[string]bool{"OBSERVER": true, "USER": true, "OPERATOR": true, "EXPERT": true, "ADMIN": true}
)

func invalid(format string, args ...any) error {
	return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...))
}

// Validate checks the configuration. File-backed services need the Karabo
// root; they check it themselves through RequireRoot.
func (c *Config) Validate() error {
	if c.Karabo.Topic == "" {
		return invalid("karabo.topic is required")
	}
	if strings.ContainsAny(c.Karabo.Topic, topicReserved) {
		return invalid("karabo.topic %q contains subject separators or wildcards", c.Karabo.Topic)
	}

	switch c.Broker.Transport {
	case TransportNATS, TransportMQTT:
	default:
		return invalid("broker.transport %q is not one of nats, mqtt", c.Broker.Transport)
	}
	if len(c.Broker.URLs) == 0 {
		return invalid("broker.urls is required")
	}
	for _, raw := range c.Broker.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("broker url %q is malformed", raw)
		}
	}
	if (c.Broker.TLS.Cert == "") != (c.Broker.TLS.Key == "") {
		return invalid("broker.tls needs both cert and key")
	}
	if c.Broker.Timeout < 0 || c.Broker.ReconnectWait < 0 {
		return invalid("broker durations must not be negative")
	}

	if c.Heartbeat.Interval <= 0 {
		return invalid("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Countdown < 1 {
		return invalid("heartbeat.countdown must be at least 1")
	}

	if !validAccess[strings.ToUpper(c.Server.Visibility)] {
		return invalid("server.visibility %q is not an access level", c.Server.Visibility)
	}
	if c.Server.ScanInterval < 0 || c.Server.KillTimeout < 0 {
		return invalid("server durations must not be negative")
	}

	switch c.ProjectDB.Backend {
	case ProjectBackendFile:
	case ProjectBackendKV:
		if c.ProjectDB.Bucket == "" {
			return invalid("projectdb.bucket is required for the kv backend")
		}
	default:
		return invalid("projectdb.backend %q is not one of file, kv", c.ProjectDB.Backend)
	}

	if c.ConfigDB.BulkLimit < 1 {
		return invalid("configdb.bulk_limit must be at least 1")
	}

	if c.Influx.URL != "" {
		u, err := url.Parse(c.Influx.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("influx.url %q must be http or https", c.Influx.URL)
		}
		if c.Influx.Database == "" {
			return invalid("influx.database is required with influx.url")
		}
	}
	if c.Influx.LinesPerWrite < 1 {
		return invalid("influx.lines_per_write must be at least 1")
	}
	if c.Influx.WriteTimeout <= 0 {
		return invalid("influx.write_timeout must be positive")
	}
	if c.Influx.MaxPointsPerSecond < 0 {
		return invalid("influx.max_points_per_second must not be negative")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}

	if !validLevels[strings.ToLower(c.Log.Level)] {
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		return invalid("log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

// RequireRoot fails unless the Karabo root is set and is a directory.
func (c *Config) RequireRoot() error {
	if c.Karabo.Root == "" {
		return kerrors.WrapInvalid(kerrors.ErrMissingConfig, "Config", "RequireRoot", "KARABO root is not set")
	}
	info, err := os.Stat(c.Karabo.Root)
	if err != nil {
		return kerrors.WrapInvalid(err, "Config", "RequireRoot", "stat KARABO root")
	}
	if !info.IsDir() {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "Config", "RequireRoot", c.Karabo.Root+" is not a directory")
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders c as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.Broker.Password, &masked.Broker.Token, &masked.Influx.Password} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes c as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// SafeConfig provides thread-safe access to a configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg; nil stands for the defaults.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
