package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// EnvironmentFile is the dotenv file read below the Karabo root.
const EnvironmentFile = "var/environment.env"

// durationKeys lists the section.key paths holding durations. Files may
// give them as strings such as "20s" or "1d".
var durationKeys = [][2]string{
	{"broker", "timeout"},
	{"broker", "reconnect_wait"},
	{"heartbeat", "interval"},
	{"server", "scan_interval"},
	{"server", "kill_timeout"},
	{"influx", "write_timeout"},
}

// Loader builds a Config from defaults, file layers, a dotenv file and the
// process environment, later sources overriding earlier ones.
type Loader struct {
	layers     []string
	envFile    string
	validation bool
	lookup     func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// AddLayer adds a configuration file. The format follows the extension:
// .json, .yaml, .yml or .toml.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// SetEnvFile sets the dotenv file. Without one the loader reads
// $KARABO/var/environment.env when it exists.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// EnableValidation makes Load validate the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges all sources.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, kerrors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}
	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, kerrors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, kerrors.WrapInvalid(err, "Loader", "Load", "decode merged configuration")
	}

	env, err := l.environment(cfg)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile loads the defaults overridden by a single file and the
// environment.
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	l.AddLayer(path)
	l.EnableValidation(true)
	return l.Load()
}

// environment returns a lookup over the dotenv file and the process
// environment, the latter winning.
func (l *Loader) environment(cfg *Config) (func(string) (string, bool), error) {
	root := cfg.Karabo.Root
	if v, ok := l.lookup("KARABO"); ok && v != "" {
		root = v
	}
	path, required := l.envFile, true
	if path == "" && root != "" {
		path, required = filepath.Join(root, EnvironmentFile), false
	}
	dotenv := map[string]string{}
	if path != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			dotenv = m
		case required || !os.IsNotExist(err):
			return nil, kerrors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := checkNesting(data); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds.
func parseDurations(raw map[string]any) error {
	for _, k := range durationKeys {
		section, ok := raw[k[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[k[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", k[0], k[1], err)
		}
		section[k[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may be given in days ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// deepMergeMaps merges override into base, recursing into nested maps.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envVar binds one environment variable to a configuration field.
type envVar struct {
	name string
	set  func(*Config, string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setList(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*field(c) = out
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDurationWithDays(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// seconds accepts a bare number of seconds as well as a duration.
func seconds(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*field(c) = time.Duration(f * float64(time.Second))
			return nil
		}
		return setDuration(field)(c, v)
	}
}

var envVars = []envVar{
	{"KARABO", setString(func(c *Config) *string { return &c.Karabo.Root })},
	{"KARABO_BROKER", setList(func(c *Config) *[]string { return &c.Broker.URLs })},
	{"KARABO_BROKER_TOPIC", setString(func(c *Config) *string { return &c.Karabo.Topic })},
	{"KARABO_BROKER_TRANSPORT", setString(func(c *Config) *string { return &c.Broker.Transport })},
	{"KARABO_BROKER_USER", setString(func(c *Config) *string { return &c.Broker.User })},
	{"KARABO_BROKER_PASSWORD", setString(func(c *Config) *string { return &c.Broker.Password })},
	{"KARABO_BROKER_TOKEN", setString(func(c *Config) *string { return &c.Broker.Token })},
	{"KARABO_MQTT_TIMEOUT", seconds(func(c *Config) *time.Duration { return &c.Broker.Timeout })},
	{"KARABO_HOST", setString(func(c *Config) *string { return &c.Karabo.HostName })},
	{"KARABO_HEARTBEAT_INTERVAL", seconds(func(c *Config) *time.Duration { return &c.Heartbeat.Interval })},
	{"KARABO_SERVER_ID", setString(func(c *Config) *string { return &c.Server.ServerID })},
	{"KARABO_PLUGIN_DIR", setString(func(c *Config) *string { return &c.Server.PluginDirectory })},
	{"KARABO_PROJECT_DB", setString(func(c *Config) *string { return &c.ProjectDB.Root })},
	{"KARABO_PROJECT_DB_BACKEND", setString(func(c *Config) *string { return &c.ProjectDB.Backend })},
	{"KARABO_CONFIG_DB", setString(func(c *Config) *string { return &c.ConfigDB.Path })},
	{"KARABO_INFLUXDB_WRITE_URL", setString(func(c *Config) *string { return &c.Influx.URL })},
	{"KARABO_INFLUXDB_DBNAME", setString(func(c *Config) *string { return &c.Influx.Database })},
	{"KARABO_INFLUXDB_WRITE_USER", setString(func(c *Config) *string { return &c.Influx.User })},
	{"KARABO_INFLUXDB_WRITE_PASSWORD", setString(func(c *Config) *string { return &c.Influx.Password })},
	{"KARABO_INFLUXDB_LINES_PER_WRITE", setInt(func(c *Config) *int { return &c.Influx.LinesPerWrite })},
	{"KARABO_METRICS_PORT", setInt(func(c *Config) *int { return &c.Metrics.Port })},
	{"KARABO_LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"KARABO_LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := checkEnvValue(ev.name, v); err != nil {
			return kerrors.WrapInvalid(err, "Loader", "Load", "read "+ev.name)
		}
		if err := ev.set(cfg, v); err != nil {
			return kerrors.WrapInvalid(err, "Loader", "Load", "parse "+ev.name)
		}
	}
	return nil
}
