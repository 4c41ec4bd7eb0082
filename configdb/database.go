package configdb

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

const (
	// ConfigurationLimit is the number of named configurations one device
	// may have.
	ConfigurationLimit = 300
	// MaxNameLength bounds configuration names (exclusive).
	MaxNameLength = 80
	// TimeFormat renders timepoints; it sorts lexically.
	TimeFormat = "2006-01-02T15:04:05.000000"
	// AnonymousUser is stored when a save names no user.
	AnonymousUser = "."
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS config_schema (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	digest TEXT NOT NULL UNIQUE,
	schema_data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS config_set (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_set_id TEXT NOT NULL,
	config_name TEXT NOT NULL CHECK (length(config_name) < 80),
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 3),
	user TEXT NOT NULL DEFAULT '.',
	overwritable INTEGER NOT NULL DEFAULT 0,
	UNIQUE (device_set_id, config_name)
);

CREATE TABLE IF NOT EXISTS device_config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	config_set_id INTEGER NOT NULL REFERENCES config_set(id) ON DELETE CASCADE,
	device_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	config_data BLOB NOT NULL,
	schema_id INTEGER NOT NULL REFERENCES config_schema(id),
	UNIQUE (config_set_id, device_id)
);

CREATE INDEX IF NOT EXISTS idx_device_config_device_id ON device_config(device_id);
CREATE INDEX IF NOT EXISTS idx_config_set_name ON config_set(config_name);
`

// DeviceConfig is the captured state of one device.
type DeviceConfig struct {
	DeviceID string
	Config   *hash.Hash
	Schema   *hash.Schema
}

// SaveOptions are the attributes shared by the configurations of one save.
type SaveOptions struct {
	Description string
	User        string
	// Priority 1..3; 3 is used to instantiate devices.
	Priority int
	// Timestamp of the configurations; now when zero.
	Timestamp time.Time
	// Overwritable marks a new set as updatable by later saves of the same
	// devices.
	Overwritable bool
	// Overwrite replaces existing configurations of the name.
	Overwrite bool
}

// Record is one stored device configuration.
type Record struct {
	SetID        int64
	DeviceID     string
	Name         string
	Description  string
	User         string
	Priority     int
	Overwritable bool
	Timestamp    time.Time
	// Single is set when the configuration was saved on its own.
	Single bool
	// Config and Schema are filled by the Get methods only.
	Config *hash.Hash
	Schema *hash.Schema
}

// SetRecord summarizes configurations saved together under one name.
type SetRecord struct {
	SetID        int64
	Name         string
	Description  string
	User         string
	Priority     int
	Overwritable bool
	Count        int
	Min, Max     time.Time
}

// Diff is the time between the first and the last configuration of the set.
func (s SetRecord) Diff() time.Duration { return s.Max.Sub(s.Min) }

// Database is the SQLite configuration database.
type Database struct {
	db   *sql.DB
	path string
	now  func() time.Time

	// serializes writers
	mu sync.Mutex
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Database, error) {
	if path == "" {
		return nil, kerrors.WrapInvalid(errors.New("empty path"), "Database", "Open", "path validation")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kerrors.WrapFatal(err, "Database", "Open", "create directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, kerrors.WrapFatal(err, "Database", "Open", "open sqlite")
	}
	if path == ":memory:" {
		// every pooled connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		db.Close()
		return nil, kerrors.WrapFatal(err, "Database", "Open", "configure sqlite")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, kerrors.WrapFatal(err, "Database", "Open", "create tables")
	}
	return &Database{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file.
func (d *Database) Path() string { return d.path }

// Close closes the database.
func (d *Database) Close() error { return d.db.Close() }

// DeviceSetID identifies a set of devices independent of their order.
func DeviceSetID(deviceIDs []string) string {
	ids := append([]string(nil), deviceIDs...)
	sort.Strings(ids)
	sum := sha1.Sum([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:])
}

// SchemaDigest is the sha1 of the binary encoding of s.
func SchemaDigest(s *hash.Schema) (string, []byte, error) {
	data, err := encodeSchema(s)
	if err != nil {
		return "", nil, err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), data, nil
}

func encodeSchema(s *hash.Schema) ([]byte, error) {
	return hash.EncodeBinary(hash.New("schema", s))
}

func decodeSchema(data []byte) (*hash.Schema, error) {
	h, err := hash.DecodeBinary(data)
	if err != nil {
		return nil, err
	}
	s, ok := h.Value("schema").(*hash.Schema)
	if !ok {
		return nil, kerrors.New(kerrors.KindValidation, "stored schema is not a Schema")
	}
	return s, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func validateSave(name string, configs []DeviceConfig, opts SaveOptions) error {
	if name == "" {
		return kerrors.New(kerrors.KindValidation, "Please provide a configuration name.")
	}
	if len(name) >= MaxNameLength {
		return kerrors.Newf(kerrors.KindValidation, "Please provide a name with less than %d characters.", MaxNameLength)
	}
	if opts.Priority < 1 || opts.Priority > 3 {
		return kerrors.New(kerrors.KindValidation, "Please provide a priority value between 1 and 3.")
	}
	if len(configs) == 0 {
		return kerrors.New(kerrors.KindValidation, "Please provide at least one device configuration.")
	}
	seen := make(map[string]bool, len(configs))
	for i, c := range configs {
		if c.DeviceID == "" || c.Config == nil || c.Schema == nil {
			return kerrors.Newf(kerrors.KindValidation, "Configuration #%d is incomplete.", i)
		}
		if seen[c.DeviceID] {
			return kerrors.Newf(kerrors.KindValidation, "Device %s is given twice.", c.DeviceID)
		}
		seen[c.DeviceID] = true
	}
	return nil
}

// Save stores configs under name in one transaction. A name already used
// by one of the devices fails with NameTaken, unless opts.Overwrite is set
// or the existing configurations form an overwritable set of exactly these
// devices.
func (d *Database) Save(ctx context.Context, name string, configs []DeviceConfig, opts SaveOptions) error {
	if err := validateSave(name, configs, opts); err != nil {
		return err
	}
	if opts.User == "" {
		opts.User = AnonymousUser
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	ids := make([]string, len(configs))
	for i, c := range configs {
		ids[i] = c.DeviceID
	}
	setDigest := DeviceSetID(ids)

	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "begin transaction")
	}
	defer tx.Rollback()

	existing, err := existingSets(ctx, tx, name, ids)
	if err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "look up name")
	}

	var setID int64
	switch {
	case len(existing) == 0:
	case opts.Overwrite:
		if err := dropDevices(ctx, tx, name, ids); err != nil {
			return kerrors.WrapTransient(err, "Database", "Save", "drop overwritten configurations")
		}
	case len(existing) == 1 && existing[0].overwritable && existing[0].digest == setDigest:
		setID = existing[0].id
	default:
		return kerrors.Newf(kerrors.KindNameTaken,
			"The config name %s is already taken for at least one of the device(s) %v", name, ids)
	}

	if setID == 0 {
		if err := checkLimits(ctx, tx, ids); err != nil {
			return err
		}
		setID, err = upsertSet(ctx, tx, setDigest, name, opts)
		if err != nil {
			return kerrors.WrapTransient(err, "Database", "Save", "insert config set")
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE config_set SET description = ?, priority = ?, user = ? WHERE id = ?`,
			opts.Description, opts.Priority, opts.User, setID); err != nil {
			return kerrors.WrapTransient(err, "Database", "Save", "update config set")
		}
	}

	for _, c := range configs {
		if err := putConfig(ctx, tx, setID, c, ts); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "commit")
	}
	return nil
}

type setRow struct {
	id           int64
	digest       string
	overwritable bool
}

// existingSets returns the sets holding configurations of name for any of
// ids, plus overwritable sets of name for other devices.
func existingSets(ctx context.Context, tx *sql.Tx, name string, ids []string) ([]setRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.device_set_id, s.overwritable
		FROM config_set s
		LEFT JOIN device_config c ON c.config_set_id = s.id
		WHERE s.config_name = ?
		  AND (c.device_id IN (`+placeholders(len(ids))+`) OR s.overwritable = 1)`,
		append([]any{name}, anyArgs(ids)...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []setRow
	for rows.Next() {
		var r setRow
		if err := rows.Scan(&r.id, &r.digest, &r.overwritable); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func dropDevices(ctx context.Context, tx *sql.Tx, name string, ids []string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM device_config
		WHERE device_id IN (`+placeholders(len(ids))+`)
		  AND config_set_id IN (SELECT id FROM config_set WHERE config_name = ?)`,
		append(anyArgs(ids), name)...); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM config_set
		WHERE config_name = ?
		  AND NOT EXISTS (SELECT 1 FROM device_config c WHERE c.config_set_id = config_set.id)`, name)
	return err
}

func checkLimits(ctx context.Context, tx *sql.Tx, ids []string) error {
	var over int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT device_id FROM device_config
			WHERE device_id IN (`+placeholders(len(ids))+`)
			GROUP BY device_id
			HAVING COUNT(*) >= ?
		)`, append(anyArgs(ids), ConfigurationLimit)...).Scan(&over)
	if err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "count configurations")
	}
	if over > 0 {
		return kerrors.Newf(kerrors.KindValidation,
			"One of the devices %v would exceed the number of configurations per device, %d.", ids, ConfigurationLimit)
	}
	return nil
}

func upsertSet(ctx context.Context, tx *sql.Tx, digest, name string, opts SaveOptions) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM config_set WHERE device_set_id = ? AND config_name = ?`, digest, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO config_set (device_set_id, config_name, description, priority, user, overwritable)
		VALUES (?, ?, ?, ?, ?, ?)`,
		digest, name, opts.Description, opts.Priority, opts.User, opts.Overwritable)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func schemaID(ctx context.Context, tx *sql.Tx, s *hash.Schema) (int64, error) {
	digest, data, err := SchemaDigest(s)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM config_schema WHERE digest = ?`, digest).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO config_schema (digest, schema_data) VALUES (?, ?)`, digest, data)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func putConfig(ctx context.Context, tx *sql.Tx, setID int64, c DeviceConfig, ts time.Time) error {
	sid, err := schemaID(ctx, tx, c.Schema)
	if err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "store schema of "+c.DeviceID)
	}
	data, err := hash.EncodeBinary(c.Config)
	if err != nil {
		return kerrors.Wrap(err, "Database", "Save", "encode configuration of "+c.DeviceID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_config (config_set_id, device_id, timestamp, config_data, schema_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (config_set_id, device_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			config_data = excluded.config_data,
			schema_id = excluded.schema_id`,
		setID, c.DeviceID, formatTime(ts), data, sid)
	if err != nil {
		return kerrors.WrapTransient(err, "Database", "Save", "store configuration of "+c.DeviceID)
	}
	return nil
}

const recordColumns = `s.id, c.device_id, s.config_name, s.description, s.user, s.priority,
	s.overwritable, c.timestamp, s.device_set_id`

func scanRecord(sc interface{ Scan(...any) error }, extra ...any) (Record, error) {
	var r Record
	var ts, digest string
	dest := append([]any{&r.SetID, &r.DeviceID, &r.Name, &r.Description, &r.User, &r.Priority,
		&r.Overwritable, &ts, &digest}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return Record{}, err
	}
	r.Timestamp = parseTime(ts)
	r.Single = digest == DeviceSetID([]string{r.DeviceID})
	return r, nil
}

// ListConfigurations returns the configurations of deviceID whose name
// contains namePart; all of them when namePart is empty.
func (d *Database) ListConfigurations(ctx context.Context, deviceID, namePart string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM device_config c JOIN config_set s ON c.config_set_id = s.id
		WHERE c.device_id = ? AND instr(s.config_name, ?) > 0
		ORDER BY c.timestamp, s.config_name`, deviceID, namePart)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "Database", "ListConfigurations", "query")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, kerrors.WrapTransient(err, "Database", "ListConfigurations", "scan")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListConfigurationSets groups the configurations of deviceIDs by set and
// returns the sets holding at least minSetSize of them. minSetSize below 1
// means all of deviceIDs.
func (d *Database) ListConfigurationSets(ctx context.Context, deviceIDs []string, minSetSize int) ([]SetRecord, error) {
	if len(deviceIDs) == 0 {
		return nil, kerrors.New(kerrors.KindValidation, "Please provide at least one device id")
	}
	if minSetSize < 1 {
		minSetSize = len(deviceIDs)
	} else if minSetSize > len(deviceIDs) {
		return nil, kerrors.Newf(kerrors.KindValidation,
			"minSetSize has to be between 1 and the number of deviceIds, %d.", len(deviceIDs))
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT s.id, s.config_name, s.description, s.user, s.priority, s.overwritable,
		       COUNT(c.device_id), MIN(c.timestamp), MAX(c.timestamp)
		FROM device_config c JOIN config_set s ON c.config_set_id = s.id
		WHERE c.device_id IN (`+placeholders(len(deviceIDs))+`)
		GROUP BY s.id
		HAVING COUNT(c.device_id) >= ?
		ORDER BY MAX(c.timestamp), s.config_name`,
		append(anyArgs(deviceIDs), minSetSize)...)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "Database", "ListConfigurationSets", "query")
	}
	defer rows.Close()
	var out []SetRecord
	for rows.Next() {
		var s SetRecord
		var minTS, maxTS string
		if err := rows.Scan(&s.SetID, &s.Name, &s.Description, &s.User, &s.Priority, &s.Overwritable,
			&s.Count, &minTS, &maxTS); err != nil {
			return nil, kerrors.WrapTransient(err, "Database", "ListConfigurationSets", "scan")
		}
		s.Min, s.Max = parseTime(minTS), parseTime(maxTS)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListConfigurationsInSet returns the configurations of a set, by device id.
func (d *Database) ListConfigurationsInSet(ctx context.Context, setID int64) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+recordColumns+`, c.config_data, sc.schema_data
		FROM device_config c
		JOIN config_set s ON c.config_set_id = s.id
		JOIN config_schema sc ON c.schema_id = sc.id
		WHERE s.id = ?
		ORDER BY c.device_id`, setID)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "Database", "ListConfigurationsInSet", "query")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanFull(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanFull(sc interface{ Scan(...any) error }) (Record, error) {
	var cfg, sch []byte
	r, err := scanRecord(sc, &cfg, &sch)
	if err != nil {
		return Record{}, err
	}
	if r.Config, err = hash.DecodeBinary(cfg); err != nil {
		return Record{}, kerrors.WrapFatal(err, "Database", "scan", "decode configuration of "+r.DeviceID)
	}
	if r.Schema, err = decodeSchema(sch); err != nil {
		return Record{}, kerrors.WrapFatal(err, "Database", "scan", "decode schema of "+r.DeviceID)
	}
	return r, nil
}

// GetConfiguration returns the configuration name of deviceID, NotFound
// when there is none.
func (d *Database) GetConfiguration(ctx context.Context, deviceID, name string) (Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`, c.config_data, sc.schema_data
		FROM device_config c
		JOIN config_set s ON c.config_set_id = s.id
		JOIN config_schema sc ON c.schema_id = sc.id
		WHERE c.device_id = ? AND s.config_name = ?
		ORDER BY c.timestamp DESC
		LIMIT 1`, deviceID, name)
	r, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, kerrors.Newf(kerrors.KindNotFound,
			"No configuration for device %s and name %s found!", deviceID, name)
	}
	return r, err
}

// GetLastConfiguration returns the newest configuration of deviceID with
// priority.
func (d *Database) GetLastConfiguration(ctx context.Context, deviceID string, priority int) (Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`, c.config_data, sc.schema_data
		FROM device_config c
		JOIN config_set s ON c.config_set_id = s.id
		JOIN config_schema sc ON c.schema_id = sc.id
		WHERE c.device_id = ? AND s.priority = ?
		ORDER BY c.timestamp DESC
		LIMIT 1`, deviceID, priority)
	r, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, kerrors.Newf(kerrors.KindNotFound,
			"No configuration for device %s and priority %d found!", deviceID, priority)
	}
	return r, err
}

// ListDevices returns the devices having configurations of priority.
func (d *Database) ListDevices(ctx context.Context, priority int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT c.device_id
		FROM device_config c JOIN config_set s ON c.config_set_id = s.id
		WHERE s.priority = ?
		ORDER BY c.device_id`, priority)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "Database", "ListDevices", "query")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsNameTaken reports whether a save of name for deviceIDs without
// overwrite would fail.
func (d *Database) IsNameTaken(ctx context.Context, name string, deviceIDs []string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, kerrors.WrapTransient(err, "Database", "IsNameTaken", "begin transaction")
	}
	defer tx.Rollback()
	existing, err := existingSets(ctx, tx, name, deviceIDs)
	if err != nil {
		return false, kerrors.WrapTransient(err, "Database", "IsNameTaken", "query")
	}
	switch {
	case len(existing) == 0:
		return false, nil
	case len(existing) == 1 && existing[0].overwritable && existing[0].digest == DeviceSetID(deviceIDs):
		return false, nil
	}
	return true, nil
}

// String describes the database for logs.
func (d *Database) String() string { return fmt.Sprintf("configdb(%s)", d.path) }
