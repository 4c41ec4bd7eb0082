package configdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

const (
	// DefaultBulkLimit bounds the devices of one save.
	DefaultBulkLimit = 10
	// DefaultDeviceTimeout is the time granted per device to answer the
	// capture requests.
	DefaultDeviceTimeout = 2 * time.Second

	classSchemaTimeout = 3 * time.Second
)

// SaveRequest names the devices to capture and the attributes of the
// saved configurations.
type SaveRequest struct {
	Name        string
	DeviceIDs   []string
	Priority    int
	Description string
	User        string
	Overwrite   bool
}

// Manager captures running devices into the database and starts devices
// from it.
type Manager struct {
	db      *Database
	ss      *signalslot.SignalSlotable
	logger  *slog.Logger
	bulk    int
	timeout time.Duration

	mu      sync.Mutex
	schemas map[string]map[string]*schema.Schema
	fetch   singleflight.Group
}

// NewManager creates a manager talking to the devices through ss.
func NewManager(db *Database, ss *signalslot.SignalSlotable, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:      db,
		ss:      ss,
		logger:  logger,
		bulk:    DefaultBulkLimit,
		timeout: DefaultDeviceTimeout,
		schemas: make(map[string]map[string]*schema.Schema),
	}
}

// SetBulkLimit changes the number of devices accepted per save.
func (m *Manager) SetBulkLimit(n int) { m.bulk = n }

// SetDeviceTimeout changes the per-device capture timeout.
func (m *Manager) SetDeviceTimeout(d time.Duration) { m.timeout = d }

// Database returns the underlying database.
func (m *Manager) Database() *Database { return m.db }

// Capture requests schema and configuration of a running device.
func (m *Manager) Capture(ctx context.Context, deviceID string) (DeviceConfig, error) {
	out, err := m.ss.Request(ctx, deviceID, "slotGetSchema", false)
	if err != nil {
		return DeviceConfig{}, err
	}
	sch, err := signalslot.Arg[*hash.Schema](out, 0)
	if err != nil {
		return DeviceConfig{}, err
	}
	out, err = m.ss.Request(ctx, deviceID, "slotGetConfiguration")
	if err != nil {
		return DeviceConfig{}, err
	}
	cfg, err := signalslot.Arg[*hash.Hash](out, 0)
	if err != nil {
		return DeviceConfig{}, err
	}
	return DeviceConfig{DeviceID: deviceID, Config: cfg, Schema: sch}, nil
}

// SaveFromName captures all devices concurrently and saves them as one set.
// Nothing is saved when one capture fails.
func (m *Manager) SaveFromName(ctx context.Context, req SaveRequest) error {
	if len(req.DeviceIDs) == 0 {
		return kerrors.New(kerrors.KindValidation, "Please provide at least one device id")
	}
	if len(req.DeviceIDs) > m.bulk {
		return kerrors.Newf(kerrors.KindValidation,
			"The number of configurations %d exceeds the allowed limit %d", len(req.DeviceIDs), m.bulk)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(len(req.DeviceIDs))*m.timeout)
	defer cancel()

	configs := make([]DeviceConfig, len(req.DeviceIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range req.DeviceIDs {
		g.Go(func() error {
			c, err := m.Capture(gctx, id)
			if err != nil {
				return kerrors.Wrap(err, "Manager", "SaveFromName", "capture "+id)
			}
			configs[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}
	err := m.db.Save(ctx, req.Name, configs, SaveOptions{
		Description: req.Description,
		User:        req.User,
		Priority:    priority,
		Overwrite:   req.Overwrite,
	})
	if err != nil {
		return err
	}
	m.logger.Info("Saved configuration", "name", req.Name, "devices", req.DeviceIDs)
	return nil
}

// ForgetServer drops the cached class schemas of serverID.
func (m *Manager) ForgetServer(serverID string) {
	m.mu.Lock()
	delete(m.schemas, serverID)
	m.mu.Unlock()
}

// classSchema returns the schema of classID on serverID. Concurrent
// lookups of one class share a request.
func (m *Manager) classSchema(ctx context.Context, serverID, classID string) (*schema.Schema, error) {
	m.mu.Lock()
	s, ok := m.schemas[serverID][classID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	v, err, _ := m.fetch.Do(serverID+"/"+classID, func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, classSchemaTimeout)
		defer cancel()
		out, err := m.ss.Request(rctx, serverID, "slotGetClassSchema", classID)
		if err != nil {
			return nil, kerrors.Newf(kerrors.KindNotFound,
				"server %s is not available to start %s: could not retrieve the schema", serverID, classID).WithCause(err)
		}
		w, err := signalslot.Arg[*hash.Schema](out, 0)
		if err != nil {
			return nil, err
		}
		s := schema.FromWire(w)
		m.mu.Lock()
		if m.schemas[serverID] == nil {
			m.schemas[serverID] = make(map[string]*schema.Schema)
		}
		m.schemas[serverID][classID] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.Schema), nil
}

// SanitizeInit keeps the keys of cfg a device accepts at instantiation:
// leaves of s that are not read-only.
func SanitizeInit(s *schema.Schema, cfg *hash.Hash) *hash.Hash {
	out := hash.New()
	for _, p := range s.Paths() {
		if s.AccessMode(p) == schema.ReadOnly || !cfg.Has(p) {
			continue
		}
		t, err := cfg.GetType(p)
		if err != nil {
			continue
		}
		_, _ = out.SetTyped(p, cfg.Value(p), t)
	}
	return out
}

// Instantiate starts deviceID from its configuration name, or from its
// newest priority-3 configuration when name is empty. Empty classID and
// serverID are taken from the stored configuration; a given classID must
// match it.
func (m *Manager) Instantiate(ctx context.Context, deviceID, name, classID, serverID string) error {
	var rec Record
	var err error
	if name == "" {
		rec, err = m.db.GetLastConfiguration(ctx, deviceID, 3)
	} else {
		rec, err = m.db.GetConfiguration(ctx, deviceID, name)
	}
	if err != nil {
		return err
	}
	stored, _ := rec.Config.GetString("classId")
	if classID == "" {
		classID = stored
	} else if classID != stored {
		return kerrors.Newf(kerrors.KindValidation,
			"The configuration for %s was recorded for classId %s, not %s", deviceID, stored, classID)
	}
	if serverID == "" {
		serverID, _ = rec.Config.GetString("serverId")
	}
	s, err := m.classSchema(ctx, serverID, classID)
	if err != nil {
		return err
	}
	req := hash.New(
		"deviceId", deviceID,
		"classId", classID,
		"serverId", serverID,
		"configuration", SanitizeInit(s, rec.Config),
	)
	out, err := m.ss.Request(ctx, serverID, "slotStartDevice", req)
	if err != nil {
		return err
	}
	if ok, _ := signalslot.Arg[bool](out, 0); !ok {
		msg, _ := signalslot.OptArg(out, 1, "device did not start")
		return kerrors.New(kerrors.KindValidation, msg)
	}
	m.logger.Info("Instantiated device", "device_id", deviceID, "server_id", serverID, "name", rec.Name)
	return nil
}
