package configdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// ClassID is the class id of the configuration manager device.
const ClassID = "ConfigurationManager"

const requestTimeout = 30 * time.Second

// Class returns the configuration manager device class.
func Class() *device.Class {
	return &device.Class{
		ClassID:      ClassID,
		Version:      "2.0",
		Description:  "Saves and restores named device configurations",
		InitialState: schema.On,
		Visibility:   schema.Admin,
		Describe:     describeManager,
		Factory: func(d *device.Device) (any, error) {
			m := &manager{d: d}
			d.RegisterBackgroundCommand("listConfigurations", m.listConfigurations)
			d.RegisterBackgroundCommand("saveConfigurations", m.saveConfigurations)
			ss := d.SignalSlotable()
			ss.RegisterSlot("slotGenericRequest", m.slotGenericRequest)
			for slot, typ := range slotRequests {
				ss.RegisterSlot(slot, m.typed(typ))
			}
			ss.AddListener(serverWatch{m})
			return m, nil
		},
	}
}

// slotRequests maps the dedicated slots onto request types. Each takes
// the request hash without its type.
var slotRequests = map[string]string{
	"slotListConfigurationFromName": "listConfigurationFromName",
	"slotListConfigurationSets":     "listConfigurationSets",
	"slotGetConfigurationFromName":  "getConfigurationFromName",
	"slotGetLastConfiguration":      "getLastConfiguration",
	"slotSaveConfigurationFromName": "saveConfigurationFromName",
	"slotListDevices":               "listDevices",
	"slotInstantiateDevice":         "instantiateDevice",
}

func describeManager(s *schema.Schema) {
	s.String("dbName").DisplayedName("Database Name").
		Description("File name of the database, without extension").
		InitOnly().Default("karaboDB").Commit()
	s.String("dbDirectory").DisplayedName("Database Directory").
		Description("Defaults to $HOME/.karabo/config_db").
		InitOnly().Default("").AccessLevel(schema.Expert).Commit()
	s.UInt32("confBulkLimit").DisplayedName("Bulk Limit").
		Description("Maximum number of devices saved at once").
		ReadOnly().Default(uint32(DefaultBulkLimit)).Commit()
	s.String("deviceName").DisplayedName("Device Name").Reconfigurable().Default("").Commit()
	s.String("configurationName").DisplayedName("Configuration Name").Reconfigurable().Default("default").Commit()
	s.UInt32("priority").DisplayedName("Priority").Reconfigurable().
		Default(uint32(1)).MinInc(uint32(1)).MaxInc(uint32(3)).Commit()
	s.String("description").DisplayedName("Description").Reconfigurable().Default("").Commit()
	s.Bool("lastSuccess").DisplayedName("Last Success").ReadOnly().Default(true).Commit()
	s.Table("view").DisplayedName("View").ReadOnly().Commit()
	s.Slot("listConfigurations").DisplayedName("List Configurations").AllowedStates(schema.On).Commit()
	s.Slot("saveConfigurations").DisplayedName("Save Configuration").AllowedStates(schema.On).Commit()
}

type manager struct {
	d *device.Device

	mu  sync.RWMutex
	mgr *Manager
}

// DatabasePath resolves the database file from the dbName and dbDirectory
// parameters of cfg.
func DatabasePath(cfg *hash.Hash) (string, error) {
	dir, _ := cfg.GetString("dbDirectory")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", kerrors.Wrap(err, "configdb", "DatabasePath", "home directory")
		}
		dir = filepath.Join(home, ".karabo", "config_db")
	}
	name, _ := cfg.GetString("dbName")
	if name == "" {
		name = "karaboDB"
	}
	return filepath.Join(dir, name+".db"), nil
}

// Initialize opens the database; a failure leaves the device in ERROR.
func (m *manager) Initialize(ctx context.Context) error {
	path, err := DatabasePath(m.d.Configuration())
	if err != nil {
		return err
	}
	db, err := Open(path)
	if err != nil {
		return err
	}
	mgr := NewManager(db, m.d.SignalSlotable(), m.d.Logger())
	if limit, err := hash.GetAs[uint32](m.d.Configuration(), "confBulkLimit"); err == nil && limit > 0 {
		mgr.SetBulkLimit(int(limit))
	}
	m.mu.Lock()
	m.mgr = mgr
	m.mu.Unlock()
	if err := m.d.SignalSlotable().TrackInstances(); err != nil {
		m.d.Logger().Warn("Cannot track servers", "error", err)
	}
	m.d.Logger().Info("Configuration database opened", "path", path)
	return nil
}

// OnDestruction closes the database.
func (m *manager) OnDestruction(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mgr == nil {
		return nil
	}
	err := m.mgr.Database().Close()
	m.mgr = nil
	return err
}

func (m *manager) current() (*Manager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mgr == nil {
		return nil, kerrors.Newf(kerrors.KindStateForbidden, "%s has no database", m.d.ID())
	}
	return m.mgr, nil
}

// answer runs req from a goroutine and replies with the result hash.
func (m *manager) answer(c *signalslot.SlotCall, req *hash.Hash) ([]any, error) {
	mgr, err := m.current()
	if err != nil {
		return nil, err
	}
	reply := c.Defer()
	go func() {
		ctx, cancel := context.WithTimeout(m.d.SignalSlotable().Context(), requestTimeout)
		defer cancel()
		out, err := mgr.Handle(ctx, req)
		if err != nil {
			reply(nil, err)
			return
		}
		reply([]any{out}, nil)
	}()
	return nil, signalslot.ErrNoReply
}

func (m *manager) slotGenericRequest(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	req, err := signalslot.Arg[*hash.Hash](c.Args, 0)
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "Input must be a Hash")
	}
	return m.answer(c, req)
}

func (m *manager) typed(typ string) signalslot.SlotFunc {
	return func(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
		in, err := signalslot.OptArg(c.Args, 0, hash.New())
		if err != nil {
			return nil, err
		}
		req := in.Clone()
		req.Set("type", typ)
		return m.answer(c, req)
	}
}

// listConfigurations fills the view table with the configurations of
// deviceName.
func (m *manager) listConfigurations(ctx context.Context, _ []any) ([]any, error) {
	mgr, err := m.current()
	if err != nil {
		return nil, err
	}
	cfg := m.d.Configuration()
	id, _ := cfg.GetString("deviceName")
	recs, err := mgr.Database().ListConfigurations(ctx, id, "")
	if err != nil {
		return nil, m.d.Set(ctx, hash.New("lastSuccess", false, "status", err.Error()))
	}
	rows := make([]*hash.Hash, len(recs))
	for i, r := range recs {
		rows[i] = hash.New(
			"name", r.Name,
			"timepoint", r.Timestamp.Format(TimeFormat),
			"description", r.Description,
			"priority", int32(r.Priority),
		)
	}
	return nil, m.d.Set(ctx, hash.New("view", rows, "lastSuccess", true,
		"status", "Listed configurations of "+id))
}

// saveConfigurations saves deviceName under configurationName.
func (m *manager) saveConfigurations(ctx context.Context, _ []any) ([]any, error) {
	mgr, err := m.current()
	if err != nil {
		return nil, err
	}
	cfg := m.d.Configuration()
	id, _ := cfg.GetString("deviceName")
	name, _ := cfg.GetString("configurationName")
	description, _ := cfg.GetString("description")
	priority, _ := hash.GetAs[uint32](cfg, "priority")
	err = mgr.SaveFromName(ctx, SaveRequest{
		Name:        name,
		DeviceIDs:   []string{id},
		Priority:    int(priority),
		Description: description,
	})
	if err != nil {
		m.d.Logger().Warn("Saving configuration failed", "device_id", id, "error", err)
		return nil, m.d.Set(ctx, hash.New("lastSuccess", false, "status", err.Error()))
	}
	return nil, m.d.Set(ctx, hash.New("lastSuccess", true,
		"status", "Saved configuration "+name+" of "+id))
}

// serverWatch drops cached class schemas of servers that went away.
type serverWatch struct{ m *manager }

func (w serverWatch) InstanceNew(string, *hash.Hash)                {}
func (w serverWatch) InstanceUpdated(string, *hash.Hash)            {}
func (w serverWatch) Heartbeat(string, time.Duration, *hash.Hash) {}

func (w serverWatch) InstanceGone(id string, info *hash.Hash) {
	if info == nil {
		return
	}
	if typ, _ := info.GetString("type"); typ != "server" {
		return
	}
	if mgr, err := w.m.current(); err == nil {
		mgr.ForgetServer(id)
	}
}
