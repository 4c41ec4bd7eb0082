package projectdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// ClassID is the class id of the project manager device.
const ClassID = "ProjectManager"

// SignalProjectUpdate carries ({projects, client}, managerId) after
// projects were saved.
const SignalProjectUpdate = "signalProjectUpdate"

const requestTimeout = 30 * time.Second

// Class returns the project manager device class. client is needed for
// the "kv" protocol only.
func Class(client *natsclient.Client) *device.Class {
	return &device.Class{
		ClassID:      ClassID,
		Version:      "2.0",
		Description:  "Serves the project database",
		InitialState: schema.On,
		Describe:     describeManager,
		Factory: func(d *device.Device) (any, error) {
			m := &manager{d: d, client: client}
			d.RegisterCommand("reset", m.reset)
			d.SignalSlotable().RegisterSlot("slotGenericRequest", m.slotGenericRequest)
			d.SignalSlotable().RegisterSlot("slotGetScene", m.slotGetScene)
			return m, nil
		},
	}
}

func describeManager(s *schema.Schema) {
	s.Node("projectDB").DisplayedName("Project DB").Commit()
	s.String("projectDB.protocol").InitOnly().Options([]string{"file", "kv"}).Default("file").Commit()
	s.String("projectDB.root").DisplayedName("Root directory").
		Description("Defaults to $KARABO/var/data/projectDB").InitOnly().Default("").Commit()
	s.String("projectDB.bucket").InitOnly().Default(DefaultBucket).Commit()
	s.Bool("projectDB.testMode").DisplayedName("Test Mode").Reconfigurable().Default(false).
		AccessLevel(schema.Expert).Commit()
	s.VectorString("domainList").DisplayedName("Domain List").
		Description("List of allowed project DB domains. Empty list means no restrictions.").
		InitOnly().Default([]string{}).Commit()
	s.String("configurationManagerId").
		Description("Device answering the configuration requests; none when empty").
		InitOnly().Default("").Commit()
	s.Slot("reset").DisplayedName("Reset").AllowedStates(schema.Error).AccessLevel(schema.Expert).Commit()
}

type manager struct {
	d      *device.Device
	client *natsclient.Client

	mu      sync.RWMutex
	service *Service
}

// Open opens the store described by the projectDB node of cfg.
func Open(ctx context.Context, cfg *hash.Hash, client *natsclient.Client) (Store, error) {
	protocol, _ := cfg.GetString("projectDB.protocol")
	switch protocol {
	case "", "file":
		root, _ := cfg.GetString("projectDB.root")
		if root == "" {
			karabo := os.Getenv("KARABO")
			if karabo == "" {
				return nil, kerrors.New(kerrors.KindValidation, "KARABO is not set and projectDB.root is empty")
			}
			root = filepath.Join(karabo, "var", "data", "projectDB")
		}
		return NewFileStore(root)
	case "kv":
		bucket, _ := cfg.GetString("projectDB.bucket")
		return NewKVStore(ctx, client, bucket)
	default:
		return nil, kerrors.Newf(kerrors.KindValidation, "unknown project DB protocol %q", protocol)
	}
}

// Initialize opens the database; a failure leaves the device in ERROR.
func (m *manager) Initialize(ctx context.Context) error {
	store, err := Open(ctx, m.d.Configuration(), m.client)
	if err != nil {
		return err
	}
	cfg := m.d.Configuration()
	domains, _ := hash.GetAs[[]string](cfg, "domainList")
	svc := NewService(store, domains, m.d.Logger())
	svc.OnProjectUpdate(m.emitUpdate)
	if target, _ := cfg.GetString("configurationManagerId"); target != "" {
		svc.SetConfigurationDelegate(m.forward(target))
	}
	m.mu.Lock()
	m.service = svc
	m.mu.Unlock()
	m.d.Logger().Info("Project DB initialized", "protocol", cfg.Value("projectDB.protocol"))
	return nil
}

func (m *manager) reset(ctx context.Context, _ []any) ([]any, error) {
	if err := m.d.UpdateState(ctx, schema.Init, nil); err != nil {
		return nil, err
	}
	if err := m.Initialize(ctx); err != nil {
		m.d.Logger().Error("Project DB error", "error", err)
		return nil, m.d.UpdateState(ctx, schema.Error, hash.New("status", err.Error()))
	}
	return nil, m.d.UpdateState(ctx, schema.On, hash.New("status", ""))
}

func (m *manager) current() (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.service == nil {
		return nil, kerrors.Newf(kerrors.KindStateForbidden, "%s has no database", m.d.ID())
	}
	return m.service, nil
}

func (m *manager) emitUpdate(ctx context.Context, projects []string, client string) {
	err := m.d.SignalSlotable().Emit(ctx, SignalProjectUpdate,
		hash.New("projects", projects, "client", client), m.d.ID())
	if err != nil {
		m.d.Logger().Warn("Cannot emit project update", "error", err)
	}
}

// forward sends configuration requests to another device.
func (m *manager) forward(target string) Delegate {
	return func(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
		out, err := m.d.SignalSlotable().Request(ctx, target, "slotGenericRequest", req)
		if err != nil {
			return nil, err
		}
		return signalslot.Arg[*hash.Hash](out, 0)
	}
}

// slotGenericRequest answers from a goroutine; requests may be slow or wait
// on other instances.
func (m *manager) slotGenericRequest(_ context.Context, c *signalslot.SlotCall) ([]any, error) {
	req, err := signalslot.Arg[*hash.Hash](c.Args, 0)
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "Input must be a Hash")
	}
	svc, err := m.current()
	if err != nil {
		return nil, err
	}
	reply := c.Defer()
	go func() {
		ctx, cancel := context.WithTimeout(m.d.SignalSlotable().Context(), requestTimeout)
		defer cancel()
		out, err := svc.Handle(ctx, req)
		if err != nil {
			reply(nil, err)
			return
		}
		reply([]any{out}, nil)
	}()
	return nil, signalslot.ErrNoReply
}

// slotGetScene(Hash{domain, uuid, name}) returns a scene in the capability
// reply format.
func (m *manager) slotGetScene(ctx context.Context, c *signalslot.SlotCall) ([]any, error) {
	info, err := signalslot.Arg[*hash.Hash](c.Args, 0)
	if err != nil {
		return nil, err
	}
	svc, err := m.current()
	if err != nil {
		return nil, err
	}
	name, _ := info.GetString("name")
	domain, _ := info.GetString("domain")
	uuid, _ := info.GetString("uuid")
	payload := hash.New("success", false, "name", name)
	items, err := svc.store.Load(ctx, domain, []string{uuid})
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Type != TypeScene {
			continue
		}
		data, err := hash.EncodeXML(it.Payload)
		if err != nil {
			return nil, err
		}
		payload.Set("data", string(data))
		payload.Set("success", true)
	}
	return []any{hash.New("type", "deviceScene", "origin", m.d.ID(), "payload", payload)}, nil
}
