package configdb

import (
	"context"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Hash renders r as a reply row. The set id is -1 for a configuration
// saved on its own.
func (r Record) Hash() *hash.Hash {
	setID := r.SetID
	if r.Single {
		setID = -1
	}
	h := hash.New(
		"name", r.Name,
		"timepoint", r.Timestamp.Format(TimeFormat),
		"description", r.Description,
		"priority", int32(r.Priority),
		"user", r.User,
		"overwritable", r.Overwritable,
		"config_set_id", setID,
	)
	if r.Config != nil {
		h.Set("deviceId", r.DeviceID)
		h.Set("config", r.Config)
	}
	if r.Schema != nil {
		h.Set("schema", r.Schema)
	}
	return h
}

// Hash renders s as a reply row.
func (s SetRecord) Hash() *hash.Hash {
	return hash.New(
		"name", s.Name,
		"description", s.Description,
		"priority", int32(s.Priority),
		"user", s.User,
		"overwritable", s.Overwritable,
		"count", int32(s.Count),
		"min_timepoint", s.Min.Format(TimeFormat),
		"max_timepoint", s.Max.Format(TimeFormat),
		"diff_timepoint", s.Diff().Seconds(),
		"config_set_id", s.SetID,
	)
}

func recordRows(recs []Record) []*hash.Hash {
	out := make([]*hash.Hash, len(recs))
	for i, r := range recs {
		out[i] = r.Hash()
	}
	return out
}

func requireString(req *hash.Hash, key string) (string, error) {
	v, err := req.GetString(key)
	if err != nil || v == "" {
		return "", kerrors.Newf(kerrors.KindValidation, "%q must be given", key)
	}
	return v, nil
}

func optInt(req *hash.Hash, key string, def int) int {
	if !req.Has(key) {
		return def
	}
	v, err := hash.GetAs[int32](req, key)
	if err != nil {
		return def
	}
	return int(v)
}

// Handle answers the configuration requests. Like the project database,
// failures travel in success and reason of the reply.
func (m *Manager) Handle(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	typ, err := req.GetString("type")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "'type' must be present in the input hash")
	}
	var reply *hash.Hash
	switch typ {
	case "listConfigurationFromName":
		reply, err = m.listConfigurations(ctx, req)
	case "listConfigurationSets":
		reply, err = m.listSets(ctx, req)
	case "getConfigurationFromName":
		reply, err = m.getConfiguration(ctx, req)
	case "getLastConfiguration":
		reply, err = m.getLast(ctx, req)
	case "saveConfigurationFromName":
		reply, err = m.save(ctx, req)
	case "listDevices":
		reply, err = m.listDevices(ctx, req)
	case "instantiateDevice":
		reply, err = m.instantiate(ctx, req)
	default:
		return nil, kerrors.Newf(kerrors.KindValidation, "%s not implemented", typ)
	}
	if reply == nil {
		reply = hash.New()
	}
	if err != nil {
		reply.Set("success", false)
		reply.Set("reason", err.Error())
		return reply, nil
	}
	reply.Set("success", true)
	reply.Set("reason", "")
	return reply, nil
}

func (m *Manager) listConfigurations(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	id, err := requireString(req, "deviceId")
	if err != nil {
		return nil, err
	}
	part, _ := req.GetString("name")
	recs, err := m.db.ListConfigurations(ctx, id, part)
	if err != nil {
		return nil, err
	}
	return hash.New("items", recordRows(recs)), nil
}

func (m *Manager) listSets(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	ids, err := hash.GetAs[[]string](req, "deviceIds")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, `"deviceIds" must be a list of strings`)
	}
	sets, err := m.db.ListConfigurationSets(ctx, ids, optInt(req, "minSetSize", 0))
	if err != nil {
		return nil, err
	}
	rows := make([]*hash.Hash, len(sets))
	for i, s := range sets {
		rows[i] = s.Hash()
	}
	return hash.New("items", rows), nil
}

func (m *Manager) getConfiguration(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	id, err := requireString(req, "deviceId")
	if err != nil {
		return nil, err
	}
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	rec, err := m.db.GetConfiguration(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return hash.New("item", rec.Hash()), nil
}

func (m *Manager) getLast(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	id, err := requireString(req, "deviceId")
	if err != nil {
		return nil, err
	}
	rec, err := m.db.GetLastConfiguration(ctx, id, optInt(req, "priority", 3))
	if err != nil {
		return nil, err
	}
	return hash.New("item", rec.Hash()), nil
}

func (m *Manager) save(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	ids, err := hash.GetAs[[]string](req, "deviceIds")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, `"deviceIds" must be a list of strings`)
	}
	description, _ := req.GetString("description")
	user, _ := req.GetString("user")
	overwrite, _ := req.GetBool("overwrite")
	err = m.SaveFromName(ctx, SaveRequest{
		Name:        name,
		DeviceIDs:   ids,
		Priority:    optInt(req, "priority", 1),
		Description: description,
		User:        user,
		Overwrite:   overwrite,
	})
	if err != nil {
		return nil, err
	}
	return hash.New("name", name, "deviceIds", ids), nil
}

func (m *Manager) listDevices(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	ids, err := m.db.ListDevices(ctx, optInt(req, "priority", 3))
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return hash.New("item", ids), nil
}

func (m *Manager) instantiate(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	id, err := requireString(req, "deviceId")
	if err != nil {
		return nil, err
	}
	name, _ := req.GetString("name")
	classID, _ := req.GetString("classId")
	serverID, _ := req.GetString("serverId")
	if err := m.Instantiate(ctx, id, name, classID, serverID); err != nil {
		return nil, err
	}
	return hash.New("deviceId", id), nil
}
