package projectdb

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

type notifications struct {
	mu    sync.Mutex
	calls []string
}

func (n *notifications) notify(_ context.Context, projects []string, client string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range projects {
		n.calls = append(n.calls, client+":"+p)
	}
}

func newService(t *testing.T) (*Service, *FileStore) {
	t.Helper()
	s := newFileStore(t)
	return NewService(s, nil, nil), s
}

func handle(t *testing.T, svc *Service, req *hash.Hash) *hash.Hash {
	t.Helper()
	reply, err := svc.Handle(context.Background(), req)
	require.NoError(t, err)
	return reply
}

func succeeded(t *testing.T, reply *hash.Hash) {
	t.Helper()
	ok, _ := reply.GetBool("success")
	reason, _ := reply.GetString("reason")
	require.True(t, ok, reason)
}

func itemRows(t *testing.T, reply *hash.Hash) []*hash.Hash {
	t.Helper()
	rows, err := hash.GetAs[[]*hash.Hash](reply, "items")
	require.NoError(t, err)
	return rows
}

func saveRow(t *testing.T, domain string, it *Item) *hash.Hash {
	t.Helper()
	data, err := MarshalItem(it)
	require.NoError(t, err)
	return hash.New("domain", domain, "uuid", it.UUID, "xml", string(data))
}

func TestServiceSaveAndLoad(t *testing.T) {
	svc, _ := newService(t)
	n := &notifications{}
	svc.OnProjectUpdate(n.notify)

	reply := handle(t, svc, hash.New("type", "saveItems", "client", "gui-1", "items", []*hash.Hash{
		saveRow(t, "FXE", projectItem("p1", "beam")),
		saveRow(t, "FXE", scene("s1", "overview")),
	}))
	succeeded(t, reply)
	rows := itemRows(t, reply)
	require.Len(t, rows, 2)
	for _, r := range rows {
		ok, _ := r.GetBool("success")
		assert.True(t, ok)
		date, _ := r.GetString("date")
		assert.NotEmpty(t, date)
	}
	assert.Equal(t, []string{"gui-1:p1"}, n.calls)

	reply = handle(t, svc, hash.New("type", "loadItems", "items", []*hash.Hash{
		hash.New("domain", "FXE", "uuid", "p1"),
		hash.New("domain", "FXE", "uuid", "s1"),
	}))
	succeeded(t, reply)
	rows = itemRows(t, reply)
	require.Len(t, rows, 2)
	doc, _ := rows[1].GetString("xml")
	it, err := UnmarshalItem([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "overview", it.SimpleName)
}

func TestServiceSaveConflictPerItem(t *testing.T) {
	svc, store := newService(t)
	n := &notifications{}
	svc.OnProjectUpdate(n.notify)
	seed(t, store, "FXE", scene("s1", "a"))

	stale := scene("s1", "b")
	stale.Date = "2001-01-01T00:00:00.000000Z"
	reply := handle(t, svc, hash.New("type", "saveItems", "items", []*hash.Hash{
		saveRow(t, "FXE", stale),
		saveRow(t, "FXE", projectItem("p2", "fresh")),
		hash.New("domain", "FXE", "uuid", "bad", "xml", "<xml"),
	}))
	rows := itemRows(t, reply)
	require.Len(t, rows, 3)

	ok, _ := rows[0].GetBool("success")
	assert.False(t, ok)
	reason, _ := rows[0].GetString("reason")
	assert.Contains(t, reason, "Versioning conflict")
	ok, _ = rows[1].GetBool("success")
	assert.True(t, ok)
	ok, _ = rows[2].GetBool("success")
	assert.False(t, ok)
	assert.Equal(t, []string{"__none__:p2"}, n.calls)
}

func TestServiceLoadPartial(t *testing.T) {
	svc, store := newService(t)
	seed(t, store, "FXE", scene("s1", "a"))

	reply := handle(t, svc, hash.New("type", "loadItems", "items", []*hash.Hash{
		hash.New("domain", "FXE", "uuid", "s1"),
		hash.New("domain", "FXE", "uuid", "s9"),
	}))
	ok, _ := reply.GetBool("success")
	assert.False(t, ok)
	reason, _ := reply.GetString("reason")
	assert.Contains(t, reason, "s9")
	assert.Contains(t, reason, "not found")
	assert.Len(t, itemRows(t, reply), 1)

	reply = handle(t, svc, hash.New("type", "loadItems", "items", []*hash.Hash{
		hash.New("domain", "FXE", "uuid", "s1"),
		hash.New("domain", "SPB", "uuid", "s2"),
	}))
	reason, _ = reply.GetString("reason")
	assert.Contains(t, reason, "Incorrect domain given!")
}

func TestServiceListing(t *testing.T) {
	svc, store := newService(t)
	seed(t, store, "FXE", projectItem("p1", "beam"), scene("s1", "overview"), scene("s2", "overview"))
	seed(t, store, "SPB", scene("s3", "x"))

	reply := handle(t, svc, hash.New("type", "listDomains"))
	succeeded(t, reply)
	domains, _ := hash.GetAs[[]string](reply, "domains")
	assert.ElementsMatch(t, []string{"FXE", "SPB"}, domains)

	restricted := NewService(store, []string{"SPB", "MID"}, nil)
	reply = handle(t, restricted, hash.New("type", "listDomains"))
	domains, _ = hash.GetAs[[]string](reply, "domains")
	assert.Equal(t, []string{"SPB"}, domains)

	reply = handle(t, svc, hash.New("type", "listItems", "domain", "FXE", "item_types", []string{"scene"}))
	succeeded(t, reply)
	rows := itemRows(t, reply)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Has("is_trashed"))

	reply = handle(t, svc, hash.New("type", "listItems", "domain", "FXE"))
	assert.Len(t, itemRows(t, reply), 3)

	reply = handle(t, svc, hash.New("type", "listNamedItems", "domain", "FXE",
		"item_type", "scene", "simple_name", "overview"))
	rows = itemRows(t, reply)
	require.Len(t, rows, 2)
	d0, _ := rows[0].GetString("date")
	d1, _ := rows[1].GetString("date")
	assert.Less(t, d0, d1)
}

func TestServiceAttributes(t *testing.T) {
	svc, store := newService(t)
	seed(t, store, "FXE", projectItem("p1", "beam"), scene("s1", "overview"))

	reply := handle(t, svc, hash.New("type", "updateAttribute", "items", []*hash.Hash{
		hash.New("domain", "FXE", "uuid", "s1", "item_type", "scene",
			"attr_name", "description", "attr_value", "main view"),
	}))
	succeeded(t, reply)

	reply = handle(t, svc, hash.New("type", "updateTrashed", "items",
		hash.New("domain", "FXE", "uuid", "p1", "item_type", "project", "value", true)))
	succeeded(t, reply)
	metas, err := store.List(context.Background(), "FXE", []ItemType{TypeProject})
	require.NoError(t, err)
	assert.True(t, metas[0].Trashed)

	reply = handle(t, svc, hash.New("type", "updateTrashed", "items",
		hash.New("domain", "FXE", "uuid", "s1", "item_type", "scene", "value", true)))
	ok, _ := reply.GetBool("success")
	assert.False(t, ok)

	reply = handle(t, svc, hash.New("type", "updateAttribute", "items", []*hash.Hash{
		hash.New("domain", "FXE", "uuid", "nope", "item_type", "scene",
			"attr_name", "description", "attr_value", "x"),
	}))
	ok, _ = reply.GetBool("success")
	assert.False(t, ok)
}

func TestServiceProjectsWith(t *testing.T) {
	svc, store := newService(t)
	seed(t, store, "FXE",
		projectWith("p1", "alignment", []Ref{{UUID: "srv"}}, []Ref{{UUID: "p2"}}),
		projectWith("p2", "motors only", []Ref{{UUID: "srv"}}, nil),
		serverItem("srv", "MotorServer", Ref{UUID: "d1"}, Ref{UUID: "d2"}),
		deviceItem("d1", "FXE/MOTOR/X", "cfg-x"),
		deviceItem("d2", "FXE/CAM/1", "cfg-cam"),
	)

	reply := handle(t, svc, hash.New("type", "listProjectsWithDevice", "domain", "FXE", "name", "motor"))
	succeeded(t, reply)
	rows := itemRows(t, reply)
	require.Len(t, rows, 2)
	var names []string
	for _, r := range rows {
		n, _ := r.GetString("project_name")
		names = append(names, n)
		items, _ := hash.GetAs[[]string](r, "items")
		assert.Equal(t, []string{"FXE/MOTOR/X"}, items)
	}
	assert.ElementsMatch(t, []string{"alignment", "motors only"}, names)

	reply = handle(t, svc, hash.New("type", "listProjectsWithServer", "domain", "FXE", "name", "motorserver"))
	assert.Len(t, itemRows(t, reply), 2)

	reply = handle(t, svc, hash.New("type", "listProjectsWithMacro", "domain", "FXE", "name", "x"))
	assert.Empty(t, itemRows(t, reply))

	reply = handle(t, svc, hash.New("type", "listProjectsWithDeviceConfigurations",
		"domain", "FXE", "deviceId", "FXE/CAM/1"))
	rows = itemRows(t, reply)
	require.Len(t, rows, 2)
	name, _ := rows[0].GetString("project_name")
	cfg, _ := rows[0].GetString("config_uuid")
	assert.Equal(t, "alignment", name)
	assert.Equal(t, "cfg-cam", cfg)

	reply = handle(t, svc, hash.New("type", "listDomainWithDevices", "domain", "FXE"))
	rows = itemRows(t, reply)
	require.Len(t, rows, 4)
	first, _ := rows[0].GetString("device_name")
	assert.Equal(t, "FXE/CAM/1", first)
}

func TestServiceConfigurationDelegate(t *testing.T) {
	svc, _ := newService(t)
	req := hash.New("type", "listConfigurationSets", "deviceIds", []string{"A"})

	reply := handle(t, svc, req)
	ok, _ := reply.GetBool("success")
	assert.False(t, ok)

	svc.SetConfigurationDelegate(func(_ context.Context, r *hash.Hash) (*hash.Hash, error) {
		return hash.New("items", []*hash.Hash{}, "forwarded", true), nil
	})
	reply = handle(t, svc, req)
	succeeded(t, reply)
	assert.Equal(t, true, reply.Value("forwarded"))
}

func TestServiceMalformed(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Handle(context.Background(), hash.New("nope", 1))
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
	_, err = svc.Handle(context.Background(), hash.New("type", "dance"))
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))

	reply := handle(t, svc, hash.New("type", "listItems"))
	ok, _ := reply.GetBool("success")
	assert.False(t, ok)
}
