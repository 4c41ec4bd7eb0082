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

type countingFetcher struct {
	mu      sync.Mutex
	calls   [][]string
	backend Fetcher
}

func (c *countingFetcher) fetch(ctx context.Context, domain string, uuids []string) (map[string][]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]string(nil), uuids...))
	c.mu.Unlock()
	return c.backend(ctx, domain, uuids)
}

func serverItem(uuid, serverID string, devices ...Ref) *Item {
	return &Item{
		Meta: Meta{UUID: uuid, Type: TypeDeviceServer, SimpleName: serverID},
		Payload: hash.New(
			"device_server.server_id", serverID,
			"device_server.devices", RefRows(devices...),
		),
	}
}

func deviceItem(uuid, deviceID, active string) *Item {
	return &Item{
		Meta: Meta{UUID: uuid, Type: TypeDeviceInstance, SimpleName: deviceID},
		Payload: hash.New(
			"device_instance.instance_id", deviceID,
			"device_instance.active_uuid", active,
			"device_instance.configs", RefRows(),
		),
	}
}

func seed(t *testing.T, s Store, domain string, items ...*Item) {
	t.Helper()
	for _, it := range items {
		_, err := s.Save(context.Background(), domain, it)
		require.NoError(t, err, it.UUID)
	}
}

func projectWith(uuid, name string, servers, subprojects []Ref) *Item {
	it := projectItem(uuid, name, subprojects...)
	it.Payload.Set("project.servers", RefRows(servers...))
	return it
}

func TestLoaderFetchesPerLevel(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "FXE",
		projectWith("root", "root", []Ref{{UUID: "srv"}}, []Ref{{UUID: "sub"}}),
		projectItem("sub", "sub"),
		serverItem("srv", "motors", Ref{UUID: "d1"}, Ref{UUID: "d2"}),
		deviceItem("d1", "MOTOR/1", ""),
		deviceItem("d2", "MOTOR/2", ""),
	)
	f := &countingFetcher{backend: StoreFetcher(s)}
	cache := NewMemoryCache()
	l := NewLoader(cache, f.fetch)

	m, root, err := l.Load(context.Background(), "FXE", "root")
	require.NoError(t, err)
	assert.Equal(t, 5, m.Len())
	assert.Equal(t, [][]string{{"root"}, {"srv", "sub"}, {"d1", "d2"}}, f.calls)

	children := m.Children(root)
	require.Len(t, children, 2)
	first, err := m.Item(children[0])
	require.NoError(t, err)
	assert.Equal(t, "srv", first.UUID, "servers come before subprojects")
	assert.Len(t, m.Children(children[0]), 2)

	// a second load is served from the cache
	_, _, err = l.Load(context.Background(), "FXE", "root")
	require.NoError(t, err)
	assert.Len(t, f.calls, 3)
}

func TestLoaderCycle(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "FXE",
		projectItem("a", "a", Ref{UUID: "b"}),
		projectItem("b", "b", Ref{UUID: "a"}),
	)
	l := NewLoader(NewMemoryCache(), StoreFetcher(s))
	_, _, err := l.Load(context.Background(), "FXE", "a")
	require.Error(t, err)
	assert.Equal(t, kerrors.KindCycleDetected, kerrors.KindOf(err))
}

func TestLoaderSharedItemIsNoCycle(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "FXE",
		projectItem("root", "root", Ref{UUID: "x"}, Ref{UUID: "y"}),
		projectItem("x", "x", Ref{UUID: "shared"}),
		projectItem("y", "y", Ref{UUID: "shared"}),
		projectItem("shared", "shared"),
	)
	l := NewLoader(NewMemoryCache(), StoreFetcher(s))
	m, _, err := l.Load(context.Background(), "FXE", "root")
	require.NoError(t, err)
	assert.Equal(t, 5, m.Len())
}

func TestLoaderMissing(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "FXE", projectItem("root", "root", Ref{UUID: "gone"}))
	l := NewLoader(NewMemoryCache(), StoreFetcher(s))

	_, _, err := l.Load(context.Background(), "FXE", "root")
	assert.Equal(t, kerrors.KindNotFound, kerrors.KindOf(err))
	_, _, err = l.Load(context.Background(), "FXE", "nope")
	assert.Equal(t, kerrors.KindNotFound, kerrors.KindOf(err))
}
