package projectdb

import (
	"context"
	"strings"
	"sync"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// Cache holds item documents locally.
type Cache interface {
	// Retrieve returns the document of uuid, false when it is not cached.
	Retrieve(domain, uuid string) ([]byte, bool)
	Store(domain, uuid string, data []byte)
}

// Fetcher loads item documents from the database. Missing uuids are left
// out of the result.
type Fetcher func(ctx context.Context, domain string, uuids []string) (map[string][]byte, error)

// MemoryCache is a Cache in memory.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]byte)}
}

func (c *MemoryCache) Retrieve(domain, uuid string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.items[domain+"/"+uuid]
	return data, ok
}

func (c *MemoryCache) Store(domain, uuid string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[domain+"/"+uuid] = data
}

// StoreFetcher fetches from a local Store.
func StoreFetcher(s Store) Fetcher {
	return func(ctx context.Context, domain string, uuids []string) (map[string][]byte, error) {
		items, err := s.Load(ctx, domain, uuids)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]byte, len(items))
		for _, it := range items {
			data, err := MarshalItem(it)
			if err != nil {
				return nil, err
			}
			out[it.UUID] = data
		}
		return out, nil
	}
}

// RemoteFetcher fetches through the loadItems request of a project manager
// device.
func RemoteFetcher(ss *signalslot.SignalSlotable, managerID string) Fetcher {
	return func(ctx context.Context, domain string, uuids []string) (map[string][]byte, error) {
		rows := make([]*hash.Hash, len(uuids))
		for i, u := range uuids {
			rows[i] = hash.New("domain", domain, "uuid", u)
		}
		out, err := ss.Request(ctx, managerID, "slotGenericRequest", hash.New("type", "loadItems", "items", rows))
		if err != nil {
			return nil, err
		}
		reply, err := signalslot.Arg[*hash.Hash](out, 0)
		if err != nil {
			return nil, err
		}
		if ok, _ := reply.GetBool("success"); !ok {
			reason, _ := reply.GetString("reason")
			// a partial load still carries the items that exist
			if !strings.Contains(reason, "not found") {
				return nil, kerrors.New(kerrors.KindNotFound, reason)
			}
		}
		loaded, _ := hash.GetAs[[]*hash.Hash](reply, "items")
		docs := make(map[string][]byte, len(loaded))
		for _, r := range loaded {
			uuid, _ := r.GetString("uuid")
			xml, _ := r.GetString("xml")
			docs[uuid] = []byte(xml)
		}
		return docs, nil
	}
}

// Loader reads a project tree lazily: items come from the cache and only
// the misses of one level are fetched, stored in the cache and read again.
type Loader struct {
	cache Cache
	fetch Fetcher
}

// NewLoader creates a loader.
func NewLoader(cache Cache, fetch Fetcher) *Loader {
	return &Loader{cache: cache, fetch: fetch}
}

// Load reads the tree below root into a new Model. An item that is its own
// ancestor fails with CycleDetected; an item shared by two branches is
// added once per branch.
func (l *Loader) Load(ctx context.Context, domain, root string) (*Model, Handle, error) {
	m := NewModel()
	items, err := l.read(ctx, domain, []string{root})
	if err != nil {
		return nil, Handle{}, err
	}
	it, ok := items[root]
	if !ok {
		return nil, Handle{}, kerrors.Newf(kerrors.KindNotFound, "item %s not found in domain %s", root, domain)
	}
	h, err := m.Add(domain, it, Handle{})
	if err != nil {
		return nil, Handle{}, err
	}
	if err := l.descend(ctx, m, domain, h, it, map[string]bool{root: true}); err != nil {
		return nil, Handle{}, err
	}
	return m, h, nil
}

func (l *Loader) descend(ctx context.Context, m *Model, domain string, parent Handle, it *Item, ancestors map[string]bool) error {
	refs := it.Children()
	if len(refs) == 0 {
		return nil
	}
	uuids := make([]string, len(refs))
	for i, r := range refs {
		if ancestors[r.UUID] {
			return kerrors.Newf(kerrors.KindCycleDetected, "item %s references its ancestor %s", it.UUID, r.UUID)
		}
		uuids[i] = r.UUID
	}
	children, err := l.read(ctx, domain, uuids)
	if err != nil {
		return err
	}
	for _, r := range refs {
		child, ok := children[r.UUID]
		if !ok {
			return kerrors.Newf(kerrors.KindNotFound, "item %s referenced by %s not found", r.UUID, it.UUID)
		}
		h, err := m.Add(domain, child, parent)
		if err != nil {
			return err
		}
		ancestors[r.UUID] = true
		err = l.descend(ctx, m, domain, h, child, ancestors)
		delete(ancestors, r.UUID)
		if err != nil {
			return err
		}
	}
	return nil
}

// read returns the parsed items of uuids, fetching cache misses in one
// batch.
func (l *Loader) read(ctx context.Context, domain string, uuids []string) (map[string]*Item, error) {
	var missing []string
	for _, u := range uuids {
		if _, ok := l.cache.Retrieve(domain, u); !ok {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 && l.fetch != nil {
		docs, err := l.fetch(ctx, domain, missing)
		if err != nil {
			return nil, kerrors.Wrap(err, "Loader", "read", "fetch items")
		}
		for u, data := range docs {
			l.cache.Store(domain, u, data)
		}
	}
	out := make(map[string]*Item, len(uuids))
	for _, u := range uuids {
		data, ok := l.cache.Retrieve(domain, u)
		if !ok {
			continue
		}
		it, err := UnmarshalItem(data)
		if err != nil {
			return nil, err
		}
		out[u] = it
	}
	return out, nil
}
