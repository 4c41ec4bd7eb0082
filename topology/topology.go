// Package topology keeps the live system topology: a Hash rooted at the
// instance types (server, device, client, macro) keyed by instance id, with
// the instance info stored as attributes of each entry. It is fed by the
// instance events and heartbeats of a signalslot.SignalSlotable and expires
// instances whose heartbeats stop.
package topology

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/metric"
)

// DefaultCountdown is the number of missed heartbeat intervals after which
// an instance is considered gone.
const DefaultCountdown = 3

// Observer is called with the instance id and its info.
type Observer func(id string, info *hash.Hash)

type entry struct {
	typ      string
	info     *hash.Hash
	seen     time.Time
	interval time.Duration
}

// Tracker is safe for concurrent use. Observers run outside the lock.
type Tracker struct {
	countdown int
	check     time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu      sync.RWMutex
	tree    *hash.Hash
	entries map[string]*entry

	obsMu     sync.RWMutex
	onNew     []Observer
	onUpdated []Observer
	onGone    []Observer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCountdown sets the number of missed intervals before expiry.
func WithCountdown(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.countdown = n
		}
	}
}

// WithCheckInterval sets the expiry scan period of Run.
func WithCheckInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.check = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics publishes instance counts per type.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(t *Tracker) {
		if registry != nil {
			t.metrics = registry.CoreMetrics()
		}
	}
}

// New returns an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		countdown: DefaultCountdown,
		check:     time.Second,
		now:       time.Now,
		logger:    slog.Default(),
		tree:      hash.New(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "topology")
	return t
}

// OnNew registers an observer of new instances.
func (t *Tracker) OnNew(fn Observer) {
	t.obsMu.Lock()
	t.onNew = append(t.onNew, fn)
	t.obsMu.Unlock()
}

// OnUpdated registers an observer of info updates.
func (t *Tracker) OnUpdated(fn Observer) {
	t.obsMu.Lock()
	t.onUpdated = append(t.onUpdated, fn)
	t.obsMu.Unlock()
}

// OnGone registers an observer of removed instances, whether announced or
// expired.
func (t *Tracker) OnGone(fn Observer) {
	t.obsMu.Lock()
	t.onGone = append(t.onGone, fn)
	t.obsMu.Unlock()
}

func (t *Tracker) fire(list *[]Observer, id string, info *hash.Hash) {
	t.obsMu.RLock()
	fns := append([]Observer{}, *list...)
	t.obsMu.RUnlock()
	for _, fn := range fns {
		fn(id, info.Clone())
	}
}

func instanceType(info *hash.Hash) string {
	if typ, err := info.GetString("type"); err == nil && typ != "" {
		return typ
	}
	return "unknown"
}

func heartbeatInterval(info *hash.Hash, def time.Duration) time.Duration {
	if v, err := hash.GetAs[int32](info, "heartbeatInterval"); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

// put writes the entry under <type>.<id>, removing an entry of another
// type for the same id. Caller holds mu.
func (t *Tracker) put(id string, e *entry) {
	if old, ok := t.entries[id]; ok && old.typ != e.typ {
		t.remove(id, old)
	}
	t.entries[id] = e
	n, err := t.tree.SetTyped(e.typ+"."+id, hash.New(), hash.HashType)
	if err != nil {
		t.logger.Error("Cannot store instance", "instance_id", id, "error", err)
		return
	}
	attrs := n.Attributes()
	for _, in := range e.info.Nodes() {
		if in.Type() == hash.HashType || in.Type() == hash.VectorHash {
			continue
		}
		if err := attrs.SetTyped(in.Key(), hash.CloneValue(in.Value()), in.Type()); err != nil {
			t.logger.Warn("Skipping instance info field", "instance_id", id, "key", in.Key(), "error", err)
		}
	}
}

func (t *Tracker) counts() map[string]int {
	out := make(map[string]int)
	for _, e := range t.entries {
		out[e.typ]++
	}
	return out
}

func (t *Tracker) record(counts map[string]int) {
	for _, typ := range []string{"server", "device", "client", "macro"} {
		t.metrics.RecordInstances(typ, counts[typ])
	}
}

// InstanceNew inserts or replaces the instance.
func (t *Tracker) InstanceNew(id string, info *hash.Hash) {
	info = info.Clone()
	t.mu.Lock()
	t.put(id, &entry{typ: instanceType(info), info: info, seen: t.now(), interval: heartbeatInterval(info, 10*time.Second)})
	counts := t.counts()
	t.mu.Unlock()
	t.record(counts)
	t.fire(&t.onNew, id, info)
}

// InstanceUpdated merges info into the known info of the instance. An
// unknown instance is inserted.
func (t *Tracker) InstanceUpdated(id string, info *hash.Hash) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		t.InstanceNew(id, info)
		return
	}
	merged := e.info.Clone()
	merged.Merge(info, hash.ReplaceAttributes)
	t.put(id, &entry{typ: instanceType(merged), info: merged, seen: t.now(), interval: heartbeatInterval(merged, e.interval)})
	t.mu.Unlock()
	t.fire(&t.onUpdated, id, merged)
}

// InstanceGone removes the instance. Devices of a removed server stay until
// their own instanceGone arrives or they expire.
func (t *Tracker) InstanceGone(id string, info *hash.Hash) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.remove(id, e)
	counts := t.counts()
	t.mu.Unlock()
	t.record(counts)
	if info == nil || info.Empty() {
		info = e.info
	}
	t.fire(&t.onGone, id, info)
}

func (t *Tracker) remove(id string, e *entry) {
	delete(t.entries, id)
	t.tree.Erase(e.typ + "." + id)
	if sub, err := t.tree.GetHash(e.typ); err == nil && sub.Empty() {
		t.tree.Erase(e.typ)
	}
}

// Heartbeat refreshes the instance. A heartbeat from an unknown instance
// revives it.
func (t *Tracker) Heartbeat(id string, interval time.Duration, info *hash.Hash) {
	t.mu.Lock()
	if e, ok := t.entries[id]; ok {
		e.seen = t.now()
		if interval > 0 {
			e.interval = interval
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if info == nil {
		info = hash.New()
	}
	t.logger.Debug("Heartbeat from unknown instance", "instance_id", id)
	t.InstanceNew(id, info)
	if interval > 0 {
		t.mu.Lock()
		if e, ok := t.entries[id]; ok {
			e.interval = interval
		}
		t.mu.Unlock()
	}
}

// Expire removes every instance not heard of for countdown heartbeat
// intervals and returns their ids.
func (t *Tracker) Expire() []string {
	now := t.now()
	type gone struct {
		id   string
		info *hash.Hash
	}
	var expired []gone
	t.mu.Lock()
	for id, e := range t.entries {
		if now.Sub(e.seen) > time.Duration(t.countdown)*e.interval {
			expired = append(expired, gone{id, e.info})
			t.remove(id, e)
		}
	}
	counts := t.counts()
	t.mu.Unlock()
	if len(expired) == 0 {
		return nil
	}
	t.record(counts)
	ids := make([]string, len(expired))
	for i, g := range expired {
		ids[i] = g.id
		t.logger.Info("Instance expired", "instance_id", g.id)
		t.fire(&t.onGone, g.id, g.info)
	}
	sort.Strings(ids)
	return ids
}

// Run scans for expired instances until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.check)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Expire()
		}
	}
}

// Topology returns a copy of the tree.
func (t *Tracker) Topology() *hash.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Clone()
}

// Has reports whether id is known.
func (t *Tracker) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Info returns the instance info of id.
func (t *Tracker) Info(id string) (*hash.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.info.Clone(), true
}

// Path returns "<type>.<id>" for a known id.
func (t *Tracker) Path(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.typ + "." + id, true
}

// Attributes returns a copy of the attributes at path, e.g.
// "device.SA1/MOTOR/1".
func (t *Tracker) Attributes(path string) (*hash.Attributes, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, err := t.tree.Attrs(path)
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindNotFound, "no topology entry %q", path)
	}
	return a.Clone(), nil
}

// Instances returns the sorted ids of one type.
func (t *Tracker) Instances(typ string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, e := range t.entries {
		if e.typ == typ {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DevicesOf returns the sorted ids of devices announcing serverID.
func (t *Tracker) DevicesOf(serverID string) []string {
	return t.Search("device", func(_ string, a *hash.Attributes) bool {
		s, _ := a.Get("serverId").(string)
		return s == serverID
	})
}

// Search walks the tree below root in order and returns the paths, relative
// to root, of the entries accepted by pred. An empty root searches the
// whole tree.
func (t *Tracker) Search(root string, pred func(path string, attrs *hash.Attributes) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := t.tree
	if root != "" {
		sub, err := t.tree.GetHash(root)
		if err != nil {
			return nil
		}
		start = sub
	}
	var out []string
	var walk func(h *hash.Hash, prefix string)
	walk = func(h *hash.Hash, prefix string) {
		for _, n := range h.Nodes() {
			p := n.Key()
			if prefix != "" {
				p = prefix + "." + p
			}
			if pred(p, n.Attributes()) {
				out = append(out, p)
			}
			if sub, ok := n.Hash(); ok {
				walk(sub, p)
			}
		}
	}
	walk(start, "")
	return out
}

// Find returns the ids, across all types, whose info matches every
// key/value pair of filter. Values are compared as strings.
func (t *Tracker) Find(filter map[string]string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, e := range t.entries {
		match := true
		for k, want := range filter {
			v, err := e.info.Get(k)
			if err != nil {
				match = false
				break
			}
			typ, _ := e.info.GetType(k)
			text, err := hash.ToString(v, typ)
			if err != nil || !strings.EqualFold(text, want) {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
