package projectdb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go/jetstream"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
)

// DefaultBucket is the KV bucket of the project store.
const DefaultBucket = "karabo_projects"

// record is the KV value of an item: its metadata for cheap listing and
// the full item document.
type record struct {
	UUID        string `cbor:"1,keyasint"`
	Type        string `cbor:"2,keyasint"`
	SimpleName  string `cbor:"3,keyasint"`
	Revision    int    `cbor:"4,keyasint"`
	Date        string `cbor:"5,keyasint"`
	User        string `cbor:"6,keyasint"`
	Trashed     bool   `cbor:"7,keyasint"`
	Description string `cbor:"8,keyasint"`
	XML         []byte `cbor:"9,keyasint"`
}

func (r *record) meta() Meta {
	return Meta{
		UUID: r.UUID, Type: ItemType(r.Type), SimpleName: r.SimpleName, Revision: r.Revision,
		Date: r.Date, User: r.User, Trashed: r.Trashed, Description: r.Description,
	}
}

func newRecord(it *Item) (*record, error) {
	data, err := MarshalItem(it)
	if err != nil {
		return nil, err
	}
	return &record{
		UUID: it.UUID, Type: string(it.Type), SimpleName: it.SimpleName, Revision: it.Revision,
		Date: it.Date, User: it.User, Trashed: it.Trashed, Description: it.Description, XML: data,
	}, nil
}

// KVStore keeps the latest revision of every item in a JetStream KV bucket
// under <domain>.<uuid>. The date check of a save is backed by a revision
// compare-and-set, so concurrent writers from several processes cannot both
// win.
type KVStore struct {
	bucket jetstream.KeyValue
	kv     *natsclient.KV
	now    func() time.Time
}

// NewKVStore opens or creates bucket.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if client == nil {
		return nil, kerrors.WrapInvalid(errors.New("nats client cannot be nil"), "KVStore", "New", "client validation")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Karabo project items",
		History:     10,
	})
	if err != nil {
		return nil, kerrors.WrapTransient(err, "KVStore", "New", "create KV bucket")
	}
	return &KVStore{bucket: b, kv: natsclient.NewKV(b), now: time.Now}, nil
}

func key(domain, uuid string) string { return domain + "." + uuid }

func (s *KVStore) get(ctx context.Context, domain, uuid string) (*record, uint64, error) {
	entry, err := s.kv.Get(ctx, key(domain, uuid))
	if err != nil {
		if natsclient.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, kerrors.WrapTransient(err, "KVStore", "get", "get from KV")
	}
	var r record
	if err := cbor.Unmarshal(entry.Value, &r); err != nil {
		return nil, 0, kerrors.WrapFatal(err, "KVStore", "get", "decode record "+uuid)
	}
	return &r, entry.Revision, nil
}

// Domains collects the first key token of every item.
func (s *KVStore) Domains(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, ">")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, kerrors.WrapTransient(err, "KVStore", "Domains", "list KV keys")
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		d, _, _ := strings.Cut(k, ".")
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Save checks the date and writes with a revision check.
func (s *KVStore) Save(ctx context.Context, domain string, it *Item) (Meta, error) {
	if err := validKey("domain", domain); err != nil {
		return Meta{}, err
	}
	if err := validKey("uuid", it.UUID); err != nil {
		return Meta{}, err
	}
	current, rev, err := s.get(ctx, domain, it.UUID)
	if err != nil {
		return Meta{}, err
	}
	var cur *Meta
	if current != nil {
		m := current.meta()
		cur = &m
	}
	if err := prepare(it, cur, s.now()); err != nil {
		return Meta{}, err
	}
	r, err := newRecord(it)
	if err != nil {
		return Meta{}, err
	}
	if err := s.put(ctx, domain, r, rev); err != nil {
		return Meta{}, err
	}
	return it.Meta, nil
}

func (s *KVStore) put(ctx context.Context, domain string, r *record, rev uint64) error {
	data, err := cbor.Marshal(r)
	if err != nil {
		return kerrors.WrapFatal(err, "KVStore", "put", "encode record")
	}
	if rev == 0 {
		_, err = s.kv.Create(ctx, key(domain, r.UUID), data)
	} else {
		_, err = s.kv.Update(ctx, key(domain, r.UUID), data, rev)
	}
	if natsclient.IsConflict(err) {
		return kerrors.Newf(kerrors.KindVersionConflict, "Versioning conflict! Document %s modified in between", r.UUID).WithCause(err)
	}
	if err != nil {
		return kerrors.WrapTransient(err, "KVStore", "put", "write "+r.UUID)
	}
	return nil
}

// Load reads each uuid.
func (s *KVStore) Load(ctx context.Context, domain string, uuids []string) ([]*Item, error) {
	out := make([]*Item, 0, len(uuids))
	for _, uuid := range uuids {
		r, _, err := s.get(ctx, domain, uuid)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		it, err := UnmarshalItem(r.XML)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// List decodes the record metadata of the domain.
func (s *KVStore) List(ctx context.Context, domain string, types []ItemType) ([]Meta, error) {
	keys, err := s.kv.Keys(ctx, domain+".*")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, kerrors.WrapTransient(err, "KVStore", "List", "list KV keys")
	}
	keep := typeFilter(types)
	var out []Meta
	for _, k := range keys {
		_, uuid, _ := strings.Cut(k, ".")
		r, _, err := s.get(ctx, domain, uuid)
		if err != nil {
			return nil, err
		}
		if r != nil && keep(ItemType(r.Type)) {
			out = append(out, r.meta())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// UpdateAttribute rewrites the record with a revision check.
func (s *KVStore) UpdateAttribute(ctx context.Context, domain, uuid string, itemType ItemType, name, value string) (Meta, error) {
	r, rev, err := s.get(ctx, domain, uuid)
	if err != nil {
		return Meta{}, err
	}
	if r == nil || (itemType != "" && ItemType(r.Type) != itemType) {
		return Meta{}, kerrors.Newf(kerrors.KindNotFound, "no item of type %q with UUID %q in domain %s", itemType, uuid, domain)
	}
	it, err := UnmarshalItem(r.XML)
	if err != nil {
		return Meta{}, err
	}
	if err := it.setAttr(name, value); err != nil {
		return Meta{}, err
	}
	nr, err := newRecord(it)
	if err != nil {
		return Meta{}, err
	}
	if err := s.put(ctx, domain, nr, rev); err != nil {
		return Meta{}, err
	}
	return it.Meta, nil
}
