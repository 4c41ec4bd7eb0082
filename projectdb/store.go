package projectdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Store persists project items per domain.
type Store interface {
	// Domains lists the existing domains.
	Domains(ctx context.Context) ([]string, error)
	// Save writes it to domain. it.Date is the date the caller last saw;
	// it must match the stored date of an existing item, otherwise the save
	// fails with VersionConflict. An empty date saves a new item. The
	// stored metadata (new date, next revision) is returned.
	Save(ctx context.Context, domain string, it *Item) (Meta, error)
	// Load returns the latest revision of each uuid found in domain.
	// Unknown uuids are skipped.
	Load(ctx context.Context, domain string, uuids []string) ([]*Item, error)
	// List returns the metadata of the latest revision of every item in
	// domain whose type is in types; all types when types is empty.
	List(ctx context.Context, domain string, types []ItemType) ([]Meta, error)
	// UpdateAttribute changes one metadata attribute of the latest revision
	// in place.
	UpdateAttribute(ctx context.Context, domain, uuid string, itemType ItemType, name, value string) (Meta, error)
}

// prepare fills the server-side metadata of a save. current is nil for a
// new item.
func prepare(it *Item, current *Meta, now time.Time) error {
	if current != nil {
		if it.Date != current.Date {
			return kerrors.Newf(kerrors.KindVersionConflict,
				"Versioning conflict! Document %s modified in between (stored %s, given %q)", it.UUID, current.Date, it.Date)
		}
		it.Revision = current.Revision + 1
	} else {
		if it.Date != "" {
			return kerrors.Newf(kerrors.KindVersionConflict,
				"Versioning conflict! Document %s was removed in between", it.UUID)
		}
		it.Revision = 0
	}
	if it.User == "" {
		it.User = defaultUser
	}
	it.Date = FormatDate(now)
	if current != nil && it.Date <= current.Date {
		// two saves within one clock tick
		t, _ := time.Parse(DateFormat, current.Date)
		it.Date = FormatDate(t.Add(time.Microsecond))
	}
	return nil
}

func validKey(kind, s string) error {
	if s == "" || strings.ContainsAny(s, `/\. `) || strings.HasPrefix(s, "_") {
		return kerrors.Newf(kerrors.KindValidation, "invalid %s %q", kind, s)
	}
	return nil
}

func typeFilter(types []ItemType) func(ItemType) bool {
	if len(types) == 0 {
		return func(ItemType) bool { return true }
	}
	set := make(map[ItemType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(t ItemType) bool { return set[t] }
}

// FileStore keeps one XML file per item revision under
// <root>/<domain>/<uuid>_<revision>. Writes to one item are serialized;
// reads take no locks and see only completely renamed files.
type FileStore struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore opens the store at root, creating the directory.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, kerrors.WrapInvalid(errors.New("empty root"), "FileStore", "New", "root validation")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kerrors.WrapFatal(err, "FileStore", "New", "create root")
	}
	return &FileStore{root: root, now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) lock(domain, uuid string) func() {
	key := domain + "/" + uuid
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Domains lists the domain directories.
func (s *FileStore) Domains(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "FileStore", "Domains", "read root")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// revisions maps uuid to the highest revision file in domain.
func (s *FileStore) revisions(domain string) (map[string]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, domain))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	latest := make(map[string]int, len(entries))
	for _, e := range entries {
		uuid, rev, ok := parseFileName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		if cur, seen := latest[uuid]; !seen || rev > cur {
			latest[uuid] = rev
		}
	}
	return latest, nil
}

func parseFileName(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 || strings.HasPrefix(name, ".") {
		return "", 0, false
	}
	rev, err := strconv.Atoi(name[i+1:])
	if err != nil || rev < 0 {
		return "", 0, false
	}
	return name[:i], rev, true
}

func (s *FileStore) path(domain, uuid string, rev int) string {
	return filepath.Join(s.root, domain, fmt.Sprintf("%s_%d", uuid, rev))
}

func (s *FileStore) readItem(domain, uuid string, rev int) (*Item, error) {
	data, err := os.ReadFile(s.path(domain, uuid, rev))
	if err != nil {
		return nil, err
	}
	return UnmarshalItem(data)
}

// latest returns the newest revision of uuid or nil.
func (s *FileStore) latest(domain, uuid string) (*Item, error) {
	revs, err := s.revisions(domain)
	if err != nil {
		return nil, err
	}
	rev, ok := revs[uuid]
	if !ok {
		return nil, nil
	}
	return s.readItem(domain, uuid, rev)
}

// Save writes a new revision next to the previous ones.
func (s *FileStore) Save(_ context.Context, domain string, it *Item) (Meta, error) {
	if err := validKey("domain", domain); err != nil {
		return Meta{}, err
	}
	if err := validKey("uuid", it.UUID); err != nil {
		return Meta{}, err
	}
	unlock := s.lock(domain, it.UUID)
	defer unlock()

	current, err := s.latest(domain, it.UUID)
	if err != nil {
		return Meta{}, kerrors.WrapTransient(err, "FileStore", "Save", "read current version")
	}
	var cur *Meta
	if current != nil {
		cur = &current.Meta
	}
	if err := prepare(it, cur, s.now()); err != nil {
		return Meta{}, err
	}
	data, err := MarshalItem(it)
	if err != nil {
		return Meta{}, err
	}
	if err := s.write(domain, s.path(domain, it.UUID, it.Revision), data); err != nil {
		return Meta{}, kerrors.WrapTransient(err, "FileStore", "Save", "write "+it.UUID)
	}
	return it.Meta, nil
}

// write commits data to path with a temp file and rename.
func (s *FileStore) write(domain, path string, data []byte) error {
	dir := filepath.Join(s.root, domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the newest revision of each uuid.
func (s *FileStore) Load(_ context.Context, domain string, uuids []string) ([]*Item, error) {
	revs, err := s.revisions(domain)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "FileStore", "Load", "scan domain")
	}
	out := make([]*Item, 0, len(uuids))
	for _, uuid := range uuids {
		rev, ok := revs[uuid]
		if !ok {
			continue
		}
		it, err := s.readItem(domain, uuid, rev)
		if err != nil {
			return nil, kerrors.WrapTransient(err, "FileStore", "Load", "read "+uuid)
		}
		out = append(out, it)
	}
	return out, nil
}

// List parses only the root element of each latest revision.
func (s *FileStore) List(_ context.Context, domain string, types []ItemType) ([]Meta, error) {
	revs, err := s.revisions(domain)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "FileStore", "List", "scan domain")
	}
	keep := typeFilter(types)
	out := make([]Meta, 0, len(revs))
	for uuid, rev := range revs {
		f, err := os.Open(s.path(domain, uuid, rev))
		if err != nil {
			return nil, kerrors.WrapTransient(err, "FileStore", "List", "open "+uuid)
		}
		m, err := ReadMeta(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if keep(m.Type) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// UpdateAttribute rewrites the latest revision file.
func (s *FileStore) UpdateAttribute(_ context.Context, domain, uuid string, itemType ItemType, name, value string) (Meta, error) {
	unlock := s.lock(domain, uuid)
	defer unlock()

	it, err := s.latest(domain, uuid)
	if err != nil {
		return Meta{}, kerrors.WrapTransient(err, "FileStore", "UpdateAttribute", "read "+uuid)
	}
	if it == nil || (itemType != "" && it.Type != itemType) {
		return Meta{}, kerrors.Newf(kerrors.KindNotFound, "no item of type %q with UUID %q in domain %s", itemType, uuid, domain)
	}
	if err := it.setAttr(name, value); err != nil {
		return Meta{}, err
	}
	data, err := MarshalItem(it)
	if err != nil {
		return Meta{}, err
	}
	if err := s.write(domain, s.path(domain, uuid, it.Revision), data); err != nil {
		return Meta{}, kerrors.WrapTransient(err, "FileStore", "UpdateAttribute", "write "+uuid)
	}
	return it.Meta, nil
}
