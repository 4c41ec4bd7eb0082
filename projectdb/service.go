package projectdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Delegate answers generic requests the service does not handle itself.
type Delegate func(ctx context.Context, req *hash.Hash) (*hash.Hash, error)

// ConfigurationRequests are forwarded to the configuration database.
var ConfigurationRequests = []string{"listConfigurationSets", "saveConfigurationFromName", "getConfigurationFromName"}

// UpdateNotifier is told which projects a save touched.
type UpdateNotifier func(ctx context.Context, projects []string, client string)

// Service implements the generic Hash-in/Hash-out requests of the project
// store. Every reply carries success and reason next to its payload.
type Service struct {
	store   Store
	domains []string
	configs Delegate
	notify  UpdateNotifier
	logger  *slog.Logger
}

// NewService creates a service on store. A non-empty domains list restricts
// listDomains.
func NewService(store Store, domains []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, domains: domains, logger: logger}
}

// SetConfigurationDelegate routes ConfigurationRequests to d.
func (s *Service) SetConfigurationDelegate(d Delegate) { s.configs = d }

// OnProjectUpdate registers the notifier of saved projects.
func (s *Service) OnProjectUpdate(n UpdateNotifier) { s.notify = n }

// Handle dispatches req by its type. Failures are reported in the reply;
// the error return is reserved for malformed requests.
func (s *Service) Handle(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	typ, err := req.GetString("type")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "'type' must be present in the input hash")
	}
	s.logger.Info("Generic request", "type", typ)

	var reply *hash.Hash
	switch typ {
	case "listDomains":
		reply, err = s.listDomains(ctx)
	case "listItems":
		reply, err = s.listItems(ctx, req)
	case "listNamedItems":
		reply, err = s.listNamedItems(ctx, req)
	case "loadItems":
		reply, err = s.loadItems(ctx, req)
	case "saveItems":
		reply, err = s.saveItems(ctx, req)
	case "updateAttribute":
		reply, err = s.updateAttribute(ctx, req)
	case "updateTrashed":
		reply, err = s.updateTrashed(ctx, req)
	case "listProjectsWithDevice":
		reply, err = s.listProjectsWith(ctx, req, TypeDeviceInstance)
	case "listProjectsWithServer":
		reply, err = s.listProjectsWith(ctx, req, TypeDeviceServer)
	case "listProjectsWithMacro":
		reply, err = s.listProjectsWith(ctx, req, TypeMacro)
	case "listProjectsWithDeviceConfigurations":
		reply, err = s.listProjectsWithDeviceConfigurations(ctx, req)
	case "listDomainWithDevices":
		reply, err = s.listDomainWithDevices(ctx, req)
	default:
		if slices.Contains(ConfigurationRequests, typ) {
			if s.configs == nil {
				err = kerrors.Newf(kerrors.KindNotFound, "%s: no configuration database attached", typ)
			} else {
				reply, err = s.configs(ctx, req)
			}
			break
		}
		return nil, kerrors.Newf(kerrors.KindValidation, "%s not implemented", typ)
	}
	return finish(reply, err), nil
}

// finish adds success and reason to a reply.
func finish(reply *hash.Hash, err error) *hash.Hash {
	if reply == nil {
		reply = hash.New()
	}
	if err != nil {
		reply.Set("success", false)
		reply.Set("reason", err.Error())
		return reply
	}
	if !reply.Has("success") {
		reply.Set("success", true)
	}
	if !reply.Has("reason") {
		reply.Set("reason", "")
	}
	return reply
}

func str(req *hash.Hash, key string) (string, error) {
	v, err := req.GetString(key)
	if err != nil {
		return "", kerrors.Newf(kerrors.KindValidation, "%q must be a string in the request", key)
	}
	return v, nil
}

func rows(req *hash.Hash, key string) ([]*hash.Hash, error) {
	v, err := hash.GetAs[[]*hash.Hash](req, key)
	if err != nil {
		return nil, kerrors.Newf(kerrors.KindValidation, "%q must be a list of Hashes in the request", key)
	}
	return v, nil
}

func metaRows(metas []Meta) []*hash.Hash {
	out := make([]*hash.Hash, len(metas))
	for i, m := range metas {
		out[i] = m.Hash()
	}
	return out
}

func (s *Service) listDomains(ctx context.Context) (*hash.Hash, error) {
	domains, err := s.store.Domains(ctx)
	if err != nil {
		return nil, err
	}
	if len(s.domains) > 0 {
		domains = slices.DeleteFunc(domains, func(d string) bool { return !slices.Contains(s.domains, d) })
	}
	if domains == nil {
		domains = []string{}
	}
	return hash.New("domains", domains), nil
}

func (s *Service) listItems(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	domain, err := str(req, "domain")
	if err != nil {
		return nil, err
	}
	var types []ItemType
	if names, err := hash.GetAs[[]string](req, "item_types"); err == nil {
		for _, n := range names {
			types = append(types, ItemType(n))
		}
	}
	metas, err := s.store.List(ctx, domain, types)
	if err != nil {
		return nil, err
	}
	return hash.New("items", metaRows(metas)), nil
}

func (s *Service) listNamedItems(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	domain, err := str(req, "domain")
	if err != nil {
		return nil, err
	}
	typ, err := str(req, "item_type")
	if err != nil {
		return nil, err
	}
	name, err := str(req, "simple_name")
	if err != nil {
		return nil, err
	}
	metas, err := s.store.List(ctx, domain, []ItemType{ItemType(typ)})
	if err != nil {
		return nil, err
	}
	metas = slices.DeleteFunc(metas, func(m Meta) bool { return m.SimpleName != name })
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].Date < metas[j].Date })
	return hash.New("items", metaRows(metas)), nil
}

// loadItems requires all items to be from one domain. Missing uuids fail
// the request; the items found are still returned.
func (s *Service) loadItems(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	items, err := rows(req, "items")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return hash.New("items", []*hash.Hash{}), nil
	}
	domain, _ := items[0].GetString("domain")
	uuids := make([]string, 0, len(items))
	for _, it := range items {
		d, _ := it.GetString("domain")
		if d != domain {
			return nil, kerrors.New(kerrors.KindValidation, "Incorrect domain given!")
		}
		u, _ := it.GetString("uuid")
		uuids = append(uuids, u)
	}
	loaded, err := s.store.Load(ctx, domain, uuids)
	if err != nil {
		return nil, err
	}
	out := make([]*hash.Hash, 0, len(loaded))
	found := make(map[string]bool, len(loaded))
	for _, it := range loaded {
		data, err := MarshalItem(it)
		if err != nil {
			return nil, err
		}
		out = append(out, hash.New("domain", domain, "uuid", it.UUID, "xml", string(data)))
		found[it.UUID] = true
	}
	reply := hash.New("items", out)
	missing := slices.DeleteFunc(uuids, func(u string) bool { return found[u] })
	if len(missing) > 0 {
		return reply, kerrors.Newf(kerrors.KindNotFound, "Items %q not found!", missing)
	}
	return reply, nil
}

// saveItems stores every item on its own; each reply row carries its own
// success flag.
func (s *Service) saveItems(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	items, err := rows(req, "items")
	if err != nil {
		return nil, err
	}
	client, _ := req.GetString("client")
	if client == "" {
		client = "__none__"
	}
	out := make([]*hash.Hash, 0, len(items))
	var projects []string
	for _, row := range items {
		domain, _ := row.GetString("domain")
		uuid, _ := row.GetString("uuid")
		res := hash.New("domain", domain, "uuid", uuid, "date", "", "success", true, "reason", "")
		meta, err := s.saveOne(ctx, domain, uuid, row)
		if err != nil {
			res.Set("success", false)
			res.Set("reason", err.Error())
		} else {
			res.Set("date", meta.Date)
			if meta.Type == TypeProject {
				projects = append(projects, uuid)
			}
		}
		out = append(out, res)
	}
	if len(projects) > 0 && s.notify != nil {
		s.notify(ctx, projects, client)
	}
	return hash.New("items", out), nil
}

func (s *Service) saveOne(ctx context.Context, domain, uuid string, row *hash.Hash) (Meta, error) {
	doc, err := row.GetString("xml")
	if err != nil {
		return Meta{}, kerrors.Newf(kerrors.KindValidation, "item %s carries no xml", uuid)
	}
	it, err := UnmarshalItem([]byte(doc))
	if err != nil {
		return Meta{}, kerrors.Newf(kerrors.KindValidation, "XML parse error for item %q", uuid).WithCause(err)
	}
	if it.UUID == "" {
		it.UUID = uuid
	}
	if it.UUID != uuid {
		return Meta{}, kerrors.Newf(kerrors.KindValidation, "item uuid %s does not match document uuid %s", uuid, it.UUID)
	}
	if it.Type == "" {
		if t, err := row.GetString("item_type"); err == nil {
			it.Type = ItemType(t)
		}
	}
	if !slices.Contains(AllTypes, it.Type) {
		return Meta{}, kerrors.Newf(kerrors.KindValidation, "unknown item type %q", it.Type)
	}
	return s.store.Save(ctx, domain, it)
}

// updateAttribute changes one attribute per row.
func (s *Service) updateAttribute(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	items, err := rows(req, "items")
	if err != nil {
		return nil, err
	}
	out := make([]*hash.Hash, 0, len(items))
	for _, row := range items {
		domain, _ := row.GetString("domain")
		uuid, _ := row.GetString("uuid")
		typ, _ := row.GetString("item_type")
		name, _ := row.GetString("attr_name")
		vt, _ := row.GetType("attr_value")
		value, err := hash.Convert(row.Value("attr_value"), vt, hash.String)
		if err != nil {
			return nil, kerrors.New(kerrors.KindValidation, "attr_value cannot be rendered as text")
		}
		if _, err := s.store.UpdateAttribute(ctx, domain, uuid, ItemType(typ), name, value.(string)); err != nil {
			return nil, err
		}
		out = append(out, hash.New("domain", domain, "uuid", uuid, "item_type", typ,
			"attr_name", name, "attr_value", value.(string)))
	}
	return hash.New("items", out), nil
}

// updateTrashed sets is_trashed of one project.
func (s *Service) updateTrashed(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	item, err := req.GetHash("items")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, `"items" must be a Hash in the request`)
	}
	domain, _ := item.GetString("domain")
	uuid, _ := item.GetString("uuid")
	typ, _ := item.GetString("item_type")
	if ItemType(typ) != TypeProject {
		return nil, kerrors.New(kerrors.KindValidation, "Only projects can be trashed")
	}
	value, err := item.GetBool("value")
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "value must be a bool")
	}
	if _, err := s.store.UpdateAttribute(ctx, domain, uuid, TypeProject, "is_trashed", fmt.Sprint(value)); err != nil {
		return nil, err
	}
	return hash.New("domain", domain), nil
}

// domainIndex holds every item of a domain with reverse references.
type domainIndex struct {
	items   map[string]*Item
	parents map[string][]string
}

func (s *Service) index(ctx context.Context, domain string) (*domainIndex, error) {
	metas, err := s.store.List(ctx, domain, nil)
	if err != nil {
		return nil, err
	}
	uuids := make([]string, len(metas))
	for i, m := range metas {
		uuids[i] = m.UUID
	}
	loaded, err := s.store.Load(ctx, domain, uuids)
	if err != nil {
		return nil, err
	}
	idx := &domainIndex{items: make(map[string]*Item, len(loaded)), parents: make(map[string][]string)}
	for _, it := range loaded {
		idx.items[it.UUID] = it
	}
	for _, it := range loaded {
		for _, r := range it.Children() {
			idx.parents[r.UUID] = append(idx.parents[r.UUID], it.UUID)
		}
	}
	return idx, nil
}

// projects returns the projects that reach uuid through references.
func (x *domainIndex) projects(uuid string) []*Item {
	var out []*Item
	seen := map[string]bool{uuid: true}
	queue := []string{uuid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range x.parents[cur] {
			if seen[p] {
				continue
			}
			seen[p] = true
			if it, ok := x.items[p]; ok {
				if it.Type == TypeProject {
					out = append(out, it)
				}
				queue = append(queue, p)
			}
		}
	}
	return out
}

// itemName is the name matched by the listProjectsWith requests.
func itemName(it *Item) string {
	switch it.Type {
	case TypeDeviceInstance:
		if id, err := it.Payload.GetString("device_instance.instance_id"); err == nil {
			return id
		}
	case TypeDeviceServer:
		if id, err := it.Payload.GetString("device_server.server_id"); err == nil {
			return id
		}
	}
	return it.SimpleName
}

// listProjectsWith lists the projects holding items of typ whose name
// contains the name part, case-insensitively.
func (s *Service) listProjectsWith(ctx context.Context, req *hash.Hash, typ ItemType) (*hash.Hash, error) {
	domain, err := str(req, "domain")
	if err != nil {
		return nil, err
	}
	part, err := str(req, "name")
	if err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, domain)
	if err != nil {
		return nil, err
	}
	part = strings.ToLower(part)

	type entry struct {
		project *Item
		names   []string
	}
	var order []string
	found := map[string]*entry{}
	uuids := make([]string, 0, len(idx.items))
	for u := range idx.items {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	for _, u := range uuids {
		it := idx.items[u]
		name := itemName(it)
		if it.Type != typ || !strings.Contains(strings.ToLower(name), part) {
			continue
		}
		for _, p := range idx.projects(u) {
			e, ok := found[p.UUID]
			if !ok {
				e = &entry{project: p}
				found[p.UUID] = e
				order = append(order, p.UUID)
			}
			if !slices.Contains(e.names, name) {
				e.names = append(e.names, name)
			}
		}
	}
	out := make([]*hash.Hash, 0, len(order))
	for _, u := range order {
		e := found[u]
		out = append(out, hash.New("project_name", e.project.SimpleName, "uuid", u,
			"date", e.project.Date, "items", e.names))
	}
	return hash.New("items", out), nil
}

// listProjectsWithDeviceConfigurations maps the projects holding deviceId to
// the active configuration of that device in the project.
func (s *Service) listProjectsWithDeviceConfigurations(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	domain, err := str(req, "domain")
	if err != nil {
		return nil, err
	}
	deviceID, err := str(req, "deviceId")
	if err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []*hash.Hash
	for _, it := range idx.items {
		if it.Type != TypeDeviceInstance || itemName(it) != deviceID {
			continue
		}
		active, _ := it.Payload.GetString("device_instance.active_uuid")
		for _, p := range idx.projects(it.UUID) {
			out = append(out, hash.New("project_name", p.SimpleName, "config_uuid", active))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].GetString("project_name")
		b, _ := out[j].GetString("project_name")
		return a < b
	})
	if out == nil {
		out = []*hash.Hash{}
	}
	return hash.New("items", out), nil
}

// listDomainWithDevices lists every device instance reachable from a
// project.
func (s *Service) listDomainWithDevices(ctx context.Context, req *hash.Hash) (*hash.Hash, error) {
	domain, err := str(req, "domain")
	if err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []*hash.Hash
	for u, it := range idx.items {
		if it.Type != TypeDeviceInstance {
			continue
		}
		for _, p := range idx.projects(u) {
			out = append(out, hash.New("device_uuid", u, "device_name", itemName(it),
				"project_uuid", p.UUID, "project_name", p.SimpleName))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].GetString("device_name")
		b, _ := out[j].GetString("device_name")
		return a < b
	})
	if out == nil {
		out = []*hash.Hash{}
	}
	return hash.New("items", out), nil
}
