// Package projectdb stores Karabo projects and their items.
//
// # Items
//
// An item is one XML document: the root element carries the metadata
// (uuid, revision, item_type, simple_name, date, user, is_trashed,
// description) and its body is the Hash-XML payload. Items are grouped in
// domains such as FXE or SPB. Projects, device servers and device instances
// reference their children by (uuid, revision) in lists of the payload:
//
//	project.{scenes,macros,servers,subprojects,configurations}
//	device_server.devices
//	device_instance.configs
//
// # Stores
//
// FileStore keeps <root>/<domain>/<uuid>_<revision> files written with a
// temp file and rename. KVStore keeps the latest revision in a JetStream KV
// bucket. Both apply the same optimistic concurrency rule: a save carries
// the date the client last saw and fails with VersionConflict when the
// stored item has moved on.
//
// # Reading projects
//
// Loader builds a Model from a root project, reading items from a Cache
// and fetching misses from the database one tree level at a time. Model
// stores the items in per-domain arenas; parents and children are indices,
// and handles of removed items go stale.
//
// # Service
//
// Service answers the generic requests of the ProjectManager device
// (listDomains, listItems, loadItems, saveItems, ...). Every reply carries
// success and reason next to its payload.
package projectdb
