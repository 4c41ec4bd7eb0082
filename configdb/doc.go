// Package configdb stores named device configurations in SQLite and serves
// them to the control system.
//
// # Database
//
// A save captures one or more devices under a shared name. The
// configurations of one save form a set identified by the sorted device
// ids; schemas are stored once per sha1 digest of their binary encoding.
// A name may be used once per device unless the existing set is
// overwritable and holds exactly the same devices, or the save asks to
// overwrite. Each device keeps at most ConfigurationLimit configurations.
//
//	db, err := configdb.Open(path)
//	err = db.Save(ctx, "baseline", configs, configdb.SaveOptions{Priority: 2})
//	sets, err := db.ListConfigurationSets(ctx, []string{"A", "B"}, 0)
//
// # Manager
//
// Manager captures running devices through slotGetSchema and
// slotGetConfiguration, concurrently and within a per-device timeout, and
// restarts devices from a stored configuration through slotStartDevice of
// a server. Only the keys a device accepts at instantiation are sent.
//
// # Device
//
// Class is the ConfigurationManager device. It answers slotGenericRequest
// with the request types listConfigurationFromName, listConfigurationSets,
// getConfigurationFromName, getLastConfiguration,
// saveConfigurationFromName, listDevices and instantiateDevice, and offers
// one dedicated slot per type. Replies carry success and reason.
package configdb
