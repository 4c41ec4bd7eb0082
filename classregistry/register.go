// Package classregistry registers the device classes compiled into the
// Karabo binaries.
package classregistry

import (
	"errors"

	"github.com/European-XFEL/Karabo-sub011/configdb"
	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
	"github.com/European-XFEL/Karabo-sub011/projectdb"
)

// Deps are the shared resources some classes need. All fields are
// optional.
type Deps struct {
	// NATS backs the "kv" protocol of the project manager.
	NATS *natsclient.Client
}

// Register registers every built-in device class with registry:
//   - PropertyTest (properties of all types, for clients and tests)
//   - ProjectManager (project database)
//   - ConfigurationManager (named configurations)
//
// Which classes a server offers is decided by its plugin manifests.
func Register(registry *device.Registry, deps Deps) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return kerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ClassRegistry", "Register", "registry validation")
	}

	classes := []struct {
		class *device.Class
		what  string
	}{
		{PropertyTest(), "PropertyTest class registration"},
		{projectdb.Class(deps.NATS), "ProjectManager class registration"},
		{configdb.Class(), "ConfigurationManager class registration"},
	}
	for _, c := range classes {
		if err := registry.Register(c.class); err != nil {
			return kerrors.WrapInvalid(err, "ClassRegistry", "Register", c.what)
		}
	}
	return nil
}
