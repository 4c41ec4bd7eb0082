package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// Factory creates the class-specific part of a device. It runs after the
// standard parameters are set and before the device goes online; it may
// register commands on d. The returned value may implement any of
// PreInitializer, Initializer, Reconfigurer and Destroyer.
type Factory func(d *Device) (any, error)

// Class describes a device class.
type Class struct {
	ClassID     string
	Version     string
	Description string
	// InitialState is entered after a successful initialization; NORMAL
	// when empty.
	InitialState schema.State
	// Visibility is the default visibility of instances; OBSERVER when
	// zero.
	Visibility schema.AccessLevel
	// Describe adds the class parameters and commands to the standard
	// device schema.
	Describe func(s *schema.Schema)
	Factory  Factory
}

// Schema returns the full schema of the class.
func (c *Class) Schema() (*schema.Schema, error) {
	s := schema.New(c.ClassID)
	describeStandard(s, c.Visibility)
	if c.Describe != nil {
		c.Describe(s)
	}
	if err := s.Err(); err != nil {
		return nil, kerrors.Wrap(err, "Class", "Schema", "schema description of "+c.ClassID)
	}
	return s, nil
}

// describeStandard declares the parameters every device has.
func describeStandard(s *schema.Schema, visibility schema.AccessLevel) {
	s.String("deviceId").DisplayedName("DeviceID").ReadOnly().Commit()
	s.String("classId").DisplayedName("ClassID").ReadOnly().Commit()
	s.String("classVersion").ReadOnly().Commit()
	s.String("serverId").DisplayedName("ServerID").ReadOnly().Commit()
	s.String("karaboVersion").ReadOnly().Commit()
	s.String("hostName").ReadOnly().Commit()
	s.Int32("pid").ReadOnly().Commit()
	s.StateLeaf("state").DisplayedName("State").Commit()
	s.String("status").DisplayedName("Status").ReadOnly().Default("").Commit()
	s.AlarmLeaf("alarmCondition").DisplayedName("Alarm condition").Commit()
	s.Int32("visibility").InitOnly().Default(int32(visibility)).
		MinInc(int32(schema.Observer)).MaxInc(int32(schema.Admin)).Commit()
	s.Bool("archive").InitOnly().Default(true).Commit()
	s.Int32("heartbeatInterval").DisplayedName("Heartbeat interval").Unit("s").
		InitOnly().Default(int32(10)).MinInc(int32(1)).Commit()
	s.Node("log").DisplayedName("Logger").Commit()
	s.String("log.level").InitOnly().Options([]string{"DEBUG", "INFO", "WARN", "ERROR"}).Default("INFO").Commit()
	s.String("log.format").InitOnly().Options([]string{"text", "json"}).Default("text").Commit()
}

// Registry holds the device classes a server can instantiate.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

// Register adds a class. The class schema is built once to catch
// description errors early.
func (r *Registry) Register(c *Class) error {
	if c == nil {
		return kerrors.WrapInvalid(errors.New("class is nil"), "Registry", "Register", "class validation")
	}
	if c.ClassID == "" {
		return kerrors.WrapInvalid(errors.New("empty class id"), "Registry", "Register", "class id validation")
	}
	if c.Factory == nil {
		return kerrors.WrapInvalid(fmt.Errorf("class %s has no factory", c.ClassID), "Registry", "Register", "factory validation")
	}
	if _, err := c.Schema(); err != nil {
		return kerrors.WrapInvalid(err, "Registry", "Register", "schema validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[c.ClassID]; exists {
		return kerrors.WrapInvalid(fmt.Errorf("class '%s' is already registered", c.ClassID), "Registry", "Register", "duplicate class check")
	}
	r.classes[c.ClassID] = c
	return nil
}

// Lookup returns the class registered as classID.
func (r *Registry) Lookup(classID string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[classID]
	if !ok {
		return nil, kerrors.Newf(kerrors.KindNotFound, "unknown device class %q", classID)
	}
	return c, nil
}

// Classes returns the registered class ids, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for id := range r.classes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
