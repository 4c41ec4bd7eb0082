package server

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/European-XFEL/Karabo-sub011/device"
)

// Manifest is a plugin description file in the plugin directory. It names
// compiled-in device classes the server offers.
//
//	name: motors
//	version: "2.1"
//	classes:
//	  - PropertyTest
type Manifest struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Classes []string `yaml:"classes"`
}

// plugins is the outcome of one scan of the plugin directory.
type plugins struct {
	classes map[string]*device.Class
	errors  []string
}

// classIDs returns the available classes, sorted.
func (p plugins) classIDs() []string {
	ids := make([]string, 0, len(p.classes))
	for id := range p.classes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// visibilities returns the default visibility of every class in classIDs
// order.
func (p plugins) visibilities() []int32 {
	ids := p.classIDs()
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(p.classes[id].Visibility)
	}
	return out
}

func (p plugins) equal(o plugins) bool {
	return slices.Equal(p.classIDs(), o.classIDs()) && slices.Equal(p.errors, o.errors)
}

// scanPlugins reads the manifests in dir. Without a directory every class
// of the registry is offered. A non-empty allowed list restricts the result.
func scanPlugins(dir string, registry *device.Registry, allowed []string) plugins {
	p := plugins{classes: make(map[string]*device.Class)}
	add := func(source, classID string) {
		if len(allowed) > 0 && !slices.Contains(allowed, classID) {
			return
		}
		c, err := registry.Lookup(classID)
		if err != nil {
			p.errors = append(p.errors, fmt.Sprintf("%s: %v", source, err))
			return
		}
		p.classes[classID] = c
	}

	if dir == "" {
		for _, id := range registry.Classes() {
			add("registry", id)
		}
		return p
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: %v", dir, err))
		return p
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		m, err := readManifest(filepath.Join(dir, name))
		if err != nil {
			p.errors = append(p.errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, id := range m.Classes {
			add(name, id)
		}
	}
	return p
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("manifest lists no classes")
	}
	return &m, nil
}
