package module

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML form of a module descriptor.
//
//	id: usb-hid
//	version: v1.4.2
//	depends:
//	  - id: usb-core
//	    version: ">=v1.2.0,<v2.0.0"
//	symbols: [hid_register, hid_report]
//	image: usb-hid.bin
//	checksum: 5f1c...
//	drivers:
//	  - id: hid-generic
//	    priority: 10
//	    bus: usb
//	    capabilities: [input]
type Manifest struct {
	ID       string               `yaml:"id"`
	Version  string               `yaml:"version"`
	Depends  []ManifestDependency `yaml:"depends,omitempty"`
	Symbols  []string             `yaml:"symbols,omitempty"`
	Image    string               `yaml:"image,omitempty"`
	Checksum string               `yaml:"checksum,omitempty"`
	Drivers  []DriverSpec         `yaml:"drivers,omitempty"`
}

// ManifestDependency is one entry of Manifest.Depends.
type ManifestDependency struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`
}

// ManifestError reports a manifest that could not be loaded.
type ManifestError struct {
	File    string
	Message string
	Cause   error
}

func (e *ManifestError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ManifestError) Unwrap() error {
	return e.Cause
}

// ParseManifest parses manifest YAML into a descriptor. The image, if
// named, is not read.
func ParseManifest(data []byte) (Descriptor, Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Descriptor{}, m, &ManifestError{Message: "failed to parse YAML", Cause: err}
	}
	desc, err := m.Descriptor()
	return desc, m, err
}

// Descriptor converts the manifest into a validated descriptor without an
// image.
func (m Manifest) Descriptor() (Descriptor, error) {
	desc := Descriptor{
		ID:       m.ID,
		Version:  m.Version,
		Symbols:  m.Symbols,
		Checksum: m.Checksum,
		Drivers:  m.Drivers,
	}
	for _, d := range m.Depends {
		c, err := ParseConstraint(d.Version)
		if err != nil {
			return Descriptor{}, &ManifestError{Message: "dependency " + d.ID, Cause: err}
		}
		desc.Dependencies = append(desc.Dependencies, Dependency{ID: d.ID, Constraint: c})
	}
	if err := desc.Validate(); err != nil {
		return Descriptor{}, &ManifestError{Message: "invalid manifest", Cause: err}
	}
	return desc, nil
}

// LoadManifest reads a manifest file. A named image is read relative to the
// manifest's directory.
func LoadManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, &ManifestError{File: path, Message: "failed to read file", Cause: err}
	}

	desc, m, err := ParseManifest(data)
	if err != nil {
		if me, ok := err.(*ManifestError); ok {
			me.File = path
		}
		return Descriptor{}, err
	}

	if m.Image != "" {
		img := m.Image
		if !filepath.IsAbs(img) {
			img = filepath.Join(filepath.Dir(path), img)
		}
		desc.Image, err = os.ReadFile(img)
		if err != nil {
			return Descriptor{}, &ManifestError{File: path, Message: "failed to read image", Cause: err}
		}
	}
	return desc, nil
}

// LoadManifests loads every .yaml or .yml manifest in dir, sorted by file
// name.
func LoadManifests(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ManifestError{File: dir, Message: "failed to read directory", Cause: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		desc, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}
