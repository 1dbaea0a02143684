// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ErrCodeInvalidManifest marks a manifest that failed validation.
const ErrCodeInvalidManifest = "PLUGIN_INVALID_MANIFEST"

// EngineKind names the guest language of a plugin.
type EngineKind string

// Supported engines.
const (
	EngineLua EngineKind = "lua"
	EngineJS  EngineKind = "js"
)

// ManifestFile is the manifest file name looked up in each plugin dir.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name        string     `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version     string     `yaml:"version" json:"version" jsonschema:"minLength=1"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Engine      EngineKind `yaml:"engine" json:"engine" jsonschema:"enum=lua,enum=js"`
	// Entry is a file relative to the plugin dir. Exactly one of Entry
	// and URL is set.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"format=uri"`
	// Checksum is the hex BLAKE2b-256 digest of the source.
	Checksum     string   `yaml:"checksum,omitempty" json:"checksum,omitempty" jsonschema:"pattern=^[0-9a-fA-F]{64}$"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	// Requires constrains the host version, e.g. ">= 0.3.0".
	Requires string `yaml:"requires,omitempty" json:"requires,omitempty"`
	// Dependencies maps plugin names to version constraints.
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

const maxNameLength = 64

var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

func invalid(field, format string, args ...any) error {
	return oops.Code(ErrCodeInvalidManifest).With("field", field).Errorf(format, args...)
}

func invalidWrap(err error, field, format string, args ...any) error {
	return oops.Code(ErrCodeInvalidManifest).With("field", field).Wrapf(err, format, args...)
}

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, invalid("", "manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, invalidWrap(err, "", "invalid YAML")
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest reads and parses dir/plugin.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // dir is a plugin directory chosen by the host
	if err != nil {
		return nil, oops.Code(ErrCodeInvalidManifest).With("dir", dir).Wrap(err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("dir", dir).Wrap(err)
	}
	return m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return invalid("name", "name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return invalid("name", "name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return invalid("version", "version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return invalidWrap(err, "version", "version %q is not semver", m.Version)
	}

	switch m.Engine {
	case EngineLua, EngineJS:
	default:
		return invalid("engine", "engine must be 'lua' or 'js', got %q", m.Engine)
	}

	switch {
	case m.Entry == "" && m.URL == "":
		return invalid("entry", "one of entry or url is required")
	case m.Entry != "" && m.URL != "":
		return invalid("entry", "entry and url are mutually exclusive")
	case m.Entry != "":
		if filepath.IsAbs(m.Entry) || strings.HasPrefix(filepath.Clean(m.Entry), "..") {
			return invalid("entry", "entry %q must stay inside the plugin directory", m.Entry)
		}
	default:
		u, err := url.Parse(m.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("url", "url %q must be an absolute http(s) URL", m.URL)
		}
	}

	if m.Checksum != "" {
		if b, err := hex.DecodeString(m.Checksum); err != nil || len(b) != 32 {
			return invalid("checksum", "checksum must be 64 hex characters")
		}
	}

	for i, c := range m.Capabilities {
		if c == "" {
			return invalid("capabilities", "capability %d is empty", i)
		}
		if _, err := glob.Compile(c, '.'); err != nil {
			return invalidWrap(err, "capabilities", "capability %d (%q)", i, c)
		}
	}

	if m.Requires != "" {
		if _, err := semver.NewConstraint(m.Requires); err != nil {
			return invalidWrap(err, "requires", "requires %q", m.Requires)
		}
	}

	for _, name := range m.DependencyNames() {
		if !namePattern.MatchString(name) {
			return invalid("dependencies", "dependency name %q is invalid", name)
		}
		if name == m.Name {
			return invalid("dependencies", "plugin cannot depend on itself")
		}
		if _, err := semver.NewConstraint(m.Dependencies[name]); err != nil {
			return invalidWrap(err, "dependencies", "dependency %s: constraint %q", name, m.Dependencies[name])
		}
	}

	return nil
}

// DependencyNames returns the dependency names, sorted.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether hostVersion satisfies Requires. An empty
// Requires accepts every host.
func (m *Manifest) Supports(hostVersion string) (bool, error) {
	if m.Requires == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(m.Requires)
	if err != nil {
		return false, invalidWrap(err, "requires", "requires %q", m.Requires)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return false, oops.With("host_version", hostVersion).Wrapf(err, "host version")
	}
	return c.Check(v), nil
}

// Satisfies reports whether version satisfies the constraint m places on
// dependency name. Unknown dependencies are not satisfied.
func (m *Manifest) Satisfies(name, version string) bool {
	constraint, ok := m.Dependencies[name]
	if !ok {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Source returns where the plugin code lives. dir is the plugin directory.
func (m *Manifest) Source(dir string) (Source, error) {
	var src Source
	if m.URL != "" {
		src = SourceURL(m.URL)
	} else {
		code, err := os.ReadFile(filepath.Join(dir, m.Entry)) //nolint:gosec // entry is validated to stay inside dir
		if err != nil {
			return Source{}, oops.Code(ErrCodeLoadFailed).
				With("plugin", m.Name).
				With("entry", m.Entry).
				Wrap(err)
		}
		src = SourceCode(string(code)).WithName(m.Entry)
	}
	if m.Checksum != "" {
		src = src.WithChecksum(m.Checksum)
	}
	return src, nil
}
