// Copyright 2025 Certen Protocol
//
// Proof-system artifact manifest: which files (verifying key, helper
// witnesses, etc.) exist for a given withdraw circuit version, parsed
// from a small YAML file next to the artifact directories.

package artifacts

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VersionManifest describes one withdraw-circuit version's artifact set.
type VersionManifest struct {
	Dir   string   `yaml:"dir"`
	Files []string `yaml:"files"`
}

// Manifest maps a version tag to its artifact set.
type Manifest struct {
	Versions map[string]VersionManifest `yaml:"versions"`
}

// Load parses a YAML manifest file of the shape:
//
//	versions:
//	  v1:
//	    dir: ./artifacts/withdraw/v1
//	    files: [verifying_key.bin, witness_helper.wasm]
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("artifacts: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Files returns the artifact file names for version, in manifest order.
func (m *Manifest) Files(version string) ([]string, bool) {
	v, ok := m.Versions[version]
	if !ok {
		return nil, false
	}
	return v.Files, true
}

// FilePath resolves the on-disk path for (version, name), validating that
// name is one of the files declared for that version so a client cannot
// use the endpoint to read arbitrary files off the host.
func (m *Manifest) FilePath(version, name string) (string, error) {
	v, ok := m.Versions[version]
	if !ok {
		return "", fmt.Errorf("artifacts: unknown version %q", version)
	}
	found := false
	for _, f := range v.Files {
		if f == name {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("artifacts: %q is not a declared artifact of version %q", name, version)
	}
	return filepath.Join(v.Dir, name), nil
}
