package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Capabilities a plugin manifest may request. Host functions outside the
// granted set fail at call time.
const (
	// CapabilityRemoteRead grants the remote_get host function, letting a
	// plugin read current resource state through the engine's client.
	CapabilityRemoteRead = "remote:read"

	// CapabilityRemoteWrite grants the remote_create, remote_update and
	// remote_delete host functions. A handler plugin needs it to perform
	// its mutations; without it the plugin can only observe.
	CapabilityRemoteWrite = "remote:write"
)

var knownCapabilities = map[string]bool{
	CapabilityRemoteRead:  true,
	CapabilityRemoteWrite: true,
}

// Manifest describes one WASM plugin handler: the resource type it
// serves, the module implementing it and the capabilities it needs.
type Manifest struct {
	Metadata ManifestMetadata `yaml:"metadata"`

	// ResourceType is the type the plugin's handler is registered under.
	ResourceType string `yaml:"resource_type"`

	// Entrypoint is the WASM module path, relative to the manifest file
	// unless absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the optional sha256 hex digest of the WASM module.
	Checksum string `yaml:"checksum"`

	// Capabilities lists the host functions the plugin needs.
	Capabilities []string `yaml:"capabilities"`

	// WasmPath is the resolved module location.
	WasmPath string `yaml:"-"`
}

// ManifestMetadata identifies a plugin.
type ManifestMetadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`
	Description string `yaml:"description"`
}

// LoadManifest reads and validates a plugin manifest, resolving the
// module path relative to the manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	if filepath.IsAbs(manifest.Entrypoint) {
		manifest.WasmPath = manifest.Entrypoint
	} else {
		manifest.WasmPath = filepath.Join(filepath.Dir(path), manifest.Entrypoint)
	}
	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return nil, fmt.Errorf("wasm module not found at %s: %w", manifest.WasmPath, err)
	}

	return &manifest, nil
}

// Validate checks the manifest structure.
func (m *Manifest) Validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	for _, capability := range m.Capabilities {
		if !knownCapabilities[capability] {
			return fmt.Errorf("unknown capability %q", capability)
		}
	}
	return nil
}

// VerifyChecksum compares the module bytes against the manifest digest.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("wasm module checksum mismatch: manifest %s, module %s", m.Checksum, computed)
	}
	return nil
}

// HasCapability reports whether the manifest requests a capability.
func (m *Manifest) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// checkAllowed verifies every requested capability appears in the allowed
// set. An empty allowed set permits everything.
func (m *Manifest) checkAllowed(allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	permitted := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		permitted[c] = true
	}
	for _, c := range m.Capabilities {
		if !permitted[c] {
			return fmt.Errorf("capability %q not allowed by configuration", c)
		}
	}
	return nil
}
