// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package extension provides extractor extension contracts, manifests and
// the host-side call facade.
package extension

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Type identifies the extension runtime.
type Type string

// Extension runtimes supported by the host.
const (
	TypeWasm Type = "wasm"
	TypeLua  Type = "lua"
)

// Manifest represents an extension.yaml file.
type Manifest struct {
	ID           string      `yaml:"id" json:"id" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Name         string      `yaml:"name" json:"name"`
	Contract     string      `yaml:"contract" json:"contract"`
	Type         Type        `yaml:"type" json:"type" jsonschema:"enum=wasm,enum=lua"`
	Capabilities []string    `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Wasm         *WasmConfig `yaml:"wasm,omitempty" json:"wasm,omitempty"`
	Lua          *LuaConfig  `yaml:"lua,omitempty" json:"lua,omitempty"`

	contract *semver.Version
}

// WasmConfig holds WASM-specific configuration.
type WasmConfig struct {
	Artifact string `yaml:"artifact" json:"artifact"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// maxIDLength is the maximum allowed length for extension IDs.
const maxIDLength = 64

// idPattern validates extension IDs: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character IDs are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ErrUnsupportedContract marks a manifest declaring a contract major the
// host does not speak.
var ErrUnsupportedContract = errors.New("unsupported contract major version")

// ParseManifest parses and validates an extension.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}
	// "all" addresses every extension at once on the host API.
	if m.ID == "all" {
		return fmt.Errorf("id %q is reserved", m.ID)
	}

	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if m.Contract == "" {
		return fmt.Errorf("contract is required")
	}
	v, err := semver.StrictNewVersion(m.Contract)
	if err != nil {
		return fmt.Errorf("contract %q is not a semantic version: %w", m.Contract, err)
	}
	switch v.Major() {
	case extractor.ContractMajorLegacy, extractor.ContractMajorCurrent:
	default:
		return fmt.Errorf("contract %q: %w", m.Contract, ErrUnsupportedContract)
	}
	m.contract = v

	switch m.Type {
	case TypeWasm:
		if m.Wasm == nil {
			return fmt.Errorf("wasm is required when type is wasm")
		}
		if m.Wasm.Artifact == "" {
			return fmt.Errorf("wasm.artifact is required")
		}
	case TypeLua:
		if m.Lua == nil {
			return fmt.Errorf("lua is required when type is lua")
		}
		if m.Lua.Entry == "" {
			return fmt.Errorf("lua.entry is required")
		}
	default:
		return fmt.Errorf("type must be 'wasm' or 'lua', got %q", m.Type)
	}

	for _, c := range m.Capabilities {
		if c == "" {
			return fmt.Errorf("capabilities must not contain empty entries")
		}
	}

	return nil
}

// ContractVersion returns the declared contract as a parsed version. The
// manifest must have been validated.
func (m *Manifest) ContractVersion() *semver.Version {
	if m.contract == nil {
		v, err := semver.StrictNewVersion(m.Contract)
		if err != nil {
			panic(fmt.Sprintf("manifest not validated: %v", err))
		}
		m.contract = v
	}
	return m.contract
}
