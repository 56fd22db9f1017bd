// Package manifest parses and validates plugin manifests.
//
// A plugin package is a directory containing manifest.json plus, for
// backend plugins, a wasm module. Parsing and validation are pure over the
// manifest bytes; entry-point existence is checked separately at activation
// time (see Manifest.ResolveEntry).
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// BackendTypeWasm is the only supported backend module kind.
const BackendTypeWasm = "wasm"

// Manifest describes a plugin's identity, entry points, and requested
// capabilities, as declared in its manifest.json. Unknown fields are
// ignored for forward compatibility.
type Manifest struct {
	Name        string `json:"name" validate:"required,plugin_name"`
	Version     string `json:"version" validate:"required,semver"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`

	Backend  *Backend  `json:"backend,omitempty"`
	Frontend *Frontend `json:"frontend,omitempty"`

	Permissions []string `json:"permissions,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// dir is the plugin directory the manifest was loaded from. Empty for
	// manifests parsed from raw bytes.
	dir string
}

// Backend declares the sandboxed module of a plugin.
type Backend struct {
	Type     string    `json:"type" validate:"required"`
	Entry    string    `json:"entry" validate:"required"`
	Adapters []Adapter `json:"adapters,omitempty"`
}

// Adapter declares a data adapter the backend module provides, along with
// the capabilities it needs. Capability strings use the forms
// "network:<host-pattern>" and "records:<record-type>".
type Adapter struct {
	Type         string   `json:"type" validate:"required"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Frontend declares the dynamically loaded panel bundle. The runtime
// records it for the panel registry but never interprets the entry itself.
type Frontend struct {
	Entry      string      `json:"entry"`
	Components []Component `json:"components,omitempty"`
}

// Component declares a frontend component contribution.
type Component struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Capabilities is the normalized view of a backend's declared capability
// strings, split by kind.
type Capabilities struct {
	NetworkDomains []string
	RecordTypes    []string
}

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)
	// hostPattern accepts an exact host ("api.example.com") or a
	// suffix wildcard ("*.example.com").
	hostPattern = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// Parse decodes a manifest from raw JSON bytes and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, runtimeerrors.NewManifestError("", "", "malformed manifest JSON", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Load reads and decodes manifest.json from a plugin directory. It does not
// validate: callers run Validate as their own step, so the declared name is
// available for reporting even when validation fails.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runtimeerrors.NewManifestError(filepath.Base(dir), "", "manifest.json not readable", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, runtimeerrors.NewManifestError(filepath.Base(dir), "", "malformed manifest JSON", err)
	}

	m.dir = dir
	return &m, nil
}

// Validate checks structural and semantic rules over the manifest.
// Filesystem existence of the backend entry is deliberately not checked
// here; use ResolveEntry at activation time.
func (m *Manifest) Validate() error {
	if err := validatorInstance().Struct(m); err != nil {
		return convertValidationError(m.Name, err)
	}

	if m.Backend != nil {
		if m.Backend.Type != BackendTypeWasm {
			return runtimeerrors.NewManifestError(m.Name, "backend.type",
				"unsupported backend type "+quote(m.Backend.Type), nil)
		}
		if filepath.Ext(m.Backend.Entry) != ".wasm" {
			return runtimeerrors.NewManifestError(m.Name, "backend.entry",
				"entry must be a .wasm module", nil)
		}
		if filepath.IsAbs(m.Backend.Entry) || strings.Contains(m.Backend.Entry, "..") {
			return runtimeerrors.NewManifestError(m.Name, "backend.entry",
				"entry must be a plain relative path inside the plugin directory", nil)
		}

		for _, adapter := range m.Backend.Adapters {
			for _, capability := range adapter.Capabilities {
				if err := validateCapability(m.Name, capability); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func validateCapability(plugin, capability string) error {
	kind, value, ok := strings.Cut(capability, ":")
	if !ok || value == "" {
		return runtimeerrors.NewManifestError(plugin, "backend.adapters.capabilities",
			"capability "+quote(capability)+" must use the form kind:value", nil)
	}

	switch kind {
	case "network":
		if !hostPattern.MatchString(strings.ToLower(value)) {
			return runtimeerrors.NewManifestError(plugin, "backend.adapters.capabilities",
				"invalid network host pattern "+quote(value), nil)
		}
	case "records":
		if strings.TrimSpace(value) == "" {
			return runtimeerrors.NewManifestError(plugin, "backend.adapters.capabilities",
				"empty record type", nil)
		}
	default:
		return runtimeerrors.NewManifestError(plugin, "backend.adapters.capabilities",
			"unknown capability kind "+quote(kind), nil)
	}

	return nil
}

// DeclaredCapabilities collects the backend's capability strings into
// normalized sets: lowercase, deduplicated, sorted.
func (m *Manifest) DeclaredCapabilities() Capabilities {
	var caps Capabilities
	if m.Backend == nil {
		return caps
	}

	domains := map[string]struct{}{}
	types := map[string]struct{}{}
	for _, adapter := range m.Backend.Adapters {
		for _, capability := range adapter.Capabilities {
			kind, value, ok := strings.Cut(capability, ":")
			if !ok {
				continue
			}
			value = strings.ToLower(strings.TrimSpace(value))
			switch kind {
			case "network":
				domains[value] = struct{}{}
			case "records":
				types[value] = struct{}{}
			}
		}
	}

	for d := range domains {
		caps.NetworkDomains = append(caps.NetworkDomains, d)
	}
	for t := range types {
		caps.RecordTypes = append(caps.RecordTypes, t)
	}
	sort.Strings(caps.NetworkDomains)
	sort.Strings(caps.RecordTypes)
	return caps
}

// HasBackend reports whether the plugin declares a sandboxed module.
func (m *Manifest) HasBackend() bool {
	return m.Backend != nil
}

// Dir returns the plugin directory the manifest was loaded from.
func (m *Manifest) Dir() string {
	return m.dir
}

// ResolveEntry returns the absolute path of the backend wasm module and
// verifies it exists. This is the activation-time half of validation.
func (m *Manifest) ResolveEntry() (string, error) {
	if m.Backend == nil {
		return "", runtimeerrors.NewManifestError(m.Name, "backend", "plugin has no backend module", nil)
	}

	path := filepath.Join(m.dir, m.Backend.Entry)
	info, err := os.Stat(path)
	if err != nil {
		return "", runtimeerrors.NewManifestError(m.Name, "backend.entry",
			"wasm module not found at "+path, err)
	}
	if info.IsDir() {
		return "", runtimeerrors.NewManifestError(m.Name, "backend.entry",
			path+" is a directory, not a wasm module", nil)
	}

	return path, nil
}

// JSON serializes the manifest back to its canonical JSON form.
func (m *Manifest) JSON() ([]byte, error) {
	return json.Marshal(m)
}

func convertValidationError(plugin string, err error) error {
	if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
		fe := ves[0]
		return runtimeerrors.NewManifestError(plugin, jsonishFieldName(fe),
			"failed "+fe.Tag()+" validation", nil)
	}
	return runtimeerrors.NewManifestError(plugin, "", "invalid manifest", err)
}

// jsonishFieldName lowers the struct namespace into the manifest.json field
// path users actually wrote.
func jsonishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root "Manifest"
	}
	for i, part := range parts {
		parts[i] = strings.ToLower(part)
	}
	return strings.Join(parts, ".")
}

func quote(s string) string {
	return "\"" + s + "\""
}
