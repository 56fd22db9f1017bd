package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

const validManifestJSON = `{
	"name": "gitlab-adapter",
	"version": "1.2.0",
	"author": "Acme",
	"description": "Fetches CI data from GitLab",
	"backend": {
		"type": "wasm",
		"entry": "plugin.wasm",
		"adapters": [
			{
				"type": "gitlab",
				"name": "GitLab CI",
				"capabilities": ["network:gitlab.com", "records:ci_job"]
			}
		]
	},
	"frontend": {
		"entry": "panel.js",
		"components": [{"type": "panel", "name": "ci-jobs"}]
	},
	"tags": ["ci"]
}`

func TestParseValidManifest(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(validManifestJSON))
	require.NoError(t, err)
	require.Equal(t, "gitlab-adapter", m.Name)
	require.Equal(t, "1.2.0", m.Version)
	require.True(t, m.HasBackend())
	require.Equal(t, "plugin.wasm", m.Backend.Entry)
	require.NotNil(t, m.Frontend)
	require.Len(t, m.Frontend.Components, 1)
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`{"name": "simple", "version": "0.1.0", "future_field": {"x": 1}}`))
	require.NoError(t, err)
	require.Equal(t, "simple", m.Name)
	require.False(t, m.HasBackend())
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(validManifestJSON))
	require.NoError(t, err)

	data, err := m.JSON()
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, m, again)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		json string
	}{
		{"missing name", `{"version": "1.0.0"}`},
		{"uppercase name", `{"name": "BadName", "version": "1.0.0"}`},
		{"bad version", `{"name": "p", "version": "one"}`},
		{"unsupported backend type", `{"name": "p", "version": "1.0.0", "backend": {"type": "native", "entry": "a.so"}}`},
		{"non-wasm entry", `{"name": "p", "version": "1.0.0", "backend": {"type": "wasm", "entry": "plugin.dll"}}`},
		{"entry escapes dir", `{"name": "p", "version": "1.0.0", "backend": {"type": "wasm", "entry": "../evil.wasm"}}`},
		{"bare legacy capability", `{"name": "p", "version": "1.0.0", "backend": {"type": "wasm", "entry": "p.wasm",
			"adapters": [{"type": "t", "capabilities": ["network"]}]}}`},
		{"bad host pattern", `{"name": "p", "version": "1.0.0", "backend": {"type": "wasm", "entry": "p.wasm",
			"adapters": [{"type": "t", "capabilities": ["network:exa mple.com"]}]}}`},
		{"unknown capability kind", `{"name": "p", "version": "1.0.0", "backend": {"type": "wasm", "entry": "p.wasm",
			"adapters": [{"type": "t", "capabilities": ["filesystem:/tmp"]}]}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tc.json))
			require.Error(t, err)
			var me *runtimeerrors.ManifestError
			require.ErrorAs(t, err, &me)
		})
	}
}

func TestDeclaredCapabilitiesNormalized(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`{
		"name": "multi", "version": "1.0.0",
		"backend": {"type": "wasm", "entry": "m.wasm", "adapters": [
			{"type": "a", "capabilities": ["network:B.example.com", "records:ci_job"]},
			{"type": "b", "capabilities": ["network:a.example.com", "network:b.example.com", "records:pipeline"]}
		]}
	}`))
	require.NoError(t, err)

	caps := m.DeclaredCapabilities()
	require.Equal(t, []string{"a.example.com", "b.example.com"}, caps.NetworkDomains)
	require.Equal(t, []string{"ci_job", "pipeline"}, caps.RecordTypes)
}

func TestWildcardHostPatternAccepted(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`{
		"name": "wild", "version": "1.0.0",
		"backend": {"type": "wasm", "entry": "w.wasm", "adapters": [
			{"type": "a", "capabilities": ["network:*.example.com"]}
		]}
	}`))
	require.NoError(t, err)
	require.Equal(t, []string{"*.example.com"}, m.DeclaredCapabilities().NetworkDomains)
}

func TestLoadFromDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(validManifestJSON), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, dir, m.Dir())
}

func TestLoadMissingManifest(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())
	var me *runtimeerrors.ManifestError
	require.ErrorAs(t, err, &me)
}

func TestLoadDefersValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"),
		[]byte(`{"name":"Bad Name!","version":"1.0.0"}`), 0o644))

	// Load hands back the decoded manifest even when it would not validate,
	// so callers can report failures under the declared name.
	m, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Bad Name!", m.Name)

	var me *runtimeerrors.ManifestError
	require.ErrorAs(t, m.Validate(), &me)
}

func TestResolveEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(validManifestJSON), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)

	// Entry does not exist yet: activation-time check must fail.
	_, err = m.ResolveEntry()
	var me *runtimeerrors.ManifestError
	require.ErrorAs(t, err, &me)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.wasm"), []byte{0x00, 0x61, 0x73, 0x6d}, 0o644))
	path, err := m.ResolveEntry()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "plugin.wasm"), path)
}

func TestResolveEntryWithoutBackend(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`{"name": "frontend-only", "version": "1.0.0", "frontend": {"entry": "p.js"}}`))
	require.NoError(t, err)

	_, err = m.ResolveEntry()
	require.Error(t, err)
}
