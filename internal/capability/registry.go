// Package capability maintains the process-wide table of capabilities
// granted to loaded plugins and answers every host-bridge policy check.
//
// The table is read-mostly: checks take a read lock, and grants are
// installed or removed as whole values so a reader observes either the
// full old grant or the full new one, never a partial state. Default is
// deny: a plugin without a grant can do nothing.
package capability

import (
	"sort"
	"strings"
	"sync"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Grant is the immutable set of capabilities held by one plugin.
// Revocation means removing the whole grant; there is no partial update.
type Grant struct {
	// NetworkDomains holds exact hosts ("api.example.com") and suffix
	// wildcards ("*.example.com"), lowercase.
	NetworkDomains []string
	// RecordTypes holds the record types the plugin may read and write.
	RecordTypes []string
}

// normalize lowercases, deduplicates, and sorts both sets, returning a
// defensive copy so callers cannot mutate registry state afterwards.
func (g Grant) normalize() Grant {
	return Grant{
		NetworkDomains: normalizeSet(g.NetworkDomains),
		RecordTypes:    normalizeSet(g.RecordTypes),
	}
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Registry is the process-wide plugin id -> Grant table.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{grants: make(map[string]Grant)}
}

// GrantPlugin installs the grant for a plugin. Granting twice without an
// intervening Revoke fails with a duplicate-grant error: revocation is a
// full unload concern, never an in-place mutation.
func (r *Registry) GrantPlugin(pluginID string, grant Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.grants[pluginID]; exists {
		return runtimeerrors.NewDuplicateGrant(pluginID)
	}

	r.grants[pluginID] = grant.normalize()
	return nil
}

// Revoke removes a plugin's grant. Revoking an absent grant is a no-op.
func (r *Registry) Revoke(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, pluginID)
}

// GrantFor returns a copy of the plugin's grant, if one exists.
func (r *Registry) GrantFor(pluginID string) (Grant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	grant, ok := r.grants[pluginID]
	if !ok {
		return Grant{}, false
	}
	return Grant{
		NetworkDomains: append([]string(nil), grant.NetworkDomains...),
		RecordTypes:    append([]string(nil), grant.RecordTypes...),
	}, true
}

// CheckNetwork reports whether the plugin may reach host. Exact entries
// are consulted first, then suffix wildcards with the longest suffix
// winning; anything else is denied.
func (r *Registry) CheckNetwork(pluginID, host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	r.mu.RLock()
	grant, ok := r.grants[pluginID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	return MatchHost(grant.NetworkDomains, host)
}

// CheckRecordType reports whether the plugin may read or write records of
// the given type.
func (r *Registry) CheckRecordType(pluginID, recordType string) bool {
	recordType = strings.ToLower(strings.TrimSpace(recordType))
	if recordType == "" {
		return false
	}

	r.mu.RLock()
	grant, ok := r.grants[pluginID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	for _, t := range grant.RecordTypes {
		if t == recordType {
			return true
		}
	}
	return false
}

// Plugins returns the ids of all plugins holding a grant, sorted.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.grants))
	for id := range r.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MatchHost evaluates a host against a normalized domain set. Exact match
// first; otherwise the longest matching "*.suffix" wildcard wins. A
// wildcard never matches its bare suffix: "*.example.com" allows
// "api.example.com" but not "example.com".
func MatchHost(domains []string, host string) bool {
	bestSuffix := -1
	for _, d := range domains {
		if d == host {
			return true
		}
		suffix, ok := strings.CutPrefix(d, "*.")
		if !ok {
			continue
		}
		if strings.HasSuffix(host, "."+suffix) && len(suffix) > bestSuffix {
			bestSuffix = len(suffix)
		}
	}
	return bestSuffix >= 0
}
