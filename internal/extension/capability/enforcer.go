// Package capability provides runtime capability enforcement for extensions.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "net.api.example.com" matches exactly that host
//   - "net.*.example.com" matches "net.cdn.example.com" but NOT "net.a.b.example.com"
//   - "net.**" matches any host
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks extension capabilities at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // extension id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants configures capabilities for an extension. Returns an error if
// the extension id is empty or any capability pattern is invalid.
//
// The capabilities slice is copied, so callers may safely modify it after
// the call returns. Calling SetGrants again for the same extension replaces
// all previous grants. If validation fails, no changes are made to the
// enforcer's state (atomic all-or-nothing semantics).
func (e *Enforcer) SetGrants(ext string, capabilities []string) error {
	if ext == "" {
		return errors.New("extension id cannot be empty")
	}

	// Compile all patterns before acquiring lock (fail-fast, atomic)
	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		// Compile with '.' as separator so '*' doesn't cross segment boundaries
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}

	e.grants[ext] = compiled
	return nil
}

// IsRegistered returns true if the extension has been registered via
// SetGrants. This helps distinguish "extension not registered" from
// "extension lacks capability".
func (e *Enforcer) IsRegistered(ext string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[ext]
	return ok
}

// RemoveGrants unregisters an extension, removing all its capabilities.
// Safe to call for unknown extensions or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(ext string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, ext)
}

// GetGrants returns a copy of the capabilities granted to an extension.
// Returns nil if the extension is not registered.
func (e *Enforcer) GetGrants(ext string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return nil
	}
	grants, ok := e.grants[ext]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// ListExtensions returns the ids of all registered extensions.
// Returns an empty slice (not nil) if none are registered. Order is not
// guaranteed.
func (e *Enforcer) ListExtensions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.grants) == 0 {
		return []string{}
	}

	exts := make([]string, 0, len(e.grants))
	for id := range e.grants {
		exts = append(exts, id)
	}
	return exts
}

// Check returns true if the extension has the requested capability.
//
// Returns false in these cases (no error, deny by default):
//   - Empty extension id
//   - Empty capability string
//   - Unknown extension (not registered via SetGrants)
//   - Extension lacks the requested capability
func (e *Enforcer) Check(ext, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}

	grants, ok := e.grants[ext]
	if !ok {
		return false
	}

	for _, grant := range grants {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
