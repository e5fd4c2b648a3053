// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
)

// Lease is a borrowed reference to a ready extension's call facade. While
// held it keeps unload and reload from tearing the instance down; a faulted
// or unloading extension drains by waiting for outstanding leases. Release
// must be called exactly once, typically deferred.
type Lease struct {
	e       *entry
	x       *extension.Extractor
	release sync.Once
}

// ID returns the leased extension's id.
func (l *Lease) ID() string { return l.e.manifest.ID }

// Extractor returns the call facade the lease protects.
func (l *Lease) Extractor() *extension.Extractor { return l.x }

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(l.e.inflight.Done)
}

// Acquire borrows the facade of one ready extension.
func (r *Registry) Acquire(id string) (*Lease, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, e.state)
	}
	e.inflight.Add(1)
	return &Lease{e: e, x: e.x}, nil
}

// AcquireReady borrows every ready extension, ordered by id. Extensions in
// other states are skipped.
func (r *Registry) AcquireReady() []*Lease {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	leases := make([]*Lease, 0, len(ids))
	for _, id := range ids {
		l, err := r.Acquire(id)
		if err != nil {
			continue
		}
		leases = append(leases, l)
	}
	return leases
}
