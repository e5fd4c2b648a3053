// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package registry tracks installed extensions and drives their lifecycle.
//
// Every extension moves through registered -> loading -> ready, with faulted
// reachable from loading (handshake failure) and from ready (crash or
// exhausted timeout budget). Ready and faulted extensions can be unloaded,
// which is terminal, or reloaded back through loading. Transitions are
// serialized per extension; the loading state doubles as the busy marker
// that rejects concurrent transitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/capability"
	"github.com/tsuzuki-app/tsuzuki/internal/observability"
	"github.com/tsuzuki-app/tsuzuki/internal/store"
)

// ManifestName is the manifest filename inside an extension directory.
const ManifestName = "extension.yaml"

// State is an extension's lifecycle state.
type State string

// Lifecycle states.
const (
	StateRegistered State = "registered"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateFaulted    State = "faulted"
	StateUnloaded   State = "unloaded"
)

// Registry errors.
var (
	ErrNotFound          = errors.New("extension not found")
	ErrNotReady          = errors.New("extension not ready")
	ErrBusy              = errors.New("extension transition in progress")
	ErrAlreadyRegistered = errors.New("extension already registered")
	ErrUnknownRuntime    = errors.New("no runtime for extension type")
)

// entry is the registry's bookkeeping for one extension.
type entry struct {
	mu       sync.Mutex
	manifest *extension.Manifest
	dir      string
	state    State
	fault    *extension.Error
	inst     extension.Instance
	x        *extension.Extractor
	inflight sync.WaitGroup
}

// Info is a snapshot of one extension for listings.
type Info struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     extension.Type `json:"type"`
	Contract string         `json:"contract"`
	// Handshake is the contract version the artifact reported; empty unless
	// the extension reached ready at least once since load.
	Handshake string `json:"handshake,omitempty"`
	State     State  `json:"state"`
	Fault     string `json:"fault,omitempty"`
}

// Registry owns the installed extension set.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	runtimes map[extension.Type]extension.Runtime
	store    *store.RegistryStore
	enforcer *capability.Enforcer

	callTimeout    time.Duration
	timeoutRetries uint64
	closed         bool
}

// Option configures the Registry.
type Option func(*Registry)

// WithStore persists the registry table across restarts.
func WithStore(s *store.RegistryStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithEnforcer binds manifest capability grants to the enforcer host
// functions consult. Grants are injected before an extension instantiates
// and revoked when it unloads.
func WithEnforcer(e *capability.Enforcer) Option {
	return func(r *Registry) { r.enforcer = e }
}

// WithCallTimeout sets the per-attempt deadline handed to extractors.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) { r.callTimeout = d }
}

// WithTimeoutRetries sets the timeout retry budget handed to extractors.
func WithTimeoutRetries(n uint64) Option {
	return func(r *Registry) { r.timeoutRetries = n }
}

// New creates a registry over the given runtimes.
func New(runtimes []extension.Runtime, opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		runtimes: make(map[extension.Type]extension.Runtime, len(runtimes)),
	}
	for _, rt := range runtimes {
		r.runtimes[rt.Type()] = rt
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an extension without loading it.
func (r *Registry) Register(_ context.Context, m *extension.Manifest, dir string) error {
	if _, ok := r.runtimes[m.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRuntime, m.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("registry closed")
	}
	if _, ok := r.entries[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.ID)
	}

	e := &entry{manifest: m, dir: dir, state: StateRegistered}
	r.entries[m.ID] = e
	r.persist(e)
	observability.RecordExtensionState(m.ID, string(StateRegistered))

	slog.Info("extension registered",
		"extension", m.ID,
		"type", m.Type,
		"contract", m.Contract)
	return nil
}

// Load takes a registered extension through loading. On success the
// extension is ready; on failure it is faulted with the load error and can
// be recovered via Reload.
func (r *Registry) Load(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateRegistered:
	case StateLoading:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		e.mu.Unlock()
		return fmt.Errorf("extension %s cannot load from state %s", id, e.state)
	}
	r.setState(e, StateLoading, nil)
	e.mu.Unlock()

	inst, x, lerr := r.load(ctx, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if lerr != nil {
		var ee *extension.Error
		if !errors.As(lerr, &ee) {
			ee = extension.NewError(extension.KindLoadFailure, id, "", lerr)
		}
		r.setState(e, StateFaulted, ee)
		slog.Error("failed to load extension", "extension", id, "error", lerr)
		return lerr
	}

	e.inst, e.x = inst, x
	r.setState(e, StateReady, nil)
	slog.Info("extension ready",
		"extension", id,
		"contract", inst.Contract(),
		"generation", x.Generation().String())
	return nil
}

// load runs the runtime handshake and builds the call facade. Capability
// grants go in first: extension code may reach host functions while its
// top-level script or handshake runs.
func (r *Registry) load(ctx context.Context, e *entry) (extension.Instance, *extension.Extractor, error) {
	rt, ok := r.runtimes[e.manifest.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, e.manifest.Type)
	}

	id := e.manifest.ID
	if r.enforcer != nil {
		if err := r.enforcer.SetGrants(id, e.manifest.Capabilities); err != nil {
			return nil, nil, extension.NewError(extension.KindLoadFailure, id, "", err)
		}
	}

	inst, err := rt.Load(ctx, e.manifest, e.dir)
	if err != nil {
		r.revokeGrants(id)
		return nil, nil, err
	}

	opts := []extension.ExtractorOption{
		extension.WithFaultHandler(func(ee *extension.Error) { r.Fault(id, ee) }),
	}
	if r.callTimeout > 0 {
		opts = append(opts, extension.WithCallTimeout(r.callTimeout))
	}
	if r.timeoutRetries > 0 {
		opts = append(opts, extension.WithTimeoutRetries(r.timeoutRetries))
	}

	x, err := extension.NewExtractor(id, inst, opts...)
	if err != nil {
		_ = inst.Close(ctx)
		r.revokeGrants(id)
		return nil, nil, err
	}
	return inst, x, nil
}

func (r *Registry) revokeGrants(id string) {
	if r.enforcer != nil {
		r.enforcer.RemoveGrants(id)
	}
}

// Reload tears a ready or faulted extension down and loads it again.
func (r *Registry) Reload(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateReady, StateFaulted:
	case StateLoading:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		e.mu.Unlock()
		return fmt.Errorf("extension %s cannot reload from state %s", id, e.state)
	}
	r.setState(e, StateLoading, nil)
	oldInst := e.inst
	e.inst, e.x = nil, nil
	e.mu.Unlock()

	e.inflight.Wait()
	if oldInst != nil {
		if cerr := oldInst.Close(ctx); cerr != nil {
			slog.Warn("failed to close instance for reload", "extension", id, "error", cerr)
		}
	}

	inst, x, lerr := r.load(ctx, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if lerr != nil {
		var ee *extension.Error
		if !errors.As(lerr, &ee) {
			ee = extension.NewError(extension.KindLoadFailure, id, "", lerr)
		}
		r.setState(e, StateFaulted, ee)
		slog.Error("failed to reload extension", "extension", id, "error", lerr)
		return lerr
	}

	e.inst, e.x = inst, x
	r.setState(e, StateReady, nil)
	slog.Info("extension reloaded", "extension", id, "contract", inst.Contract())
	return nil
}

// Unload removes an extension. In-flight calls drain first; the state is
// terminal and the persisted record is deleted.
func (r *Registry) Unload(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateRegistered, StateReady, StateFaulted:
	case StateLoading:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		e.mu.Unlock()
		return fmt.Errorf("extension %s cannot unload from state %s", id, e.state)
	}
	e.state = StateUnloaded
	inst := e.inst
	e.inst, e.x = nil, nil
	e.mu.Unlock()

	e.inflight.Wait()
	if inst != nil {
		if cerr := inst.Close(ctx); cerr != nil {
			slog.Warn("failed to close instance for unload", "extension", id, "error", cerr)
		}
	}
	r.revokeGrants(id)

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if r.store != nil {
		if derr := r.store.Delete(id); derr != nil {
			slog.Warn("failed to delete registry record", "extension", id, "error", derr)
		}
	}
	observability.RecordExtensionState(id, string(StateUnloaded))

	slog.Info("extension unloaded", "extension", id)
	return nil
}

// Fault moves a ready extension to faulted. Calls already in flight finish
// against the old instance; new acquisitions are refused.
func (r *Registry) Fault(id string, cause *extension.Error) {
	e, err := r.entry(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateReady {
		return
	}
	r.setState(e, StateFaulted, cause)
	slog.Warn("extension faulted",
		"extension", id,
		"kind", cause.Kind.String(),
		"error", cause.Err)
}

// DiscoverAndLoad scans dir for extension directories, registers every
// valid manifest and loads it. Invalid or failing extensions are logged and
// skipped so one bad install cannot block startup. Persisted records whose
// directory has disappeared are dropped.
func (r *Registry) DiscoverAndLoad(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.reconcileStore(nil)
			return nil // No extensions directory
		}
		return fmt.Errorf("failed to read extensions directory: %w", err)
	}

	seen := map[string]bool{}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}

		extDir := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(filepath.Join(extDir, ManifestName)) //nolint:gosec // path is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping extension without manifest",
				"dir", de.Name(),
				"error", err)
			continue
		}

		m, err := extension.ParseManifest(data)
		if err != nil {
			slog.Warn("skipping extension with invalid manifest",
				"dir", de.Name(),
				"error", err)
			continue
		}

		if err := r.Register(ctx, m, extDir); err != nil {
			slog.Warn("skipping extension", "extension", m.ID, "error", err)
			continue
		}
		seen[m.ID] = true

		if err := r.Load(ctx, m.ID); err != nil {
			// Load already recorded the faulted state; startup continues.
			continue
		}
	}

	r.reconcileStore(seen)
	return nil
}

// reconcileStore drops persisted records for extensions no longer on disk.
func (r *Registry) reconcileStore(seen map[string]bool) {
	if r.store == nil {
		return
	}
	recs, err := r.store.List()
	if err != nil {
		slog.Warn("failed to list registry records", "error", err)
		return
	}
	for _, rec := range recs {
		if seen[rec.ID] {
			continue
		}
		slog.Warn("dropping record for extension missing on disk", "extension", rec.ID)
		if err := r.store.Delete(rec.ID); err != nil {
			slog.Warn("failed to delete registry record", "extension", rec.ID, "error", err)
		}
	}
}

// List returns a snapshot of all extensions ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Info returns the snapshot of one extension.
func (r *Registry) Info(id string) (Info, error) {
	e, err := r.entry(id)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := Info{
		ID:       e.manifest.ID,
		Name:     e.manifest.Name,
		Type:     e.manifest.Type,
		Contract: e.manifest.Contract,
		State:    e.state,
	}
	if e.x != nil {
		info.Handshake = e.x.Contract().String()
	}
	if e.fault != nil {
		info.Fault = e.fault.Error()
	}
	return info
}

// Close unloads everything and shuts the runtimes down.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		inst := e.inst
		e.state = StateUnloaded
		e.inst, e.x = nil, nil
		e.mu.Unlock()

		e.inflight.Wait()
		if inst != nil {
			if err := inst.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.manifest.ID, err))
			}
		}
	}

	for _, rt := range r.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// setState records a transition. Callers hold e.mu.
func (r *Registry) setState(e *entry, s State, fault *extension.Error) {
	e.state = s
	e.fault = fault
	r.persist(e)
	observability.RecordExtensionState(e.manifest.ID, string(s))
}

// persist writes the entry's record. Persistence failures are logged, not
// fatal: the in-memory registry remains authoritative while running.
func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}

	rec := store.RegistryRecord{
		ID:       e.manifest.ID,
		Name:     e.manifest.Name,
		Contract: e.manifest.Contract,
		Runtime:  string(e.manifest.Type),
		State:    string(e.state),
	}
	if e.fault != nil {
		rec.Fault = e.fault.Error()
	}
	if err := r.store.Put(rec); err != nil {
		slog.Warn("failed to persist registry record",
			"extension", rec.ID,
			"error", err)
	}
}
