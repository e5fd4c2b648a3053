// Package wasm provides the WASM extension runtime using wazero.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/hostfunc"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

var tracer = otel.Tracer("tsuzuki/wasm")

// ErrHostClosed is returned when the runtime has been shut down.
var ErrHostClosed = errors.New("wasm runtime closed")

// requiredExports must all be present for the handshake to succeed.
var requiredExports = append([]string{
	extractor.ExportContractVersion,
	extractor.ExportAlloc,
	extractor.ExportFree,
}, extractor.Ops...)

// Runtime hosts WASM extension instances on one shared wazero runtime.
// Guests get no filesystem, no environment and no real clock; the only host
// surface is the tsuzuki import module backed by the capability services.
type Runtime struct {
	mu      sync.RWMutex
	runtime wazero.Runtime
	http    *hostfunc.HTTP
	logs    *hostfunc.LogSink
	closed  bool
}

// NewRuntime builds the runtime and instantiates the host import module.
func NewRuntime(ctx context.Context, http *hostfunc.HTTP, logs *hostfunc.LogSink) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	h := &Runtime{
		runtime: r,
		http:    http,
		logs:    logs,
	}

	_, err := r.NewHostModuleBuilder(extractor.HostModule).
		NewFunctionBuilder().WithFunc(h.hostHTTPRequest).Export(extractor.HostFuncHTTPRequest).
		NewFunctionBuilder().WithFunc(h.hostLog).Export(extractor.HostFuncLog).
		Instantiate(ctx)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	// TinyGo and Rust guests link against WASI even when they never touch
	// the system interface. wazero's defaults keep it inert: no preopens,
	// no args, fake clocks.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return h, nil
}

// Type reports the manifest type this runtime serves.
func (h *Runtime) Type() extension.Type { return extension.TypeWasm }

// Load reads the artifact, instantiates it and performs the contract
// handshake.
func (h *Runtime) Load(ctx context.Context, m *extension.Manifest, dir string) (extension.Instance, error) {
	ctx, span := tracer.Start(ctx, "wasm.Load",
		trace.WithAttributes(attribute.String("extension.id", m.ID)))
	defer span.End()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		span.RecordError(ErrHostClosed)
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", ErrHostClosed)
	}

	if m.Type != extension.TypeWasm || m.Wasm == nil {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "manifest type %q is not wasm", m.Type)
	}
	if !filepath.IsLocal(m.Wasm.Artifact) {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "artifact path %q escapes the extension directory", m.Wasm.Artifact)
	}

	wasmBytes, err := os.ReadFile(filepath.Join(dir, m.Wasm.Artifact)) //nolint:gosec // artifact path is validated as local above
	if err != nil {
		span.RecordError(err)
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}

	mod, err := h.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(m.ID))
	if err != nil {
		span.RecordError(err)
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}

	inst, err := h.handshake(ctx, m, mod)
	if err != nil {
		span.RecordError(err)
		_ = mod.Close(ctx)
		return nil, err
	}

	span.SetAttributes(attribute.String("extension.contract", inst.contract.String()))
	return inst, nil
}

// handshake validates the export surface and reconciles the artifact's
// reported contract version with the manifest.
func (h *Runtime) handshake(ctx context.Context, m *extension.Manifest, mod api.Module) (*Instance, error) {
	if mod.Memory() == nil {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "module exports no memory")
	}
	for _, name := range requiredExports {
		if mod.ExportedFunction(name) == nil {
			return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "module missing export %q", name)
		}
	}

	results, err := mod.ExportedFunction(extractor.ExportContractVersion).Call(ctx)
	if err != nil {
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}
	if len(results) != 1 {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "contract_version returned %d values", len(results))
	}

	inst := &Instance{ext: m.ID, mod: mod}

	raw, err := inst.readPacked(ctx, results[0])
	if err != nil {
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}

	v, err := semver.StrictNewVersion(string(raw))
	if err != nil {
		return nil, extension.Errorf(extension.KindVersionMismatch, m.ID, "", "artifact reports contract %q: %v", raw, err)
	}
	if _, err := extension.GenerationOf(v); err != nil {
		return nil, extension.NewError(extension.KindVersionMismatch, m.ID, "", err)
	}
	if v.Major() != m.ContractVersion().Major() {
		return nil, extension.Errorf(extension.KindVersionMismatch, m.ID, "",
			"manifest declares contract %s, artifact reports %s", m.Contract, v)
	}

	inst.contract = v
	return inst, nil
}

// Close shuts down the shared runtime. Instances must have been closed by
// the registry first; any survivors are torn down with it.
func (h *Runtime) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	return h.runtime.Close(ctx)
}

// hostHTTPRequest backs the tsuzuki.http_request import. The module
// instantiation name is the extension id, which keys the capability check.
func (h *Runtime) hostHTTPRequest(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
	raw, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return 0
	}

	var req extractor.HTTPRequest
	res := extractor.Result{}
	if err := json.Unmarshal(raw, &req); err != nil {
		res.Err = &extractor.Error{Code: extractor.ErrorCodeInvalid, Message: err.Error()}
	} else {
		res = h.http.Do(ctx, mod.Name(), req)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return 0
	}
	return writeGuest(ctx, mod, payload)
}

// hostLog backs the tsuzuki.log import.
func (h *Runtime) hostLog(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	msg, ok := mod.Memory().Read(msgPtr, msgLen)
	if !ok {
		return
	}
	h.logs.Log(ctx, mod.Name(), level, string(msg))
}

// writeGuest allocates guest memory via the extension's allocator, writes
// payload there and returns the packed location. Zero means failure.
func writeGuest(ctx context.Context, mod api.Module, payload []byte) uint64 {
	alloc := mod.ExportedFunction(extractor.ExportAlloc)
	if alloc == nil || len(payload) == 0 {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) != 1 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, payload) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(payload))
}
