package lua

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	lua "github.com/yuin/gopher-lua"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/hostfunc"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Compile-time interface check.
var _ extension.Runtime = (*Runtime)(nil)

// Runtime hosts Lua extensions. Each call runs in a fresh sandboxed state,
// so a misbehaving call cannot poison globals for the next one and a
// timed-out call leaves the instance reusable.
type Runtime struct {
	factory *stateFactory
	http    *hostfunc.HTTP
	logs    *hostfunc.LogSink
	mu      sync.RWMutex
	closed  bool
}

// NewRuntime creates a Lua runtime backed by the shared capability services.
func NewRuntime(http *hostfunc.HTTP, logs *hostfunc.LogSink) *Runtime {
	return &Runtime{
		factory: newStateFactory(),
		http:    http,
		logs:    logs,
	}
}

// Type reports the manifest type this runtime serves.
func (h *Runtime) Type() extension.Type { return extension.TypeLua }

// Load reads the entry script, checks it compiles in a throwaway state and
// performs the contract handshake.
func (h *Runtime) Load(ctx context.Context, m *extension.Manifest, dir string) (extension.Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "lua runtime closed")
	}

	if m.Type != extension.TypeLua || m.Lua == nil {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "manifest type %q is not lua", m.Type)
	}
	if !filepath.IsLocal(m.Lua.Entry) {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "entry path %q escapes the extension directory", m.Lua.Entry)
	}

	code, err := os.ReadFile(filepath.Join(dir, m.Lua.Entry)) //nolint:gosec // entry path is validated as local above
	if err != nil {
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}

	L, err := h.factory.newState(ctx)
	if err != nil {
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}
	defer L.Close()
	registerHostFunctions(L, m.ID, h.http, h.logs)

	if err := L.DoString(string(code)); err != nil {
		return nil, extension.NewError(extension.KindLoadFailure, m.ID, "", err)
	}

	contract, err := handshake(L, m)
	if err != nil {
		return nil, err
	}

	return &Instance{
		ext:      m.ID,
		code:     string(code),
		contract: contract,
		rt:       h,
	}, nil
}

// handshake reads the CONTRACT_VERSION global, checks the operation surface
// and reconciles the reported version with the manifest.
func handshake(L *lua.LState, m *extension.Manifest) (*semver.Version, error) {
	reported := L.GetGlobal(extractor.LuaContractVersionGlobal)
	if reported.Type() != lua.LTString {
		return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "script does not define %s", extractor.LuaContractVersionGlobal)
	}
	for _, op := range extractor.Ops {
		if L.GetGlobal(op).Type() != lua.LTFunction {
			return nil, extension.Errorf(extension.KindLoadFailure, m.ID, "", "script missing operation %q", op)
		}
	}

	v, err := semver.StrictNewVersion(lua.LVAsString(reported))
	if err != nil {
		return nil, extension.Errorf(extension.KindVersionMismatch, m.ID, "", "script reports contract %q: %v", lua.LVAsString(reported), err)
	}
	if _, err := extension.GenerationOf(v); err != nil {
		return nil, extension.NewError(extension.KindVersionMismatch, m.ID, "", err)
	}
	if v.Major() != m.ContractVersion().Major() {
		return nil, extension.Errorf(extension.KindVersionMismatch, m.ID, "",
			"manifest declares contract %s, script reports %s", m.Contract, v)
	}
	return v, nil
}

// Close marks the runtime closed. Running calls finish on their own states.
func (h *Runtime) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Instance is one loaded Lua extension. The source is cached; every call
// executes it in a fresh sandboxed state with the host functions bound.
type Instance struct {
	mu       sync.Mutex
	ext      string
	code     string
	contract *semver.Version
	rt       *Runtime
	closed   bool
}

// Contract returns the handshaken contract version.
func (i *Instance) Contract() *semver.Version { return i.contract }

// Call runs one operation. Calls are serialized per instance.
func (i *Instance) Call(ctx context.Context, op string, req []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, extension.Errorf(extension.KindCrash, i.ext, op, "instance closed")
	}

	L, err := i.rt.factory.newState(ctx)
	if err != nil {
		return nil, extension.NewError(extension.KindCrash, i.ext, op, err)
	}
	defer L.Close()
	registerHostFunctions(L, i.ext, i.rt.http, i.rt.logs)

	if err := L.DoString(i.code); err != nil {
		return nil, i.callError(ctx, op, err)
	}

	fn := L.GetGlobal(op)
	if fn.Type() != lua.LTFunction {
		return nil, extension.Errorf(extension.KindCrash, i.ext, op, "operation %q undefined", op)
	}

	arg, err := decodeRequest(L, req)
	if err != nil {
		return nil, extension.NewError(extension.KindCrash, i.ext, op, err)
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, arg); err != nil {
		return nil, i.callError(ctx, op, err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	if ret.Type() == lua.LTNil {
		return nil, extension.Errorf(extension.KindMalformed, i.ext, op, "operation returned no value")
	}

	raw, err := encodeResponse(ret)
	if err != nil {
		return nil, extension.NewError(extension.KindMalformed, i.ext, op, err)
	}
	return raw, nil
}

// callError distinguishes the caller's context expiring from a script
// failure. gopher-lua surfaces cancellation as a raised error, so the
// context is consulted directly.
func (i *Instance) callError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return extension.NewError(extension.KindCrash, i.ext, op, err)
}

// Close releases the instance. Per-call states mean there is nothing else
// to tear down.
func (i *Instance) Close(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}
