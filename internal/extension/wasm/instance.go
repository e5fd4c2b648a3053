package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Instance is one instantiated WASM extension. Calls are serialized: guest
// memory and the allocator are not safe for concurrent entry.
type Instance struct {
	mu       sync.Mutex
	ext      string
	mod      api.Module
	contract *semver.Version
	closed   bool
	dead     bool
}

// Contract returns the handshaken contract version.
func (i *Instance) Contract() *semver.Version { return i.contract }

// Call invokes one exported operation. A deadline tears the module down
// (WithCloseOnContextDone), so a timed-out instance reports subsequent
// calls as crashed until the registry replaces it.
func (i *Instance) Call(ctx context.Context, op string, req []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "wasm.Call",
		trace.WithAttributes(
			attribute.String("extension.id", i.ext),
			attribute.String("extension.op", op),
		))
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, extension.NewError(extension.KindCrash, i.ext, op, ErrHostClosed)
	}
	if i.dead {
		return nil, extension.Errorf(extension.KindCrash, i.ext, op, "module closed by an earlier deadline")
	}

	fn := i.mod.ExportedFunction(op)
	if fn == nil {
		// Presence was checked at handshake; losing it means the module is gone.
		return nil, extension.Errorf(extension.KindCrash, i.ext, op, "export %q unavailable", op)
	}

	reqPtr, err := i.writeRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, i.callError(op, err)
	}

	results, err := fn.Call(ctx, uint64(reqPtr), uint64(len(req)))
	if err != nil {
		span.RecordError(err)
		return nil, i.callError(op, err)
	}
	if len(results) != 1 {
		return nil, extension.Errorf(extension.KindMalformed, i.ext, op, "operation returned %d values", len(results))
	}
	if results[0] == 0 {
		return nil, extension.Errorf(extension.KindMalformed, i.ext, op, "operation returned no payload")
	}

	raw, err := i.readPacked(ctx, results[0])
	if err != nil {
		span.RecordError(err)
		return nil, extension.NewError(extension.KindMalformed, i.ext, op, err)
	}
	return raw, nil
}

// Close tears the module down.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	return i.mod.Close(ctx)
}

// callError maps a guest invocation failure. Context expiry passes through
// so the caller can distinguish its own deadline from a trap, but it also
// marks the instance dead: the module was closed with the context.
func (i *Instance) callError(op string, err error) error {
	if ctxErr := contextCause(err); ctxErr != nil {
		i.dead = true
		return ctxErr
	}
	return extension.NewError(extension.KindCrash, i.ext, op, err)
}

func contextCause(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return nil
	}
}

// writeRequest copies req into guest memory via the extension's allocator.
func (i *Instance) writeRequest(ctx context.Context, req []byte) (uint32, error) {
	if len(req) == 0 {
		return 0, nil
	}

	results, err := i.mod.ExportedFunction(extractor.ExportAlloc).Call(ctx, uint64(len(req)))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("alloc returned %d values", len(results))
	}
	ptr := uint32(results[0])
	if !i.mod.Memory().Write(ptr, req) {
		return 0, fmt.Errorf("alloc returned unwritable region at %d", ptr)
	}
	return ptr, nil
}

// readPacked copies a packed (ptr << 32 | len) guest buffer out and frees
// it. The returned slice is host-owned.
func (i *Instance) readPacked(ctx context.Context, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if size == 0 {
		return nil, fmt.Errorf("packed buffer is empty")
	}

	view, ok := i.mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("packed buffer %d+%d out of range", ptr, size)
	}
	raw := make([]byte, len(view))
	copy(raw, view)

	if free := i.mod.ExportedFunction(extractor.ExportFree); free != nil {
		_, _ = free.Call(ctx, uint64(ptr), uint64(size))
	}
	return raw, nil
}
