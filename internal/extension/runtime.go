// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extension

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

// Runtime loads extension artifacts of one type into sandboxed instances.
// Implementations live in the wasm and lua subpackages.
type Runtime interface {
	// Type reports which manifest type this runtime serves.
	Type() Type

	// Load compiles and instantiates the artifact described by the manifest,
	// resolving paths relative to dir, and performs the contract handshake.
	// Failures carry KindLoadFailure or KindVersionMismatch.
	Load(ctx context.Context, m *Manifest, dir string) (Instance, error)

	// Close releases runtime-wide resources. Instances must be closed first.
	Close(ctx context.Context) error
}

// Instance is one loaded extension sandbox. Implementations serialize
// concurrent Call invocations internally; callers may invoke from any
// goroutine.
type Instance interface {
	// Contract returns the version the artifact reported during the
	// handshake, which may be more precise than the manifest's declaration.
	Contract() *semver.Version

	// Call invokes one contract operation with a JSON request payload and
	// returns the raw JSON response. A sandbox trap or raise is reported as
	// KindCrash; context cancellation and deadlines pass through unwrapped.
	Call(ctx context.Context, op string, req []byte) ([]byte, error)

	// Close tears the sandbox down. The instance is unusable afterwards.
	Close(ctx context.Context) error
}
