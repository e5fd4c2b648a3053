// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package lua

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"
)

func TestNewState_LoadsSafeLibraries(t *testing.T) {
	L, err := newStateFactory().newState(context.Background())
	require.NoError(t, err)
	defer L.Close()

	for _, lib := range []string{"table", "string", "math"} {
		assert.NotEqual(t, luavm.LTNil, L.GetGlobal(lib).Type(), "library %q not loaded", lib)
	}
}

func TestNewState_BlocksUnsafeLibraries(t *testing.T) {
	L, err := newStateFactory().newState(context.Background())
	require.NoError(t, err)
	defer L.Close()

	for _, lib := range []string{"os", "io", "debug", "package"} {
		assert.Equal(t, luavm.LTNil, L.GetGlobal(lib).Type(), "unsafe library %q should not be loaded", lib)
	}
}

func TestNewState_BlocksFilesystemFunctions(t *testing.T) {
	L, err := newStateFactory().newState(context.Background())
	require.NoError(t, err)
	defer L.Close()

	// These live in the base library but allow reading or executing
	// arbitrary files.
	for _, fn := range []string{"dofile", "loadfile", "loadstring", "load"} {
		assert.Equal(t, luavm.LTNil, L.GetGlobal(fn).Type(), "unsafe function %q should be blocked", fn)
	}
}

func TestNewState_CanExecuteLua(t *testing.T) {
	L, err := newStateFactory().newState(context.Background())
	require.NoError(t, err)
	defer L.Close()

	require.NoError(t, L.DoString(`result = string.upper("hello") .. tostring(math.abs(-2))`))
	assert.Equal(t, "HELLO2", L.GetGlobal("result").String())
}

func TestNewState_StatesAreIndependent(t *testing.T) {
	factory := newStateFactory()

	L1, err := factory.newState(context.Background())
	require.NoError(t, err)
	defer L1.Close()

	L2, err := factory.newState(context.Background())
	require.NoError(t, err)
	defer L2.Close()

	require.NoError(t, L1.DoString(`foo = "bar"`))
	assert.Equal(t, luavm.LTNil, L2.GetGlobal("foo").Type(), "states must not share globals")
}

func TestNewState_AttachesContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")

	L, err := newStateFactory().newState(ctx)
	require.NoError(t, err)
	defer L.Close()

	assert.Equal(t, "marker", L.Context().Value(ctxKey{}))
}

func TestNewState_NilContext(t *testing.T) {
	L, err := newStateFactory().newState(nil) //nolint:staticcheck // nil context is the documented "no cancellation" mode
	require.NoError(t, err)
	defer L.Close()

	assert.Nil(t, L.Context())
}

func TestNewState_LibraryLoadError(t *testing.T) {
	failingLoader := func(L *luavm.LState) int {
		L.RaiseError("simulated library load failure")
		return 0
	}

	factory := &stateFactory{
		libraries: []safeLibrary{
			{"failing-lib", failingLoader},
		},
	}

	_, err := factory.newState(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to open library failing-lib"),
		"error = %q, want error containing 'failed to open library failing-lib'", err)
}

func TestDefaultSafeLibraries(t *testing.T) {
	libs := defaultSafeLibraries()

	assert.Len(t, libs, 4)

	expectedNames := map[string]bool{
		luavm.BaseLibName:   false,
		luavm.TabLibName:    false,
		luavm.StringLibName: false,
		luavm.MathLibName:   false,
	}

	for _, lib := range libs {
		_, ok := expectedNames[lib.name]
		assert.True(t, ok, "unexpected library %q in safe libraries", lib.name)
		expectedNames[lib.name] = true
	}

	for name, found := range expectedNames {
		assert.True(t, found, "expected library %q not in safe libraries", name)
	}
}
