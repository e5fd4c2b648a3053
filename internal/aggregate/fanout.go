// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package aggregate

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"

	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
)

// sourced carries one extension's outcome through the gather channel.
type sourced[T any] struct {
	id  string
	val T
	err error
}

// fanOut dispatches call against every leased extension concurrently,
// bounded by the shared semaphore, and gathers outcomes in completion
// order. Leases are released as their calls finish.
func fanOut[T any](ctx context.Context, sem *semaphore.Weighted, leases []*registry.Lease, call func(context.Context, *registry.Lease) (T, error)) []sourced[T] {
	ch := make(chan sourced[T], len(leases))

	for _, l := range leases {
		go func(l *registry.Lease) {
			defer l.Release()

			if err := sem.Acquire(ctx, 1); err != nil {
				ch <- sourced[T]{id: l.ID(), err: err}
				return
			}
			defer sem.Release(1)

			val, err := call(ctx, l)
			ch <- sourced[T]{id: l.ID(), val: val, err: err}
		}(l)
	}

	out := make([]sourced[T], 0, len(leases))
	for range leases {
		out = append(out, <-ch)
	}
	return out
}

// failureFrom maps one extension's error to its reportable form.
func failureFrom(id string, err error) Failure {
	f := Failure{Extension: id, Message: err.Error()}

	var ee *extension.Error
	switch {
	case errors.As(err, &ee):
		f.Kind = ee.Kind.String()
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotReady):
		f.Kind = "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		f.Kind = "canceled"
	default:
		f.Kind = "internal"
	}
	return f
}
