// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extension

import (
	"errors"
	"fmt"
)

// Kind classifies extension failures so callers can react without string
// matching. The zero value means unclassified.
type Kind uint8

const (
	// KindVersionMismatch means the artifact declared a contract version the
	// host does not understand, or one that contradicts its manifest.
	KindVersionMismatch Kind = iota + 1
	// KindLoadFailure means the artifact could not be compiled, instantiated
	// or handshaken.
	KindLoadFailure
	// KindNetwork is an upstream connectivity failure reported by the
	// extension.
	KindNetwork
	// KindTimeout means a call exceeded the host's per-call deadline.
	KindTimeout
	// KindMalformed means the extension produced a response the host could
	// not decode against the contract.
	KindMalformed
	// KindCrash means the sandbox trapped or raised during a call.
	KindCrash
	// KindNotFound means the requested entity does not exist at the source.
	KindNotFound
)

var kindNames = map[Kind]string{
	KindVersionMismatch: "version_mismatch",
	KindLoadFailure:     "load_failure",
	KindNetwork:         "network",
	KindTimeout:         "timeout",
	KindMalformed:       "malformed_response",
	KindCrash:           "crash",
	KindNotFound:        "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure attributed to one extension.
type Error struct {
	Kind      Kind
	Extension string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Extension != "" {
		msg = e.Extension + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error. cause may be nil.
func NewError(kind Kind, ext, op string, cause error) *Error {
	return &Error{Kind: kind, Extension: ext, Op: op, Err: cause}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, ext, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Extension: ext, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err, or zero if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }
