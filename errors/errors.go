// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package errors carries the sentinel errors and error kinds shared by
// the log core. Protocol violations are not meant to be handled by
// callers: the only correct reaction is to log.Fatalf the process, which
// is why they are exposed as a distinct Kind rather than just another
// sentinel.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec §7 does, so callers can decide
// propagation without string-matching error text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocolViolation marks invariant breaks: duplicate seqnum,
	// metalog gap, message from an impossible future view. The only
	// correct action on these is process-level fatal.
	KindProtocolViolation
	// KindStale marks a message that arrived for a view or counter
	// that has already been superseded; it is ignored with a warning,
	// never escalated.
	KindStale
	// KindTransientIO marks a failed socket write or unavailable
	// backing DB; the request fails, the state machine is unaffected.
	KindTransientIO
	// KindCapacity marks rejection due to a configured cap (pending
	// queue growth); surfaced to the caller, never silently dropped.
	KindCapacity
	// KindViewDiscard marks pending entries invalidated by a view
	// change; reported via the discard callback, not an error to the
	// core.
	KindViewDiscard
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindStale:
		return "stale"
	case KindTransientIO:
		return "transient_io"
	case KindCapacity:
		return "capacity"
	case KindViewDiscard:
		return "view_discard"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether this error represents a protocol violation that
// must abort the process.
func (e *Error) Fatal() bool { return e.Kind == KindProtocolViolation }

func wrap(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrDuplicateSeqnum: invariant 1 violated — two records assigned
	// the same seqnum.
	ErrDuplicateSeqnum = wrap(KindProtocolViolation, "duplicate seqnum assignment")
	// ErrMetalogGap: invariant 3 violated — metalog_seqnum is not dense.
	ErrMetalogGap = wrap(KindProtocolViolation, "metalog sequence gap")
	// ErrFutureView: a control message referenced a view far ahead of
	// what has been installed; per spec §4.7 this is fatal for control
	// messages (as opposed to being queued as a future-request).
	ErrFutureView = wrap(KindProtocolViolation, "message from an impossible future view")
	// ErrUnknownReplica: META_PROG from a sequencer outside the
	// logspace's replica set.
	ErrUnknownReplica = wrap(KindProtocolViolation, "meta_prog from unknown replica sequencer")
	// ErrRegressingProgress: a progress counter moved backwards.
	ErrRegressingProgress = wrap(KindProtocolViolation, "progress counter regressed")

	// ErrStaleView: record or message for a view older than current.
	ErrStaleView = wrap(KindStale, "message for a superseded view")

	// ErrPendingCapacity: pending queue growth beyond the configured cap.
	ErrPendingCapacity = wrap(KindCapacity, "pending queue at capacity")

	// ErrNotSourceEngine: storage rejected a store() from an engine it
	// does not serve.
	ErrNotSourceEngine = wrap(KindProtocolViolation, "engine is not a source of this storage")

	// ErrNotFound is a plain lookup miss, not a Kind-classified error.
	ErrNotFound = errors.New("not found")
)

// NewCapacity builds a KindCapacity error with a formatted message.
func NewCapacity(format string, args ...interface{}) error {
	return newf(KindCapacity, format, args...)
}

// NewProtocolViolation builds a KindProtocolViolation error with a
// formatted message.
func NewProtocolViolation(format string, args ...interface{}) error {
	return newf(KindProtocolViolation, format, args...)
}
