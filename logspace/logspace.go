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

// Package logspace provides the per-logspace locking handle and the
// cross-logspace collection described in spec §5 ("Concurrency &
// Resource Model") and §4.7 ("View Transitions"). A logspace is the
// unit of replication and ordering (view_id, sequencer_id); exactly one
// task applies mutations to a given logspace's state, which is why a
// single read/write lock per logspace handle is enough — there is never
// contention from two writers, only from a writer and concurrent
// readers (status RPCs, metrics scrapes).
package logspace

import (
	"sync"

	"github.com/sharedlog/slogd/slogpb"
)

// State is one of the three states spec §4.7 defines for a logspace at
// any participant.
type State int

const (
	Normal State = iota
	Frozen
	Finalized
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Frozen:
		return "frozen"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Handle is the lockable per-logspace state every role's component
// (sequencer.Primary, engine.Engine, storage.Node) embeds. Mutating
// paths acquire Lock; read paths acquire RLock (design note §9). The
// lock is held only across a single short operation — disk/DB I/O never
// happens while it is held (spec §5).
type Handle struct {
	mu sync.RWMutex

	view  *slogpb.View
	state State

	// future holds records whose view id is ahead of the currently
	// installed view, keyed by that view id, replayed in FIFO order
	// once the matching view installs (spec §4.7).
	future map[slogpb.ViewID][]func()
}

// New builds a Handle with no view installed yet; the first call to
// InstallView makes it Normal.
func New() *Handle {
	return &Handle{future: make(map[slogpb.ViewID][]func())}
}

// Lock acquires the handle for a mutating operation.
func (h *Handle) Lock() { h.mu.Lock() }

// Unlock releases a Lock.
func (h *Handle) Unlock() { h.mu.Unlock() }

// RLock acquires the handle for a read-only operation.
func (h *Handle) RLock() { h.mu.RLock() }

// RUnlock releases an RLock.
func (h *Handle) RUnlock() { h.mu.RUnlock() }

// View returns the currently installed view. Callers must hold at least
// RLock.
func (h *Handle) View() *slogpb.View { return h.view }

// State returns the current logspace state. Callers must hold at least
// RLock.
func (h *Handle) State() State { return h.state }

// InstallView unconditionally advances state for the previous view
// (spec §4.7: "A new view id unconditionally advances state for the
// previous view") and installs view as current, resetting state to
// Normal. Callers must hold Lock. It returns the future-queued thunks
// that were waiting for this exact view id, in the order they were
// enqueued, so the caller can replay them after releasing whatever
// per-role bookkeeping the view install itself needs to update first.
func (h *Handle) InstallView(view *slogpb.View) []func() {
	h.view = view
	h.state = Normal
	queued := h.future[view.ID]
	delete(h.future, view.ID)
	return queued
}

// Freeze transitions Normal -> Frozen. A frozen logspace stops accepting
// new cuts but still serves reads (spec §4.6 "Freezing"). Callers must
// hold Lock.
func (h *Handle) Freeze() { h.state = Frozen }

// Finalize transitions Frozen -> Finalized. Callers must hold Lock.
func (h *Handle) Finalize() { h.state = Finalized }

// Disposition classifies an incoming record's view id against the
// currently installed view, per spec §4.7.
type Disposition int

const (
	// Current: view id matches the installed view; apply immediately.
	Current Disposition = iota
	// Stale: view id is behind the installed view; ignore with a
	// warning.
	Stale
	// Future: view id is ahead of the installed view; queue it.
	Future
)

// Classify reports rec's disposition relative to the installed view. If
// h has no view installed yet, any non-zero view id is Future and an
// id of zero is treated as Current (the bootstrap case: the very first
// NewView record). Callers must hold at least RLock.
func (h *Handle) Classify(viewID slogpb.ViewID) Disposition {
	if h.view == nil {
		if viewID == 0 {
			return Current
		}
		return Future
	}
	switch {
	case viewID == h.view.ID:
		return Current
	case viewID < h.view.ID:
		return Stale
	default:
		return Future
	}
}

// Defer enqueues thunk to run when viewID installs. Callers must hold
// Lock; viewID must have already been classified as Future.
func (h *Handle) Defer(viewID slogpb.ViewID, thunk func()) {
	h.future[viewID] = append(h.future[viewID], thunk)
}

// Collection multiplexes many logspaces behind one lock protecting only
// the map itself (spec §5: "a logspace collection holds a map under its
// own lock; fetch a handle, release the collection lock, then lock the
// handle"). It never holds its own lock while a per-handle lock is held.
type Collection struct {
	mu        sync.Mutex
	logspaces map[slogpb.LogSpaceID]*Handle
}

// NewCollection builds an empty Collection.
func NewCollection() *Collection {
	return &Collection{logspaces: make(map[slogpb.LogSpaceID]*Handle)}
}

// Get returns the handle for id, or nil if it has never been created.
func (c *Collection) Get(id slogpb.LogSpaceID) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logspaces[id]
}

// GetOrCreate returns the handle for id, creating one if necessary.
func (c *Collection) GetOrCreate(id slogpb.LogSpaceID) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.logspaces[id]
	if !ok {
		h = New()
		c.logspaces[id] = h
	}
	return h
}

// Remove drops id's handle from the collection (used once a logspace is
// Finalized and its memory can be reclaimed).
func (c *Collection) Remove(id slogpb.LogSpaceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logspaces, id)
}

// List returns every logspace id currently tracked.
func (c *Collection) List() []slogpb.LogSpaceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]slogpb.LogSpaceID, 0, len(c.logspaces))
	for id := range c.logspaces {
		out = append(out, id)
	}
	return out
}
