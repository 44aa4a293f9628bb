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

// Package viewfsm implements spec §4.1: it turns the linear stream of
// FSM records delivered from the metadata service / consensus layer into
// view and global-cut notifications, and exposes the current view to
// callers. It is the only place in the repository that decides "what
// view is installed right now".
package viewfsm

import (
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	sloerrors "github.com/sharedlog/slogd/errors"
	"github.com/sharedlog/slogd/slogpb"
)

// RecordKind discriminates the three record shapes the FSM consumes
// (spec §4.1). A variant type with exhaustive matching, per design note
// §9, rather than separate Apply* methods racing each other.
type RecordKind int

const (
	RecordNewView RecordKind = iota
	RecordLogReplicated
	RecordGlobalCut
)

// Record is a single FSM input. Only the fields relevant to Kind are
// populated; the zero value of the others is ignored.
type Record struct {
	Kind RecordKind

	// NewView
	View *slogpb.View

	// LogReplicated — derived from a NEW_LOGS metalog entry.
	StartLocalID slogpb.LocalID
	StartSeqNum  slogpb.SeqNum
	Delta        uint32

	// GlobalCut
	CutStart slogpb.SeqNum
	CutEnd   slogpb.SeqNum
}

// Callbacks is the capability object the FSM drives. Each function may
// be nil, in which case the corresponding event is simply not observed.
type Callbacks struct {
	OnNewView       func(recordSeqnum uint64, view *slogpb.View)
	OnLogReplicated func(startLocalID slogpb.LocalID, startSeqNum slogpb.SeqNum, delta uint32)
	OnGlobalCut     func(recordSeqnum uint64, start, end slogpb.SeqNum)
}

// FSM is single-writer: callers must serialize Apply calls themselves
// (the consensus layer guarantees single-writer on the channel it feeds
// from, spec §4.1 "Ordering"), but FSM still takes its own lock so a
// concurrent CurrentView()/Progress() reader never observes a torn
// update.
type FSM struct {
	mu       sync.RWMutex
	current  *slogpb.View
	progress uint64 // records consumed so far

	cb Callbacks
}

// New builds an FSM with no installed view. The first record applied
// must be a NewView.
func New(cb Callbacks) *FSM {
	return &FSM{cb: cb}
}

// CurrentView returns the most recently installed view, or nil if none
// has been installed yet.
func (f *FSM) CurrentView() *slogpb.View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Progress returns the number of FSM records applied so far.
func (f *FSM) Progress() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.progress
}

// Apply applies rec strictly in delivery order. A record for a view
// older than the currently installed one is a bug in the upstream
// delivery guarantee (spec §4.1: "the FSM never skips; if a record for
// view v' < current arrives it is rejected upstream") and is reported as
// a protocol violation here rather than silently ignored, since by the
// time it reaches the FSM the upstream rejection should already have
// happened.
func (f *FSM) Apply(ctx trace.Span, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch rec.Kind {
	case RecordNewView:
		if rec.View == nil {
			return sloerrors.NewProtocolViolation("viewfsm: NewView record with nil view")
		}
		if f.current != nil && rec.View.ID <= f.current.ID {
			return sloerrors.NewProtocolViolation("viewfsm: NewView(%d) not ahead of current view %d", rec.View.ID, f.current.ID)
		}
		f.current = rec.View
		f.progress++
		if f.cb.OnNewView != nil {
			f.cb.OnNewView(f.progress, rec.View)
		}

	case RecordLogReplicated:
		f.progress++
		if f.cb.OnLogReplicated != nil {
			f.cb.OnLogReplicated(rec.StartLocalID, rec.StartSeqNum, rec.Delta)
		}

	case RecordGlobalCut:
		f.progress++
		if f.cb.OnGlobalCut != nil {
			f.cb.OnGlobalCut(f.progress, rec.CutStart, rec.CutEnd)
		}

	default:
		return sloerrors.NewProtocolViolation("viewfsm: unknown record kind %d", rec.Kind)
	}
	return nil
}
