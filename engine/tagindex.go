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

package engine

import (
	"sort"
	"sync"

	"github.com/sharedlog/slogd/metrics"
	"github.com/sharedlog/slogd/slogpb"
)

// pendingRun is a contiguous run of (tag, seqnum) pairs received from one
// primary, not yet promoted into the public index because its global
// cut has not landed (spec §4.5).
type pendingRun struct {
	primary     slogpb.NodeID
	startSeqNum slogpb.SeqNum
	tags        []slogpb.Tag
	viewID      slogpb.ViewID
}

// TagIndex maintains, for each tag, the ordered list of seqnums carrying
// it (spec §4.5). recv_tag_data appends runs that are only promoted into
// the public, queryable index once the matching global cut lands —
// tolerating out-of-order delivery from different primaries.
type TagIndex struct {
	mu sync.RWMutex

	// published[tag] = ascending seqnums, the publicly queryable index.
	published map[slogpb.Tag][]slogpb.SeqNum

	// unpublished holds runs received but not yet promoted, keyed by
	// their start seqnum so OnNewGlobalCut can find everything with
	// start <= end.
	unpublished map[slogpb.SeqNum]pendingRun

	currentView slogpb.ViewID
	fsmProgress uint64
}

// NewTagIndex builds an empty TagIndex.
func NewTagIndex() *TagIndex {
	return &TagIndex{
		published:   make(map[slogpb.Tag][]slogpb.SeqNum),
		unpublished: make(map[slogpb.SeqNum]pendingRun),
	}
}

// RecvTagData appends a run of (tag, seqnum) pairs starting at
// startSeqNum, carried by primary. The primary's identity is carried so
// the index can tolerate out-of-order deliveries from different
// primaries (spec §4.5).
func (t *TagIndex) RecvTagData(recordSeqnum uint64, primary slogpb.NodeID, startSeqNum slogpb.SeqNum, tags []slogpb.Tag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unpublished[startSeqNum] = pendingRun{
		primary:     primary,
		startSeqNum: startSeqNum,
		tags:        append([]slogpb.Tag(nil), tags...),
		viewID:      t.currentView,
	}
	if recordSeqnum > t.fsmProgress {
		t.fsmProgress = recordSeqnum
	}
}

// OnNewGlobalCut promotes received-but-unpublished runs into the public
// index once their seqnums are <= end (spec §4.5).
func (t *TagIndex) OnNewGlobalCut(recordSeqnum uint64, start, end slogpb.SeqNum) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, run := range t.unpublished {
		runEnd := run.startSeqNum + slogpb.SeqNum(len(run.tags))
		if runEnd > end+1 {
			continue
		}
		for i, tag := range run.tags {
			seq := run.startSeqNum + slogpb.SeqNum(i)
			t.insertSortedLocked(tag, seq)
		}
		delete(t.unpublished, key)
	}
	if recordSeqnum > t.fsmProgress {
		t.fsmProgress = recordSeqnum
	}
	metrics.TagIndexSize.WithLabelValues("").Set(float64(t.sizeLocked()))
}

// insertSortedLocked inserts seq into published[tag], keeping the slice
// sorted ascending (the index "advances monotonically in seqnum", spec
// §3, so in practice this is almost always an append).
func (t *TagIndex) insertSortedLocked(tag slogpb.Tag, seq slogpb.SeqNum) {
	seqs := t.published[tag]
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= seq })
	if i < len(seqs) && seqs[i] == seq {
		return
	}
	seqs = append(seqs, 0)
	copy(seqs[i+1:], seqs[i:])
	seqs[i] = seq
	t.published[tag] = seqs
}

// Size returns the total number of published seqnums across all tags.
func (t *TagIndex) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sizeLocked()
}

func (t *TagIndex) sizeLocked() int {
	n := 0
	for _, seqs := range t.published {
		n += len(seqs)
	}
	return n
}

// OnNewView drops unpublished runs from views older than viewID (spec
// §4.5).
func (t *TagIndex) OnNewView(recordSeqnum uint64, viewID slogpb.ViewID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentView = viewID
	for key, run := range t.unpublished {
		if run.viewID < viewID {
			delete(t.unpublished, key)
		}
	}
	if recordSeqnum > t.fsmProgress {
		t.fsmProgress = recordSeqnum
	}
}

// FSMProgress returns the largest FSM record seqnum fully reflected.
func (t *TagIndex) FSMProgress() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fsmProgress
}

// Prev returns the largest seqnum <= upto carrying tag, and whether one
// exists (spec §4.5 query, used by higher-level consistency protocols).
func (t *TagIndex) Prev(tag slogpb.Tag, upto slogpb.SeqNum) (slogpb.SeqNum, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seqs := t.published[tag]
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] > upto })
	if i == 0 {
		return 0, false
	}
	return seqs[i-1], true
}
