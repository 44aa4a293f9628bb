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

// Package storage implements spec §4.6: the storage role's live-entry
// cache, pending-read queue, and shard-progress bookkeeping in front of
// a pluggable backing database (the persistence adapter of spec §6).
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	sloerrors "github.com/sharedlog/slogd/errors"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/metrics"
	"github.com/sharedlog/slogd/slogpb"
)

// ReadResult is the typed result spec §7 requires for reads.
type ReadResult struct {
	Status ReadStatus
	Entry  *slogpb.LogEntry
}

// ReadStatus is one of {OK, Failed, LookupDB} per spec §4.6/§7.
type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadFailed
	ReadLookupDB
)

// PersistenceAdapter is the backing-DB contract of spec §6: put/get by
// seqnum, with fsync-equivalent durability on Put's return.
type PersistenceAdapter interface {
	Put(ctx context.Context, seqnum slogpb.SeqNum, data []byte, metadata []byte) error
	Get(ctx context.Context, seqnum slogpb.SeqNum) ([]byte, error)
}

// pendingKey identifies a not-yet-cut record by its originating engine
// and per-engine counter (spec §4.6: "pending_log_entries keyed by
// (engine_id, counter)").
type pendingKey struct {
	engine  slogpb.NodeID
	counter uint32
}

// Node is the per-logspace storage-role state of spec §4.6.
type Node struct {
	handle *logspace.Handle
	self   slogpb.NodeID
	db     PersistenceAdapter

	pendingLogEntries map[pendingKey]*slogpb.LogEntry

	liveLogEntries map[slogpb.SeqNum]*slogpb.LogEntry
	liveSeqNums    []slogpb.SeqNum // sorted ascending, mirrors liveLogEntries's keys

	shardProgress map[slogpb.NodeID]uint32 // monotonic, per source engine
	shardDirty    map[slogpb.NodeID]struct{}

	persistedSeqNumPosition slogpb.SeqNum
	seqNumPosition          slogpb.SeqNum // exclusive end of seqnums assigned so far

	pendingReads map[slogpb.SeqNum][]chan ReadResult

	maxLiveEntries int

	mu sync.Mutex // not locked anywhere; pendingReads is guarded by the handle lock
}

// New builds a Node bound to handle.
func New(handle *logspace.Handle, self slogpb.NodeID, db PersistenceAdapter, maxLiveEntries int) *Node {
	return &Node{
		handle:            handle,
		self:              self,
		db:                db,
		pendingLogEntries: make(map[pendingKey]*slogpb.LogEntry),
		liveLogEntries:    make(map[slogpb.SeqNum]*slogpb.LogEntry),
		shardProgress:     make(map[slogpb.NodeID]uint32),
		shardDirty:        make(map[slogpb.NodeID]struct{}),
		pendingReads:      make(map[slogpb.SeqNum][]chan ReadResult),
		maxLiveEntries:    maxLiveEntries,
	}
}

// isSourceLocked reports whether engine is a source engine of this
// storage in the current view. Callers must hold at least RLock.
func (n *Node) isSourceLocked(engine slogpb.NodeID) bool {
	view := n.handle.View()
	for _, e := range view.SourceEnginesOf(n.self) {
		if e == engine {
			return true
		}
	}
	return false
}

// Store implements spec §4.6's store(metadata, data): rejects if engine
// is not a source of this storage; inserts into pendingLogEntries, then
// advances shardProgress[engine] by counting the contiguous run of
// present counters starting at the current value.
func (n *Node) Store(ctx context.Context, span trace.Span, entry *slogpb.LogEntry) error {
	engine := entry.LocalID.NodeID()
	counter := entry.LocalID.Counter()

	n.handle.Lock()
	defer n.handle.Unlock()

	if !n.isSourceLocked(engine) {
		span.Fatalf("storage: engine %d is not a source of storage %d", engine, n.self)
		return sloerrors.ErrNotSourceEngine
	}
	if n.handle.State() == logspace.Finalized {
		span.Warnf("storage: store() on finalized logspace, ignoring")
		return nil
	}

	n.pendingLogEntries[pendingKey{engine: engine, counter: counter}] = entry

	for {
		_, ok := n.pendingLogEntries[pendingKey{engine: engine, counter: n.shardProgress[engine]}]
		if !ok {
			break
		}
		n.shardProgress[engine]++
	}
	n.shardDirty[engine] = struct{}{}
	return nil
}

// ReadAt implements spec §4.6's read_at(seqnum): if seqnum is not yet
// assigned, queue as pending; else live -> OK, below watermark ->
// LookupDB, else Failed.
func (n *Node) ReadAt(ctx context.Context, seqnum slogpb.SeqNum) (ReadResult, <-chan ReadResult) {
	n.handle.Lock()
	defer n.handle.Unlock()

	if seqnum >= n.seqNumPosition {
		ch := make(chan ReadResult, 1)
		n.pendingReads[seqnum] = append(n.pendingReads[seqnum], ch)
		return ReadResult{}, ch
	}
	if entry, ok := n.liveLogEntries[seqnum]; ok {
		return ReadResult{Status: ReadOK, Entry: entry}, nil
	}
	if seqnum < n.persistedSeqNumPosition {
		return ReadResult{Status: ReadLookupDB}, nil
	}
	return ReadResult{Status: ReadFailed}, nil
}

// OnNewLogs implements spec §4.6's on_new_logs(start_seqnum,
// start_local_id, delta): for each (seqnum, local_id) in the cut, move
// the entry from pending to live, resolve pending reads for that
// seqnum, and drop pending reads for seqnums below the cut's start as
// Failed.
//
// The pending-read key set is snapshotted into a slice before any
// pendingReads entry is deleted or re-queued (Open Question 3: avoids
// the iterator-reuse hazard in the original OnNewLogs by construction
// instead of reasoning about map iterator stability across mutation).
func (n *Node) OnNewLogs(ctx context.Context, span trace.Span, startSeqNum slogpb.SeqNum, startLocalID slogpb.LocalID, delta uint32) error {
	n.handle.Lock()

	engine := startLocalID.NodeID()
	resolved := make(map[slogpb.SeqNum]ReadResult, delta)

	for i := uint32(0); i < delta; i++ {
		seq := startSeqNum + slogpb.SeqNum(i)
		local := startLocalID.Add(i)
		key := pendingKey{engine: engine, counter: local.Counter()}
		entry, ok := n.pendingLogEntries[key]
		if !ok {
			span.Fatalf("storage: on_new_logs for seqnum=%d local_id=%d with no pending body — bodies must precede cuts at the source engine", seq, local)
			n.handle.Unlock()
			return sloerrors.ErrDuplicateSeqnum
		}
		delete(n.pendingLogEntries, key)
		if _, already := n.liveLogEntries[seq]; already {
			span.Fatalf("storage: duplicate seqnum %d", seq)
			n.handle.Unlock()
			return sloerrors.ErrDuplicateSeqnum
		}
		entry.SeqNum = seq
		entry.State = slogpb.EntryIndexed
		n.liveLogEntries[seq] = entry
		n.insertSeqNumLocked(seq)
		resolved[seq] = ReadResult{Status: ReadOK, Entry: entry}
	}
	if startSeqNum+slogpb.SeqNum(delta) > n.seqNumPosition {
		n.seqNumPosition = startSeqNum + slogpb.SeqNum(delta)
	}

	pendingKeys := make([]slogpb.SeqNum, 0, len(n.pendingReads))
	for seq := range n.pendingReads {
		pendingKeys = append(pendingKeys, seq)
	}

	var toNotify []struct {
		ch     chan ReadResult
		result ReadResult
	}
	for _, seq := range pendingKeys {
		chans := n.pendingReads[seq]
		delete(n.pendingReads, seq)
		var result ReadResult
		if r, ok := resolved[seq]; ok {
			result = r
		} else if seq < startSeqNum {
			result = ReadResult{Status: ReadFailed}
		} else {
			// still not assigned; re-queue
			n.pendingReads[seq] = chans
			continue
		}
		for _, ch := range chans {
			toNotify = append(toNotify, struct {
				ch     chan ReadResult
				result ReadResult
			}{ch, result})
		}
	}

	metrics.LiveEntriesTotal.WithLabelValues(storageLabel(n.handle)).Set(float64(len(n.liveLogEntries)))
	n.handle.Unlock()

	for _, nt := range toNotify {
		nt.ch <- nt.result
		close(nt.ch)
	}
	return nil
}

// insertSeqNumLocked keeps liveSeqNums sorted ascending. Callers must
// hold the handle lock.
func (n *Node) insertSeqNumLocked(seq slogpb.SeqNum) {
	i := sort.Search(len(n.liveSeqNums), func(i int) bool { return n.liveSeqNums[i] >= seq })
	n.liveSeqNums = append(n.liveSeqNums, 0)
	copy(n.liveSeqNums[i+1:], n.liveSeqNums[i:])
	n.liveSeqNums[i] = seq
}

// GrabForPersistence implements spec §4.6's grab_for_persistence():
// returns the live tail from persistedSeqNumPosition up to the newest
// live seqnum, for the dedicated flusher to persist (spec §5: "this is
// the only blocking operation and it executes without holding the
// logspace lock" — callers must copy out what they need and release the
// handle before calling into n.db).
func (n *Node) GrabForPersistence() []*slogpb.LogEntry {
	n.handle.RLock()
	defer n.handle.RUnlock()

	out := make([]*slogpb.LogEntry, 0, len(n.liveSeqNums))
	for _, seq := range n.liveSeqNums {
		if seq < n.persistedSeqNumPosition {
			continue
		}
		out = append(out, n.liveLogEntries[seq])
	}
	return out
}

// LogEntriesPersisted implements spec §4.6's
// log_entries_persisted(new_position): advances the watermark and
// shrinks the live set while |live| > max_live_entries and live.front()
// < watermark.
func (n *Node) LogEntriesPersisted(newPosition slogpb.SeqNum) {
	n.handle.Lock()
	defer n.handle.Unlock()

	if newPosition > n.persistedSeqNumPosition {
		n.persistedSeqNumPosition = newPosition
	}
	for len(n.liveSeqNums) > n.maxLiveEntries && n.liveSeqNums[0] < n.persistedSeqNumPosition {
		front := n.liveSeqNums[0]
		delete(n.liveLogEntries, front)
		n.liveSeqNums = n.liveSeqNums[1:]
	}
	metrics.LiveEntriesTotal.WithLabelValues(storageLabel(n.handle)).Set(float64(len(n.liveLogEntries)))
}

// GrabShardProgressForSending implements spec §4.6's
// grab_shard_progress_for_sending(): emits the vector if dirty,
// returning one progress value per source engine keyed by engine id,
// and clears the dirty flag.
func (n *Node) GrabShardProgressForSending() (map[slogpb.NodeID]uint32, bool) {
	n.handle.Lock()
	defer n.handle.Unlock()

	if len(n.shardDirty) == 0 {
		return nil, false
	}
	view := n.handle.View()
	out := make(map[slogpb.NodeID]uint32, len(view.SourceEnginesOf(n.self)))
	for _, e := range view.SourceEnginesOf(n.self) {
		out[e] = n.shardProgress[e]
	}
	n.shardDirty = make(map[slogpb.NodeID]struct{})
	return out, true
}

// OnFinalized implements spec §4.6's on_finalized(): discards
// still-pending entries with a warning, logging the count per source
// engine (SUPPLEMENTED FEATURES, grounded on
// original_source/src/log/log_space.cpp's finalize path).
func (n *Node) OnFinalized(span trace.Span) {
	n.handle.Lock()
	defer n.handle.Unlock()

	n.handle.Finalize()

	perEngine := make(map[slogpb.NodeID]int)
	for key := range n.pendingLogEntries {
		perEngine[key.engine]++
	}
	if len(perEngine) > 0 {
		span.Warnf("storage: finalizing with pending entries discarded per source engine: %v", perEngine)
	}
	n.pendingLogEntries = make(map[pendingKey]*slogpb.LogEntry)
}

func storageLabel(h *logspace.Handle) string {
	v := h.View()
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", v.ID)
}
