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

package slogpb

// EntryState tracks a LogEntry's position in the lifecycle described in
// spec §3: allocated -> pending -> persisted -> indexed -> reclaimed.
type EntryState int

const (
	EntryAllocated EntryState = iota
	EntryPending
	EntryPersisted
	EntryIndexed
)

// LogEntry is a single record in the shared log. Seqnum is zero until the
// entry has been committed by a metalog cut.
type LogEntry struct {
	LocalID LocalID
	SeqNum  SeqNum
	Tag     Tag
	Payload []byte

	// Aux holds application-supplied post-hoc annotations cached at
	// seqnum; nil unless a caller has attached one.
	Aux []byte

	State EntryState
}

// Reset clears an entry for reuse by a pool (design note §9: LogEntry
// churn is high enough to warrant a free-list).
func (e *LogEntry) Reset() {
	e.LocalID = 0
	e.SeqNum = 0
	e.Tag = 0
	e.Payload = nil
	e.Aux = nil
	e.State = EntryAllocated
}

// NewLogs is the NEW_LOGS metalog record variant: it assigns the
// contiguous range [StartSeqNum, StartSeqNum+sum(ShardDeltas)) to the
// engines' shards, in ascending engine-id order.
type NewLogs struct {
	MetalogSeqNum MetalogSeqNum
	StartSeqNum   SeqNum

	// Engines, ShardStart and ShardDelta are parallel slices, one entry
	// per engine, in the ascending engine-id order spec §4.2 requires.
	Engines    []NodeID
	ShardStart []uint32
	ShardDelta []uint32
}

// TotalDelta returns sum(ShardDelta), the number of seqnums this cut
// assigns in total.
func (n *NewLogs) TotalDelta() uint64 {
	var total uint64
	for _, d := range n.ShardDelta {
		total += uint64(d)
	}
	return total
}

// EndSeqNum returns the exclusive end of the seqnum range this cut
// assigns: StartSeqNum + TotalDelta().
func (n *NewLogs) EndSeqNum() SeqNum {
	return n.StartSeqNum + SeqNum(n.TotalDelta())
}

// LocalCut is the per-engine progress vector reported to the engine's
// primary neighborhood (spec §3, §4.4).
type LocalCut struct {
	ViewID      ViewID
	EngineID    NodeID
	NextLocalID uint32

	// Peers and Counters are parallel slices in the deterministic order
	// View.PrimaryNeighborhood(EngineID) produces.
	Peers    []NodeID
	Counters []uint32
}

// TagVec carries the tags of a contiguous run of records, in the same
// order delta entries were assigned seqnums by a NEW_LOGS cut.
type TagVec struct {
	PrimaryNode NodeID
	StartSeqNum SeqNum
	Tags        []Tag
}
