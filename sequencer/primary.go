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

// Package sequencer implements spec §4.2 (MetaLogPrimary) and §4.3
// (MetaLogBackup): the deterministic state machine that turns per-shard
// replication progress reports into metalog cuts assigning contiguous
// global seqnums, and the backup-side replay of those cuts.
package sequencer

import (
	"context"
	"fmt"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/sharedlog/slogd/consensus"
	sloerrors "github.com/sharedlog/slogd/errors"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/metrics"
	"github.com/sharedlog/slogd/slogpb"
)

// Primary is the MetaLogPrimary role of spec §4.2: owns a logspace,
// assembles NEW_LOGS metalog entries from reported shard progress, and
// tracks quorum replication of its own metalog.
type Primary struct {
	handle *logspace.Handle
	self   slogpb.NodeID
	ch     consensus.Channel

	// metalogPosition is the next metalog index to assign.
	metalogPosition slogpb.MetalogSeqNum
	// replicatedMetalogPosition is the largest position durably on a
	// majority of replica sequencers (invariant 4).
	replicatedMetalogPosition slogpb.MetalogSeqNum

	// shardProgress[engine][storage] = counter (spec §3 "Shard progress").
	shardProgress map[slogpb.NodeID]map[slogpb.NodeID]uint32
	// lastCut[engine] = last published local-id watermark.
	lastCut map[slogpb.NodeID]uint32
	// dirtyShards holds engines whose replicated position exceeds
	// lastCut.
	dirtyShards map[slogpb.NodeID]struct{}

	// metalogProgresses[replica] = position, including an entry for
	// self kept in lockstep with metalogPosition.
	metalogProgresses map[slogpb.NodeID]slogpb.MetalogSeqNum

	// seqnumHighWater is the offset of the next seqnum within the
	// current view's seqnum range: the running total of every delta
	// already cut by this sequencer.
	seqnumHighWater slogpb.SeqNum
}

// NewPrimary builds a Primary bound to handle. handle must already have
// a view installed (handle.InstallView) naming self as one of its
// sequencers.
func NewPrimary(handle *logspace.Handle, self slogpb.NodeID, ch consensus.Channel) *Primary {
	return &Primary{
		handle:            handle,
		self:              self,
		ch:                ch,
		shardProgress:     make(map[slogpb.NodeID]map[slogpb.NodeID]uint32),
		lastCut:           make(map[slogpb.NodeID]uint32),
		dirtyShards:       make(map[slogpb.NodeID]struct{}),
		metalogProgresses: make(map[slogpb.NodeID]slogpb.MetalogSeqNum),
	}
}

// OnShardProg applies an incoming SHARD_PROG report from storage t: the
// vector covers t's source engines (spec §4.2 step 1).
func (p *Primary) OnShardProg(ctx context.Context, span trace.Span, t slogpb.NodeID, progress map[slogpb.NodeID]uint32) error {
	p.handle.Lock()
	defer p.handle.Unlock()

	if p.handle.State() != logspace.Normal {
		span.Warnf("sequencer: shard_prog on non-normal logspace from storage %d, ignoring", t)
		return nil
	}

	for e, counter := range progress {
		if p.shardProgress[e] == nil {
			p.shardProgress[e] = make(map[slogpb.NodeID]uint32)
		}
		if counter > p.shardProgress[e][t] {
			p.shardProgress[e][t] = counter
		}
		replicated := p.replicatedPositionLocked(e)
		if replicated > p.lastCut[e] {
			p.dirtyShards[e] = struct{}{}
		}
	}
	metrics.DirtyShardsTotal.WithLabelValues(logspaceLabel(p.handle)).Set(float64(len(p.dirtyShards)))
	return nil
}

// replicatedPositionLocked computes min over t in replicas(e) of
// shardProgress[(e,t)]. Callers must hold the handle lock.
func (p *Primary) replicatedPositionLocked(e slogpb.NodeID) uint32 {
	view := p.handle.View()
	replicas := view.StorageReplicasOf(e)
	if len(replicas) == 0 {
		return 0
	}
	min := ^uint32(0)
	for _, t := range replicas {
		c := p.shardProgress[e][t]
		if c < min {
			min = c
		}
	}
	return min
}

// allMetalogReplicated reports whether replicatedMetalogPosition has
// caught up with metalogPosition (spec §4.2 step 2 precondition).
// Callers must hold the handle lock.
func (p *Primary) allMetalogReplicated() bool {
	return p.replicatedMetalogPosition == p.metalogPosition
}

// Tick runs the primary's periodic local-cut-interval timer (spec §5).
// If there is nothing dirty, or the previous metalog entry has not yet
// reached quorum, it is a no-op — spec §4.2 step 2 requires both
// conditions before a new cut may be built.
func (p *Primary) Tick(ctx context.Context, span trace.Span) error {
	p.handle.Lock()
	defer p.handle.Unlock()

	if p.handle.State() != logspace.Normal {
		return nil
	}
	if len(p.dirtyShards) == 0 || !p.allMetalogReplicated() {
		return nil
	}

	entry := p.buildCutLocked()
	p.seqnumHighWater += slogpb.SeqNum(entry.TotalDelta())
	p.metalogPosition++
	p.metalogProgresses[p.self] = p.metalogPosition
	p.dirtyShards = make(map[slogpb.NodeID]struct{})

	metrics.MetalogPosition.WithLabelValues(logspaceLabel(p.handle)).Set(float64(p.metalogPosition))
	metrics.DirtyShardsTotal.WithLabelValues(logspaceLabel(p.handle)).Set(0)

	if _, err := p.ch.Submit(ctx, entry); err != nil {
		span.Errorf("sequencer: submit NEW_LOGS failed: %v", err)
		return err
	}
	return nil
}

// buildCutLocked assembles a NEW_LOGS entry in ascending engine-id order
// for every engine in the view (per SUPPLEMENTED FEATURES: a dense
// payload, zero-delta entries included, not just the dirty subset), and
// advances lastCut for the dirty engines. Callers must hold the handle
// lock.
func (p *Primary) buildCutLocked() *slogpb.NewLogs {
	view := p.handle.View()
	engines := view.EnginesAscending()

	entry := &slogpb.NewLogs{
		MetalogSeqNum: p.metalogPosition,
		StartSeqNum:   p.nextStartSeqNumLocked(),
		Engines:       engines,
		ShardStart:    make([]uint32, len(engines)),
		ShardDelta:    make([]uint32, len(engines)),
	}
	for i, e := range engines {
		entry.ShardStart[i] = p.lastCut[e]
		if _, dirty := p.dirtyShards[e]; dirty {
			replicated := p.replicatedPositionLocked(e)
			entry.ShardDelta[i] = replicated - p.lastCut[e]
			p.lastCut[e] = replicated
		}
	}
	return entry
}

// seqnumViewShift reserves the top 16 bits of a 64-bit seqnum for the
// view id that assigned it, the same split BuildLocalID uses for local
// ids: each view gets a disjoint 2^48 range to assign seqnums within,
// so a higher view id always produces strictly higher seqnums (spec's
// seqnum invariant) without needing the new view's Primary to recover
// the exact high-water mark its predecessor reached.
const seqnumViewShift = 48

// nextStartSeqNumLocked returns the next seqnum this logspace will
// assign: the current view's disjoint range, offset by the running
// total of every delta already cut within this view. seqnumHighWater
// is tracked as a running counter rather than recomputed, since it is
// a pure function of cuts already built in this view.
func (p *Primary) nextStartSeqNumLocked() slogpb.SeqNum {
	view := p.handle.View()
	return slogpb.SeqNum(view.ID)<<seqnumViewShift | p.seqnumHighWater
}

// OnMetaProg applies a META_PROG reply from replica sequencer r
// carrying position. Tie-breaks per spec §4.2: a sequencer outside the
// replica set, or a position from the future, is a fatal protocol
// violation.
func (p *Primary) OnMetaProg(ctx context.Context, span trace.Span, r slogpb.NodeID, position slogpb.MetalogSeqNum) error {
	p.handle.Lock()
	defer p.handle.Unlock()

	view := p.handle.View()
	if !containsNode(view.ReplicaSequencersOf(p.self), r) {
		span.Fatalf("sequencer: META_PROG from unknown replica %d", r)
		return sloerrors.ErrUnknownReplica
	}
	if position > p.metalogPosition {
		span.Fatalf("sequencer: META_PROG(%d) from replica %d is ahead of local position %d", position, r, p.metalogPosition)
		return sloerrors.ErrFutureView
	}
	if position > p.metalogProgresses[r] {
		p.metalogProgresses[r] = position
	}

	newReplicated := p.medianLocked()
	if newReplicated < p.replicatedMetalogPosition {
		span.Fatalf("sequencer: replicated_metalog_position regressed from %d to %d", p.replicatedMetalogPosition, newReplicated)
		return sloerrors.ErrRegressingProgress
	}
	p.replicatedMetalogPosition = newReplicated
	metrics.ReplicatedMetalogPosition.WithLabelValues(logspaceLabel(p.handle)).Set(float64(p.replicatedMetalogPosition))
	return nil
}

// medianLocked computes the lower-median quorum of the replica-progress
// vector, per spec §4.2's tie-break: "Quorum = median index
// (floor(n/2)) of the sorted replica-progress vector; with one replica,
// its own position." Callers must hold the handle lock.
func (p *Primary) medianLocked() slogpb.MetalogSeqNum {
	view := p.handle.View()
	replicas := view.ReplicaSequencersOf(p.self)
	vals := make([]slogpb.MetalogSeqNum, 0, len(replicas))
	for _, r := range replicas {
		if r == p.self {
			vals = append(vals, p.metalogPosition)
			continue
		}
		vals = append(vals, p.metalogProgresses[r])
	}
	if len(vals) == 0 {
		return p.metalogPosition
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[len(vals)/2]
}

// Freeze stops this logspace from accepting further progress updates
// (Tick and OnShardProg both check handle.State() first) and drops any
// dirty shards not yet cut (spec §4.2 "Freezing").
func (p *Primary) Freeze() {
	p.handle.Lock()
	defer p.handle.Unlock()
	p.handle.Freeze()
	p.dirtyShards = make(map[slogpb.NodeID]struct{})
}

func containsNode(set []slogpb.NodeID, n slogpb.NodeID) bool {
	for _, x := range set {
		if x == n {
			return true
		}
	}
	return false
}

func logspaceLabel(h *logspace.Handle) string {
	v := h.View()
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", v.ID)
}
