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

package sequencer

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	sloerrors "github.com/sharedlog/slogd/errors"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/sharedlog/slogd/transport"
)

// Backup is the MetaLogBackup role of spec §4.3: replays METALOGS
// traffic from the primary in order and replies with META_PROG.
type Backup struct {
	handle *logspace.Handle
	self   slogpb.NodeID
	link   transport.SequencerLink

	metalogPosition slogpb.MetalogSeqNum

	// reorder buffers out-of-order METALOGS fragments up to
	// maxReorderBuffer entries (SUPPLEMENTED FEATURES: a backup that
	// detects a gap buffers rather than dropping the connection,
	// grounded on original_source/src/log/log_space.cpp's
	// pending_metalogs_ list). No retransmission is requested: a gap
	// closes only when the missing entry arrives, and once the buffer is
	// full further out-of-order entries are rejected with a capacity
	// error.
	reorder map[slogpb.MetalogSeqNum]*slogpb.NewLogs
}

// maxReorderBuffer bounds the backup's out-of-order METALOGS buffer.
const maxReorderBuffer = 64

// NewBackup builds a Backup bound to handle.
func NewBackup(handle *logspace.Handle, self slogpb.NodeID, link transport.SequencerLink) *Backup {
	return &Backup{
		handle:  handle,
		self:    self,
		link:    link,
		reorder: make(map[slogpb.MetalogSeqNum]*slogpb.NewLogs),
	}
}

// OnMetalogs applies an incoming METALOGS entry from the primary.
// Entries for other logspaces are rejected upstream by dispatch on
// LogSpaceID; this method only rejects out-of-order entries per spec
// §4.3 — it buffers them (bounded) rather than applying out of order,
// and replies META_PROG for whatever prefix is now contiguous.
func (b *Backup) OnMetalogs(ctx context.Context, span trace.Span, primary slogpb.NodeID, entry *slogpb.NewLogs) error {
	b.handle.Lock()
	defer b.handle.Unlock()

	if b.handle.State() != logspace.Normal {
		span.Warnf("sequencer backup: METALOGS on non-normal logspace, ignoring")
		return nil
	}

	if entry.MetalogSeqNum < b.metalogPosition {
		span.Warnf("sequencer backup: stale METALOGS seqnum=%d, current=%d", entry.MetalogSeqNum, b.metalogPosition)
		return nil
	}
	if entry.MetalogSeqNum > b.metalogPosition {
		if len(b.reorder) >= maxReorderBuffer {
			return sloerrors.NewCapacity("sequencer backup: reorder buffer full at %d entries", len(b.reorder))
		}
		b.reorder[entry.MetalogSeqNum] = entry
		span.Infof("sequencer backup: buffered out-of-order METALOGS seqnum=%d, waiting for %d", entry.MetalogSeqNum, b.metalogPosition)
		return nil
	}

	b.applyLocked(entry)
	for {
		next, ok := b.reorder[b.metalogPosition]
		if !ok {
			break
		}
		delete(b.reorder, b.metalogPosition)
		b.applyLocked(next)
	}

	return b.replyLocked(ctx, span, primary)
}

// applyLocked advances metalogPosition by one entry. Callers must hold
// the handle lock and have verified entry.MetalogSeqNum == current.
func (b *Backup) applyLocked(entry *slogpb.NewLogs) {
	b.metalogPosition++
}

// replyLocked sends META_PROG back to primary reporting this backup's
// replayed position. Callers must hold the handle lock.
func (b *Backup) replyLocked(ctx context.Context, span trace.Span, primary slogpb.NodeID) error {
	if err := b.link.SendMetaProg(ctx, primary, b.metalogPosition); err != nil {
		span.Warnf("sequencer backup: send META_PROG to %d failed: %v", primary, err)
		return err
	}
	return nil
}

// Position returns the backup's current replayed metalog position.
func (b *Backup) Position() slogpb.MetalogSeqNum {
	b.handle.RLock()
	defer b.handle.RUnlock()
	return b.metalogPosition
}

// pendingSeqNums returns the currently-buffered out-of-order seqnums in
// ascending order, for diagnostics.
func (b *Backup) pendingSeqNums() []slogpb.MetalogSeqNum {
	out := make([]slogpb.MetalogSeqNum, 0, len(b.reorder))
	for s := range b.reorder {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
