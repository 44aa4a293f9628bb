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

// Package consensus specifies the contract spec §2 describes as "the
// consensus protocol among sequencers (Raft) used to linearize metalog
// entries — we specify the contract the log core expects from
// consensus, not its implementation". Channel is that contract;
// EtcdRaftChannel adapts it onto the raft/ package's Group interface
// (the contract an etcd/raft/v3-backed group exposes; raft/ itself holds
// no group implementation), the same dependency used elsewhere to
// replicate cluster/catalog metadata, now replicating the metalog
// instead.
package consensus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	sharedlograft "github.com/sharedlog/slogd/raft"
	"github.com/sharedlog/slogd/slogpb"
)

// Channel is what a logspace's primary sequencer submits NEW_LOGS
// entries to, and what a backup sequencer receives replayed METALOGS
// traffic from. It is the seam spec §2 calls out as "contract, not
// implementation".
type Channel interface {
	// Submit proposes entry for replication. It returns once the
	// consensus layer has accepted the proposal; the proposal's actual
	// commit and fan-out to replicas is asynchronous and observed
	// through the viewfsm callbacks, not through Submit's return.
	Submit(ctx context.Context, entry *slogpb.NewLogs) (correlationID string, err error)
}

// EtcdRaftChannel adapts a raft.Group (an etcd/raft/v3-backed
// replication group) into a Channel. Every proposal is tagged with a
// uuid correlation id, the same id a caller would use to match a
// proposal against the group's eventual apply notification.
type EtcdRaftChannel struct {
	group sharedlograft.Group
}

// NewEtcdRaftChannel wraps an already-constructed raft.Group.
func NewEtcdRaftChannel(group sharedlograft.Group) *EtcdRaftChannel {
	return &EtcdRaftChannel{group: group}
}

// Submit encodes entry and proposes it to the underlying raft group.
func (c *EtcdRaftChannel) Submit(ctx context.Context, entry *slogpb.NewLogs) (string, error) {
	correlationID := uuid.NewString()
	payload := EncodeNewLogs(entry)
	_, err := c.group.Propose(ctx, &sharedlograft.ProposalData{
		Module: correlationID,
		Op:     newLogsOp,
		Data:   payload,
	})
	if err != nil {
		return "", fmt.Errorf("consensus: propose NEW_LOGS: %w", err)
	}
	return correlationID, nil
}

// LocalChannel is the degenerate, single-replica Channel: it applies
// each proposal synchronously through apply instead of routing it
// through a multi-node raft group. It is the correct Channel for a
// logspace whose view lists exactly one sequencer replica (self), the
// same way a single-voter raft group commits every entry it receives
// without needing a second vote. apply is expected to be a backup
// sequencer's own OnMetalogs path, applied against self so the primary
// observes its own proposal as replicated.
type LocalChannel struct {
	apply func(ctx context.Context, entry *slogpb.NewLogs) error
}

// NewLocalChannel wraps apply (typically sequencer.Backup.OnMetalogs
// bound to the local replica) as a Channel.
func NewLocalChannel(apply func(ctx context.Context, entry *slogpb.NewLogs) error) *LocalChannel {
	return &LocalChannel{apply: apply}
}

// Submit applies entry inline and returns a correlation id once the
// local replica's apply function has returned without error.
func (c *LocalChannel) Submit(ctx context.Context, entry *slogpb.NewLogs) (string, error) {
	if err := c.apply(ctx, entry); err != nil {
		return "", fmt.Errorf("consensus: apply NEW_LOGS locally: %w", err)
	}
	return uuid.NewString(), nil
}

// newLogsOp is the ProposalData.Op EtcdRaftChannel.Submit sets on every
// NEW_LOGS proposal; no other op is defined, TRIM (spec §3) is out of
// scope.
const newLogsOp = 1

// EncodeNewLogs serializes a NEW_LOGS metalog entry for transport over
// the consensus channel's proposal payload.
func EncodeNewLogs(n *slogpb.NewLogs) []byte {
	buf := make([]byte, 8+8+4+len(n.Engines)*(2+4+4))
	binary.BigEndian.PutUint64(buf[0:8], uint64(n.MetalogSeqNum))
	binary.BigEndian.PutUint64(buf[8:16], uint64(n.StartSeqNum))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(n.Engines)))
	off := 20
	for i, e := range n.Engines {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(e))
		binary.BigEndian.PutUint32(buf[off+2:off+6], n.ShardStart[i])
		binary.BigEndian.PutUint32(buf[off+6:off+10], n.ShardDelta[i])
		off += 10
	}
	return buf
}

// DecodeNewLogs is EncodeNewLogs's inverse.
func DecodeNewLogs(buf []byte) (*slogpb.NewLogs, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("consensus: short NEW_LOGS payload: %d bytes", len(buf))
	}
	n := &slogpb.NewLogs{
		MetalogSeqNum: slogpb.MetalogSeqNum(binary.BigEndian.Uint64(buf[0:8])),
		StartSeqNum:   slogpb.SeqNum(binary.BigEndian.Uint64(buf[8:16])),
	}
	count := int(binary.BigEndian.Uint32(buf[16:20]))
	off := 20
	for i := 0; i < count; i++ {
		if off+10 > len(buf) {
			return nil, fmt.Errorf("consensus: truncated NEW_LOGS payload at engine %d", i)
		}
		n.Engines = append(n.Engines, slogpb.NodeID(binary.BigEndian.Uint16(buf[off:off+2])))
		n.ShardStart = append(n.ShardStart, binary.BigEndian.Uint32(buf[off+2:off+6]))
		n.ShardDelta = append(n.ShardDelta, binary.BigEndian.Uint32(buf[off+6:off+10]))
		off += 10
	}
	return n, nil
}
