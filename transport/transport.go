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

// Package transport declares the named interfaces the log core talks to
// its peers through. Message-transport plumbing itself (TCP/UNIX socket
// I/O, HTTP/2 gRPC framing, the libuv event loop) is out of scope per
// spec §2; these interfaces are the seam a real transport implements
// against, and the only thing the sequencer/engine/storage packages
// import.
package transport

import (
	"context"

	"github.com/sharedlog/slogd/slogpb"
)

// SequencerLink is how an engine or storage reaches a logspace's primary
// (and, for metalog replication, its replica sequencers).
type SequencerLink interface {
	// SendShardProg reports a storage's per-source-engine shard
	// progress vector (spec §4.2 step 1, §4.6 grab_shard_progress_for_sending).
	SendShardProg(ctx context.Context, storage slogpb.NodeID, progress map[slogpb.NodeID]uint32) error
	// SendLocalCut reports an engine's local-cut message (spec §4.4
	// BuildLocalCut) to its primary neighborhood.
	SendLocalCut(ctx context.Context, cut slogpb.LocalCut) error
	// SendMetaProg reports a backup sequencer's replayed metalog
	// position back to the primary (spec §4.3).
	SendMetaProg(ctx context.Context, replica slogpb.NodeID, position slogpb.MetalogSeqNum) error
}

// EngineLink is how a sequencer or storage reaches an engine.
type EngineLink interface {
	// DeliverMetalog propagates a committed NEW_LOGS cut to engines and
	// storages (spec §4.2 step 3).
	DeliverMetalog(ctx context.Context, engine slogpb.NodeID, cut *slogpb.NewLogs) error
	// DeliverTagVec forwards a primary engine's TagVec to a peer engine
	// that must also index it (spec §4.4 on_fsm_log_replicated).
	DeliverTagVec(ctx context.Context, engine slogpb.NodeID, vec slogpb.TagVec) error
}

// StorageLink is how an engine reaches the storage nodes it replicates
// record bodies to.
type StorageLink interface {
	// Replicate ships a record body from its primary engine to a backup
	// storage (spec §4.4 "Replicate the body to the engine's storage
	// set").
	Replicate(ctx context.Context, storage slogpb.NodeID, entry *slogpb.LogEntry) error
}

// MetadataClient models the subset of the metadata service's contract
// spec §6 lists: watched key/value with sequenced per-session
// notification delivery. Cluster membership and the Zookeeper-like
// implementation itself are out of scope; this is the seam the view
// manager uses to publish and observe view descriptors.
type MetadataClient interface {
	CreateEphemeral(ctx context.Context, path string, value []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	WatchChildren(ctx context.Context, path string) (<-chan []byte, error)
}
