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

// Package single wires one logspace's sequencer, engine, and storage
// roles together inside a single process with an in-memory loopback in
// place of a real transport and consensus channel. It exercises the
// single-node happy path directly, without standing up a cluster: one
// engine is primary for every tag, is its own storage replica, and its
// sequencer is both primary and sole replica, so every NEW_LOGS proposal
// commits immediately and is fanned straight back out to the engine and
// storage it came from — the job a real deployment's consensus layer and
// EngineLink/StorageLink transport otherwise do.
package single

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/sharedlog/slogd/common/kvstore"
	"github.com/sharedlog/slogd/engine"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/pool"
	"github.com/sharedlog/slogd/sequencer"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/sharedlog/slogd/storage"
	"github.com/sharedlog/slogd/transport"
)

// nodeID is the sole participant's identity in every role.
const nodeID slogpb.NodeID = 1

// loopSequencerLink is how the harness's storage/backup report back to
// its co-located primary, standing in for transport.SequencerLink.
// primary is set once, after Primary is constructed, to break the
// construction cycle (Backup needs a link before Primary exists).
type loopSequencerLink struct {
	primary *sequencer.Primary
}

func (l *loopSequencerLink) SendShardProg(ctx context.Context, storageID slogpb.NodeID, progress map[slogpb.NodeID]uint32) error {
	span := trace.SpanFromContextSafe(ctx)
	return l.primary.OnShardProg(ctx, span, storageID, progress)
}

func (l *loopSequencerLink) SendLocalCut(ctx context.Context, cut slogpb.LocalCut) error {
	return nil
}

func (l *loopSequencerLink) SendMetaProg(ctx context.Context, replica slogpb.NodeID, position slogpb.MetalogSeqNum) error {
	span := trace.SpanFromContextSafe(ctx)
	return l.primary.OnMetaProg(ctx, span, replica, position)
}

// loopStorageLink replicates straight into the local storage node,
// standing in for transport.StorageLink.
type loopStorageLink struct {
	node *storage.Node
}

func (l *loopStorageLink) Replicate(ctx context.Context, target slogpb.NodeID, entry *slogpb.LogEntry) error {
	span := trace.SpanFromContextSafe(ctx)
	return l.node.Store(ctx, span, entry)
}

// memChannel commits a NEW_LOGS proposal synchronously: it replays the
// entry into the backup sequencer (which acks back to primary via
// loopSequencerLink), then fans the committed cut out to the engine and
// storage it concerns, the way a real EngineLink.DeliverMetalog call
// would after the consensus layer reports the entry committed.
type memChannel struct {
	handle *logspace.Handle
	backup *sequencer.Backup
	eng    *engine.Engine
	store  *storage.Node
}

func (m *memChannel) Submit(ctx context.Context, entry *slogpb.NewLogs) (string, error) {
	span := trace.SpanFromContextSafe(ctx)

	if err := m.backup.OnMetalogs(ctx, span, nodeID, entry); err != nil {
		return "", err
	}

	m.handle.RLock()
	viewID := m.handle.View().ID
	m.handle.RUnlock()

	for _, shard := range entry.ExpandPerEngine(viewID) {
		if shard.Engine != nodeID {
			continue
		}
		if err := m.store.OnNewLogs(ctx, span, shard.StartSeqNum, shard.StartLocal, shard.Delta); err != nil {
			return "", err
		}
		m.eng.OnFSMLogReplicated(ctx, shard.StartLocal, shard.StartSeqNum, shard.Delta)
		m.eng.OnFSMGlobalCut(uint64(entry.MetalogSeqNum), shard.StartSeqNum, shard.StartSeqNum+slogpb.SeqNum(shard.Delta))
	}
	return "single", nil
}

// Server bundles one logspace's sequencer, engine, and storage roles
// plus the loopback wiring between them.
type Server struct {
	handle *logspace.Handle

	primary *sequencer.Primary
	backup  *sequencer.Backup
	eng     *engine.Engine
	store   *storage.Node
}

// NewServer builds a Server with a single-engine, single-storage,
// single-sequencer view already installed (view id 1).
func NewServer() (*Server, error) {
	handle := logspace.New()
	entryPool := pool.NewEntryPool()

	view := slogpb.NewView(
		1,
		[]slogpb.NodeID{nodeID},
		[]slogpb.NodeID{nodeID},
		[]slogpb.NodeID{nodeID},
		map[slogpb.NodeID][]slogpb.NodeID{nodeID: {nodeID}},
		map[slogpb.NodeID][]slogpb.NodeID{nodeID: {nodeID}},
		map[slogpb.NodeID][]slogpb.NodeID{nodeID: {nodeID}},
	)
	handle.InstallView(view)

	db := newMemAdapter()
	store := storage.New(handle, nodeID, db, 1<<20)

	link := &loopSequencerLink{}
	backup := sequencer.NewBackup(handle, nodeID, link)

	var storageLink transport.StorageLink = &loopStorageLink{node: store}
	cb := engine.Callbacks{
		OnPersisted: func(entry *slogpb.LogEntry) {},
		OnDiscarded: func(localID slogpb.LocalID, reason engine.DiscardReason) {},
		SendTagVec:  func(ctx context.Context, vec slogpb.TagVec) {},
	}
	eng := engine.New(handle, nodeID, entryPool, storageLink, cb, 1<<16)

	channel := &memChannel{handle: handle, backup: backup, eng: eng, store: store}
	primary := sequencer.NewPrimary(handle, nodeID, channel)
	link.primary = primary

	return &Server{
		handle:  handle,
		primary: primary,
		backup:  backup,
		eng:     eng,
		store:   store,
	}, nil
}

// Start is a no-op: NewServer already installs the single view; a
// multi-process deployment would instead block here serving transport
// listeners.
func (s *Server) Start() error { return nil }

// Stop is a no-op for the same reason.
func (s *Server) Stop() error { return nil }

// Append appends data under tag through the engine's append path.
func (s *Server) Append(ctx context.Context, tag slogpb.Tag, data []byte) (slogpb.LocalID, error) {
	span := trace.SpanFromContextSafe(ctx)
	return s.eng.Append(ctx, span, tag, data)
}

// Tick drives one round of replication: pull whatever shard progress the
// storage node has accumulated since the last round, report it to the
// primary, and let the primary assemble and commit a metalog cut if
// there is anything dirty. A real deployment runs this off
// LocalCutInterval (spec §4.2); the harness exposes it synchronously so
// a caller can drive the happy path deterministically.
func (s *Server) Tick(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	if progress, ok := s.store.GrabShardProgressForSending(); ok {
		if err := s.primary.OnShardProg(ctx, span, nodeID, progress); err != nil {
			return err
		}
	}
	return s.primary.Tick(ctx, span)
}

// ReadAt serves a read through the storage node's live cache (spec
// §4.6). A seqnum already evicted below the persisted watermark comes
// back as ReadLookupDB; the backing database is not read here.
func (s *Server) ReadAt(ctx context.Context, seqnum slogpb.SeqNum) (storage.ReadResult, <-chan storage.ReadResult) {
	return s.store.ReadAt(ctx, seqnum)
}

// memAdapter is an in-memory storage.PersistenceAdapter, standing in for
// a rocksdb-backed one when the harness runs without a data directory.
type memAdapter struct {
	mu   sync.Mutex
	data map[slogpb.SeqNum][]byte
}

func newMemAdapter() *memAdapter {
	return &memAdapter{data: make(map[slogpb.SeqNum][]byte)}
}

func (a *memAdapter) Put(ctx context.Context, seqnum slogpb.SeqNum, data []byte, metadata []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[seqnum] = append([]byte(nil), data...)
	return nil
}

func (a *memAdapter) Get(ctx context.Context, seqnum slogpb.SeqNum) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[seqnum]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return v, nil
}
