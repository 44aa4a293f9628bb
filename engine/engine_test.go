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
	"context"
	"testing"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/pool"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

func testSpan() trace.Span {
	span, _ := trace.StartSpanFromContext(context.Background(), "test")
	return span
}

type fakeStorageLink struct {
	replicated []*slogpb.LogEntry
}

func (f *fakeStorageLink) Replicate(ctx context.Context, storage slogpb.NodeID, entry *slogpb.LogEntry) error {
	f.replicated = append(f.replicated, entry)
	return nil
}

// oneEngineView builds a two-engine view: engine 1 replicates bodies to
// physical storage 10, and engine 1 also serves as engine 2's backup
// (so node 1 tracks engine 2's logProgress as a peer).
func oneEngineView() *slogpb.View {
	return slogpb.NewView(1,
		[]slogpb.NodeID{1},
		[]slogpb.NodeID{1, 2},
		[]slogpb.NodeID{10},
		map[slogpb.NodeID][]slogpb.NodeID{1: {10}, 2: {1}},
		map[slogpb.NodeID][]slogpb.NodeID{10: {1}, 1: {2}},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1}},
	)
}

func newTestEngine(cb Callbacks, cap int) (*Engine, *logspace.Handle, *fakeStorageLink) {
	h := logspace.New()
	h.InstallView(oneEngineView())
	link := &fakeStorageLink{}
	return New(h, 1, pool.NewEntryPool(), link, cb, cap), h, link
}

func TestAppendRejectsNonPrimary(t *testing.T) {
	e, h, _ := newTestEngine(Callbacks{}, 10)
	view := h.View()

	var tag slogpb.Tag
	found := false
	for tag = 0; tag < 256; tag++ {
		if view.PrimaryEngine(tag) != 1 {
			found = true
			break
		}
	}
	require.True(t, found, "test view must have a tag not routed to node 1")

	_, err := e.Append(context.Background(), testSpan(), tag, []byte("x"))
	require.Error(t, err)
}

func TestAppendAllocatesLocalIDAndReplicates(t *testing.T) {
	e, h, link := newTestEngine(Callbacks{}, 10)
	view := h.View()

	var tag slogpb.Tag
	for tag = 0; tag < 256; tag++ {
		if view.PrimaryEngine(tag) == 1 {
			break
		}
	}

	id, err := e.Append(context.Background(), testSpan(), tag, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, slogpb.ViewID(1), id.ViewID())
	require.Equal(t, slogpb.NodeID(1), id.NodeID())
	require.Equal(t, uint32(0), id.Counter())
	require.Equal(t, 1, e.PendingCount())
	require.Len(t, link.replicated, 1)

	id2, err := e.Append(context.Background(), testSpan(), tag, []byte("payload2"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), id2.Counter())
}

func TestAppendRejectsAtCapacity(t *testing.T) {
	e, h, _ := newTestEngine(Callbacks{}, 1)
	view := h.View()
	var tag slogpb.Tag
	for tag = 0; tag < 256; tag++ {
		if view.PrimaryEngine(tag) == 1 {
			break
		}
	}
	_, err := e.Append(context.Background(), testSpan(), tag, []byte("a"))
	require.NoError(t, err)
	_, err = e.Append(context.Background(), testSpan(), tag, []byte("b"))
	require.Error(t, err)
}

func TestOnFSMLogReplicatedMovesPendingToPersisted(t *testing.T) {
	var persisted []*slogpb.LogEntry
	e, h, _ := newTestEngine(Callbacks{
		OnPersisted: func(entry *slogpb.LogEntry) { persisted = append(persisted, entry) },
	}, 10)
	view := h.View()
	var tag slogpb.Tag
	for tag = 0; tag < 256; tag++ {
		if view.PrimaryEngine(tag) == 1 {
			break
		}
	}

	id, err := e.Append(context.Background(), testSpan(), tag, []byte("payload"))
	require.NoError(t, err)

	e.OnFSMLogReplicated(context.Background(), id, 100, 1)

	require.Equal(t, 0, e.PendingCount())
	require.Len(t, persisted, 1)
	require.Equal(t, slogpb.SeqNum(100), persisted[0].SeqNum)

	got, ok := e.ReadAt(100)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got.Payload)
}

func TestOnFSMNewViewDiscardsSupersededEntries(t *testing.T) {
	var discarded []slogpb.LocalID
	e, h, _ := newTestEngine(Callbacks{
		OnDiscarded: func(id slogpb.LocalID, reason DiscardReason) { discarded = append(discarded, id) },
	}, 10)
	view := h.View()
	var tag slogpb.Tag
	for tag = 0; tag < 256; tag++ {
		if view.PrimaryEngine(tag) == 1 {
			break
		}
	}

	id, err := e.Append(context.Background(), testSpan(), tag, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 1, e.PendingCount())

	e.OnFSMNewView(slogpb.NewView(2,
		[]slogpb.NodeID{1},
		[]slogpb.NodeID{1, 2},
		[]slogpb.NodeID{10},
		map[slogpb.NodeID][]slogpb.NodeID{1: {10}, 2: {1}},
		map[slogpb.NodeID][]slogpb.NodeID{10: {1}, 1: {2}},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1}},
	))

	require.Equal(t, 0, e.PendingCount())
	require.Equal(t, []slogpb.LocalID{id}, discarded)
	require.Equal(t, uint32(0), e.NextLocalID())
}

func TestBuildLocalCutClearsDirtyOnSuccess(t *testing.T) {
	e, h, _ := newTestEngine(Callbacks{}, 10)
	view := h.View()

	_, ok := e.BuildLocalCut()
	require.False(t, ok, "must be false when nothing is dirty")

	entry := &slogpb.LogEntry{LocalID: slogpb.BuildLocalID(view.ID, 2, 0)}
	require.NoError(t, e.ReceiveBody(context.Background(), testSpan(), entry))

	cut, ok := e.BuildLocalCut()
	require.True(t, ok)
	require.Equal(t, view.ID, cut.ViewID)
	require.Equal(t, uint32(1), e.LogProgressOf(2))

	_, ok = e.BuildLocalCut()
	require.False(t, ok, "dirty flag must be cleared after a successful build")
}

func TestReceiveBodyDiscardsStaleView(t *testing.T) {
	e, h, _ := newTestEngine(Callbacks{}, 10)
	staleID := slogpb.BuildLocalID(0, 2, 0)
	_ = h.View()
	require.NoError(t, e.ReceiveBody(context.Background(), testSpan(), &slogpb.LogEntry{LocalID: staleID}))
	require.Equal(t, 0, e.PendingCount())
}
