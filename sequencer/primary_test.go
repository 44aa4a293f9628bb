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
	"testing"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	submitted []*slogpb.NewLogs
	err       error
}

func (f *fakeChannel) Submit(ctx context.Context, entry *slogpb.NewLogs) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, entry)
	return "corr", nil
}

func testSpan() trace.Span {
	span, _ := trace.StartSpanFromContext(context.Background(), "test")
	return span
}

// threeSequencerView builds a single-engine, single-storage view
// replicated across sequencers 1, 2, 3.
func threeSequencerView() *slogpb.View {
	return slogpb.NewView(1,
		[]slogpb.NodeID{1, 2, 3},
		[]slogpb.NodeID{10},
		[]slogpb.NodeID{100},
		map[slogpb.NodeID][]slogpb.NodeID{10: {100}},
		map[slogpb.NodeID][]slogpb.NodeID{100: {10}},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1, 2, 3}, 2: {1, 2, 3}, 3: {1, 2, 3}},
	)
}

func newTestPrimary(ch *fakeChannel) (*Primary, *logspace.Handle) {
	h := logspace.New()
	h.InstallView(threeSequencerView())
	return NewPrimary(h, 1, ch), h
}

func TestTickNoOpWhenNothingDirty(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)
	require.NoError(t, p.Tick(context.Background(), testSpan()))
	require.Empty(t, ch.submitted)
}

func TestTickNoOpUntilPreviousCutReachedQuorum(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)

	require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 5}))
	require.NoError(t, p.Tick(context.Background(), testSpan()))
	require.Len(t, ch.submitted, 1)

	// A second shard_prog makes engine 10 dirty again, but the first
	// cut hasn't reached quorum yet (no OnMetaProg calls at all beyond
	// self), so Tick must be a no-op.
	require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 9}))
	require.NoError(t, p.Tick(context.Background(), testSpan()))
	require.Len(t, ch.submitted, 1, "must not cut again before the prior metalog entry reached quorum")
}

func TestTickBuildsDenseCutAndAdvancesSeqNums(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)

	require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 7}))
	require.NoError(t, p.Tick(context.Background(), testSpan()))
	require.Len(t, ch.submitted, 1)

	entry := ch.submitted[0]
	require.Equal(t, slogpb.MetalogSeqNum(0), entry.MetalogSeqNum)
	require.Equal(t, slogpb.SeqNum(1)<<seqnumViewShift, entry.StartSeqNum, "view 1's cuts start at its reserved range, not global zero")
	require.Equal(t, []slogpb.NodeID{10}, entry.Engines)
	require.Equal(t, []uint32{0}, entry.ShardStart)
	require.Equal(t, []uint32{7}, entry.ShardDelta)
}

func TestOnMetaProgRejectsUnknownReplica(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)
	err := p.OnMetaProg(context.Background(), testSpan(), 99, 0)
	require.Error(t, err)
}

func TestOnMetaProgRejectsFuturePosition(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)
	err := p.OnMetaProg(context.Background(), testSpan(), 2, 5)
	require.Error(t, err)
}

func TestMedianQuorumAdvancesOnMajority(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPrimary(ch)

	require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 3}))
	require.NoError(t, p.Tick(context.Background(), testSpan()))
	require.Equal(t, slogpb.MetalogSeqNum(1), p.metalogPosition)
	require.Equal(t, slogpb.MetalogSeqNum(0), p.replicatedMetalogPosition)

	// Only replica 2 acks; with self=1 already at position 1, the
	// sorted vector [0(r3), 1(self), 1(r2)] has median index 1 => 1.
	require.NoError(t, p.OnMetaProg(context.Background(), testSpan(), 2, 1))
	require.Equal(t, slogpb.MetalogSeqNum(1), p.replicatedMetalogPosition)
}

func TestSeqNumsStrictlyIncreaseAcrossViews(t *testing.T) {
	viewOf := func(id slogpb.ViewID) *slogpb.View {
		return slogpb.NewView(id,
			[]slogpb.NodeID{1, 2, 3},
			[]slogpb.NodeID{10},
			[]slogpb.NodeID{100},
			map[slogpb.NodeID][]slogpb.NodeID{10: {100}},
			map[slogpb.NodeID][]slogpb.NodeID{100: {10}},
			map[slogpb.NodeID][]slogpb.NodeID{1: {1, 2, 3}, 2: {1, 2, 3}, 3: {1, 2, 3}},
		)
	}
	cutFrom := func(id slogpb.ViewID) slogpb.SeqNum {
		h := logspace.New()
		h.InstallView(viewOf(id))
		ch := &fakeChannel{}
		p := NewPrimary(h, 1, ch)
		require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 4}))
		require.NoError(t, p.Tick(context.Background(), testSpan()))
		require.Len(t, ch.submitted, 1)
		return ch.submitted[0].StartSeqNum
	}

	// A fresh Primary always starts its own seqnumHighWater at 0, but a
	// higher view id must still produce a strictly higher seqnum than a
	// lower one ever could, without either Primary knowing the other's
	// high-water mark.
	require.Less(t, cutFrom(1), cutFrom(2))
}

func TestOnShardProgIgnoredWhenNotNormal(t *testing.T) {
	ch := &fakeChannel{}
	p, h := newTestPrimary(ch)
	h.Freeze()
	require.NoError(t, p.OnShardProg(context.Background(), testSpan(), 100, map[slogpb.NodeID]uint32{10: 5}))
	require.Empty(t, p.dirtyShards)
}
