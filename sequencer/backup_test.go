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

	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

type fakeSequencerLink struct {
	metaProgs []slogpb.MetalogSeqNum
}

func (f *fakeSequencerLink) SendShardProg(ctx context.Context, storage slogpb.NodeID, progress map[slogpb.NodeID]uint32) error {
	return nil
}

func (f *fakeSequencerLink) SendLocalCut(ctx context.Context, cut slogpb.LocalCut) error {
	return nil
}

func (f *fakeSequencerLink) SendMetaProg(ctx context.Context, replica slogpb.NodeID, position slogpb.MetalogSeqNum) error {
	f.metaProgs = append(f.metaProgs, position)
	return nil
}

func newTestBackup(link *fakeSequencerLink) (*Backup, *logspace.Handle) {
	h := logspace.New()
	h.InstallView(threeSequencerView())
	return NewBackup(h, 2, link), h
}

func newLogsAt(seq slogpb.MetalogSeqNum) *slogpb.NewLogs {
	return &slogpb.NewLogs{MetalogSeqNum: seq}
}

func TestBackupAppliesInOrder(t *testing.T) {
	link := &fakeSequencerLink{}
	b, _ := newTestBackup(link)

	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(0)))
	require.Equal(t, slogpb.MetalogSeqNum(1), b.Position())
	require.Equal(t, []slogpb.MetalogSeqNum{1}, link.metaProgs)
}

func TestBackupBuffersOutOfOrderAndAppliesOnGapFill(t *testing.T) {
	link := &fakeSequencerLink{}
	b, _ := newTestBackup(link)

	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(1)))
	require.Equal(t, slogpb.MetalogSeqNum(0), b.Position(), "out-of-order entry must not be applied yet")
	require.Empty(t, link.metaProgs, "no reply until the gap is filled")

	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(0)))
	require.Equal(t, slogpb.MetalogSeqNum(2), b.Position(), "filling the gap must drain the buffered entry too")
	require.Equal(t, []slogpb.MetalogSeqNum{2}, link.metaProgs)
}

func TestBackupIgnoresStaleEntry(t *testing.T) {
	link := &fakeSequencerLink{}
	b, _ := newTestBackup(link)

	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(0)))
	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(0)))
	require.Equal(t, slogpb.MetalogSeqNum(1), b.Position(), "a stale re-delivery must not re-apply")
	require.Len(t, link.metaProgs, 1)
}

func TestBackupReorderBufferBounded(t *testing.T) {
	link := &fakeSequencerLink{}
	b, _ := newTestBackup(link)

	for i := 1; i <= maxReorderBuffer; i++ {
		require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(slogpb.MetalogSeqNum(i))))
	}
	err := b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(slogpb.MetalogSeqNum(maxReorderBuffer+1)))
	require.Error(t, err)
}

func TestBackupIgnoredWhenNotNormal(t *testing.T) {
	link := &fakeSequencerLink{}
	b, h := newTestBackup(link)
	h.Freeze()
	require.NoError(t, b.OnMetalogs(context.Background(), testSpan(), 1, newLogsAt(0)))
	require.Equal(t, slogpb.MetalogSeqNum(0), b.Position())
}
