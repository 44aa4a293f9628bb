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

package logspace

import (
	"testing"

	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

func view(id slogpb.ViewID) *slogpb.View {
	return slogpb.NewView(id, []slogpb.NodeID{1}, []slogpb.NodeID{1}, []slogpb.NodeID{1},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1}},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1}},
		map[slogpb.NodeID][]slogpb.NodeID{1: {1}})
}

func TestClassifyBeforeAnyViewInstalled(t *testing.T) {
	h := New()
	require.Equal(t, Current, h.Classify(0))
	require.Equal(t, Future, h.Classify(5))
}

func TestInstallViewResetsToNormalAndReplaysFuture(t *testing.T) {
	h := New()
	h.InstallView(view(1))
	require.Equal(t, Normal, h.State())

	h.Freeze()
	require.Equal(t, Frozen, h.State())

	var ran bool
	h.Defer(2, func() { ran = true })

	queued := h.InstallView(view(2))
	require.Equal(t, Normal, h.State())
	require.Len(t, queued, 1)
	queued[0]()
	require.True(t, ran)
}

func TestClassifyAgainstInstalledView(t *testing.T) {
	h := New()
	h.InstallView(view(5))
	require.Equal(t, Current, h.Classify(5))
	require.Equal(t, Stale, h.Classify(4))
	require.Equal(t, Future, h.Classify(6))
}

func TestStateTransitions(t *testing.T) {
	h := New()
	h.InstallView(view(1))
	require.Equal(t, Normal, h.State())
	h.Freeze()
	require.Equal(t, Frozen, h.State())
	h.Finalize()
	require.Equal(t, Finalized, h.State())
}

func TestCollectionGetOrCreateIsIdempotent(t *testing.T) {
	c := NewCollection()
	id := slogpb.BuildLogSpaceID(1, 1)

	require.Nil(t, c.Get(id))

	h1 := c.GetOrCreate(id)
	h2 := c.GetOrCreate(id)
	require.Same(t, h1, h2)

	c.Remove(id)
	require.Nil(t, c.Get(id))
}

func TestCollectionList(t *testing.T) {
	c := NewCollection()
	idA := slogpb.BuildLogSpaceID(1, 1)
	idB := slogpb.BuildLogSpaceID(1, 2)
	c.GetOrCreate(idA)
	c.GetOrCreate(idB)

	got := c.List()
	require.ElementsMatch(t, []slogpb.LogSpaceID{idA, idB}, got)
}
