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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLocalIDRoundTrip(t *testing.T) {
	id := BuildLocalID(7, 42, 1000)
	require.Equal(t, ViewID(7), id.ViewID())
	require.Equal(t, NodeID(42), id.NodeID())
	require.Equal(t, uint32(1000), id.Counter())
}

func TestLocalIDAddKeepsViewAndNode(t *testing.T) {
	id := BuildLocalID(3, 9, 5)
	next := id.Add(10)
	require.Equal(t, ViewID(3), next.ViewID())
	require.Equal(t, NodeID(9), next.NodeID())
	require.Equal(t, uint32(15), next.Counter())
}

func TestBuildLogSpaceIDRoundTrip(t *testing.T) {
	id := BuildLogSpaceID(11, 22)
	require.Equal(t, ViewID(11), id.ViewID())
	require.Equal(t, NodeID(22), id.NodeID())
}
