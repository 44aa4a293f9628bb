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

package consensus

import (
	"testing"

	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNewLogsRoundTrip(t *testing.T) {
	entry := &slogpb.NewLogs{
		MetalogSeqNum: 7,
		StartSeqNum:   1000,
		Engines:       []slogpb.NodeID{1, 2, 3},
		ShardStart:    []uint32{0, 10, 20},
		ShardDelta:    []uint32{5, 0, 3},
	}

	buf := EncodeNewLogs(entry)
	got, err := DecodeNewLogs(buf)
	require.NoError(t, err)

	require.Equal(t, entry.MetalogSeqNum, got.MetalogSeqNum)
	require.Equal(t, entry.StartSeqNum, got.StartSeqNum)
	require.Equal(t, entry.Engines, got.Engines)
	require.Equal(t, entry.ShardStart, got.ShardStart)
	require.Equal(t, entry.ShardDelta, got.ShardDelta)
}

func TestDecodeNewLogsRejectsShortPayload(t *testing.T) {
	_, err := DecodeNewLogs([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeNewLogsRejectsTruncatedEngineTable(t *testing.T) {
	entry := &slogpb.NewLogs{
		Engines:    []slogpb.NodeID{1, 2},
		ShardStart: []uint32{0, 0},
		ShardDelta: []uint32{1, 1},
	}
	buf := EncodeNewLogs(entry)
	_, err := DecodeNewLogs(buf[:len(buf)-5])
	require.Error(t, err)
}
