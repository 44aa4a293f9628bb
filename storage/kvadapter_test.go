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

package storage

import (
	"testing"

	"github.com/sharedlog/slogd/slogpb"
	"github.com/stretchr/testify/require"
)

func TestSeqNumKeyOrderingMatchesSeqNumOrdering(t *testing.T) {
	a := seqNumKey(5)
	b := seqNumKey(6)
	require.Less(t, string(a), string(b), "big-endian keys must sort the same as the seqnums they encode")
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	raw := encodeRecord([]byte("payload"), []byte("meta"))
	data, metadata := decodeRecord(raw)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, []byte("meta"), metadata)
}

func TestEncodeDecodeRecordEmptyMetadata(t *testing.T) {
	raw := encodeRecord([]byte("payload"), nil)
	data, metadata := decodeRecord(raw)
	require.Equal(t, []byte("payload"), data)
	require.Empty(t, metadata)
}

func TestDecodeRecordRejectsShortInput(t *testing.T) {
	data, metadata := decodeRecord([]byte{1, 2})
	require.Nil(t, data)
	require.Nil(t, metadata)
}

func TestSeqNumKeyLength(t *testing.T) {
	require.Len(t, seqNumKey(slogpb.SeqNum(1)<<40), 8)
}
