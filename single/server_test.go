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

package single

import (
	"context"
	"testing"
	"time"

	"github.com/sharedlog/slogd/storage"
	"github.com/stretchr/testify/require"
)

func TestAppendTickReadAtHappyPath(t *testing.T) {
	s, err := NewServer()
	require.NoError(t, err)

	ctx := context.Background()
	id, err := s.Append(ctx, 42, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), id.Counter())

	_, pending := s.ReadAt(ctx, 0)
	require.NotNil(t, pending, "seqnum not yet cut must be pending")

	require.NoError(t, s.Tick(ctx))

	select {
	case got := <-pending:
		require.Equal(t, storage.ReadOK, got.Status)
		require.Equal(t, []byte("hello"), got.Entry.Payload)
	case <-time.After(time.Second):
		t.Fatal("pending read was never resolved by Tick")
	}

	res, ch := s.ReadAt(ctx, 0)
	require.Nil(t, ch)
	require.Equal(t, storage.ReadOK, res.Status)
	require.Equal(t, []byte("hello"), res.Entry.Payload)
}

func TestTickIsNoOpWithNothingAppended(t *testing.T) {
	s, err := NewServer()
	require.NoError(t, err)
	require.NoError(t, s.Tick(context.Background()))
}

func TestSecondAppendGetsNextSeqNum(t *testing.T) {
	s, err := NewServer()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, 1, []byte("a"))
	require.NoError(t, err)
	_, err = s.Append(ctx, 1, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.Tick(ctx))

	res0, _ := s.ReadAt(ctx, 0)
	require.Equal(t, storage.ReadOK, res0.Status)
	require.Equal(t, []byte("a"), res0.Entry.Payload)

	res1, _ := s.ReadAt(ctx, 1)
	require.Equal(t, storage.ReadOK, res1.Status)
	require.Equal(t, []byte("b"), res1.Entry.Payload)
}
