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
	"context"
	"encoding/binary"

	"github.com/sharedlog/slogd/common/kvstore"
	"github.com/sharedlog/slogd/slogpb"
)

// recordCF is the column family record bodies are persisted under. Each
// value is the length-prefixed body followed by the metadata bytes Put
// was given (the flusher passes the entry's Aux); the tag is not stored.
const recordCF = kvstore.CF("slog_records")

// KVStoreAdapter is the PersistenceAdapter backed by the
// gorocksdb-based kvstore.Store (common/kvstore), durability =
// fsync-equivalent on Put's return per spec §6. This is the
// "pluggable backing database" spec §4.6 describes; the storage role's
// live cache sits in front of it so hot reads never touch rocksdb.
type KVStoreAdapter struct {
	store kvstore.Store
}

// NewKVStoreAdapter wraps an already-opened kvstore.Store.
func NewKVStoreAdapter(store kvstore.Store) *KVStoreAdapter {
	if !store.CheckColumns(recordCF) {
		_ = store.CreateColumn(recordCF)
	}
	return &KVStoreAdapter{store: store}
}

// Put persists data (length-prefixed, with metadata appended as a
// trailer) under seqnum's big-endian key, with a synced write.
func (a *KVStoreAdapter) Put(ctx context.Context, seqnum slogpb.SeqNum, data []byte, metadata []byte) error {
	key := seqNumKey(seqnum)
	value := encodeRecord(data, metadata)
	wo := a.store.NewWriteOption()
	wo.SetSync(true)
	return a.store.SetRaw(ctx, recordCF, key, value, wo)
}

// Get returns the record body persisted under seqnum (metadata trailer
// stripped), or kvstore.ErrNotFound.
func (a *KVStoreAdapter) Get(ctx context.Context, seqnum slogpb.SeqNum) ([]byte, error) {
	raw, err := a.store.GetRaw(ctx, recordCF, seqNumKey(seqnum), a.store.NewReadOption())
	if err != nil {
		return nil, err
	}
	data, _ := decodeRecord(raw)
	return data, nil
}

func seqNumKey(seqnum slogpb.SeqNum) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seqnum))
	return key
}

func encodeRecord(data, metadata []byte) []byte {
	buf := make([]byte, 4+len(data)+len(metadata))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	copy(buf[4+len(data):], metadata)
	return buf
}

func decodeRecord(raw []byte) (data, metadata []byte) {
	if len(raw) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if int(n) > len(raw)-4 {
		return raw[4:], nil
	}
	return raw[4 : 4+n], raw[4+n:]
}
