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

// Package pool provides a free-list pool for slogpb.LogEntry headers:
// entries churn at high rate on the append and replication hot paths,
// and a sync.Pool-backed free list avoids repeated allocation without
// needing a bespoke allocator.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/sharedlog/slogd/slogpb"
)

// EntryPool hands out slogpb.LogEntry headers and reclaims them on
// Put. Outstanding tracks headers currently checked out, so tests can
// assert the pool never over- or under-counts (design note §9: allocated
// count never exceeds outstanding references + pool size).
type EntryPool struct {
	pool       sync.Pool
	outstanding int64
}

// NewEntryPool builds an empty pool.
func NewEntryPool() *EntryPool {
	p := &EntryPool{}
	p.pool.New = func() interface{} { return &slogpb.LogEntry{} }
	return p
}

// Get returns a zeroed LogEntry, either reused from the free list or
// freshly allocated.
func (p *EntryPool) Get() *slogpb.LogEntry {
	atomic.AddInt64(&p.outstanding, 1)
	e := p.pool.Get().(*slogpb.LogEntry)
	e.Reset()
	return e
}

// Put returns e to the free list. Callers must not use e afterwards.
func (p *EntryPool) Put(e *slogpb.LogEntry) {
	if e == nil {
		return
	}
	atomic.AddInt64(&p.outstanding, -1)
	e.Reset()
	p.pool.Put(e)
}

// Outstanding reports the number of entries currently checked out.
func (p *EntryPool) Outstanding() int64 {
	return atomic.LoadInt64(&p.outstanding)
}
