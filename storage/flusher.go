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
	"io"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/sharedlog/slogd/util/limiter"
	"golang.org/x/sync/errgroup"
)

// Flusher is the dedicated background task that persists committed
// entries to the backing database outside the logspace lock: it pulls
// via GrabForPersistence, this is the only blocking operation on the
// storage path. It throttles payload throughput against the backing
// DB with a util/limiter.Limiter (byte-rate, not item-count) and fans
// a batch out across the db adapter with an errgroup so one slow Put
// doesn't serialize the whole batch.
type Flusher struct {
	node        *Node
	db          PersistenceAdapter
	limiter     limiter.Limiter
	concurrency int
	interval    time.Duration
}

// NewFlusher builds a Flusher that persists at most burstMBPS
// megabytes/sec of payload to db, running concurrency Puts at a time.
func NewFlusher(node *Node, db PersistenceAdapter, burstMBPS int, concurrency int, interval time.Duration) *Flusher {
	return &Flusher{
		node: node,
		db:   db,
		limiter: limiter.NewLimiter(limiter.LimitConfig{
			WriteMBPS:        burstMBPS,
			WriteConcurrency: concurrency,
		}),
		concurrency: concurrency,
		interval:    interval,
	}
}

// Run persists one batch per interval until ctx is canceled.
func (f *Flusher) Run(ctx context.Context, span trace.Span) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.FlushOnce(ctx, span); err != nil {
				span.Warnf("storage flusher: %v", err)
			}
		}
	}
}

// FlushOnce persists the current grab_for_persistence tail and advances
// the watermark past whatever it successfully wrote.
func (f *Flusher) FlushOnce(ctx context.Context, span trace.Span) error {
	batch := f.node.GrabForPersistence()
	if len(batch) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	writer := f.limiter.Writer(gctx, io.Discard)
	written := 0
	for _, entry := range batch {
		entry := entry
		if err := writer.WaitN(len(entry.Payload)); err != nil {
			break
		}
		if err := f.limiter.AcquireWrite(); err != nil {
			break
		}
		g.Go(func() error {
			defer f.limiter.ReleaseWrite()
			return f.db.Put(gctx, entry.SeqNum, entry.Payload, entry.Aux)
		})
		written++
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if written == 0 {
		return nil
	}

	// batch is ordered ascending by GrabForPersistence; the last entry
	// actually written marks the new watermark.
	f.node.LogEntriesPersisted(batch[written-1].SeqNum + 1)
	return nil
}
