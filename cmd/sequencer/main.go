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

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/sharedlog/slogd/consensus"
	sloconfig "github.com/sharedlog/slogd/config"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/rpcadmin"
	"github.com/sharedlog/slogd/sequencer"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/sharedlog/slogd/transport"
	"github.com/sharedlog/slogd/util"
)

// Config is the sequencer role binary's on-disk configuration, the
// log-core Options (spec §6) plus the bind addresses and node identity
// every role binary needs, following the pattern of embedding
// a shared per-role config next to bind ports and log level.
type Config struct {
	sloconfig.Options

	NodeID       uint16    `json:"node_id"`
	GrpcBindPort uint32    `json:"grpc_bind_port"`
	HttpBindPort uint32    `json:"http_bind_port"`
	LogLevel     log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "sequencer.json")

	cfg := &Config{Options: sloconfig.Default()}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	sloconfig.LoadViper(&cfg.Options)
	log.SetOutputLevel(cfg.LogLevel)

	handle := logspace.New()

	// A multi-replica deployment wires a live raft.Group (provisioned
	// by the cluster's bootstrap tooling: membership, snapshotting,
	// storage) and proposes through consensus.NewEtcdRaftChannel. Absent
	// that external collaborator this role runs as its logspace's sole
	// sequencer replica, so the backup-apply path is looped back onto
	// itself: a proposal is "replicated" the instant this node's backup
	// has applied it in memory, the same way a single-voter raft group
	// commits without a second vote.
	link := &loopSequencerLink{}
	backup := sequencer.NewBackup(handle, slogpb.NodeID(cfg.NodeID), link)
	channel := consensus.NewLocalChannel(func(ctx context.Context, entry *slogpb.NewLogs) error {
		span := trace.SpanFromContext(ctx)
		return backup.OnMetalogs(ctx, span, slogpb.NodeID(cfg.NodeID), entry)
	})

	primary := sequencer.NewPrimary(handle, slogpb.NodeID(cfg.NodeID), channel)
	link.primary = primary

	localIP, _ := util.GetLocalIp()
	admin := rpcadmin.New(func() interface{} {
		return map[string]interface{}{"role": "sequencer", "node_id": cfg.NodeID, "local_ip": localIP}
	})
	admin.SetServing(true)

	grpcLis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		log.Fatalf("sequencer: listen grpc: %v", err)
	}
	go func() {
		if err := admin.ServeGRPC(grpcLis); err != nil {
			log.Errorf("sequencer: admin grpc serve: %v", err)
		}
	}()

	httpCtx, httpCancel := context.WithCancel(context.Background())
	go func() {
		if err := admin.ServeHTTP(httpCtx, ":"+strconv.Itoa(int(cfg.HttpBindPort))); err != nil && err != http.ErrServerClosed {
			log.Errorf("sequencer: admin http serve: %v", err)
		}
	}()

	tickCtx, tickCancel := context.WithCancel(context.Background())
	go runTickLoop(tickCtx, primary, cfg.LocalCutInterval())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	tickCancel()
	httpCancel()
	admin.Stop()
}

// runTickLoop drives Primary.Tick on interval until ctx is canceled,
// cutting a new METALOGS entry whenever dirty shard progress has
// accumulated.
func runTickLoop(ctx context.Context, primary *sequencer.Primary, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			span, tickCtx := trace.StartSpanFromContext(ctx, "sequencer-tick")
			if err := primary.Tick(tickCtx, span); err != nil {
				span.Warnf("sequencer: tick failed: %v", err)
			}
		}
	}
}

// loopSequencerLink loops a backup sequencer's META_PROG replies back
// into the local primary, the correct SequencerLink for a logspace
// whose only sequencer replica is this node.
type loopSequencerLink struct {
	primary *sequencer.Primary
}

var _ transport.SequencerLink = (*loopSequencerLink)(nil)

func (l *loopSequencerLink) SendShardProg(ctx context.Context, storage slogpb.NodeID, progress map[slogpb.NodeID]uint32) error {
	return l.primary.OnShardProg(ctx, trace.SpanFromContext(ctx), storage, progress)
}

func (l *loopSequencerLink) SendLocalCut(ctx context.Context, cut slogpb.LocalCut) error {
	return nil
}

func (l *loopSequencerLink) SendMetaProg(ctx context.Context, replica slogpb.NodeID, position slogpb.MetalogSeqNum) error {
	return l.primary.OnMetaProg(ctx, trace.SpanFromContext(ctx), replica, position)
}
