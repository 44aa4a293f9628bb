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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	sloconfig "github.com/sharedlog/slogd/config"
	"github.com/sharedlog/slogd/common/kvstore"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/rpcadmin"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/sharedlog/slogd/storage"
	"github.com/sharedlog/slogd/util"
)

// Config is the storage role binary's configuration: the shared
// log-core Options, this role's bind addresses and identity, the
// rocksdb data path, and the flusher's throughput knobs.
type Config struct {
	sloconfig.Options

	NodeID           uint16    `json:"node_id"`
	GrpcBindPort     uint32    `json:"grpc_bind_port"`
	HttpBindPort     uint32    `json:"http_bind_port"`
	DataPath         string    `json:"data_path"`
	FlushBurstMBPS   int       `json:"flush_burst_mbps"`
	FlushConcurrency int       `json:"flush_concurrency"`
	FlushIntervalMS  int       `json:"flush_interval_ms"`
	LogLevel         log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "storage.json")

	cfg := &Config{
		Options:          sloconfig.Default(),
		DataPath:         "./run/storage",
		FlushBurstMBPS:   64,
		FlushConcurrency: 8,
		FlushIntervalMS:  50,
	}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	sloconfig.LoadViper(&cfg.Options)
	log.SetOutputLevel(cfg.LogLevel)

	ctx := context.Background()
	store, err := kvstore.NewKVStore(ctx, cfg.DataPath, kvstore.RocksdbLsmKVType, new(kvstore.Option))
	if err != nil {
		log.Fatalf("storage: open rocksdb at %s: %v", cfg.DataPath, err)
	}
	db := storage.NewKVStoreAdapter(store)

	handle := logspace.New()
	node := storage.New(handle, slogpb.NodeID(cfg.NodeID), db, cfg.Options.StorageMaxLiveEntries)

	flusher := storage.NewFlusher(node, db, cfg.FlushBurstMBPS, cfg.FlushConcurrency, time.Duration(cfg.FlushIntervalMS)*time.Millisecond)
	flusherCtx, flusherCancel := context.WithCancel(context.Background())
	span, _ := trace.StartSpanFromContext(flusherCtx, "storage-flusher")
	go flusher.Run(flusherCtx, span)

	localIP, _ := util.GetLocalIp()
	admin := rpcadmin.New(func() interface{} {
		return map[string]interface{}{"role": "storage", "node_id": cfg.NodeID, "local_ip": localIP}
	})
	admin.SetServing(true)

	grpcLis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		log.Fatalf("storage: listen grpc: %v", err)
	}
	go func() {
		if err := admin.ServeGRPC(grpcLis); err != nil {
			log.Errorf("storage: admin grpc serve: %v", err)
		}
	}()

	httpCtx, httpCancel := context.WithCancel(context.Background())
	go func() {
		if err := admin.ServeHTTP(httpCtx, ":"+strconv.Itoa(int(cfg.HttpBindPort))); err != nil && err != http.ErrServerClosed {
			log.Errorf("storage: admin http serve: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	flusherCancel()
	httpCancel()
	admin.Stop()
}
