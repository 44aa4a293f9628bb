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

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	sloconfig "github.com/sharedlog/slogd/config"
	"github.com/sharedlog/slogd/engine"
	"github.com/sharedlog/slogd/logspace"
	"github.com/sharedlog/slogd/pool"
	"github.com/sharedlog/slogd/rpcadmin"
	"github.com/sharedlog/slogd/slogpb"
	"github.com/sharedlog/slogd/transport"
	"github.com/sharedlog/slogd/util"
)

// Config is the engine role binary's configuration: the shared log-core
// Options plus this role's bind addresses, identity, and pending-queue
// cap (spec §7 "Capacity pressure").
type Config struct {
	sloconfig.Options

	NodeID       uint16    `json:"node_id"`
	GrpcBindPort uint32    `json:"grpc_bind_port"`
	HttpBindPort uint32    `json:"http_bind_port"`
	PendingCap   int       `json:"pending_cap"`
	LogLevel     log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "engine.json")

	cfg := &Config{Options: sloconfig.Default(), PendingCap: 65536}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	sloconfig.LoadViper(&cfg.Options)
	log.SetOutputLevel(cfg.LogLevel)

	handle := logspace.New()
	entryPool := pool.NewEntryPool()

	// StorageLink is provided by the deployment's transport wiring
	// (spec's Non-goals exclude message-transport plumbing itself).
	var storageLink transport.StorageLink

	eng := engine.New(handle, slogpb.NodeID(cfg.NodeID), entryPool, storageLink, engine.Callbacks{}, cfg.PendingCap)

	localIP, _ := util.GetLocalIp()
	admin := rpcadmin.New(func() interface{} {
		return map[string]interface{}{
			"role":        "engine",
			"node_id":     cfg.NodeID,
			"local_ip":    localIP,
			"tag_index":   eng.TagIndex().Size(),
			"pending_cap": cfg.PendingCap,
		}
	})
	admin.SetServing(true)

	grpcLis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		log.Fatalf("engine: listen grpc: %v", err)
	}
	go func() {
		if err := admin.ServeGRPC(grpcLis); err != nil {
			log.Errorf("engine: admin grpc serve: %v", err)
		}
	}()

	httpCtx, httpCancel := context.WithCancel(context.Background())
	go func() {
		if err := admin.ServeHTTP(httpCtx, ":"+strconv.Itoa(int(cfg.HttpBindPort))); err != nil && err != http.ErrServerClosed {
			log.Errorf("engine: admin http serve: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpCancel()
	admin.Stop()
}
