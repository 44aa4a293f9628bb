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

// Package rpcadmin is the thin gRPC/HTTP admin-and-debug surface every
// role binary exposes, mirroring a server/rpcserver.go and
// server/httpserver.go split: a gRPC health endpoint plus an HTTP mux for
// stats and runtime log-level changes. The inter-role SharedLogMessage
// wire traffic itself stays behind the transport.SequencerLink /
// transport.EngineLink / transport.StorageLink interfaces (spec §2) —
// this package only carries operability surface, never log-core state.
package rpcadmin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharedlog/slogd/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// StatFunc returns a role's current stat snapshot as a JSON-marshalable
// value (MetaLogPrimary's metalog_position/replicated_metalog_position,
// an engine's pending/tag-index sizes, a storage's live-entry count —
// whatever the bound role wants to expose).
type StatFunc func() interface{}

// Server bundles the gRPC health service and the HTTP stat/log-level mux
// a role binary starts alongside its domain listeners.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpMux    *http.ServeMux
}

// New builds a Server. stat, if non-nil, is exposed at GET /stat.
func New(stat StatFunc) *Server {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	mux := http.NewServeMux()
	if stat != nil {
		mux.HandleFunc("/stat", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(stat())
		})
	}
	logPath, logHandler := log.ChangeDefaultLevelHandler()
	mux.Handle(logPath, logHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return &Server{grpcServer: grpcServer, health: healthServer, httpMux: mux}
}

// SetServing marks the role as healthy/unhealthy for the gRPC health
// endpoint.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// ServeGRPC blocks serving the gRPC admin surface on lis.
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ServeHTTP blocks serving the HTTP stat/log-level/metrics surface on
// addr.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpMux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv.ListenAndServe()
}

// Stop stops the gRPC admin surface.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
