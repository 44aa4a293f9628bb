// Package metrics registers the per-role gauges and counters the SLog
// core exposes, following a registry-plus-grpc-interceptor pattern.
package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "SLog"
		},
	)

	// MetalogPosition is the primary sequencer's next metalog index to
	// assign (spec §4.2 metalog_position), labeled by logspace.
	MetalogPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "sequencer",
		Name:      "metalog_position",
		Help:      "Next metalog index the primary sequencer will assign.",
	}, []string{"logspace"})

	// ReplicatedMetalogPosition is the largest metalog position durably
	// held by a majority of replica sequencers (spec §4.2).
	ReplicatedMetalogPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "sequencer",
		Name:      "replicated_metalog_position",
		Help:      "Largest metalog position acknowledged by a quorum of replicas.",
	}, []string{"logspace"})

	// DirtyShardsTotal is the current size of the primary's
	// dirty_shards set (spec §4.2).
	DirtyShardsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "sequencer",
		Name:      "dirty_shards_total",
		Help:      "Number of engines whose replicated shard progress has not yet been cut.",
	}, []string{"logspace"})

	// PendingEntriesTotal is the size of an engine's pending_entries
	// map (spec §4.4), awaiting metalog assignment.
	PendingEntriesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "engine",
		Name:      "pending_entries_total",
		Help:      "Records appended locally but not yet assigned a seqnum.",
	}, []string{"logspace"})

	// LiveEntriesTotal is a storage node's live cache size (spec §4.6).
	LiveEntriesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "storage",
		Name:      "live_entries_total",
		Help:      "Committed entries held in the storage live cache.",
	}, []string{"logspace"})

	// TagIndexSize is the total number of (tag, seqnum) pairs published
	// in an engine's tag index (spec §4.5).
	TagIndexSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "SLog",
		Subsystem: "engine",
		Name:      "tag_index_size",
		Help:      "Published (tag, seqnum) pairs held in the tag index.",
	}, []string{"logspace"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		MetalogPosition,
		ReplicatedMetalogPosition,
		DirtyShardsTotal,
		PendingEntriesTotal,
		LiveEntriesTotal,
		TagIndexSize,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "SLog"
		},
	)
}
