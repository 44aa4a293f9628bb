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

// Package config holds the options enumerated in spec §6. The bulk of a
// role's configuration is loaded through
// blobstore/common/config's JSON-file-plus-flag loader (see the role
// binaries under cmd/); the consensus tuning knobs and the
// view-reconfiguration test hook are more naturally environment
// driven, so those are additionally
// exposed through viper the way chn0318/logstore's sharedlog binary
// does. Both loaders populate this single Options struct.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Options is the configuration surface spec §6 enumerates.
type Options struct {
	// LocalCutIntervalUS is the primary sequencer's local-cut timer
	// period (spec §4.2, §5), in microseconds.
	LocalCutIntervalUS int64 `json:"local_cut_interval_us"`

	// StorageMaxLiveEntries is the high-water cap on a storage node's
	// live entry cache (spec §4.6, §8 property 7).
	StorageMaxLiveEntries int `json:"storage_max_live_entries"`

	// Raft* tune the consensus channel the metalog is submitted to
	// (spec §6); the log core only forwards them.
	RaftElectionTimeoutMS  int  `json:"raft_election_timeout_ms"`
	RaftHeartbeatTimeoutMS int  `json:"raft_heartbeat_timeout_ms"`
	RaftSnapshotThreshold  uint `json:"raft_snapshot_threshold"`
	RaftSnapshotTrailing   uint `json:"raft_snapshot_trailing"`
	RaftPreVote            bool `json:"raft_pre_vote"`

	// ViewReconfigFuzzIntervalMS is a testing hook (spec §6): when
	// nonzero, a view manager under test injects a randomized delay of
	// up to this many milliseconds before a reconfiguration lands, to
	// shake out ordering bugs across the future-request queue.
	ViewReconfigFuzzIntervalMS int `json:"view_reconfig_fuzz_interval_ms"`
}

// Default returns the option set used when no configuration source
// overrides a field.
func Default() Options {
	return Options{
		LocalCutIntervalUS:     1000,
		StorageMaxLiveEntries:  200000,
		RaftElectionTimeoutMS:  1000,
		RaftHeartbeatTimeoutMS: 100,
		RaftSnapshotThreshold:  10000,
		RaftSnapshotTrailing:   5000,
		RaftPreVote:            true,
	}
}

// LocalCutInterval returns LocalCutIntervalUS as a time.Duration.
func (o Options) LocalCutInterval() time.Duration {
	return time.Duration(o.LocalCutIntervalUS) * time.Microsecond
}

// ViewReconfigFuzzInterval returns ViewReconfigFuzzIntervalMS as a
// time.Duration.
func (o Options) ViewReconfigFuzzInterval() time.Duration {
	return time.Duration(o.ViewReconfigFuzzIntervalMS) * time.Millisecond
}

// LoadViper overlays environment-variable overrides for the consensus
// tuning knobs and the reconfiguration fuzz hook onto opts, following
// the SLOGD_ prefix convention chn0318/logstore's scalog.go uses for its
// own viper-backed settings. No command-line flags are bound.
func LoadViper(opts *Options) {
	v := viper.New()
	v.SetEnvPrefix("SLOGD")
	v.AutomaticEnv()

	v.SetDefault("raft_election_timeout_ms", opts.RaftElectionTimeoutMS)
	v.SetDefault("raft_heartbeat_timeout_ms", opts.RaftHeartbeatTimeoutMS)
	v.SetDefault("raft_snapshot_threshold", opts.RaftSnapshotThreshold)
	v.SetDefault("raft_snapshot_trailing", opts.RaftSnapshotTrailing)
	v.SetDefault("raft_pre_vote", opts.RaftPreVote)
	v.SetDefault("view_reconfig_fuzz_interval_ms", opts.ViewReconfigFuzzIntervalMS)

	opts.RaftElectionTimeoutMS = v.GetInt("raft_election_timeout_ms")
	opts.RaftHeartbeatTimeoutMS = v.GetInt("raft_heartbeat_timeout_ms")
	opts.RaftSnapshotThreshold = uint(v.GetInt("raft_snapshot_threshold"))
	opts.RaftSnapshotTrailing = uint(v.GetInt("raft_snapshot_trailing"))
	opts.RaftPreVote = v.GetBool("raft_pre_vote")
	opts.ViewReconfigFuzzIntervalMS = v.GetInt("view_reconfig_fuzz_interval_ms")
}
