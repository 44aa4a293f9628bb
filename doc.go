/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# SLog: a shared, totally-ordered, replicated log

## Why a shared log

A FaaS platform needs its functions to append records and read them back
in a consistent, globally agreed order without every function owning its
own replicated state machine. SLog factors that agreement out into one
subsystem: functions append, SLog assigns a seqnum, and every reader
observes the same prefix in the same order.

## Roles

* Sequencer - owns a logspace, assembles metalog cuts that assign
  contiguous seqnums to batches of records, coordinates view changes.

* Engine - client-facing: accepts local appends, replicates bodies to
  storage, reports shard progress, serves tag-indexed reads.

* Storage - persists record bodies for a subset of engines, serves reads
  from a live cache backed by a pluggable database.

* View Manager - a logical function over the metadata service that
  publishes view descriptors and drives Created -> Frozen -> Finalized
  transitions.

## Data flow

worker -> engine -> storage replica set -> shard progress to primary
sequencer -> metalog cut -> replicated to backup sequencers -> committed
cut propagated to engines/storages -> reads consistent up to that seqnum.

## Scope

This repository is the replication and ordering core: the view/FSM
machinery, the primary/backup sequencer protocol, the engine's pending/
persisted/indexed record lifecycle and tag index, and the storage node's
live cache and read path. Function dispatch, transport plumbing,
shared-memory IPC, container monitoring, cluster membership, and the
consensus protocol's internal implementation are external collaborators
reached only through the transport.* and consensus.Channel interfaces.

## Building Blocks

* etcd/raft (consensus channel for metalog replication)
* gorocksdb (storage persistence adapter)
* gRPC + protobuf (admin/debug surface)
* Prometheus (per-role metrics)
* viper (consensus tuning knobs)

*/

package slogd
