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

package slogpb

import "sort"

// View is immutable once published: every field is set at construction
// and never mutated afterwards. Callers share it by pointer/handle, never
// by copying into a mutable owner (design note §9).
type View struct {
	ID ViewID

	Sequencers []NodeID
	Engines    []NodeID
	Storages   []NodeID

	// EngineStorageSet is this view's replica set of size R for each
	// engine: the storages that hold copies of records the engine
	// produces.
	EngineStorageSet map[NodeID][]NodeID

	// StorageSourceEngines lists, for each storage, the ordered set of
	// engines it serves as a backup ("source engines").
	StorageSourceEngines map[NodeID][]NodeID

	// SequencerReplicas is, for each sequencer, its replica-sequencer
	// set used for metalog replication (includes itself).
	SequencerReplicas map[NodeID][]NodeID

	// tagPrimary is the deterministic log_tag -> primary_engine hash.
	// Built once at construction from Engines, so two Views with the
	// same Engines set route tags identically.
	tagPrimary func(tag Tag) NodeID
}

// NewView builds an immutable View. engineStorageSet, storageSourceEngines
// and sequencerReplicas are copied defensively so later mutation of the
// caller's maps cannot violate View's immutability invariant.
func NewView(
	id ViewID,
	sequencers, engines, storages []NodeID,
	engineStorageSet map[NodeID][]NodeID,
	storageSourceEngines map[NodeID][]NodeID,
	sequencerReplicas map[NodeID][]NodeID,
) *View {
	v := &View{
		ID:                   id,
		Sequencers:           append([]NodeID(nil), sequencers...),
		Engines:              append([]NodeID(nil), engines...),
		Storages:             append([]NodeID(nil), storages...),
		EngineStorageSet:     copyNodeSetMap(engineStorageSet),
		StorageSourceEngines: copyNodeSetMap(storageSourceEngines),
		SequencerReplicas:    copyNodeSetMap(sequencerReplicas),
	}
	sortedEngines := append([]NodeID(nil), engines...)
	sort.Slice(sortedEngines, func(i, j int) bool { return sortedEngines[i] < sortedEngines[j] })
	v.tagPrimary = hashTagToEngine(sortedEngines)
	return v
}

func copyNodeSetMap(m map[NodeID][]NodeID) map[NodeID][]NodeID {
	out := make(map[NodeID][]NodeID, len(m))
	for k, v := range m {
		out[k] = append([]NodeID(nil), v...)
	}
	return out
}

// hashTagToEngine returns a deterministic tag -> primary engine function
// over a fixed, sorted engine set: every node computing this function for
// the same View converges on the same assignment, independent of map
// iteration order.
func hashTagToEngine(sortedEngines []NodeID) func(Tag) NodeID {
	if len(sortedEngines) == 0 {
		return func(Tag) NodeID { return 0 }
	}
	n := uint64(len(sortedEngines))
	return func(tag Tag) NodeID {
		return sortedEngines[uint64(tag)%n]
	}
}

// PrimaryEngine returns the engine that owns tag in this view.
func (v *View) PrimaryEngine(tag Tag) NodeID {
	return v.tagPrimary(tag)
}

// StorageReplicasOf returns the storage replica set assigned to engine e.
func (v *View) StorageReplicasOf(e NodeID) []NodeID {
	return v.EngineStorageSet[e]
}

// SourceEnginesOf returns the engines storage t serves as a backup.
func (v *View) SourceEnginesOf(t NodeID) []NodeID {
	return v.StorageSourceEngines[t]
}

// ReplicaSequencersOf returns sequencer s's replica set for metalog
// replication, s included.
func (v *View) ReplicaSequencersOf(s NodeID) []NodeID {
	return v.SequencerReplicas[s]
}

// PrimaryNeighborhood returns, for engine e, the deterministic iteration
// order over the peer engines whose local-cut progress e tracks as a
// backup — simply all engines e backs for, in ascending node id order, so
// BuildLocalCut (spec §4.4) produces a stable wire order across restarts.
func (v *View) PrimaryNeighborhood(e NodeID) []NodeID {
	var peers []NodeID
	for engine, storages := range v.EngineStorageSet {
		for _, t := range storages {
			if t == e {
				peers = append(peers, engine)
				break
			}
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// EnginesAscending returns the view's engines sorted by id — the fixed
// iteration order spec §4.2 requires for metalog content construction.
func (v *View) EnginesAscending() []NodeID {
	out := append([]NodeID(nil), v.Engines...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
