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

// ShardReplicated is one engine shard's slice of a NEW_LOGS cut: the
// range of that engine's local ids [StartLocal, StartLocal+Delta) was
// assigned the seqnum range [StartSeqNum, StartSeqNum+Delta).
type ShardReplicated struct {
	Engine      NodeID
	StartLocal  LocalID
	StartSeqNum SeqNum
	Delta       uint32
}

// ExpandPerEngine walks a NEW_LOGS entry's parallel engine/shard_start/
// shard_delta slices and returns the per-engine local-id-to-seqnum
// assignment, skipping engines with a zero delta. view supplies the view
// id needed to build each engine's LocalID base.
func (n *NewLogs) ExpandPerEngine(view ViewID) []ShardReplicated {
	out := make([]ShardReplicated, 0, len(n.Engines))
	seq := n.StartSeqNum
	for i, e := range n.Engines {
		delta := n.ShardDelta[i]
		if delta == 0 {
			continue
		}
		out = append(out, ShardReplicated{
			Engine:      e,
			StartLocal:  BuildLocalID(view, e, n.ShardStart[i]),
			StartSeqNum: seq,
			Delta:       delta,
		})
		seq += SeqNum(delta)
	}
	return out
}
