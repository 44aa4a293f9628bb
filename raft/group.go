// Package raft is the consensus seam consensus.EtcdRaftChannel
// proposes onto: the contract an etcd/raft/v3-backed replication
// group exposes to a caller that only ever needs to propose opaque
// entries and wait for them to be durably ordered. A deployment wires
// a concrete Group (a raft.RawNode driving its own storage,
// transport, and snapshotting) behind this interface; this package
// only carries the seam and the wire shape consensus/channel.go
// proposes through it, not a node implementation.
package raft

import "context"

// Group is a single replication group a caller proposes entries to.
type Group interface {
	// Propose submits msg for replication and waits for it to be
	// durably ordered (not applied) by the group's consensus round.
	Propose(ctx context.Context, msg *ProposalData) (ProposalResponse, error)
	// Close releases any resources the Group holds (transport
	// connections, storage handles, background goroutines).
	Close() error
}

// ProposalResponse carries back whatever the group's state machine
// returned for an accepted proposal.
type ProposalResponse struct {
	Data interface{}
}

// ProposalData is a single entry submitted through Group.Propose.
// Module and Op let a state machine that multiplexes several proposal
// kinds (the metalog NEW_LOGS op, in this repository) dispatch
// without a type switch on Data's contents.
type ProposalData struct {
	Module string
	Op     int
	Data   []byte
}
