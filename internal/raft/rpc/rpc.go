// Package rpc holds the structured records exchanged between Raft peers.
// Encoding them on the wire is left to the transports.
package rpc

import (
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

type RequestVoteRequest struct {
	Term         uint64       `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex int          `json:"last_log_index"`
	LastLogTerm  uint64       `json:"last_log_term"`
}

type RequestVoteResponse struct {
	ID          types.NodeID `json:"id"`
	Term        uint64       `json:"term"`
	VoteGranted bool         `json:"vote_granted"`
}

// Entries is a contiguous run of log entries beginning at StartIndex.
type Entries struct {
	StartIndex int                `json:"start_index"`
	Values     []storage.LogEntry `json:"values"`
}

// LastIndex is the index of the final entry in the run.
func (e Entries) LastIndex() int {
	return e.StartIndex + len(e.Values) - 1
}

type AppendEntriesRequest struct {
	Term         uint64       `json:"term"`
	LeaderID     types.NodeID `json:"leader_id"`
	PrevLogIndex int          `json:"prev_log_index"`
	PrevLogTerm  uint64       `json:"prev_log_term"`
	LeaderCommit int          `json:"leader_commit"`
	Entries      Entries      `json:"entries"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}
