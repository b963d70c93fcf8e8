package raft

import (
	"time"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

type candidate struct {
	host  roleHost
	log   *Log
	votes map[types.NodeID]bool
	timer *time.Timer
}

// newCandidate counts self as the first vote and arms the election timer.
// Starting the election itself is the Node's job.
func newCandidate(host roleHost, l *Log, self types.NodeID) *candidate {
	c := &candidate{host: host, log: l, votes: map[types.NodeID]bool{self: true}}
	c.timer = host.after(c, host.electionTimeout(), func() transition {
		host.logger().Info("election timed out without a majority, retrying")
		return toCandidate
	})
	return c
}

func (c *candidate) role() Role { return RoleCandidate }

func (c *candidate) assertRole(term uint64, kind messageKind) (transition, error) {
	newer, err := observeNewer(c.log, term)
	if err != nil {
		return stay, err
	}
	if newer || (kind == appendRequest && term == c.log.CurrentTerm()) {
		return toFollower, nil
	}
	return stay, nil
}

func (c *candidate) requestVote(rpc.RequestVoteRequest) (bool, error) { return false, nil }

func (c *candidate) appendEntries(rpc.AppendEntriesRequest) (bool, error) { return false, nil }

// won reports a strict majority of the cluster, self included.
func (c *candidate) won(peers int) bool {
	return len(c.votes)*2 > peers+1
}

func (c *candidate) countVote(resp rpc.RequestVoteResponse, peers int) transition {
	if !resp.VoteGranted || resp.Term != c.log.CurrentTerm() {
		return stay
	}
	c.votes[resp.ID] = true
	if c.won(peers) {
		return toLeader
	}
	return stay
}

func (c *candidate) entriesAppended(types.NodeID, rpc.AppendEntriesRequest, rpc.AppendEntriesResponse) {
}

func (c *candidate) request(storage.LogEntry) (int, error) {
	return -1, &NotLeaderError{}
}

func (c *candidate) leaderID() types.NodeID { return "" }

func (c *candidate) stop() { stopTimer(c.timer) }
