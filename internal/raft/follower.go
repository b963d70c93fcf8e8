package raft

import (
	"time"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

type follower struct {
	host   roleHost
	log    *Log
	leader types.NodeID
	timer  *time.Timer
}

func newFollower(host roleHost, l *Log) *follower {
	f := &follower{host: host, log: l}
	f.resetElectionTimeout()
	return f
}

func (f *follower) resetElectionTimeout() {
	stopTimer(f.timer)
	f.timer = f.host.after(f, f.host.electionTimeout(), func() transition {
		f.host.logger().Info("election timeout, becoming candidate")
		return toCandidate
	})
}

func (f *follower) role() Role { return RoleFollower }

func (f *follower) assertRole(term uint64, _ messageKind) (transition, error) {
	_, err := observeNewer(f.log, term)
	return stay, err
}

func (f *follower) requestVote(req rpc.RequestVoteRequest) (bool, error) {
	granted, err := f.log.RequestVote(req)
	if granted {
		f.resetElectionTimeout()
	}
	return granted, err
}

func (f *follower) appendEntries(req rpc.AppendEntriesRequest) (bool, error) {
	if req.Term >= f.log.CurrentTerm() {
		f.leader = req.LeaderID
		f.resetElectionTimeout()
	}
	return f.log.AppendEntries(req)
}

func (f *follower) countVote(rpc.RequestVoteResponse, int) transition { return stay }

func (f *follower) entriesAppended(types.NodeID, rpc.AppendEntriesRequest, rpc.AppendEntriesResponse) {
}

func (f *follower) request(storage.LogEntry) (int, error) {
	return -1, &NotLeaderError{LeaderID: f.leader}
}

func (f *follower) leaderID() types.NodeID { return f.leader }

func (f *follower) stop() { stopTimer(f.timer) }
