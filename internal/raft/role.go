package raft

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// transition is what a role asks the Node to do after handling an event.
type transition int

const (
	stay transition = iota
	toFollower
	toCandidate
	toLeader
)

func (t transition) String() string {
	switch t {
	case toFollower:
		return "follower"
	case toCandidate:
		return "candidate"
	case toLeader:
		return "leader"
	default:
		return "stay"
	}
}

// messageKind tells assertRole what carried the observed term.
type messageKind int

const (
	voteRequest messageKind = iota
	appendRequest
	peerResponse
)

// roleState is the behavior of one role instance. Instances are
// single-use: a role change always builds a new one. All methods run
// with the Node lock held.
type roleState interface {
	role() Role
	// assertRole checks a term seen in any message and reports whether the
	// Node must change role before the message is handled.
	assertRole(term uint64, kind messageKind) (transition, error)
	requestVote(req rpc.RequestVoteRequest) (bool, error)
	appendEntries(req rpc.AppendEntriesRequest) (bool, error)
	countVote(resp rpc.RequestVoteResponse, peers int) transition
	entriesAppended(peer types.NodeID, req rpc.AppendEntriesRequest, resp rpc.AppendEntriesResponse)
	request(entry storage.LogEntry) (int, error)
	leaderID() types.NodeID
	stop()
}

// roleHost is the part of the Node a role drives.
type roleHost interface {
	electionTimeout() time.Duration
	heartbeatInterval() time.Duration
	// after runs fire under the Node lock once d elapses, unless owner is
	// no longer the active role by then.
	after(owner roleState, d time.Duration, fire func() transition) *time.Timer
	replicate(peer types.NodeID, req rpc.AppendEntriesRequest)
	logger() *log.Entry
}

// observeNewer adopts a newer term and reports whether one was seen.
func observeNewer(l *Log, term uint64) (bool, error) {
	if term <= l.CurrentTerm() {
		return false, nil
	}
	if err := l.ObserveTerm(term); err != nil {
		return false, err
	}
	return true, nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
