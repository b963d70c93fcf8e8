package raft

import (
	"errors"
	"sort"
	"time"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

var errLocalAppend = errors.New("leader refused its own append")

var errIndexMismatch = errors.New("proposal landed at an unexpected index")

type leader struct {
	host  roleHost
	log   *Log
	self  types.NodeID
	peers []types.NodeID

	nextIndex  map[types.NodeID]int
	matchIndex map[types.NodeID]int
	heartbeat  *time.Timer
}

func newLeader(host roleHost, l *Log, self types.NodeID, peers []types.NodeID) *leader {
	ld := &leader{
		host:       host,
		log:        l,
		self:       self,
		peers:      peers,
		nextIndex:  make(map[types.NodeID]int, len(peers)),
		matchIndex: make(map[types.NodeID]int, len(peers)),
	}
	for _, p := range peers {
		ld.nextIndex[p] = l.LastIndex() + 1
		ld.matchIndex[p] = -1
	}
	return ld
}

// start announces leadership with a noop entry from the new term.
func (ld *leader) start() error {
	_, err := ld.request(storage.LogEntry{Term: ld.log.CurrentTerm(), Noop: true})
	return err
}

func (ld *leader) role() Role { return RoleLeader }

func (ld *leader) assertRole(term uint64, _ messageKind) (transition, error) {
	newer, err := observeNewer(ld.log, term)
	if err != nil {
		return stay, err
	}
	if newer {
		return toFollower, nil
	}
	return stay, nil
}

func (ld *leader) requestVote(rpc.RequestVoteRequest) (bool, error) { return false, nil }

func (ld *leader) appendEntries(rpc.AppendEntriesRequest) (bool, error) { return false, nil }

func (ld *leader) countVote(rpc.RequestVoteResponse, int) transition { return stay }

// request appends entry locally and replicates it. It returns the index the
// entry was written at.
func (ld *leader) request(entry storage.LogEntry) (int, error) {
	entry.Term = ld.log.CurrentTerm()
	last := ld.log.LastIndex()
	ok, err := ld.log.AppendEntries(rpc.AppendEntriesRequest{
		Term:         entry.Term,
		LeaderID:     ld.self,
		PrevLogIndex: last,
		PrevLogTerm:  ld.log.TermAt(last),
		LeaderCommit: ld.log.CommitIndex(),
		Entries:      rpc.Entries{StartIndex: last + 1, Values: []storage.LogEntry{entry}},
	})
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, errLocalAppend
	}
	ld.updateCommitIndex()
	ld.broadcastEntries()
	return last + 1, nil
}

// broadcastEntries sends every peer what it is missing (or a heartbeat)
// and rearms the heartbeat timer.
func (ld *leader) broadcastEntries() {
	stopTimer(ld.heartbeat)
	for _, p := range ld.peers {
		ld.sendAppendEntries(p)
	}
	ld.heartbeat = ld.host.after(ld, ld.host.heartbeatInterval(), func() transition {
		ld.broadcastEntries()
		return stay
	})
}

func (ld *leader) sendAppendEntries(peer types.NodeID) {
	prev := ld.nextIndex[peer] - 1
	ld.host.replicate(peer, rpc.AppendEntriesRequest{
		Term:         ld.log.CurrentTerm(),
		LeaderID:     ld.self,
		PrevLogIndex: prev,
		PrevLogTerm:  ld.log.TermAt(prev),
		LeaderCommit: ld.log.CommitIndex(),
		Entries:      ld.log.EntriesSince(prev),
	})
}

func (ld *leader) entriesAppended(peer types.NodeID, req rpc.AppendEntriesRequest, resp rpc.AppendEntriesResponse) {
	if req.Term != ld.log.CurrentTerm() {
		return
	}
	if _, known := ld.nextIndex[peer]; !known {
		return
	}
	if resp.Success {
		match := req.Entries.LastIndex()
		if match > ld.matchIndex[peer] {
			ld.matchIndex[peer] = match
		}
		if match+1 > ld.nextIndex[peer] {
			ld.nextIndex[peer] = match + 1
		}
		if match > ld.log.CommitIndex() {
			ld.updateCommitIndex()
		}
		return
	}
	// a rejection for anything but the latest probe is stale
	if req.PrevLogIndex < 0 || req.PrevLogIndex != ld.nextIndex[peer]-1 {
		return
	}
	ld.nextIndex[peer] = req.PrevLogIndex
	ld.host.logger().WithField("peer", peer).Debugf("log mismatch, backing off to index %d", req.PrevLogIndex)
	ld.sendAppendEntries(peer)
}

// majorityIndex is the highest index stored on a strict majority of the
// cluster, self included.
func (ld *leader) majorityIndex() int {
	indices := make([]int, 0, len(ld.peers)+1)
	indices = append(indices, ld.log.LastIndex())
	for _, p := range ld.peers {
		indices = append(indices, ld.matchIndex[p])
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))
	return indices[len(indices)/2]
}

// updateCommitIndex commits the majority index, but only once an entry
// from the current term has reached it.
func (ld *leader) updateCommitIndex() {
	n := ld.majorityIndex()
	if n <= ld.log.CommitIndex() || ld.log.TermAt(n) != ld.log.CurrentTerm() {
		return
	}
	ld.log.SetCommitIndex(n)
}

func (ld *leader) leaderID() types.NodeID { return ld.self }

func (ld *leader) stop() { stopTimer(ld.heartbeat) }
