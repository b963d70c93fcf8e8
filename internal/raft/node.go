package raft

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// Node is one addressable cluster member. It owns the active role, fans
// RPCs out to peers and maps pending client requests to log indices.
type Node struct {
	cfg     Config
	peerIDs []types.NodeID
	entry   *log.Entry

	mu        sync.Mutex
	log       *Log
	role      roleState
	requests  *pendingRequests
	proposals *requestIndex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewNode creates a node that persists to store and applies committed
// entries to sm. It does nothing until Start.
func NewNode(cfg Config, store storage.Storage, sm StateMachine) *Node {
	cfg.setDefaults()
	n := &Node{
		cfg:      cfg,
		entry:    log.NewEntry(cfg.Logger).WithField("node", cfg.ID),
		log:      NewLog(store, sm),
		requests:  newPendingRequests(),
		proposals: newRequestIndex(),
	}
	for id := range cfg.Peers {
		n.peerIDs = append(n.peerIDs, id)
	}
	sort.Slice(n.peerIDs, func(i, j int) bool { return n.peerIDs[i] < n.peerIDs[j] })
	n.log.onApplied = n.applied
	n.log.onApplyError = n.applyFailed
	return n
}

func (n *Node) ID() types.NodeID { return n.cfg.ID }

// Start loads durable state and begins as a follower.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	if n.stopped {
		return ErrStopped
	}
	if err := n.log.Load(); err != nil {
		return err
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.started = true
	n.switchRole(toFollower)
	n.logger().WithFields(log.Fields{
		"peers":      len(n.peerIDs),
		"last_index": n.log.LastIndex(),
	}).Info("raft node started")
	return nil
}

// Stop cancels timers and in-flight RPCs and fails pending requests.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false
	n.stopped = true
	n.cancel()
	if n.role != nil {
		n.role.stop()
	}
	n.requests.failAll(ErrStopped)
	n.logger().Info("raft node stopped")
	return nil
}

// Request proposes p to the cluster and waits until it is applied,
// returning the state machine's result. A proposal whose id is already in
// the log is not appended again: the caller waits on the existing entry,
// or gets ErrAlreadyApplied once that entry has been applied.
func (n *Node) Request(ctx context.Context, p Proposal) ([]byte, error) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil, ErrNotStarted
	}
	if n.role.role() != RoleLeader {
		_, err := n.role.request(storage.LogEntry{Op: p.Op})
		n.mu.Unlock()
		return nil, err
	}
	if index := n.proposals.lookup(n.log, p.ID); index >= 0 {
		switch {
		case index <= n.log.LastApplied():
			n.mu.Unlock()
			return nil, ErrAlreadyApplied
		case n.requests.waiting(index):
			n.mu.Unlock()
			return nil, ErrDuplicateRequest
		}
		pr := n.requests.add(index, n.log.TermAt(index))
		n.mu.Unlock()
		return n.await(ctx, index, pr)
	}

	// registered first: a single-node cluster applies inside request
	index, term := n.log.LastIndex()+1, n.log.CurrentTerm()
	pr := n.requests.add(index, term)
	n.proposals.add(p.ID)
	got, err := n.role.request(storage.LogEntry{Term: term, Op: p.Op, RequestID: p.ID})
	if err != nil {
		n.requests.remove(index, pr)
		n.mu.Unlock()
		return nil, err
	}
	if got != index {
		n.requests.remove(index, pr)
		n.mu.Unlock()
		return nil, errIndexMismatch
	}
	n.mu.Unlock()
	return n.await(ctx, index, pr)
}

func (n *Node) await(ctx context.Context, index int, pr *pendingRequest) ([]byte, error) {
	select {
	case res := <-pr.done:
		return res.result, res.err
	case <-ctx.Done():
		n.mu.Lock()
		n.requests.remove(index, pr)
		n.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RequestVote handles an inbound RequestVote RPC.
func (n *Node) RequestVote(_ context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return rpc.RequestVoteResponse{}, ErrNotStarted
	}
	if err := n.assertRole(req.Term, voteRequest); err != nil {
		return rpc.RequestVoteResponse{}, err
	}
	granted, err := n.role.requestVote(req)
	if err != nil {
		n.logger().WithError(err).Error("failed to persist vote")
		return rpc.RequestVoteResponse{}, err
	}
	if granted {
		n.logger().WithField("candidate", req.CandidateID).Info("granted vote")
	}
	return rpc.RequestVoteResponse{ID: n.cfg.ID, Term: n.log.CurrentTerm(), VoteGranted: granted}, nil
}

// AppendEntries handles an inbound AppendEntries RPC.
func (n *Node) AppendEntries(_ context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return rpc.AppendEntriesResponse{}, ErrNotStarted
	}
	if err := n.assertRole(req.Term, appendRequest); err != nil {
		return rpc.AppendEntriesResponse{}, err
	}
	ok, err := n.role.appendEntries(req)
	if err != nil {
		n.logger().WithError(err).Error("failed to persist entries")
		return rpc.AppendEntriesResponse{}, err
	}
	return rpc.AppendEntriesResponse{Term: n.log.CurrentTerm(), Success: ok}, nil
}

// Status returns a snapshot of the node's Raft state.
func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := types.NodeStatus{
		ID:          n.cfg.ID,
		Term:        n.log.CurrentTerm(),
		VotedFor:    n.log.VotedFor(),
		CommitIndex: n.log.CommitIndex(),
		LastApplied: n.log.LastApplied(),
		LastIndex:   n.log.LastIndex(),
	}
	if n.role != nil {
		st.Role = string(n.role.role())
		st.LeaderHint = types.LeaderHint{LeaderID: n.role.leaderID()}
	}
	return st
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && n.role.role() == RoleLeader
}

// LeaderHint returns the last known leader. LeaderAddr is left for callers
// that know the cluster's addresses.
func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == nil {
		return types.LeaderHint{}
	}
	return types.LeaderHint{LeaderID: n.role.leaderID()}
}

// assertRole lets a term carried by any message update the role.
func (n *Node) assertRole(term uint64, kind messageKind) error {
	tr, err := n.role.assertRole(term, kind)
	if err != nil {
		n.logger().WithError(err).Error("failed to persist term")
		return err
	}
	n.switchRole(tr)
	return nil
}

// switchRole replaces the active role until no further transition is asked for.
func (n *Node) switchRole(tr transition) {
	for tr != stay {
		prev := n.role
		if prev != nil {
			prev.stop()
		}
		next := stay
		switch tr {
		case toFollower:
			n.role = newFollower(n, n.log)
		case toCandidate:
			c := newCandidate(n, n.log, n.cfg.ID)
			n.role = c
			if n.beginElection() && c.won(len(n.peerIDs)) {
				next = toLeader
			}
		case toLeader:
			ld := newLeader(n, n.log, n.cfg.ID, n.peerIDs)
			n.role = ld
			n.proposals.rebuild(n.log)
			// a leader that cannot write its noop cannot replicate either
			if err := ld.start(); err != nil {
				n.logger().WithError(err).Error("failed to append leader noop, stepping down")
				next = toFollower
			}
		}
		if prev != nil && prev.role() == RoleLeader && n.role.role() != RoleLeader {
			n.requests.failAll(ErrLeadershipLost)
		}
		n.logger().Infof("became %s", tr)
		tr = next
	}
}

// beginElection starts a new term with a self vote and asks every peer
// for theirs. It reports whether the election was started.
func (n *Node) beginElection() bool {
	term, err := n.log.StartElection(n.cfg.ID)
	if err != nil {
		n.logger().WithError(err).Error("failed to start election")
		return false
	}
	req := rpc.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	n.logger().Debug("requesting votes")
	for _, id := range n.peerIDs {
		go n.requestVoteFrom(id, req)
	}
	return true
}

func (n *Node) requestVoteFrom(id types.NodeID, req rpc.RequestVoteRequest) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
	resp, err := n.cfg.Peers[id].RequestVote(ctx, req)
	cancel()
	if err != nil {
		n.entry.WithError(err).WithField("peer", id).Debug("request vote failed")
		return
	}
	if resp.ID == "" {
		resp.ID = id
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || resp.Term < n.log.CurrentTerm() {
		return
	}
	if err := n.assertRole(resp.Term, peerResponse); err != nil {
		return
	}
	n.switchRole(n.role.countVote(resp, len(n.peerIDs)))
}

// replicate sends req to peer and hands the response to the active role.
func (n *Node) replicate(peer types.NodeID, req rpc.AppendEntriesRequest) {
	req.LeaderID = n.cfg.ID
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.RPCTimeout)
		resp, err := n.cfg.Peers[peer].AppendEntries(ctx, req)
		cancel()
		if err != nil {
			n.entry.WithError(err).WithField("peer", peer).Debug("append entries failed")
			return
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.started {
			return
		}
		if err := n.assertRole(resp.Term, peerResponse); err != nil {
			return
		}
		n.role.entriesAppended(peer, req, resp)
	}()
}

func (n *Node) applied(index int, entry storage.LogEntry, result []byte) {
	n.requests.resolve(index, entry.Term, result)
}

func (n *Node) applyFailed(err *ApplyError) {
	n.logger().WithError(err.Err).WithField("index", err.Index).Error("state machine failed to apply entry")
	n.requests.fail(err.Index, err)
}

func (n *Node) electionTimeout() time.Duration {
	lo, hi := n.cfg.Timing.ElectionTimeoutMin, n.cfg.Timing.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(n.cfg.Rand.Int63n(int64(hi-lo)))
}

func (n *Node) heartbeatInterval() time.Duration { return n.cfg.Timing.HeartbeatInterval }

func (n *Node) after(owner roleState, d time.Duration, fire func() transition) *time.Timer {
	return time.AfterFunc(d, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.started || n.role != owner {
			return
		}
		n.switchRole(fire())
	})
}

// logger must be called with n.mu held.
func (n *Node) logger() *log.Entry {
	fields := log.Fields{"term": n.log.CurrentTerm()}
	if n.role != nil {
		fields["role"] = n.role.role()
	}
	return n.entry.WithFields(fields)
}
