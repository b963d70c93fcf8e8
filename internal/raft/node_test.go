package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// fastTiming returns timing config for fast tests
func fastTiming() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         30 * time.Millisecond,
	}
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// safeSM is a recordingSM that can be inspected while the node runs.
type safeSM struct {
	mu  sync.Mutex
	ops []string
}

func (s *safeSM) Execute(op []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, string(op))
	return []byte("ok:" + string(op)), nil
}

func (s *safeSM) applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

var errUnreachable = errors.New("peer unreachable")

// cluster wires nodes together in-process. Isolated nodes can neither send
// nor receive.
type cluster struct {
	mu       sync.Mutex
	nodes    map[types.NodeID]*Node
	sms      map[types.NodeID]*safeSM
	stores   map[types.NodeID]*storage.MemStorage
	isolated map[types.NodeID]bool
}

type localPeer struct {
	c        *cluster
	from, to types.NodeID
}

func (p localPeer) target() (*Node, error) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if p.c.isolated[p.from] || p.c.isolated[p.to] {
		return nil, errUnreachable
	}
	n, ok := p.c.nodes[p.to]
	if !ok {
		return nil, errUnreachable
	}
	return n, nil
}

func (p localPeer) RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	n, err := p.target()
	if err != nil {
		return rpc.RequestVoteResponse{}, err
	}
	return n.RequestVote(ctx, req)
}

func (p localPeer) AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	n, err := p.target()
	if err != nil {
		return rpc.AppendEntriesResponse{}, err
	}
	return n.AppendEntries(ctx, req)
}

func newCluster(t *testing.T, size int) (*cluster, []types.NodeID) {
	t.Helper()
	c := &cluster{
		nodes:    make(map[types.NodeID]*Node),
		sms:      make(map[types.NodeID]*safeSM),
		stores:   make(map[types.NodeID]*storage.MemStorage),
		isolated: make(map[types.NodeID]bool),
	}
	ids := make([]types.NodeID, size)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("n%d", i+1))
	}
	for i, id := range ids {
		c.stores[id] = storage.NewMemStorage()
		c.startNode(t, ids, id, int64(i))
	}
	t.Cleanup(func() {
		for _, n := range c.all() {
			n.Stop(context.Background())
		}
	})
	return c, ids
}

func (c *cluster) startNode(t *testing.T, ids []types.NodeID, id types.NodeID, seed int64) *Node {
	t.Helper()
	peers := make(map[types.NodeID]Peer)
	for _, pid := range ids {
		if pid != id {
			peers[pid] = localPeer{c: c, from: id, to: pid}
		}
	}
	sm := &safeSM{}
	n := NewNode(Config{
		ID:     id,
		Peers:  peers,
		Timing: fastTiming(),
		Rand:   rand.New(rand.NewSource(seed)),
		Logger: quietLogger(),
	}, c.stores[id], sm)

	c.mu.Lock()
	c.nodes[id] = n
	c.sms[id] = sm
	c.mu.Unlock()
	require.NoError(t, n.Start(context.Background()))
	return n
}

func (c *cluster) all() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

func (c *cluster) node(id types.NodeID) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

func (c *cluster) sm(id types.NodeID) *safeSM {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sms[id]
}

func (c *cluster) setIsolated(id types.NodeID, isolated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolated[id] = isolated
}

// leaders returns every node that currently believes it leads, optionally
// skipping one.
func (c *cluster) leaders(skip types.NodeID) []*Node {
	var out []*Node
	for _, n := range c.all() {
		if n.ID() != skip && n.IsLeader() {
			out = append(out, n)
		}
	}
	return out
}

func waitForLeader(t *testing.T, c *cluster, skip types.NodeID) *Node {
	t.Helper()
	var leader *Node
	require.Eventually(t, func() bool {
		ls := c.leaders(skip)
		if len(ls) != 1 {
			return false
		}
		leader = ls[0]
		return true
	}, 3*time.Second, 10*time.Millisecond, "no single leader elected")
	return leader
}

func TestNode_NotStarted(t *testing.T) {
	n := NewNode(Config{ID: "n1", Logger: quietLogger()}, storage.NewMemStorage(), &safeSM{})
	_, err := n.Request(context.Background(), Proposal{Op: []byte("x")})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = n.RequestVote(context.Background(), rpc.RequestVoteRequest{Term: 1})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, n.IsLeader())
}

func TestNode_SingleNodeElectsItselfAndCommits(t *testing.T) {
	c, ids := newCluster(t, 1)
	leader := waitForLeader(t, c, "")
	assert.Equal(t, ids[0], leader.ID())

	res, err := leader.Request(context.Background(), Proposal{Op: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "ok:x", string(res))

	st := leader.Status()
	assert.Equal(t, string(RoleLeader), st.Role)
	assert.Equal(t, 1, st.LastIndex, "noop plus one entry")
	assert.Equal(t, 1, st.CommitIndex)
	assert.Equal(t, 1, st.LastApplied)
	assert.Equal(t, []string{"x"}, c.sm(ids[0]).applied())
}

func TestNode_ThreeNodesReplicateInOrder(t *testing.T) {
	c, ids := newCluster(t, 3)
	leader := waitForLeader(t, c, "")

	for _, op := range []string{"a", "b", "c"} {
		_, err := leader.Request(context.Background(), Proposal{Op: []byte(op)})
		require.NoError(t, err)
	}

	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"a", "b", "c"}, c.sm(id).applied())
		}, 2*time.Second, 10*time.Millisecond, "node %s did not apply all entries", id)
	}

	// every node converges on the leader's term and log length
	want := leader.Status()
	require.GreaterOrEqual(t, want.LastIndex, 3)
	for _, n := range c.all() {
		n := n
		require.Eventually(t, func() bool {
			st := n.Status()
			return st.Term == want.Term && st.LastIndex == want.LastIndex && st.CommitIndex == want.LastIndex
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestNode_FollowerRejectsRequestWithLeaderHint(t *testing.T) {
	c, ids := newCluster(t, 3)
	leader := waitForLeader(t, c, "")

	var follower *Node
	for _, id := range ids {
		if id != leader.ID() {
			follower = c.node(id)
			break
		}
	}
	require.Eventually(t, func() bool {
		return follower.LeaderHint().LeaderID == leader.ID()
	}, time.Second, 10*time.Millisecond)

	_, err := follower.Request(context.Background(), Proposal{Op: []byte("x")})
	var nl *NotLeaderError
	require.ErrorAs(t, err, &nl)
	assert.Equal(t, leader.ID(), nl.LeaderID)
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestNode_PartitionedLeaderStepsDownAndLosesPending(t *testing.T) {
	c, _ := newCluster(t, 3)
	old := waitForLeader(t, c, "")
	oldTerm := old.Status().Term

	c.setIsolated(old.ID(), true)
	errc := make(chan error, 1)
	go func() {
		_, err := old.Request(context.Background(), Proposal{Op: []byte("lost")})
		errc <- err
	}()

	next := waitForLeader(t, c, old.ID())
	assert.Greater(t, next.Status().Term, oldTerm)
	_, err := next.Request(context.Background(), Proposal{Op: []byte("kept")})
	require.NoError(t, err)

	c.setIsolated(old.ID(), false)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrLeadershipLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request on the old leader never failed")
	}

	require.Eventually(t, func() bool {
		return !old.IsLeader() && assert.ObjectsAreEqual([]string{"kept"}, c.sm(old.ID()).applied())
	}, 2*time.Second, 10*time.Millisecond, "old leader did not rejoin as a follower")
}

func TestNode_DuplicateRequestIDAndStop(t *testing.T) {
	c, _ := newCluster(t, 3)
	leader := waitForLeader(t, c, "")
	c.setIsolated(leader.ID(), true)

	errc := make(chan error, 1)
	go func() {
		_, err := leader.Request(context.Background(), Proposal{ID: "req-1", Op: []byte("x")})
		errc <- err
	}()
	require.Eventually(t, func() bool {
		leader.mu.Lock()
		defer leader.mu.Unlock()
		return leader.requests.len() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := leader.Request(context.Background(), Proposal{ID: "req-1", Op: []byte("x")})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.NoError(t, leader.Stop(context.Background()))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on stop")
	}
}

func TestNode_RequestHonorsContext(t *testing.T) {
	c, _ := newCluster(t, 3)
	leader := waitForLeader(t, c, "")
	c.setIsolated(leader.ID(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := leader.Request(ctx, Proposal{ID: "slow", Op: []byte("x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	leader.mu.Lock()
	defer leader.mu.Unlock()
	assert.Equal(t, 0, leader.requests.len())
}

func TestNode_RPCsEnforceTermMonotonicity(t *testing.T) {
	slow := TimingConfig{ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: time.Hour, HeartbeatInterval: time.Minute}
	n := NewNode(Config{ID: "n1", Timing: slow, Logger: quietLogger()}, storage.NewMemStorage(), &safeSM{})
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())
	ctx := context.Background()

	resp, err := n.AppendEntries(ctx, rpc.AppendEntriesRequest{
		Term: 5, LeaderID: "n9", PrevLogIndex: -1, LeaderCommit: -1,
		Entries: rpc.Entries{StartIndex: 0, Values: []storage.LogEntry{{Term: 5, Op: []byte("x")}}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(5), resp.Term)
	assert.Equal(t, types.NodeID("n9"), n.LeaderHint().LeaderID)

	vote, err := n.RequestVote(ctx, rpc.RequestVoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 9, LastLogTerm: 9})
	require.NoError(t, err)
	assert.False(t, vote.VoteGranted)
	assert.Equal(t, uint64(5), vote.Term)

	stale, err := n.AppendEntries(ctx, rpc.AppendEntriesRequest{Term: 4, LeaderID: "n2", PrevLogIndex: -1})
	require.NoError(t, err)
	assert.False(t, stale.Success)
	assert.Equal(t, types.NodeID("n9"), n.LeaderHint().LeaderID)

	// a higher term with an outdated log adopts the term but gets no vote
	vote, err = n.RequestVote(ctx, rpc.RequestVoteRequest{Term: 7, CandidateID: "n2", LastLogIndex: -1})
	require.NoError(t, err)
	assert.False(t, vote.VoteGranted)
	assert.Equal(t, uint64(7), vote.Term)
	assert.Equal(t, "", string(n.Status().VotedFor))
}

func TestNode_RestartKeepsDurableState(t *testing.T) {
	c, ids := newCluster(t, 1)
	leader := waitForLeader(t, c, "")
	_, err := leader.Request(context.Background(), Proposal{Op: []byte("x")})
	require.NoError(t, err)
	before := leader.Status()
	require.NoError(t, leader.Stop(context.Background()))

	restarted := c.startNode(t, ids, ids[0], 42)
	st := restarted.Status()
	assert.Equal(t, before.Term, st.Term)
	assert.Equal(t, before.LastIndex, st.LastIndex)
	assert.Equal(t, -1, st.CommitIndex, "commit index is volatile")

	// the next leadership commits a new noop, which re-applies the old entry
	waitForLeader(t, c, "")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"x"}, c.sm(ids[0]).applied())
	}, time.Second, 10*time.Millisecond)
	assert.Greater(t, restarted.Status().Term, before.Term)
}

// appendFailingStorage persists votes but fails every entry append.
type appendFailingStorage struct {
	*storage.MemStorage
}

func (appendFailingStorage) AppendEntries(int, []storage.LogEntry, *storage.HardState) error {
	return errors.New("disk full")
}

// grantingPeer grants every vote and acknowledges appends unless they are
// being dropped.
type grantingPeer struct {
	mu          sync.Mutex
	votes       int
	appends     int
	dropAppends bool
}

func (p *grantingPeer) RequestVote(_ context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.votes++
	return rpc.RequestVoteResponse{ID: "n2", Term: req.Term, VoteGranted: true}, nil
}

func (p *grantingPeer) AppendEntries(_ context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropAppends {
		return rpc.AppendEntriesResponse{}, errUnreachable
	}
	p.appends++
	return rpc.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func (p *grantingPeer) setDropAppends(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropAppends = drop
}

func (p *grantingPeer) voteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.votes
}

func TestNode_LeaderThatCannotWriteNoopStepsDown(t *testing.T) {
	peer := &grantingPeer{}
	n := NewNode(Config{
		ID:     "n1",
		Peers:  map[types.NodeID]Peer{"n2": peer},
		Timing: fastTiming(),
		Rand:   rand.New(rand.NewSource(1)),
		Logger: quietLogger(),
	}, appendFailingStorage{storage.NewMemStorage()}, &safeSM{})
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	// it wins every election but must not sit in the leader role without
	// a heartbeat; as a follower it times out and tries again
	require.Eventually(t, func() bool { return peer.voteCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, n.IsLeader())
	assert.NotEqual(t, string(RoleLeader), n.Status().Role)
	assert.GreaterOrEqual(t, n.Status().Term, uint64(3))

	_, err := n.Request(context.Background(), Proposal{Op: []byte("x")})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestNode_RetriedRequestIDWaitsOnExistingEntry(t *testing.T) {
	peer := &grantingPeer{dropAppends: true}
	sm := &safeSM{}
	n := NewNode(Config{
		ID:     "n1",
		Peers:  map[types.NodeID]Peer{"n2": peer},
		Timing: fastTiming(),
		Rand:   rand.New(rand.NewSource(1)),
		Logger: quietLogger(),
	}, storage.NewMemStorage(), sm)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())
	require.Eventually(t, n.IsLeader, 2*time.Second, 5*time.Millisecond)

	// nothing commits while n2 drops appends
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.Request(ctx, Proposal{ID: "c1/1", Op: []byte("x")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	lastIndex := n.Status().LastIndex

	type reply struct {
		res []byte
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		res, err := n.Request(context.Background(), Proposal{ID: "c1/1", Op: []byte("x")})
		replies <- reply{res, err}
	}()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.requests.len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, lastIndex, n.Status().LastIndex, "the retry must not append a second copy")

	peer.setDropAppends(false)
	select {
	case r := <-replies:
		require.NoError(t, r.err)
		assert.Equal(t, "ok:x", string(r.res))
	case <-time.After(2 * time.Second):
		t.Fatal("retried request was not resolved by the original entry")
	}

	_, err = n.Request(context.Background(), Proposal{ID: "c1/1", Op: []byte("x")})
	assert.ErrorIs(t, err, ErrAlreadyApplied)
	assert.Equal(t, lastIndex, n.Status().LastIndex)
	assert.Equal(t, []string{"x"}, sm.applied())
}

func TestNode_NewLeaderKnowsAppliedRequestIDs(t *testing.T) {
	c, _ := newCluster(t, 3)
	old := waitForLeader(t, c, "")
	_, err := old.Request(context.Background(), Proposal{ID: "c1/1", Op: []byte("x")})
	require.NoError(t, err)
	index := old.Status().LastIndex

	c.setIsolated(old.ID(), true)
	next := waitForLeader(t, c, old.ID())
	require.Eventually(t, func() bool {
		return next.Status().LastApplied >= index
	}, 2*time.Second, 10*time.Millisecond)

	_, err = next.Request(context.Background(), Proposal{ID: "c1/1", Op: []byte("x")})
	assert.ErrorIs(t, err, ErrAlreadyApplied)
	assert.Equal(t, []string{"x"}, c.sm(next.ID()).applied())
}
