// Package raft implements a single node's part in Raft leader election,
// log replication and commit/apply sequencing.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// Role names the behavior a node currently follows.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

var (
	ErrNotLeader        = errors.New("not leader")
	ErrNotStarted       = errors.New("raft node not started")
	ErrStopped          = errors.New("raft node stopped")
	ErrLeadershipLost   = errors.New("leadership lost before the request was applied")
	ErrDuplicateRequest = errors.New("request with this id is already pending")
	ErrAlreadyApplied   = errors.New("request with this id was already applied")
)

// NotLeaderError is returned for client requests sent to a non-leader.
// LeaderID is the last leader this node heard from, if any.
type NotLeaderError struct {
	LeaderID types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader (no known leader)"
	}
	return fmt.Sprintf("not leader (leader is %s)", e.LeaderID)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// ApplyError reports that the state machine failed to execute the entry
// at Index. Applying halts there until the next commit advance retries it.
type ApplyError struct {
	Index int
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("state machine failed at index %d: %v", e.Index, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// StateMachine executes committed operations. It must be deterministic.
type StateMachine interface {
	Execute(op []byte) ([]byte, error)
}

// Peer is the transport to one other cluster member.
type Peer interface {
	RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error)
}

// TimingConfig holds configurable timing parameters for elections and heartbeats.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

// DefaultTimingConfig returns a 200ms base election timeout with up to 200ms
// of jitter and a 100ms heartbeat.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 200 * time.Millisecond,
		ElectionTimeoutMax: 400 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
		RPCTimeout:         150 * time.Millisecond,
	}
}

// Config holds configuration for a Raft node.
type Config struct {
	ID     types.NodeID
	Peers  map[types.NodeID]Peer // other nodes (not including self)
	Timing TimingConfig
	Rand   *rand.Rand  // optional: for deterministic randomness in tests
	Logger *log.Logger // optional: defaults to the standard logrus logger
}

func (c *Config) setDefaults() {
	def := DefaultTimingConfig()
	if c.Timing.ElectionTimeoutMin == 0 {
		c.Timing.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if c.Timing.ElectionTimeoutMax < c.Timing.ElectionTimeoutMin {
		c.Timing.ElectionTimeoutMax = 2 * c.Timing.ElectionTimeoutMin
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = c.Timing.ElectionTimeoutMin / 2
	}
	if c.Timing.RPCTimeout == 0 {
		c.Timing.RPCTimeout = c.Timing.ElectionTimeoutMin
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
}

// Proposal is a client operation submitted to the leader. ID is optional;
// when set, a second proposal with the same ID is refused while the first
// is still pending.
type Proposal struct {
	ID string
	Op []byte
}
