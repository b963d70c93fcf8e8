// Package distributedkv joins a raft node and the KV state machine into
// the API the HTTP layer serves.
package distributedkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/kvsm"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// RaftNodeIface is the subset of raft.Node that DistributedKV needs.
type RaftNodeIface interface {
	Request(ctx context.Context, p raft.Proposal) ([]byte, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
}

// Config configures the DistributedKV layer.
type Config struct {
	// ClientAddrs maps node ids to their client API base URLs so leader
	// hints can carry an address.
	ClientAddrs map[types.NodeID]string
}

// DistributedKV routes writes through raft and serves reads from the local
// state machine. Reads on a follower may be stale.
type DistributedKV struct {
	node RaftNodeIface
	sm   *kvsm.KVStateMachine
	cfg  Config
}

// New creates a new DistributedKV.
func New(node RaftNodeIface, sm *kvsm.KVStateMachine, cfg Config) *DistributedKV {
	return &DistributedKV{node: node, sm: sm, cfg: cfg}
}

func (d *DistributedKV) IsLeader() bool {
	return d.node.IsLeader()
}

// LeaderHint returns the known leader, with its client address if configured.
func (d *DistributedKV) LeaderHint() types.LeaderHint {
	hint := d.node.LeaderHint()
	if hint.LeaderAddr == "" && hint.LeaderID != "" {
		hint.LeaderAddr = d.cfg.ClientAddrs[hint.LeaderID]
	}
	return hint
}

func (d *DistributedKV) Status() types.NodeStatus {
	st := d.node.Status()
	st.LeaderHint = d.LeaderHint()
	return st
}

// --- Reads ---

func (d *DistributedKV) All() map[string]string {
	return d.sm.All()
}

func (d *DistributedKV) Get(key string) (string, bool) {
	return d.sm.Get(key)
}

func (d *DistributedKV) MGet(keys []string) map[string]string {
	return d.sm.MGet(keys)
}

// --- Writes (through Raft) ---

func (d *DistributedKV) Put(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpPut
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) Delete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpDelete
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) CAS(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpCAS
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) MPut(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchPut
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) MDelete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchDelete
	return d.propose(ctx, cmd)
}

// proposalID identifies a client write so a retry is not appended again
// while the first attempt is still in flight.
func proposalID(cmd types.Command) string {
	if cmd.ClientID == "" || cmd.Seq == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%d", cmd.ClientID, cmd.Seq)
}

func (d *DistributedKV) propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	op, err := json.Marshal(cmd)
	if err != nil {
		return types.ApplyResult{}, err
	}
	out, err := d.node.Request(ctx, raft.Proposal{ID: proposalID(cmd), Op: op})
	if errors.Is(err, raft.ErrAlreadyApplied) {
		// retry of a committed write: answer from the dedupe record
		if res, ok := d.sm.Reply(cmd.ClientID, cmd.Seq); ok {
			return res, nil
		}
	}
	if err != nil {
		return types.ApplyResult{}, err
	}
	var res types.ApplyResult
	if err := json.Unmarshal(out, &res); err != nil {
		return types.ApplyResult{}, fmt.Errorf("decode apply result: %w", err)
	}
	return res, nil
}
