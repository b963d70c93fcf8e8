// Package kvsm is the key-value state machine replicated by raft.
package kvsm

import (
	"encoding/json"
	"sync"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// DedupeRecord tracks the last applied sequence for a client.
type DedupeRecord struct {
	LastSeq   uint64
	LastReply types.ApplyResult
}

// KVStateMachine is a deterministic, thread-safe key-value state machine.
type KVStateMachine struct {
	mu     sync.Mutex
	kv     map[string]string
	dedupe map[string]DedupeRecord
}

// New creates a new KVStateMachine.
func New() *KVStateMachine {
	return &KVStateMachine{
		kv:     make(map[string]string),
		dedupe: make(map[string]DedupeRecord),
	}
}

func badRequest(msg string) types.ApplyResult {
	return types.ApplyResult{ErrCode: "bad_request", ErrMsg: msg}
}

// Execute decodes a JSON command from the raft log, applies it and returns
// the JSON-encoded result. A malformed command gets a bad_request result,
// not an error, so one bad entry cannot stall the log.
func (sm *KVStateMachine) Execute(op []byte) ([]byte, error) {
	var cmd types.Command
	if err := json.Unmarshal(op, &cmd); err != nil {
		return json.Marshal(badRequest("malformed command"))
	}
	return json.Marshal(sm.Apply(cmd))
}

// Apply applies a command. A command whose (ClientID, Seq) was already
// applied returns the recorded reply without touching the data, which
// makes replaying the log after a restart safe.
func (sm *KVStateMachine) Apply(cmd types.Command) types.ApplyResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	tracked := cmd.ClientID != "" && cmd.Seq != 0
	if tracked {
		if rec, ok := sm.dedupe[cmd.ClientID]; ok && cmd.Seq <= rec.LastSeq {
			return rec.LastReply
		}
	}

	res := sm.apply(cmd)
	if tracked {
		sm.dedupe[cmd.ClientID] = DedupeRecord{LastSeq: cmd.Seq, LastReply: res}
	}
	return res
}

func (sm *KVStateMachine) apply(cmd types.Command) types.ApplyResult {
	switch cmd.Op {
	case types.OpPut, types.OpDelete, types.OpCAS:
		if cmd.Key == "" {
			return badRequest("key is required")
		}
	case types.OpBatchPut:
		if len(cmd.Entries) == 0 {
			return badRequest("entries is required")
		}
	case types.OpBatchDelete:
		if len(cmd.Keys) == 0 {
			return badRequest("keys is required")
		}
	default:
		return badRequest("unknown operation")
	}

	switch cmd.Op {
	case types.OpPut:
		sm.kv[cmd.Key] = cmd.Value
	case types.OpCAS:
		// a missing key compares as ""
		if sm.kv[cmd.Key] != cmd.Expected {
			return types.ApplyResult{ErrCode: "cas_failed", Value: sm.kv[cmd.Key]}
		}
		sm.kv[cmd.Key] = cmd.Value
	case types.OpBatchPut:
		for _, e := range cmd.Entries {
			sm.kv[e.Key] = e.Value
		}
	case types.OpDelete:
		return types.ApplyResult{Ok: true, Deleted: sm.remove(cmd.Key)}
	case types.OpBatchDelete:
		return types.ApplyResult{Ok: true, Deleted: sm.remove(cmd.Keys...)}
	}
	return types.ApplyResult{Ok: true}
}

func (sm *KVStateMachine) remove(keys ...string) int {
	n := 0
	for _, k := range keys {
		if _, ok := sm.kv[k]; ok {
			delete(sm.kv, k)
			n++
		}
	}
	return n
}

// Get returns the value for a key.
func (sm *KVStateMachine) Get(key string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	v, ok := sm.kv[key]
	return v, ok
}

// MGet returns the values of the keys that exist.
func (sm *KVStateMachine) MGet(keys []string) map[string]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := sm.kv[k]; ok {
			out[k] = v
		}
	}
	return out
}

// All returns a copy of every key and value.
func (sm *KVStateMachine) All() map[string]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]string, len(sm.kv))
	for k, v := range sm.kv {
		out[k] = v
	}
	return out
}

// LastSeen returns the last sequence number seen for a client.
func (sm *KVStateMachine) LastSeen(clientID string) (uint64, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.dedupe[clientID]
	return rec.LastSeq, ok
}

// Reply returns the recorded reply for a client's seq, if it is the
// latest one applied for that client.
func (sm *KVStateMachine) Reply(clientID string, seq uint64) (types.ApplyResult, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.dedupe[clientID]
	if !ok || rec.LastSeq != seq {
		return types.ApplyResult{}, false
	}
	return rec.LastReply, true
}
