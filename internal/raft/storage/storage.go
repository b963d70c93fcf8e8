package storage

import (
	"fmt"
	"sync"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// LogEntry is a single entry in the Raft log. Op is opaque to the log.
// RequestID is the client's proposal id, empty when none was given.
type LogEntry struct {
	Term      uint64 `json:"term"`
	Op        []byte `json:"op,omitempty"`
	Noop      bool   `json:"noop,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HardState is the persistent, non-log part of a node's state.
// An empty VotedFor means no vote was cast in CurrentTerm.
type HardState struct {
	CurrentTerm uint64       `json:"current_term"`
	VotedFor    types.NodeID `json:"voted_for,omitempty"`
}

// State is everything a node reloads on restart.
type State struct {
	HardState
	Entries []LogEntry
}

// Storage persists Raft durable state. Every method returns only after
// the write is durable.
type Storage interface {
	// Load returns the persisted state, or zero values for a fresh store.
	Load() (State, error)
	// AppendEntries discards entries at and after startIndex, appends values,
	// and (if hs is non-nil) records hs, all as one durable unit.
	AppendEntries(startIndex int, values []LogEntry, hs *HardState) error
	// Set records hs.
	Set(hs HardState) error
}

func cloneEntries(entries []LogEntry) []LogEntry {
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out
}

func checkStart(startIndex, length int) error {
	if startIndex < 0 || startIndex > length {
		return fmt.Errorf("start index %d out of range [0, %d]", startIndex, length)
	}
	return nil
}

// MemStorage is an in-memory Storage.
type MemStorage struct {
	mu      sync.Mutex
	hs      HardState
	entries []LogEntry
}

func NewMemStorage() *MemStorage {
	return &MemStorage{}
}

func (s *MemStorage) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{HardState: s.hs, Entries: cloneEntries(s.entries)}, nil
}

func (s *MemStorage) AppendEntries(startIndex int, values []LogEntry, hs *HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkStart(startIndex, len(s.entries)); err != nil {
		return err
	}
	s.entries = append(s.entries[:startIndex], values...)
	if hs != nil {
		s.hs = *hs
	}
	return nil
}

func (s *MemStorage) Set(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}
