package raft

import (
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// Log owns a node's durable Raft state (term, vote, entries) and the
// volatile commit/apply indices. Indices are 0-based; -1 means none.
//
// Log is not safe for concurrent use. The Node serializes every call.
// Durable changes are written to storage before memory is updated, so a
// failed write leaves the Log as it was.
type Log struct {
	store storage.Storage
	sm    StateMachine

	currentTerm uint64
	votedFor    types.NodeID
	entries     []storage.LogEntry

	commitIndex int
	lastApplied int

	onApplied    func(index int, entry storage.LogEntry, result []byte)
	onApplyError func(err *ApplyError)
}

func NewLog(store storage.Storage, sm StateMachine) *Log {
	return &Log{store: store, sm: sm, commitIndex: -1, lastApplied: -1}
}

// Load restores term, vote and entries from storage. Nothing is considered
// committed until a leader says so again.
func (l *Log) Load() error {
	st, err := l.store.Load()
	if err != nil {
		return fmt.Errorf("load raft state: %w", err)
	}
	l.currentTerm = st.CurrentTerm
	l.votedFor = st.VotedFor
	l.entries = st.Entries
	l.commitIndex, l.lastApplied = -1, -1
	return nil
}

func (l *Log) CurrentTerm() uint64     { return l.currentTerm }
func (l *Log) VotedFor() types.NodeID { return l.votedFor }
func (l *Log) CommitIndex() int       { return l.commitIndex }
func (l *Log) LastApplied() int       { return l.lastApplied }
func (l *Log) LastIndex() int         { return len(l.entries) - 1 }
func (l *Log) LastTerm() uint64       { return l.TermAt(l.LastIndex()) }

// TermAt returns the term of the entry at index, or 0 when there is none.
func (l *Log) TermAt(index int) uint64 {
	if index < 0 || index >= len(l.entries) {
		return 0
	}
	return l.entries[index].Term
}

func (l *Log) EntryAt(index int) (storage.LogEntry, bool) {
	if index < 0 || index >= len(l.entries) {
		return storage.LogEntry{}, false
	}
	return l.entries[index], true
}

// EntriesSince returns every entry after index. The returned slice must
// not be modified.
func (l *Log) EntriesSince(index int) rpc.Entries {
	start := index + 1
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return rpc.Entries{StartIndex: start}
	}
	return rpc.Entries{StartIndex: start, Values: l.entries[start:len(l.entries):len(l.entries)]}
}

func (l *Log) hardState() storage.HardState {
	return storage.HardState{CurrentTerm: l.currentTerm, VotedFor: l.votedFor}
}

// ObserveTerm adopts term if it is newer than the current one, clearing
// the vote.
func (l *Log) ObserveTerm(term uint64) error {
	if term <= l.currentTerm {
		return nil
	}
	hs := storage.HardState{CurrentTerm: term}
	if err := l.store.Set(hs); err != nil {
		return fmt.Errorf("persist term %d: %w", term, err)
	}
	l.currentTerm, l.votedFor = hs.CurrentTerm, hs.VotedFor
	return nil
}

// StartElection moves to the next term with a vote for self and returns it.
func (l *Log) StartElection(self types.NodeID) (uint64, error) {
	hs := storage.HardState{CurrentTerm: l.currentTerm + 1, VotedFor: self}
	if err := l.store.Set(hs); err != nil {
		return l.currentTerm, fmt.Errorf("persist election for term %d: %w", hs.CurrentTerm, err)
	}
	l.currentTerm, l.votedFor = hs.CurrentTerm, hs.VotedFor
	return l.currentTerm, nil
}

// upToDate reports whether a log ending at (lastIndex, lastTerm) is at
// least as up to date as ours.
func (l *Log) upToDate(lastIndex int, lastTerm uint64) bool {
	ours := l.LastTerm()
	if lastTerm != ours {
		return lastTerm > ours
	}
	return lastIndex >= l.LastIndex()
}

// RequestVote decides whether to grant a vote. A granted vote is durable
// before true is returned.
func (l *Log) RequestVote(req rpc.RequestVoteRequest) (bool, error) {
	if req.Term < l.currentTerm {
		return false, nil
	}
	if req.Term == l.currentTerm && l.votedFor != "" && l.votedFor != req.CandidateID {
		return false, nil
	}
	if !l.upToDate(req.LastLogIndex, req.LastLogTerm) {
		return false, nil
	}
	hs := storage.HardState{CurrentTerm: req.Term, VotedFor: req.CandidateID}
	if hs == l.hardState() {
		return true, nil
	}
	if err := l.store.Set(hs); err != nil {
		return false, fmt.Errorf("persist vote for %s: %w", req.CandidateID, err)
	}
	l.currentTerm, l.votedFor = hs.CurrentTerm, hs.VotedFor
	return true, nil
}

func (l *Log) prevMatches(index int, term uint64) bool {
	if index == -1 {
		return true
	}
	if index < -1 || index > l.LastIndex() {
		return false
	}
	return l.entries[index].Term == term
}

// AppendEntries applies a leader's AppendEntries to the log. false means
// the request was refused; an error means storage failed and nothing changed.
func (l *Log) AppendEntries(req rpc.AppendEntriesRequest) (bool, error) {
	if req.Term < l.currentTerm {
		return false, nil
	}
	if !l.prevMatches(req.PrevLogIndex, req.PrevLogTerm) {
		return false, nil
	}
	if len(req.Entries.Values) == 0 {
		l.SetCommitIndex(req.LeaderCommit)
		return true, nil
	}

	start, last := req.Entries.StartIndex, req.Entries.LastIndex()
	if start < 0 || start > len(l.entries) {
		return false, nil
	}
	// a stale request must not cut below what is already committed
	if start <= l.commitIndex && last < l.commitIndex {
		return false, nil
	}

	if l.holds(start, req.Entries.Values) {
		// a delayed copy of entries we already have; truncating would drop
		// later entries the leader may have counted
		l.SetCommitIndex(req.LeaderCommit)
		return true, nil
	}

	hs := l.hardState()
	if err := l.store.AppendEntries(start, req.Entries.Values, &hs); err != nil {
		return false, fmt.Errorf("persist entries [%d, %d]: %w", start, last, err)
	}
	if start < len(l.entries) {
		// truncation gets a fresh array so slices handed out earlier stay intact
		l.entries = l.entries[:start:start]
	}
	l.entries = append(l.entries, req.Entries.Values...)

	l.SetCommitIndex(req.LeaderCommit)
	return true, nil
}

// holds reports whether every value is already in the log at its index
// with the same term.
func (l *Log) holds(start int, values []storage.LogEntry) bool {
	if start+len(values) > len(l.entries) {
		return false
	}
	for i, v := range values {
		if l.entries[start+i].Term != v.Term {
			return false
		}
	}
	return true
}

// SetCommitIndex raises the commit index (capped at the last entry) and
// applies newly committed entries. It never lowers it.
func (l *Log) SetCommitIndex(index int) {
	if index > l.LastIndex() {
		index = l.LastIndex()
	}
	if index <= l.commitIndex {
		return
	}
	l.commitIndex = index
	if err := l.execute(index); err != nil && l.onApplyError != nil {
		l.onApplyError(err)
	}
}

// Execute applies committed entries up to index, strictly in order.
// Noop entries advance lastApplied without reaching the state machine.
// A state machine error stops applying at that entry.
func (l *Log) Execute(index int) error {
	if err := l.execute(index); err != nil {
		return err
	}
	return nil
}

func (l *Log) execute(index int) *ApplyError {
	if index > l.commitIndex {
		index = l.commitIndex
	}
	for i := l.lastApplied + 1; i <= index; i++ {
		entry := l.entries[i]
		var result []byte
		if !entry.Noop {
			res, err := l.sm.Execute(entry.Op)
			if err != nil {
				return &ApplyError{Index: i, Err: err}
			}
			result = res
		}
		l.lastApplied = i
		if l.onApplied != nil {
			l.onApplied(i, entry, result)
		}
	}
	return nil
}
