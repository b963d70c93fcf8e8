package raft

import (
	"github.com/bits-and-blooms/bloom/v3"
)

const (
	filterCapacity = 100000
	filterFPRate   = 0.001
)

type requestResult struct {
	result []byte
	err    error
}

type pendingRequest struct {
	term uint64
	done chan requestResult
}

// pendingRequests maps log indices to the clients waiting on them.
type pendingRequests struct {
	byIndex map[int]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{byIndex: make(map[int]*pendingRequest)}
}

func (p *pendingRequests) add(index int, term uint64) *pendingRequest {
	pr := &pendingRequest{term: term, done: make(chan requestResult, 1)}
	p.byIndex[index] = pr
	return pr
}

func (p *pendingRequests) waiting(index int) bool {
	_, ok := p.byIndex[index]
	return ok
}

// remove drops the request at index if it is still pr.
func (p *pendingRequests) remove(index int, pr *pendingRequest) {
	if cur, ok := p.byIndex[index]; ok && cur == pr {
		delete(p.byIndex, index)
	}
}

// resolve completes the request waiting on index. An entry from another
// term means our proposal was overwritten by a different leader.
func (p *pendingRequests) resolve(index int, term uint64, result []byte) {
	pr, ok := p.byIndex[index]
	if !ok {
		return
	}
	delete(p.byIndex, index)
	if pr.term != term {
		pr.done <- requestResult{err: ErrLeadershipLost}
		return
	}
	pr.done <- requestResult{result: result}
}

func (p *pendingRequests) fail(index int, err error) {
	pr, ok := p.byIndex[index]
	if !ok {
		return
	}
	delete(p.byIndex, index)
	pr.done <- requestResult{err: err}
}

func (p *pendingRequests) failAll(err error) {
	for index, pr := range p.byIndex {
		delete(p.byIndex, index)
		pr.done <- requestResult{err: err}
	}
}

func (p *pendingRequests) len() int { return len(p.byIndex) }

// requestIndex finds the log entry carrying a request id. Ids travel in
// the log, so the log is the exact answer; the bloom filter holds every
// id in it and lets fresh ids skip the backwards scan. It is rebuilt from
// the log whenever the node becomes leader, and never forgets an id, so a
// truncated one only costs a scan.
type requestIndex struct {
	filter *bloom.BloomFilter
}

func newRequestIndex() *requestIndex {
	return &requestIndex{filter: bloom.NewWithEstimates(filterCapacity, filterFPRate)}
}

func (r *requestIndex) rebuild(l *Log) {
	r.filter.ClearAll()
	for _, e := range l.entries {
		if e.RequestID != "" {
			r.filter.AddString(e.RequestID)
		}
	}
}

func (r *requestIndex) add(id string) {
	if id != "" {
		r.filter.AddString(id)
	}
}

// lookup returns the index of the latest entry carrying id, or -1.
func (r *requestIndex) lookup(l *Log, id string) int {
	if id == "" || !r.filter.TestString(id) {
		return -1
	}
	for i := l.LastIndex(); i >= 0; i-- {
		if l.entries[i].RequestID == id {
			return i
		}
	}
	return -1
}
