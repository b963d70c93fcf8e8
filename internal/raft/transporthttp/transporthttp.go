package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

const (
	pathRequestVote   = "/raft/request_vote"
	pathAppendEntries = "/raft/append_entries"
)

// --- Interfaces ---

// RaftRPCHandler is implemented by the Raft node to handle incoming RPCs.
type RaftRPCHandler interface {
	RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error)
}

// --- PeerResolver ---

// PeerResolver maps NodeID to network address.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

// Peer returns a client for one node. It can be used as a raft.Peer.
func (t *HTTPTransport) Peer(id types.NodeID) *Peer {
	return &Peer{t: t, id: id}
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, in, out any) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s to %s returned %d: %s", path, to, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Peer sends RPCs to a single node over HTTP.
type Peer struct {
	t  *HTTPTransport
	id types.NodeID
}

func (p *Peer) RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	var resp rpc.RequestVoteResponse
	err := p.t.post(ctx, p.id, pathRequestVote, req, &resp)
	return resp, err
}

func (p *Peer) AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	var resp rpc.AppendEntriesResponse
	err := p.t.post(ctx, p.id, pathAppendEntries, req, &resp)
	return resp, err
}

// --- RaftHTTPServer (server routes) ---

type RaftHTTPServer struct {
	handler RaftRPCHandler
}

func NewRaftHTTPServer(handler RaftRPCHandler) *RaftHTTPServer {
	return &RaftHTTPServer{handler: handler}
}

func (s *RaftHTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(pathRequestVote, s.handleRequestVote)
	r.Post(pathAppendEntries, s.handleAppendEntries)
	return r
}

func (s *RaftHTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req rpc.RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}
	resp, err := s.handler.RequestVote(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *RaftHTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req rpc.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}
	resp, err := s.handler.AppendEntries(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
