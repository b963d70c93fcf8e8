package transportgrpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
)

type stubHandler struct {
	lastAE rpc.AppendEntriesRequest
	err    error
}

func (h *stubHandler) RequestVote(_ context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	return rpc.RequestVoteResponse{ID: "n2", Term: req.Term, VoteGranted: req.LastLogTerm >= 4}, nil
}

func (h *stubHandler) AppendEntries(_ context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	h.lastAE = req
	if h.err != nil {
		return rpc.AppendEntriesResponse{}, h.err
	}
	return rpc.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func startBufconn(t *testing.T, h RaftRPCHandler) *Peer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	peer, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func TestGRPC_RequestVote(t *testing.T) {
	peer := startBufconn(t, &stubHandler{})
	resp, err := peer.RequestVote(context.Background(), rpc.RequestVoteRequest{Term: 7, CandidateID: "n1", LastLogIndex: 3, LastLogTerm: 4})
	require.NoError(t, err)
	assert.Equal(t, rpc.RequestVoteResponse{ID: "n2", Term: 7, VoteGranted: true}, resp)
}

func TestGRPC_AppendEntriesCarriesEntries(t *testing.T) {
	h := &stubHandler{}
	peer := startBufconn(t, h)
	req := rpc.AppendEntriesRequest{
		Term: 2, LeaderID: "n1", PrevLogIndex: 0, PrevLogTerm: 1, LeaderCommit: 0,
		Entries: rpc.Entries{StartIndex: 1, Values: []storage.LogEntry{{Term: 2, Op: []byte("set x")}, {Term: 2, Noop: true}}},
	}
	resp, err := peer.AppendEntries(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, req, h.lastAE)
}

func TestGRPC_HandlerErrorIsInternal(t *testing.T) {
	peer := startBufconn(t, &stubHandler{err: errors.New("disk full")})
	_, err := peer.AppendEntries(context.Background(), rpc.AppendEntriesRequest{Term: 1})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "disk full")
}
