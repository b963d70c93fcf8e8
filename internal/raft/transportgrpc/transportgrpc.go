// Package transportgrpc carries Raft RPCs over gRPC. Messages are the
// plain rpc records encoded as JSON, so no generated stubs are needed.
package transportgrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/rpc"
)

const (
	serviceName         = "raft.Raft"
	methodRequestVote   = "/" + serviceName + "/RequestVote"
	methodAppendEntries = "/" + serviceName + "/AppendEntries"
)

// jsonCodec replaces protobuf as the wire encoding for this service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// RaftRPCHandler is implemented by the Raft node to handle incoming RPCs.
type RaftRPCHandler interface {
	RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error)
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req rpc.RequestVoteRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, in any) (any, error) {
		resp, err := srv.(RaftRPCHandler).RequestVote(ctx, *in.(*rpc.RequestVoteRequest))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}, call)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req rpc.AppendEntriesRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, in any) (any, error) {
		resp, err := srv.(RaftRPCHandler).AppendEntries(ctx, *in.(*rpc.AppendEntriesRequest))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	return interceptor(ctx, &req, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}, call)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftRPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// NewServer returns a gRPC server with the Raft service registered. The
// caller owns Serve and Stop.
func NewServer(handler RaftRPCHandler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, handler)
	return s
}

// Peer sends RPCs to one node over a gRPC connection. It can be used as a
// raft.Peer.
type Peer struct {
	conn *grpc.ClientConn
}

// Dial creates a lazily connecting client for addr. Extra options are
// appended after the defaults (insecure credentials, JSON codec).
func Dial(addr string, opts ...grpc.DialOption) (*Peer, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Peer{conn: conn}, nil
}

func (p *Peer) RequestVote(ctx context.Context, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	var resp rpc.RequestVoteResponse
	err := p.conn.Invoke(ctx, methodRequestVote, &req, &resp)
	return resp, err
}

func (p *Peer) AppendEntries(ctx context.Context, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	var resp rpc.AppendEntriesResponse
	err := p.conn.Invoke(ctx, methodAppendEntries, &req, &resp)
	return resp, err
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
