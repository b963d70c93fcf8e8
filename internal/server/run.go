package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/distributedkv"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/httpapi"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/kvsm"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/transportgrpc"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft/transporthttp"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	id        types.NodeID
	port      int
	peers     map[types.NodeID]string
	raftPeers map[types.NodeID]string
	dataDir   string
	transport string
	raftPort  int
	logLevel  log.Level
	logFormat string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("kvserver", flag.ContinueOnError)
	port := fs.Int("port", 8080, "HTTP listen port")
	nodeID := fs.String("id", "node1", "Node ID")
	peersFlag := fs.String("peers", "", "Comma-separated list of peer_id=addr pairs (e.g. node2=http://localhost:8081)")
	raftPeersFlag := fs.String("raft-peers", "", "Comma-separated list of peer_id=host:port gRPC addresses (grpc transport only)")
	dataDir := fs.String("data-dir", "", "Directory for raft state; empty keeps everything in memory")
	transport := fs.String("transport", "http", "Raft transport: http or grpc")
	raftPort := fs.Int("raft-port", 9080, "gRPC listen port for raft traffic (grpc transport only)")
	level := fs.String("log-level", "info", "Log level: debug, info, warn or error")
	format := fs.String("log-format", "text", "Log format: text or json")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		id:        types.NodeID(*nodeID),
		port:      *port,
		dataDir:   *dataDir,
		transport: *transport,
		raftPort:  *raftPort,
		logFormat: *format,
	}
	var err error
	if opts.logLevel, err = log.ParseLevel(*level); err != nil {
		return options{}, err
	}
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return options{}, fmt.Errorf("invalid log format: %q", opts.logFormat)
	}
	if opts.peers, err = parsePeers(*peersFlag); err != nil {
		return options{}, err
	}
	if opts.raftPeers, err = parsePeers(*raftPeersFlag); err != nil {
		return options{}, err
	}
	switch opts.transport {
	case "http":
	case "grpc":
		for id := range opts.peers {
			if _, ok := opts.raftPeers[id]; !ok {
				return options{}, fmt.Errorf("peer %s has no -raft-peers address", id)
			}
		}
	default:
		return options{}, fmt.Errorf("invalid transport: %q", opts.transport)
	}
	return opts, nil
}

// parsePeers parses "id=addr,id=addr".
func parsePeers(s string) (map[types.NodeID]string, error) {
	peers := make(map[types.NodeID]string)
	if s == "" {
		return peers, nil
	}
	for _, p := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
		}
		peers[types.NodeID(parts[0])] = parts[1]
	}
	return peers, nil
}

func configureLogging(opts options) {
	log.SetLevel(opts.logLevel)
	if opts.logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func openStorage(dir string) (storage.Storage, io.Closer, error) {
	if dir == "" {
		return storage.NewMemStorage(), io.NopCloser(nil), nil
	}
	fs, err := storage.OpenFileStorage(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return fs, fs, nil
}

// dialPeers builds a raft.Peer for every configured peer. The returned
// closers release gRPC connections.
func dialPeers(opts options) (map[types.NodeID]raft.Peer, []io.Closer, error) {
	peers := make(map[types.NodeID]raft.Peer, len(opts.peers))
	var closers []io.Closer
	if opts.transport == "http" {
		tp := transporthttp.NewHTTPTransport(transporthttp.NewPeerResolver(opts.peers))
		for id := range opts.peers {
			peers[id] = tp.Peer(id)
		}
		return peers, nil, nil
	}
	for id, addr := range opts.raftPeers {
		if _, ok := opts.peers[id]; !ok {
			continue
		}
		p, err := transportgrpc.Dial(addr)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, fmt.Errorf("dial %s: %w", id, err)
		}
		peers[id] = p
		closers = append(closers, p)
	}
	return peers, closers, nil
}

// Run wires together the server components and starts listening.
func Run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	configureLogging(opts)
	logger := log.WithField("node", opts.id)
	logger.Infof("starting node on port %d with %s transport", opts.port, opts.transport)

	store, closeStore, err := openStorage(opts.dataDir)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	peers, closers, err := dialPeers(opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	sm := kvsm.New()
	node := raft.NewNode(raft.Config{
		ID:     opts.id,
		Peers:  peers,
		Timing: raft.DefaultTimingConfig(),
		Logger: log.StandardLogger(),
	}, store, sm)

	dkv := distributedkv.New(node, sm, distributedkv.Config{ClientAddrs: opts.peers})
	apiServer := httpapi.New(dkv, log.StandardLogger())

	// Combine API + Raft HTTP handlers
	mux := http.NewServeMux()
	if opts.transport == "http" {
		mux.Handle("/raft/", transporthttp.NewRaftHTTPServer(node).Handler())
	}
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.port),
		Handler: mux,
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if opts.transport == "grpc" {
		if grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", opts.raftPort)); err != nil {
			return fmt.Errorf("listen raft: %w", err)
		}
		grpcSrv = transportgrpc.NewServer(node)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err = <-errCh:
		logger.WithError(err).Error("listener failed")
	case <-ctx.Done():
		logger.Info("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	node.Stop(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if serr := srv.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}
