package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/kvclient"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

const usage = `usage: kvctl [flags] <command> [args]

commands:
  get <key>
  list
  put <key> <value>
  delete <key>
  cas <key> <expected> <value>
  mput <key=value>...
  mdelete <key>...
  status
`

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "Address of any cluster node")
		timeout  = flag.Duration("timeout", 5*time.Second, "Request timeout")
		clientID = flag.String("client-id", "", "Client session id (random when empty)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := kvclient.New(kvclient.Config{Addr: *addr, Timeout: *timeout, ClientID: *clientID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, client, args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func need(args []string, n int, cmd string) error {
	if len(args) < n {
		return fmt.Errorf("%s needs %d argument(s)", cmd, n)
	}
	return nil
}

func run(ctx context.Context, c *kvclient.Client, cmd string, args []string) (any, error) {
	switch cmd {
	case "get":
		if err := need(args, 1, cmd); err != nil {
			return nil, err
		}
		v, ok, err := c.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("key %q not found", args[0])
		}
		return map[string]string{args[0]: v}, nil
	case "list":
		return c.List(ctx)
	case "put":
		if err := need(args, 2, cmd); err != nil {
			return nil, err
		}
		return c.Put(ctx, args[0], args[1])
	case "delete":
		if err := need(args, 1, cmd); err != nil {
			return nil, err
		}
		return c.Delete(ctx, args[0])
	case "cas":
		if err := need(args, 3, cmd); err != nil {
			return nil, err
		}
		return c.CAS(ctx, args[0], args[1], args[2])
	case "mput":
		if err := need(args, 1, cmd); err != nil {
			return nil, err
		}
		entries := make([]types.Entry, 0, len(args))
		for _, kv := range args {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("invalid entry %q (expected key=value)", kv)
			}
			entries = append(entries, types.Entry{Key: k, Value: v})
		}
		return c.MPut(ctx, entries)
	case "mdelete":
		if err := need(args, 1, cmd); err != nil {
			return nil, err
		}
		return c.MDelete(ctx, args)
	case "status":
		return c.Status(ctx)
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}
}
