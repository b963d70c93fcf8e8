// Package kvclient is an HTTP client for the KV API that follows leader
// redirects and tags every write with a client session.
package kvclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// ErrNoLeader is returned when a node redirects without knowing the leader.
var ErrNoLeader = errors.New("kvclient: no known leader")

// ErrTooManyRedirects is returned when redirects do not settle on a leader.
var ErrTooManyRedirects = errors.New("kvclient: too many redirects")

// Config holds configuration options for the KV client.
type Config struct {
	Addr         string
	Timeout      time.Duration
	MaxRedirects int
	// ClientID identifies the session; a random one is used when empty.
	ClientID string
}

// Client talks to one node at a time and moves to the leader when
// redirected.
type Client struct {
	cfg  Config
	http *http.Client

	mu   sync.Mutex
	addr string
	seq  uint64
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("no server address provided")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 3
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return &Client{
		cfg:  cfg,
		addr: cfg.Addr,
		http: &http.Client{
			Timeout: cfg.Timeout,
			// redirects are followed by do so the leader is remembered
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// ClientID returns the session id sent with writes.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// Addr returns the node the client currently talks to.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Client) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

type notLeaderBody struct {
	LeaderHint types.LeaderHint `json:"leader_hint"`
}

// do sends a request and decodes the final response into out. It returns
// the HTTP status of that response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, err
		}
	}

	for hop := 0; hop <= c.cfg.MaxRedirects; hop++ {
		base := c.Addr()
		req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}

		if resp.StatusCode != http.StatusTemporaryRedirect {
			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return resp.StatusCode, fmt.Errorf("decode response: %w", err)
				}
			}
			return resp.StatusCode, nil
		}

		leader, err := leaderBase(resp, data)
		if err != nil {
			return resp.StatusCode, err
		}
		c.mu.Lock()
		c.addr = leader
		c.mu.Unlock()
	}
	return 0, ErrTooManyRedirects
}

// leaderBase extracts the leader's base URL from a redirect, preferring
// the leader hint over the Location header.
func leaderBase(resp *http.Response, data []byte) (string, error) {
	var nl notLeaderBody
	if json.Unmarshal(data, &nl) == nil && nl.LeaderHint.LeaderAddr != "" {
		return nl.LeaderHint.LeaderAddr, nil
	}
	loc, err := resp.Location()
	if err != nil {
		return "", ErrNoLeader
	}
	return (&url.URL{Scheme: loc.Scheme, Host: loc.Host}).String(), nil
}

// write sends a write command with the next session sequence number.
func (c *Client) write(ctx context.Context, method, path string, body map[string]any) (types.ApplyResult, error) {
	body["client_id"] = c.cfg.ClientID
	body["seq"] = c.nextSeq()
	var res types.ApplyResult
	status, err := c.do(ctx, method, path, body, &res)
	if err != nil {
		return types.ApplyResult{}, err
	}
	if !res.Ok && res.ErrCode == "" {
		return res, fmt.Errorf("kvclient: unexpected status %d", status)
	}
	return res, nil
}

// Get returns the value of key, reading from the current node.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var out struct {
		Ok    bool   `json:"ok"`
		Value string `json:"value"`
	}
	status, err := c.do(ctx, http.MethodGet, "/kv/"+url.PathEscape(key), nil, &out)
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusOK:
		return out.Value, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("kvclient: unexpected status %d", status)
	}
}

// List returns every key and value on the current node.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	var out struct {
		Data map[string]string `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/kv", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Put(ctx context.Context, key, value string) (types.ApplyResult, error) {
	return c.write(ctx, http.MethodPut, "/kv/"+url.PathEscape(key), map[string]any{"value": value})
}

func (c *Client) Delete(ctx context.Context, key string) (types.ApplyResult, error) {
	return c.write(ctx, http.MethodDelete, "/kv/"+url.PathEscape(key), map[string]any{})
}

// CAS sets key to value if it currently holds expected. A missing key
// holds "".
func (c *Client) CAS(ctx context.Context, key, expected, value string) (types.ApplyResult, error) {
	return c.write(ctx, http.MethodPost, "/kv/"+url.PathEscape(key)+"/cas", map[string]any{
		"expected": expected,
		"value":    value,
	})
}

func (c *Client) MPut(ctx context.Context, entries []types.Entry) (types.ApplyResult, error) {
	return c.write(ctx, http.MethodPost, "/kv/mput", map[string]any{"entries": entries})
}

func (c *Client) MDelete(ctx context.Context, keys []string) (types.ApplyResult, error) {
	return c.write(ctx, http.MethodPost, "/kv/mdelete", map[string]any{"keys": keys})
}

// Status returns the current node's raft status.
func (c *Client) Status(ctx context.Context) (types.NodeStatus, error) {
	var st types.NodeStatus
	_, err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}
