// Package hook implements the agent-runtime hook contract: a process is
// spawned with a single event as JSON on stdin, POSTs it to the ingest
// daemon, and exits 0. The same binary serves pre_tool, post_tool,
// post_tool_failure, and user_prompt; the caller sets kind in the payload.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

// Client posts hook events to a running kaitd.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a hook client. baseURL defaults to the loopback
// daemon on port 8787.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Run reads one event from r, validates it, and POSTs it to /events.
// kindOverride, when non-empty, replaces the payload's kind so the same
// binary can be registered per hook without payload changes.
func (c *Client) Run(ctx context.Context, r io.Reader, kindOverride string) error {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return fmt.Errorf("reading event from stdin: %w", err)
	}

	var ev domain.Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &ev); err != nil {
		return fmt.Errorf("parsing event JSON: %w", err)
	}
	if kindOverride != "" {
		ev.Kind = domain.EventKind(kindOverride)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.TsNS == 0 {
		ev.TsNS = time.Now().UnixNano()
	}

	return c.Post(ctx, ev)
}

// Post sends one event to the daemon.
func (c *Client) Post(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("daemon under pressure (429), retry after %s", resp.Header.Get("Retry-After"))
	default:
		return fmt.Errorf("daemon rejected event: %s", resp.Status)
	}
}
