package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pollFailureLimit is how many consecutive drain failures the polling mode
// tolerates before reporting the connection lost.
const pollFailureLimit = 3

// pollDialer is the last-resort fallback: a timed drain of the events backlog
// paired with the same POST side-channel the SSE mode uses for writes.
type pollDialer struct {
	pollURL  string
	sendURL  string
	headers  map[string]string
	client   *http.Client
	interval time.Duration
	cursor   func() int64
}

func newPollDialer(cfg Config) (*pollDialer, error) {
	pollURL, err := cfg.httpURL(pollPath)
	if err != nil {
		return nil, err
	}
	sendURL, err := cfg.httpURL(sendPath)
	if err != nil {
		return nil, err
	}
	cursor := cfg.Cursor
	if cursor == nil {
		cursor = func() int64 { return 0 }
	}
	return &pollDialer{
		pollURL:  pollURL,
		sendURL:  sendURL,
		headers:  cfg.Headers,
		client:   cfg.httpClient(),
		interval: cfg.pollInterval(),
		cursor:   cursor,
	}, nil
}

// Name implements Dialer.
func (d *pollDialer) Name() string { return "poll" }

// Dial implements Dialer by draining once with the dial context: the probe
// proves the endpoint is reachable and picks up any backlog, which the
// connection replays before its first timed drain.
func (d *pollDialer) Dial(ctx context.Context) (Conn, error) {
	backlog, err := d.drain(ctx, d.cursor())
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{dialer: d, ctx: connCtx, cancel: cancel, backlog: backlog}, nil
}

// pollEnvelope is the drain endpoint's response shape. Events stay raw so the
// normalizer sees the same bytes every transport mode delivers.
type pollEnvelope struct {
	Events []json.RawMessage `json:"events"`
}

func (d *pollDialer) drain(ctx context.Context, after int64) ([]json.RawMessage, error) {
	url := d.pollURL + "&after=" + strconv.FormatInt(after, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("poll events: status %d", resp.StatusCode)
	}
	var env pollEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return env.Events, nil
}

// pollConn drains the backlog on a fixed cadence. The cursor getter keeps the
// drain offset aligned with the last sequence the runtime accepted, so events
// already applied are not fetched again.
type pollConn struct {
	dialer    *pollDialer
	ctx       context.Context
	cancel    context.CancelFunc
	backlog   []json.RawMessage
	closeOnce sync.Once
}

// Start implements Conn.
func (c *pollConn) Start(sink Sink) {
	go c.pump(sink)
}

func (c *pollConn) pump(sink Sink) {
	for _, raw := range c.backlog {
		sink.HandleMessage([]byte(raw))
	}
	c.backlog = nil

	limiter := rate.NewLimiter(rate.Every(c.dialer.interval), 1)
	// The dial probe already drained; start the cadence one interval out.
	_ = limiter.Allow()
	failures := 0
	for {
		if err := limiter.Wait(c.ctx); err != nil {
			sink.HandleClosed(nil)
			return
		}
		events, err := c.dialer.drain(c.ctx, c.dialer.cursor())
		if err != nil {
			if c.ctx.Err() != nil {
				sink.HandleClosed(nil)
				return
			}
			failures++
			if failures >= pollFailureLimit {
				sink.HandleClosed(fmt.Errorf("poll failed %d times in a row: %w", failures, err))
				return
			}
			continue
		}
		failures = 0
		for _, raw := range events {
			sink.HandleMessage([]byte(raw))
		}
	}
}

// Send implements Conn.
func (c *pollConn) Send(ctx context.Context, payload []byte) error {
	return postSend(ctx, c.dialer.client, c.dialer.sendURL, c.dialer.headers, payload)
}

// Close implements Conn.
func (c *pollConn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}
