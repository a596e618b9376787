package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// sseDialer opens the server-push fallback: a text/event-stream GET for
// inbound traffic paired with a POST side-channel for writes.
type sseDialer struct {
	streamURL string
	sendURL   string
	headers   map[string]string
	stream    *http.Client
	send      *http.Client
}

func newSSEDialer(cfg Config) (*sseDialer, error) {
	streamURL, err := cfg.httpURL(eventsPath)
	if err != nil {
		return nil, err
	}
	sendURL, err := cfg.httpURL(sendPath)
	if err != nil {
		return nil, err
	}
	return &sseDialer{
		streamURL: streamURL,
		sendURL:   sendURL,
		headers:   cfg.Headers,
		stream:    streamClient(cfg.httpClient()),
		send:      cfg.httpClient(),
	}, nil
}

// streamClient strips any client-level timeout: the event stream must stay
// open indefinitely, while non-streaming requests keep the configured client.
func streamClient(base *http.Client) *http.Client {
	if base.Timeout == 0 {
		return base
	}
	return &http.Client{
		Transport:     base.Transport,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}
}

// Name implements Dialer.
func (d *sseDialer) Name() string { return "sse" }

// Dial implements Dialer.
func (d *sseDialer) Dial(ctx context.Context) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, d.streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build event stream request: %w", err)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The dial context only bounds establishment. Once headers arrive the
	// stream lives on its own context until Close.
	established := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-established:
		}
	}()
	resp, err := d.stream.Do(req)
	close(established)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: unexpected content type %q", ct)
	}
	return &sseConn{
		body:    resp.Body,
		cancel:  cancel,
		sendURL: d.sendURL,
		headers: d.headers,
		client:  d.send,
	}, nil
}

// sseConn reads data: frames off one event stream and posts outbound payloads
// to the send endpoint.
type sseConn struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	sendURL string
	headers map[string]string
	client  *http.Client

	closeOnce sync.Once
	closed    atomic.Bool
}

// Start implements Conn.
func (c *sseConn) Start(sink Sink) {
	go c.pump(sink)
}

func (c *sseConn) pump(sink Sink) {
	stream := bufio.NewReader(c.body)
	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = nil
		if payload == "" {
			return
		}
		sink.HandleMessage([]byte(payload))
	}
	for {
		line, err := stream.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				flush()
			}
			if c.closed.Load() {
				sink.HandleClosed(nil)
				return
			}
			// EOF mid-session means the stream dropped, not that the
			// server finished: the engine closes via run.complete, not by
			// ending the stream.
			sink.HandleClosed(fmt.Errorf("read event stream: %w", err))
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, ":") {
			continue // keepalive comment
		}
		if strings.HasPrefix(trimmed, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}
		// event:, id: and retry: fields are not part of the engine stream.
	}
}

// Send implements Conn by posting the payload to the send endpoint.
func (c *sseConn) Send(ctx context.Context, payload []byte) error {
	return postSend(ctx, c.client, c.sendURL, c.headers, payload)
}

// postSend delivers one outbound payload over the HTTP side-channel shared by
// the SSE and polling modes.
func postSend(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("send rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Conn.
func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.body.Close()
	})
	return nil
}
