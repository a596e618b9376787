// Package transport maintains the streaming channel between the client
// runtime and the workflow engine. A Chain walks an ordered set of dialers
// (WebSocket, then an SSE stream paired with an HTTP send side-channel, then
// timed polling) until one produces an open connection, and schedules
// backoff-driven reconnects when an established connection drops abnormally.
//
// The transport layer only moves raw frames: it never parses event payloads
// beyond what a channel needs to frame them, and it never touches message or
// artifact state. Subscribers receive raw bytes, state changes and terminal
// errors through observer tokens.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomline/loomline/runtime/telemetry"
)

// State identifies where the transport sits in its connection lifecycle.
type State string

const (
	// StateDisconnected is the initial state and the state after an
	// intentional Disconnect.
	StateDisconnected State = "disconnected"
	// StateConnecting is set while the first Connect walks the dial chain.
	StateConnecting State = "connecting"
	// StateConnected is set once a channel is open and pumping frames.
	StateConnected State = "connected"
	// StateReconnecting is set while the scheduler retries after an
	// abnormal closure.
	StateReconnecting State = "reconnecting"
	// StateError is terminal: the reconnect budget is exhausted.
	StateError State = "error"
)

// ErrAttemptsExhausted is reported to error subscribers when the reconnect
// scheduler gives up. The transport stays in StateError until Connect is
// called again.
var ErrAttemptsExhausted = errors.New("transport: reconnect attempts exhausted")

// ErrNotConnected is returned by Send when no channel is open.
var ErrNotConnected = errors.New("transport: not connected")

type (
	// Transport is the streaming seam the client runtime depends on.
	//
	// Contract:
	//   - Connect walks the dial chain until a channel opens or every mode
	//     fails; a failed walk returns an error without scheduling retries.
	//     Re-entrant calls while a connection attempt is in flight are no-ops.
	//   - Send delivers one raw payload upstream on the active channel and
	//     fails with ErrNotConnected when none is open.
	//   - Disconnect closes intentionally: it cancels pending reconnect
	//     timers and suppresses the closure callback of the open channel.
	//   - Observers registered via OnMessage, OnState and OnError are invoked
	//     in registration order from the connection's reader goroutine; each
	//     token's Close removes the observer.
	Transport interface {
		Connect(ctx context.Context) error
		Send(ctx context.Context, payload []byte) error
		Disconnect() error
		State() State
		OnMessage(fn func(raw []byte)) Subscription
		OnState(fn func(state State)) Subscription
		OnError(fn func(err error)) Subscription
	}

	// Dialer establishes one flavor of channel to the engine.
	Dialer interface {
		// Name identifies the channel mode in logs and metric tags.
		Name() string
		// Dial opens the channel. The returned Conn stays idle until Start
		// so the caller can register its sink before frames arrive.
		Dial(ctx context.Context) (Conn, error)
	}

	// Conn is a single open channel produced by a Dialer.
	Conn interface {
		// Start begins pumping inbound frames into sink. Call it exactly
		// once per connection.
		Start(sink Sink)
		// Send writes one raw payload upstream.
		Send(ctx context.Context, payload []byte) error
		// Close tears the channel down. Idempotent. The sink sees at most
		// one HandleClosed after Close returns.
		Close() error
	}

	// Sink receives a connection's inbound traffic and its closure.
	Sink interface {
		// HandleMessage delivers one raw inbound frame.
		HandleMessage(raw []byte)
		// HandleClosed reports that the channel shut down. A nil error
		// means a clean, server-initiated close.
		HandleClosed(err error)
	}

	// Subscription removes an observer when closed.
	Subscription interface {
		// Close unregisters the observer. Safe to call multiple times.
		Close()
	}

	// Config carries everything a Chain needs to reach one session's stream.
	Config struct {
		// BaseURL is the engine's HTTP root, e.g. "http://127.0.0.1:8420".
		BaseURL string
		// SessionID scopes every channel to one chat session.
		SessionID string
		// Headers are attached to every dial handshake and HTTP request.
		Headers map[string]string
		// ConnectTimeout bounds each individual dial attempt. Defaults to
		// 10 seconds.
		ConnectTimeout time.Duration
		// PollInterval paces the polling fallback. Defaults to 2 seconds.
		PollInterval time.Duration
		// Cursor reports the last accepted sequence number so the polling
		// fallback can resume the drain where the stream left off. When nil
		// the poll starts from zero.
		Cursor func() int64
		// Reconnect tunes the backoff scheduler. Zero values take defaults.
		Reconnect ReconnectConfig
		// Dialers overrides the fallback chain. When nil the chain dials
		// WebSocket, SSE and polling endpoints derived from BaseURL.
		Dialers []Dialer
		// HTTPClient serves the SSE and polling modes. Defaults to
		// http.DefaultClient.
		HTTPClient *http.Client
		// Log receives transport lifecycle events. Defaults to a no-op.
		Log telemetry.Logger
		// Metrics records reconnect attempts and connect latency. Defaults
		// to a no-op.
		Metrics telemetry.Metrics
	}
)

// Endpoint paths on the engine, relative to Config.BaseURL.
const (
	streamPath = "/v1/stream"
	eventsPath = "/v1/events"
	sendPath   = "/v1/send"
	pollPath   = "/v1/poll"
)

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" && len(c.Dialers) == 0 {
		return errors.New("transport: base URL is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("transport: session id is required")
	}
	return nil
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c Config) logger() telemetry.Logger {
	if c.Log != nil {
		return c.Log
	}
	return telemetry.NewNoopLogger()
}

func (c Config) metrics() telemetry.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return telemetry.NewNoopMetrics()
}

// streamURL derives the WebSocket endpoint from BaseURL, switching the scheme
// to ws/wss and carrying the session id in the query.
func (c Config) streamURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + streamPath
	q := u.Query()
	q.Set("session", c.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpURL derives an HTTP endpoint from BaseURL with the session id in the
// query.
func (c Config) httpURL(path string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("session", c.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
