// Package client is the runtime facade: it wires store, cursor, transcript,
// artifact cache, toolkit, dispatcher, transport and engine client into one
// attachable session and exposes the operations a front end needs. No ambient
// globals; every collaborator is injectable.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/cursor"
	"github.com/loomline/loomline/runtime/dispatch"
	"github.com/loomline/loomline/runtime/engine"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/session"
	"github.com/loomline/loomline/runtime/store"
	"github.com/loomline/loomline/runtime/store/inmem"
	"github.com/loomline/loomline/runtime/telemetry"
	"github.com/loomline/loomline/runtime/toolkit"
	"github.com/loomline/loomline/runtime/transcript"
	"github.com/loomline/loomline/runtime/transport"
	"github.com/loomline/loomline/runtime/wire"
)

type (
	// EngineClient is the control-plane surface the facade needs. The engine
	// package's HTTP client satisfies it.
	EngineClient interface {
		StartChat(ctx context.Context, enterpriseID, workflowName, userID string) (string, bool, error)
		ChatExists(ctx context.Context, enterpriseID, workflowName, chatID string) (bool, error)
		SubmitToolResponse(ctx context.Context, eventID string, responseData map[string]any) error
	}

	// EventTap observes every accepted canonical event after dispatch.
	EventTap interface {
		Publish(ctx context.Context, ev *wire.Event) error
	}

	// Config carries the session identity and endpoints.
	Config struct {
		// EngineURL is the engine control-plane base URL.
		EngineURL string
		// StreamURL is the event stream base URL; defaults to EngineURL.
		StreamURL    string
		EnterpriseID string
		WorkflowName string
		UserID       string
		// SessionID reattaches to a known chat; empty starts fresh. The
		// engine has the last word either way.
		SessionID string
		// AuthToken is sent as a bearer token on the stream and the control
		// plane.
		AuthToken string
		// Headers are added to stream requests.
		Headers map[string]string
		// HasInitialGreeting declares that the workflow opens with its own
		// greeting, which disables first-turn suppression.
		HasInitialGreeting bool

		ConnectTimeout time.Duration
		PollInterval   time.Duration
		Reconnect      transport.ReconnectConfig
	}

	// Option customizes collaborators.
	Option func(*Client)

	// Client is one attachable chat session.
	Client struct {
		cfg Config
		log telemetry.Logger
		met telemetry.Metrics

		store      store.Store
		engine     EngineClient
		tools      *toolkit.Registry
		transcript *transcript.Log
		artifacts  *artifact.Cache
		bus        *hooks.Bus
		tap        EventTap

		// fixed, when injected, replaces the chain built per attach.
		fixed transport.Transport

		epoch atomic.Uint64

		// dispatchMu serializes the inbound path: normalization, the cursor
		// gate, dispatch, and the post-connect resume handshake.
		dispatchMu sync.Mutex

		mu         sync.Mutex
		sessionID  string
		cursor     *cursor.Cursor
		dispatcher *dispatch.Dispatcher
		transport  transport.Transport
		cancel     context.CancelFunc
		subs       []transport.Subscription
		attached   bool
		attaching  bool
	}
)

// WithStore replaces the default in-memory store.
func WithStore(st store.Store) Option {
	return func(c *Client) { c.store = st }
}

// WithEngine replaces the default HTTP engine client.
func WithEngine(e EngineClient) Option {
	return func(c *Client) { c.engine = e }
}

// WithTransport fixes the transport instead of building the fallback chain.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) { c.fixed = t }
}

// WithRegistry replaces the empty tool registry with a populated catalogue.
func WithRegistry(r *toolkit.Registry) Option {
	return func(c *Client) { c.tools = r }
}

// WithEventTap republishes accepted canonical events to the tap.
func WithEventTap(tap EventTap) Option {
	return func(c *Client) { c.tap = tap }
}

// WithLogger sets the logger.
func WithLogger(log telemetry.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(met telemetry.Metrics) Option {
	return func(c *Client) { c.met = met }
}

// New builds an unattached client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.EnterpriseID == "" || cfg.WorkflowName == "" || cfg.UserID == "" {
		return nil, errors.New("enterprise id, workflow name and user id are required")
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = telemetry.NewNoopLogger()
	}
	if c.met == nil {
		c.met = telemetry.NewNoopMetrics()
	}
	if c.store == nil {
		c.store = inmem.New()
	}
	if c.engine == nil {
		var engineOpts []engine.Option
		if cfg.AuthToken != "" {
			engineOpts = append(engineOpts, engine.WithBearerToken(cfg.AuthToken))
		}
		e, err := engine.New(cfg.EngineURL, engineOpts...)
		if err != nil {
			return nil, fmt.Errorf("engine client: %w", err)
		}
		c.engine = e
	}
	if c.tools == nil {
		c.tools = toolkit.NewRegistry(c.log, c.met)
	}
	c.transcript = transcript.NewLog()
	c.artifacts = artifact.NewCache(c.store, c.log)
	c.bus = hooks.NewBus(c.log)
	c.sessionID = cfg.SessionID
	return c, nil
}

// Attach bootstraps the session with the engine, builds the per-session
// pipeline and connects the transport. Re-entrant calls while attached or
// while an attach is in flight are no-ops.
func (c *Client) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.attached || c.attaching {
		c.mu.Unlock()
		return nil
	}
	c.attaching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.attaching = false
		c.mu.Unlock()
	}()

	sessionID, reused, err := c.bootstrapSession(ctx)
	if err != nil {
		return err
	}

	seed, err := c.store.LoadSeed(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load seed: %w", err)
	}

	cur := cursor.New(c.store, sessionID, c.log, c.met)
	if err := cur.Load(ctx); err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	tr, err := c.buildTransport(sessionID, cur)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	disp, err := dispatch.New(dispatch.Options{
		SessionID:    sessionID,
		WorkflowName: c.cfg.WorkflowName,
		// A reused chat ran its first turn in an earlier life.
		HasInitialGreeting: c.cfg.HasInitialGreeting || reused,
		Seed:               seed,
		Transcript:         c.transcript,
		Artifacts:          c.artifacts,
		Tools:              c.tools,
		Cursor:             cur,
		Seeds:              c.store,
		Bus:                c.bus,
		Senders:            c,
		Connected:          func() bool { return tr.State() == transport.StateConnected },
		Log:                c.log,
		Metrics:            c.met,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	subs := []transport.Subscription{
		tr.OnMessage(func(raw []byte) { c.inbound(rootCtx, cur, disp, raw) }),
		tr.OnState(func(st transport.State) { c.onState(rootCtx, tr, cur, disp, st) }),
		tr.OnError(func(err error) { c.bus.Publish(&hooks.Fault{Err: err}) }),
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.cursor = cur
	c.dispatcher = disp
	c.transport = tr
	c.cancel = cancel
	c.subs = subs
	c.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		for _, s := range subs {
			s.Close()
		}
		cancel()
		c.mu.Lock()
		c.transport = nil
		c.cancel = nil
		c.subs = nil
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.attached = true
	c.mu.Unlock()
	c.log.Info(ctx, "attached", "session", sessionID, "reused", reused)
	return nil
}

// bootstrapSession preflights a stored chat id and otherwise starts or
// resumes one through the engine.
func (c *Client) bootstrapSession(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	known := c.sessionID
	c.mu.Unlock()

	if known != "" {
		exists, err := c.engine.ChatExists(ctx, c.cfg.EnterpriseID, c.cfg.WorkflowName, known)
		if err != nil {
			return "", false, fmt.Errorf("preflight chat: %w", err)
		}
		if exists {
			return known, true, nil
		}
		c.log.Info(ctx, "stored chat unknown to engine, starting fresh", "session", known)
		if err := c.store.DeleteSession(ctx, known); err != nil {
			c.log.Warn(ctx, "drop stale session state failed", "session", known, "err", err)
		}
	}

	chatID, reused, err := c.engine.StartChat(ctx, c.cfg.EnterpriseID, c.cfg.WorkflowName, c.cfg.UserID)
	if err != nil {
		return "", false, fmt.Errorf("start chat: %w", err)
	}
	return chatID, reused, nil
}

func (c *Client) buildTransport(sessionID string, cur *cursor.Cursor) (transport.Transport, error) {
	if c.fixed != nil {
		return c.fixed, nil
	}
	base := c.cfg.StreamURL
	if base == "" {
		base = c.cfg.EngineURL
	}
	headers := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	if c.cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + c.cfg.AuthToken
	}
	return transport.NewChain(transport.Config{
		BaseURL:        base,
		SessionID:      sessionID,
		Headers:        headers,
		ConnectTimeout: c.cfg.ConnectTimeout,
		PollInterval:   c.cfg.PollInterval,
		Cursor:         cur.Last,
		Reconnect:      c.cfg.Reconnect,
		Log:            c.log,
		Metrics:        c.met,
	})
}

// inbound is the single entry for raw frames: normalize, gate through the
// cursor, dispatch, tap. One frame at a time.
func (c *Client) inbound(ctx context.Context, cur *cursor.Cursor, disp *dispatch.Dispatcher, raw []byte) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	ev, err := wire.Normalize(raw)
	if err != nil {
		c.met.IncCounter(telemetry.MetricEventsMalformed, 1, "session", c.SessionID())
		c.log.Warn(ctx, "malformed frame dropped", "err", err)
		return
	}
	if seq, ok := ev.Seq(); ok {
		decision := cur.Observe(ctx, seq)
		if decision.Resume {
			c.sendResume(ctx, cur)
		}
		if !decision.Accept {
			return
		}
	}
	disp.Dispatch(ctx, ev)
	if c.tap != nil {
		if err := c.tap.Publish(ctx, ev); err != nil {
			c.log.Warn(ctx, "event tap publish failed", "err", err)
		}
	}
}

// onState tracks connection transitions. Entering connected advances the
// respond epoch, replays the resume handshake when a cursor exists, and
// re-evaluates artifact restoration.
func (c *Client) onState(ctx context.Context, tr transport.Transport, cur *cursor.Cursor, disp *dispatch.Dispatcher, st transport.State) {
	if st == transport.StateConnected {
		c.epoch.Add(1)
		c.dispatchMu.Lock()
		if cur.Last() > 0 || cur.Pending() {
			c.sendResume(ctx, cur)
			cur.MarkResumeSent()
		}
		disp.ConnectionEstablished(ctx)
		c.dispatchMu.Unlock()
	}
	c.bus.Publish(&hooks.StatusChanged{State: st})
}

// sendResume pushes the replay request for everything after the last accepted
// sequence. Callers hold dispatchMu.
func (c *Client) sendResume(ctx context.Context, cur *cursor.Cursor) {
	c.mu.Lock()
	tr := c.transport
	sessionID := c.sessionID
	c.mu.Unlock()
	if tr == nil {
		return
	}
	frame, err := json.Marshal(wire.NewResumeRequest(sessionID, cur.Last()))
	if err != nil {
		c.log.Error(ctx, "marshal resume request", "err", err)
		return
	}
	if err := tr.Send(ctx, frame); err != nil {
		c.log.Warn(ctx, "resume request send failed", "session", sessionID, "err", err)
		return
	}
	c.log.Info(ctx, "resume requested", "session", sessionID, "last_seq", cur.Last())
}

// SubmitInput answers a pending input request: the text is sent as
// user.input.submit and appended locally as the user's message.
func (c *Client) SubmitInput(requestID, text string) bool {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return false
	}
	frame, err := json.Marshal(wire.NewInputSubmit(requestID, text))
	if err != nil {
		c.log.Error(context.Background(), "marshal input submit", "err", err)
		return false
	}
	ctx := context.Background()
	if err := tr.Send(ctx, frame); err != nil {
		c.log.Warn(ctx, "input submit send failed", "request_id", requestID, "err", err)
		return false
	}
	msg := c.transcript.AppendUser(text)
	c.bus.Publish(&hooks.MessageAppended{Message: msg})
	return true
}

// Send pushes a raw frame over the active channel. Legacy passthrough for
// payloads the runtime does not model.
func (c *Client) Send(payload []byte) bool {
	err := c.SendRaw(context.Background(), payload)
	return err == nil
}

// Teardown disconnects, invalidates outstanding respond capabilities and
// removes internal observers. The local transcript, artifact and durable
// state survive for a later Attach.
func (c *Client) Teardown() {
	c.mu.Lock()
	tr := c.transport
	subs := c.subs
	cancel := c.cancel
	c.transport = nil
	c.subs = nil
	c.cancel = nil
	c.attached = false
	c.mu.Unlock()

	c.epoch.Add(1)
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			c.log.Warn(context.Background(), "disconnect failed", "err", err)
		}
	}
	for _, s := range subs {
		s.Close()
	}
}

// Reset tears down and destroys the session's durable and local state. The
// next Attach starts from a clean slate.
func (c *Client) Reset(ctx context.Context) error {
	c.Teardown()

	c.mu.Lock()
	sessionID := c.sessionID
	cur := c.cursor
	disp := c.dispatcher
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	hadArtifact := c.artifacts.Current(sessionID) != nil
	c.artifacts.Purge(ctx, sessionID)
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	if cur != nil {
		cur.Reset()
	}
	if disp != nil {
		disp.Reset()
	}
	c.tools.InvalidateSession(sessionID)
	c.transcript.Clear()
	if hadArtifact {
		c.bus.Publish(&hooks.ArtifactChanged{Snapshot: nil})
	}
	c.log.Info(ctx, "session reset", "session", sessionID)
	return nil
}

// DeliverToolResponse implements dispatch.Senders via the engine control
// plane.
func (c *Client) DeliverToolResponse(ctx context.Context, eventID, toolID string, data map[string]any) error {
	if err := c.engine.SubmitToolResponse(ctx, eventID, data); err != nil {
		return fmt.Errorf("tool %s: %w", toolID, err)
	}
	return nil
}

// SendRaw implements dispatch.Senders over the active transport.
func (c *Client) SendRaw(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return transport.ErrNotConnected
	}
	return tr.Send(ctx, payload)
}

// Epoch implements dispatch.Senders: it advances on every new connection and
// on teardown.
func (c *Client) Epoch() uint64 { return c.epoch.Load() }

// OnNotice subscribes to conversation state changes.
func (c *Client) OnNotice(fn func(hooks.Notice)) hooks.Subscription {
	return c.bus.Subscribe(fn)
}

// Messages returns the transcript so far.
func (c *Client) Messages() []transcript.Message { return c.transcript.Messages() }

// Artifact returns the current artifact snapshot, nil when the panel is
// closed.
func (c *Client) Artifact() *artifact.Snapshot {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return c.artifacts.Current(sessionID)
}

// Usage returns the accumulated token accounting.
func (c *Client) Usage() session.Usage {
	c.mu.Lock()
	disp := c.dispatcher
	c.mu.Unlock()
	if disp == nil {
		return session.Usage{}
	}
	return disp.Usage()
}

// Status reports the transport state, disconnected when unattached.
func (c *Client) Status() transport.State {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return transport.StateDisconnected
	}
	return tr.State()
}

// SessionID returns the engine-confirmed chat id, empty before the first
// attach settles one.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Workflow returns the configured workflow name.
func (c *Client) Workflow() string { return c.cfg.WorkflowName }
