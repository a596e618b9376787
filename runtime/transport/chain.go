package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomline/loomline/runtime/telemetry"
)

// Chain implements Transport by walking an ordered list of dialers until one
// produces an open connection. Reconnects after abnormal closures are driven
// by a backoff scheduler and walk the same list again from the primary mode.
type Chain struct {
	cfg     Config
	dialers []Dialer
	sched   *scheduler
	log     telemetry.Logger
	met     telemetry.Metrics

	mu         sync.Mutex
	state      State
	conn       Conn
	connMode   string
	generation uint64
	connecting bool
	closing    bool
	dialCtx    context.Context

	obsMu    sync.RWMutex
	msgObs   []*msgObserver
	stateObs []*stateObserver
	errObs   []*errObserver
}

var _ Transport = (*Chain)(nil)

// NewChain builds the fallback transport for one session. When cfg.Dialers is
// empty the chain dials the WebSocket, SSE and polling endpoints derived from
// cfg.BaseURL, in that order.
func NewChain(cfg Config) (*Chain, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dialers := cfg.Dialers
	if len(dialers) == 0 {
		ws, err := newWebSocketDialer(cfg)
		if err != nil {
			return nil, err
		}
		sse, err := newSSEDialer(cfg)
		if err != nil {
			return nil, err
		}
		poll, err := newPollDialer(cfg)
		if err != nil {
			return nil, err
		}
		dialers = []Dialer{ws, sse, poll}
	}
	return &Chain{
		cfg:     cfg,
		dialers: dialers,
		sched:   newScheduler(cfg.Reconnect),
		log:     cfg.logger(),
		met:     cfg.metrics(),
		state:   StateDisconnected,
	}, nil
}

// Connect walks the dial chain until a channel opens. A failed walk returns
// the joined dial errors without scheduling retries; retries are reserved for
// connections that drop after opening. Calling Connect while an attempt is in
// flight or a channel is already open is a no-op.
func (c *Chain) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.closing = false
	c.dialCtx = ctx
	c.mu.Unlock()

	c.setState(StateConnecting)
	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// Send delivers one raw payload upstream on the active channel.
func (c *Chain) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, payload)
}

// Disconnect closes the transport intentionally: any pending reconnect timer
// is cancelled and the open channel's closure is not treated as abnormal.
func (c *Chain) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.sched.Cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.setState(StateDisconnected)
	return err
}

// State reports where the transport sits in its connection lifecycle.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode reports the name of the dialer behind the open channel, or "" when
// disconnected.
func (c *Chain) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connMode
}

// dial walks the fallback chain once. Each attempt is bounded by the connect
// timeout; the first open connection wins and is adopted as the active
// channel.
func (c *Chain) dial(ctx context.Context) error {
	var dialErrs []error
	for _, d := range c.dialers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
		conn, err := d.Dial(attemptCtx)
		cancel()
		if err != nil {
			c.log.Warn(ctx, "transport dial failed", "mode", d.Name(), "err", err)
			dialErrs = append(dialErrs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		c.met.RecordTimer(telemetry.MetricConnectDuration, time.Since(start),
			"session", c.cfg.SessionID, "mode", d.Name())
		c.adopt(conn, d.Name())
		return nil
	}
	return fmt.Errorf("transport: all modes failed: %w", errors.Join(dialErrs...))
}

// adopt installs conn as the active channel and starts its pump. The
// generation counter lets callbacks from a superseded connection be ignored.
func (c *Chain) adopt(conn Conn, mode string) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	c.connMode = mode
	c.mu.Unlock()

	c.sched.Reset()
	conn.Start(&chainSink{chain: c, gen: gen})
	c.setState(StateConnected)
	c.log.Info(context.Background(), "transport connected",
		"mode", mode, "session", c.cfg.SessionID)
}

func (c *Chain) handleMessage(gen uint64, raw []byte) {
	c.mu.Lock()
	stale := gen != c.generation || c.conn == nil
	c.mu.Unlock()
	if stale {
		return
	}
	c.obsMu.RLock()
	obs := make([]*msgObserver, len(c.msgObs))
	copy(obs, c.msgObs)
	c.obsMu.RUnlock()
	for _, o := range obs {
		o.fn(raw)
	}
}

func (c *Chain) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connMode = ""
	closing := c.closing
	ctx := c.dialCtx
	c.mu.Unlock()

	if closing {
		c.setState(StateDisconnected)
		return
	}
	if err == nil {
		// Server-initiated clean close ends the stream without retries.
		c.log.Info(context.Background(), "transport stream closed by server",
			"session", c.cfg.SessionID)
		c.setState(StateDisconnected)
		return
	}
	c.log.Warn(context.Background(), "transport connection lost",
		"session", c.cfg.SessionID, "err", err)
	c.scheduleReconnect(ctx)
}

func (c *Chain) scheduleReconnect(ctx context.Context) {
	c.setState(StateReconnecting)
	armed := c.sched.Schedule(func(attempt int) { c.reconnect(ctx, attempt) })
	if !armed {
		c.setState(StateError)
		c.notifyError(ErrAttemptsExhausted)
	}
}

// reconnect runs on the scheduler's timer goroutine. A failed walk arms the
// next attempt; budget exhaustion surfaces ErrAttemptsExhausted.
func (c *Chain) reconnect(ctx context.Context, attempt int) {
	c.mu.Lock()
	if c.closing || c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	c.met.IncCounter(telemetry.MetricReconnectAttempts, 1, "session", c.cfg.SessionID)
	c.log.Info(ctx, "transport reconnecting",
		"attempt", attempt, "session", c.cfg.SessionID)
	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		c.setState(StateDisconnected)
		return
	}
	c.scheduleReconnect(ctx)
}

func (c *Chain) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.obsMu.RLock()
	obs := make([]*stateObserver, len(c.stateObs))
	copy(obs, c.stateObs)
	c.obsMu.RUnlock()
	for _, o := range obs {
		o.fn(s)
	}
}

func (c *Chain) notifyError(err error) {
	c.obsMu.RLock()
	obs := make([]*errObserver, len(c.errObs))
	copy(obs, c.errObs)
	c.obsMu.RUnlock()
	for _, o := range obs {
		o.fn(err)
	}
}

// OnMessage registers fn for every raw inbound frame. Frames from a
// superseded connection are never delivered.
func (c *Chain) OnMessage(fn func(raw []byte)) Subscription {
	if fn == nil {
		return inertSubscription{}
	}
	o := &msgObserver{fn: fn}
	c.obsMu.Lock()
	c.msgObs = append(c.msgObs, o)
	c.obsMu.Unlock()
	return &observerToken{close: func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, cur := range c.msgObs {
			if cur == o {
				c.msgObs = append(c.msgObs[:i], c.msgObs[i+1:]...)
				return
			}
		}
	}}
}

// OnState registers fn for connection state transitions.
func (c *Chain) OnState(fn func(state State)) Subscription {
	if fn == nil {
		return inertSubscription{}
	}
	o := &stateObserver{fn: fn}
	c.obsMu.Lock()
	c.stateObs = append(c.stateObs, o)
	c.obsMu.Unlock()
	return &observerToken{close: func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, cur := range c.stateObs {
			if cur == o {
				c.stateObs = append(c.stateObs[:i], c.stateObs[i+1:]...)
				return
			}
		}
	}}
}

// OnError registers fn for terminal transport failures, currently only
// ErrAttemptsExhausted. Transient dial failures are logged, not surfaced.
func (c *Chain) OnError(fn func(err error)) Subscription {
	if fn == nil {
		return inertSubscription{}
	}
	o := &errObserver{fn: fn}
	c.obsMu.Lock()
	c.errObs = append(c.errObs, o)
	c.obsMu.Unlock()
	return &observerToken{close: func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, cur := range c.errObs {
			if cur == o {
				c.errObs = append(c.errObs[:i], c.errObs[i+1:]...)
				return
			}
		}
	}}
}

type (
	msgObserver   struct{ fn func([]byte) }
	stateObserver struct{ fn func(State) }
	errObserver   struct{ fn func(error) }

	// chainSink routes one connection's callbacks into the chain tagged
	// with the generation that produced it.
	chainSink struct {
		chain *Chain
		gen   uint64
	}

	// observerToken removes its observer once.
	observerToken struct {
		once  sync.Once
		close func()
	}

	inertSubscription struct{}
)

// HandleMessage implements Sink.
func (s *chainSink) HandleMessage(raw []byte) { s.chain.handleMessage(s.gen, raw) }

// HandleClosed implements Sink.
func (s *chainSink) HandleClosed(err error) { s.chain.handleClosed(s.gen, err) }

// Close implements Subscription.
func (t *observerToken) Close() { t.once.Do(t.close) }

// Close implements Subscription.
func (inertSubscription) Close() {}
