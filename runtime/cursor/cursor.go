// Package cursor tracks the highest applied server sequence number for one
// session and drives the resume protocol: detect a replay (sequence behind the
// cursor), request a resume exactly once, and drop sequenced events until the
// engine marks the resume boundary.
package cursor

import (
	"context"
	"errors"
	"sync"

	"github.com/loomline/loomline/runtime/store"
	"github.com/loomline/loomline/runtime/telemetry"
)

type (
	// Decision is the cursor's verdict on one sequenced event.
	Decision struct {
		// Accept means the event may be dispatched.
		Accept bool
		// Resume means the caller must send a resume request now. Returned
		// at most once per gap; subsequent gapped events are dropped
		// silently until Boundary clears the pending resume.
		Resume bool
	}

	// Cursor is the per-session sequence tracker. Safe for concurrent use:
	// the polling transport reads Last from its own goroutine.
	//
	// Contract:
	// - Last is non-decreasing once loaded; forward jumps are accepted (the
	//   engine owns the density of the sequence space).
	// - While a resume is pending every sequenced event is dropped; events
	//   without a sequence number never reach the cursor.
	Cursor struct {
		mu        sync.Mutex
		store     store.Store
		log       telemetry.Logger
		met       telemetry.Metrics
		sessionID string

		lastSeq       int64
		resumePending bool
		dropped       int
	}
)

// New returns a Cursor for the session starting at sequence zero. Call Load
// to adopt a persisted position.
func New(st store.Store, sessionID string, log telemetry.Logger, met telemetry.Metrics) *Cursor {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if met == nil {
		met = telemetry.NewNoopMetrics()
	}
	return &Cursor{store: st, log: log, met: met, sessionID: sessionID}
}

// Load adopts the persisted cursor position for the session. A session with
// no saved cursor starts at zero.
func (c *Cursor) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	seq, err := c.store.LoadCursor(ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	c.mu.Lock()
	c.lastSeq = seq
	c.mu.Unlock()
	return nil
}

// Last returns the highest applied sequence.
func (c *Cursor) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Pending reports whether a resume round-trip is in flight.
func (c *Cursor) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumePending
}

// Observe applies one inbound sequence number and decides the event's fate.
func (c *Cursor) Observe(ctx context.Context, seq int64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resumePending {
		c.dropped++
		c.met.IncCounter(telemetry.MetricEventsDropped, 1, "reason", "resume_pending")
		return Decision{}
	}

	switch {
	case seq > c.lastSeq:
		c.lastSeq = seq
		c.persist(ctx, seq)
		return Decision{Accept: true}
	case seq == c.lastSeq:
		c.met.IncCounter(telemetry.MetricEventsDropped, 1, "reason", "duplicate")
		return Decision{}
	default:
		// The engine is behind us: it replayed something we already applied.
		// Ask it to resume from our position and ignore the stale window.
		c.resumePending = true
		c.dropped = 1
		c.log.Info(ctx, "sequence gap, requesting resume",
			"session_id", c.sessionID, "last_seq", c.lastSeq, "received_seq", seq)
		return Decision{Resume: true}
	}
}

// MarkResumeSent latches the pending state for a resume initiated outside
// Observe, such as the connect-time resume sent for a persisted cursor.
func (c *Cursor) MarkResumeSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumePending {
		return
	}
	c.resumePending = true
	c.dropped = 0
}

// Boundary clears the pending resume. The engine reports how many events it
// replayed; the cursor adds how many live events it dropped while waiting.
func (c *Cursor) Boundary(ctx context.Context, replayed int) {
	c.mu.Lock()
	wasPending := c.resumePending
	dropped := c.dropped
	c.resumePending = false
	c.dropped = 0
	c.mu.Unlock()

	if !wasPending {
		c.log.Debug(ctx, "resume boundary without pending resume", "session_id", c.sessionID)
		return
	}
	c.met.IncCounter(telemetry.MetricResumeRoundTrips, 1)
	c.log.Info(ctx, "resume complete",
		"session_id", c.sessionID, "replayed", replayed, "dropped_while_pending", dropped)
}

// Reset returns the cursor to sequence zero with no pending resume. The
// caller owns deleting the persisted record.
func (c *Cursor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq = 0
	c.resumePending = false
	c.dropped = 0
}

// persist mirrors the new position into the store. Callers hold the lock; a
// store failure keeps the in-memory position authoritative.
func (c *Cursor) persist(ctx context.Context, seq int64) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCursor(ctx, c.sessionID, seq); err != nil {
		c.met.IncCounter(telemetry.MetricStoreErrors, 1, "op", "save_cursor")
		c.log.Warn(ctx, "cursor persist failed", "session_id", c.sessionID, "seq", seq, "err", err)
	}
}
