package artifact

import (
	"context"
	"sync"

	"github.com/loomline/loomline/runtime/telemetry"
)

type (
	// Persister is the slice of the durable store the cache writes through to.
	// The runtime store satisfies it.
	Persister interface {
		// LoadArtifact returns the persisted snapshot for a session, (nil,
		// nil) when none is persisted.
		LoadArtifact(ctx context.Context, sessionID string) (*Snapshot, error)
		// SaveArtifact upserts the persisted snapshot for a session.
		SaveArtifact(ctx context.Context, sessionID string, snap *Snapshot) error
		// ClearArtifact removes the persisted snapshot for a session.
		ClearArtifact(ctx context.Context, sessionID string) error
	}

	// Cache keeps the live snapshot per session in memory and mirrors it into
	// the durable store. Restore is limited to once per connection lifetime;
	// the dispatcher additionally gates restores on connection state and
	// confirmed session pre-existence before calling in.
	//
	// Contract:
	// - Record replaces, never merges: the latest artifact-mode event wins.
	// - Restore returns nil without touching the store when the connection
	//   epoch already restored once.
	// - Restored snapshots drop their EventID: the server never acknowledged
	//   this mount, so responses must resolve client-side.
	Cache struct {
		mu            sync.Mutex
		persist       Persister
		log           telemetry.Logger
		live          map[string]*Snapshot
		restoredEpoch map[string]uint64
	}
)

// NewCache constructs a Cache writing through the given persister.
func NewCache(persist Persister, log telemetry.Logger) *Cache {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Cache{
		persist:       persist,
		log:           log,
		live:          make(map[string]*Snapshot),
		restoredEpoch: make(map[string]uint64),
	}
}

// Record replaces the live snapshot for the session and persists it. A store
// failure keeps the in-memory snapshot authoritative and is logged, not
// returned: artifact continuity degrades to the process lifetime.
func (c *Cache) Record(ctx context.Context, sessionID string, snap *Snapshot) {
	c.mu.Lock()
	c.live[sessionID] = snap.Clone()
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	if err := c.persist.SaveArtifact(ctx, sessionID, snap.Clone()); err != nil {
		c.log.Warn(ctx, "artifact persist failed", "session_id", sessionID, "err", err)
	}
}

// Current returns the live in-memory snapshot, nil when the panel has nothing
// to show.
func (c *Cache) Current(sessionID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[sessionID].Clone()
}

// Restore loads the persisted snapshot for the session, at most once per
// connection epoch. It returns nil when nothing is persisted, when this epoch
// already restored, or when loading fails.
func (c *Cache) Restore(ctx context.Context, sessionID string, epoch uint64) *Snapshot {
	c.mu.Lock()
	if last, ok := c.restoredEpoch[sessionID]; ok && last == epoch {
		c.mu.Unlock()
		return nil
	}
	c.restoredEpoch[sessionID] = epoch
	c.mu.Unlock()

	if c.persist == nil {
		return nil
	}
	snap, err := c.persist.LoadArtifact(ctx, sessionID)
	if err != nil {
		c.log.Warn(ctx, "artifact restore failed", "session_id", sessionID, "err", err)
		return nil
	}
	if snap == nil {
		return nil
	}
	// A restored mount was never acknowledged by the server on this
	// connection; responses to it must not be forwarded.
	snap.EventID = ""
	c.mu.Lock()
	c.live[sessionID] = snap.Clone()
	c.mu.Unlock()
	return snap
}

// Purge drops the live snapshot and the persisted one.
func (c *Cache) Purge(ctx context.Context, sessionID string) {
	c.mu.Lock()
	delete(c.live, sessionID)
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	if err := c.persist.ClearArtifact(ctx, sessionID); err != nil {
		c.log.Warn(ctx, "artifact purge failed", "session_id", sessionID, "err", err)
	}
}
