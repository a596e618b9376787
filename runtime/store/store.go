// Package store defines the durable per-session continuity state the client
// keeps between processes: the resume cursor, the tool-resolution cache seed,
// and the last artifact-mode snapshot.
//
// One logical record per session; every write is an upsert. The store never
// interprets the artifact payload.
package store

import (
	"context"
	"errors"

	"github.com/loomline/loomline/runtime/artifact"
)

type (
	// Store persists continuity state for chat sessions.
	//
	// Contract:
	// - LoadCursor and LoadSeed return ErrNotFound when the session has no
	//   saved value yet; callers treat that as a fresh session.
	// - LoadArtifact returns (nil, nil) when no snapshot is recorded: an
	//   existing session without a mounted artifact is a normal state, not an
	//   error. The artifact cache consumes these three methods directly.
	// - ClearArtifact and DeleteSession are idempotent.
	Store interface {
		// LoadCursor returns the highest applied server sequence for the
		// session. Returns ErrNotFound when none was ever saved.
		LoadCursor(ctx context.Context, sessionID string) (int64, error)
		// SaveCursor upserts the cursor for the session.
		SaveCursor(ctx context.Context, sessionID string, seq int64) error

		// LoadSeed returns the tool-resolution cache seed for the session.
		// Returns ErrNotFound when none was ever saved.
		LoadSeed(ctx context.Context, sessionID string) (string, error)
		// SaveSeed upserts the cache seed for the session.
		SaveSeed(ctx context.Context, sessionID string, seed string) error

		// LoadArtifact returns the persisted snapshot, (nil, nil) when none
		// is recorded.
		LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error)
		// SaveArtifact upserts the persisted snapshot for the session.
		SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error
		// ClearArtifact removes the persisted snapshot. Clearing a session
		// without one is a no-op.
		ClearArtifact(ctx context.Context, sessionID string) error

		// DeleteSession removes all continuity state for the session.
		// Deleting an unknown session is a no-op.
		DeleteSession(ctx context.Context, sessionID string) error
	}
)

// ErrNotFound indicates the session has no saved value for the requested
// field.
var ErrNotFound = errors.New("session state not found")
