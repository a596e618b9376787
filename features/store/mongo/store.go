package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/loomline/loomline/features/store/mongo/clients/mongo"
	"github.com/loomline/loomline/runtime/artifact"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// LoadCursor returns the highest applied server sequence for the session.
func (s *Store) LoadCursor(ctx context.Context, sessionID string) (int64, error) {
	return s.client.LoadCursor(ctx, sessionID)
}

// SaveCursor upserts the cursor for the session.
func (s *Store) SaveCursor(ctx context.Context, sessionID string, seq int64) error {
	return s.client.SaveCursor(ctx, sessionID, seq)
}

// LoadSeed returns the tool-resolution cache seed for the session.
func (s *Store) LoadSeed(ctx context.Context, sessionID string) (string, error) {
	return s.client.LoadSeed(ctx, sessionID)
}

// SaveSeed upserts the cache seed for the session.
func (s *Store) SaveSeed(ctx context.Context, sessionID string, seed string) error {
	return s.client.SaveSeed(ctx, sessionID, seed)
}

// LoadArtifact returns the persisted snapshot, (nil, nil) when none is
// recorded.
func (s *Store) LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error) {
	return s.client.LoadArtifact(ctx, sessionID)
}

// SaveArtifact upserts the persisted snapshot for the session.
func (s *Store) SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error {
	return s.client.SaveArtifact(ctx, sessionID, snap)
}

// ClearArtifact removes the persisted snapshot.
func (s *Store) ClearArtifact(ctx context.Context, sessionID string) error {
	return s.client.ClearArtifact(ctx, sessionID)
}

// DeleteSession removes all continuity state for the session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.DeleteSession(ctx, sessionID)
}
