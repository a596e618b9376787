// Package inmem provides an in-memory implementation of store.Store.
//
// It is intended for tests and single-process use. Durable deployments should
// use one of the features/store backends (sqlite, redis, mongo).
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/store"
)

type (
	// Store is an in-memory implementation of store.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*record
	}

	record struct {
		cursor   *int64
		seed     *string
		snapshot *artifact.Snapshot
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

// LoadCursor implements store.Store.
func (s *Store) LoadCursor(_ context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok || rec.cursor == nil {
		return 0, store.ErrNotFound
	}
	return *rec.cursor, nil
}

// SaveCursor implements store.Store.
func (s *Store) SaveCursor(_ context.Context, sessionID string, seq int64) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsert(sessionID).cursor = &seq
	return nil
}

// LoadSeed implements store.Store.
func (s *Store) LoadSeed(_ context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok || rec.seed == nil {
		return "", store.ErrNotFound
	}
	return *rec.seed, nil
}

// SaveSeed implements store.Store.
func (s *Store) SaveSeed(_ context.Context, sessionID string, seed string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsert(sessionID).seed = &seed
	return nil
}

// LoadArtifact implements store.Store.
func (s *Store) LoadArtifact(_ context.Context, sessionID string) (*artifact.Snapshot, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return rec.snapshot.Clone(), nil
}

// SaveArtifact implements store.Store.
func (s *Store) SaveArtifact(_ context.Context, sessionID string, snap *artifact.Snapshot) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if snap == nil {
		return errors.New("snapshot is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsert(sessionID).snapshot = snap.Clone()
	return nil
}

// ClearArtifact implements store.Store.
func (s *Store) ClearArtifact(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sessions[sessionID]; ok {
		rec.snapshot = nil
	}
	return nil
}

// DeleteSession implements store.Store.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// upsert returns the record for the session, creating it when absent.
// Callers must hold the write lock.
func (s *Store) upsert(sessionID string) *record {
	rec, ok := s.sessions[sessionID]
	if !ok {
		rec = &record{}
		s.sessions[sessionID] = rec
	}
	return rec
}
