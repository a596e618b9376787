// Package redis provides a Redis-backed implementation of the runtime
// continuity store for deployments where several client processes share
// session state, or where state must outlive any single host.
//
// Each session maps to one hash keyed by session id; cursor, seed and
// artifact live as fields of that hash so partial updates never touch the
// session's other state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/store"
)

const (
	// defaultKeyPrefix namespaces session hashes in a shared database.
	defaultKeyPrefix = "loomline:session:"

	fieldCursor   = "cursor"
	fieldSeed     = "seed"
	fieldArtifact = "artifact"

	storeName = "store-redis"
)

type (
	// Options configures the Redis continuity store.
	Options struct {
		// Client is the Redis client to use. Required.
		Client *redisdriver.Client
		// KeyPrefix namespaces session keys. Defaults to
		// "loomline:session:".
		KeyPrefix string
		// TTL, when positive, bounds how long an idle session's state is
		// retained. Every write refreshes the deadline, so only abandoned
		// sessions expire.
		TTL time.Duration
	}

	// Store implements store.Store on one Redis hash per session.
	Store struct {
		rdb    *redisdriver.Client
		prefix string
		ttl    time.Duration
	}
)

var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// NewStore validates the options and returns a ready store.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// LoadCursor implements store.Store.
func (s *Store) LoadCursor(ctx context.Context, sessionID string) (int64, error) {
	raw, err := s.loadField(ctx, sessionID, fieldCursor)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode cursor: %w", err)
	}
	return seq, nil
}

// SaveCursor implements store.Store.
func (s *Store) SaveCursor(ctx context.Context, sessionID string, seq int64) error {
	return s.saveField(ctx, sessionID, fieldCursor, strconv.FormatInt(seq, 10))
}

// LoadSeed implements store.Store.
func (s *Store) LoadSeed(ctx context.Context, sessionID string) (string, error) {
	return s.loadField(ctx, sessionID, fieldSeed)
}

// SaveSeed implements store.Store.
func (s *Store) SaveSeed(ctx context.Context, sessionID string, seed string) error {
	return s.saveField(ctx, sessionID, fieldSeed, seed)
}

// LoadArtifact implements store.Store.
func (s *Store) LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error) {
	raw, err := s.loadField(ctx, sessionID, fieldArtifact)
	if errors.Is(err, store.ErrNotFound) {
		// A session without a recorded snapshot is a normal state.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap artifact.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode artifact snapshot: %w", err)
	}
	return &snap, nil
}

// SaveArtifact implements store.Store.
func (s *Store) SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode artifact snapshot: %w", err)
	}
	return s.saveField(ctx, sessionID, fieldArtifact, string(encoded))
}

// ClearArtifact implements store.Store.
func (s *Store) ClearArtifact(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	// HDEL on a missing key or field is a no-op, which makes clearing a
	// session that was never saved idempotent without creating one.
	if err := s.rdb.HDel(ctx, s.key(sessionID), fieldArtifact).Err(); err != nil {
		return fmt.Errorf("clear artifact: %w", err)
	}
	return nil
}

// DeleteSession implements store.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *Store) loadField(ctx context.Context, sessionID, field string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	raw, err := s.rdb.HGet(ctx, s.key(sessionID), field).Result()
	if err != nil {
		if errors.Is(err, redisdriver.Nil) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", field, err)
	}
	return raw, nil
}

func (s *Store) saveField(ctx context.Context, sessionID, field, value string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	key := s.key(sessionID)
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	if s.ttl > 0 {
		if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("refresh ttl: %w", err)
		}
	}
	return nil
}
