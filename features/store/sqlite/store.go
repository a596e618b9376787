// Package sqlite provides a SQLite-backed implementation of the runtime
// continuity store, suitable for single-user desktop and CLI deployments
// where the session must survive process restarts without a server.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitedriver "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/store"
)

// Options configures the SQLite continuity store.
type Options struct {
	// Path is the database file. ":memory:" keeps the store in-process.
	Path string
}

// Store implements store.Store on a local SQLite database.
type Store struct {
	db *gorm.DB
}

// NewStore opens (creating if needed) the database and runs migrations.
func NewStore(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = "loomline.db"
	}
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlitedriver.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &Store{db: db}
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return s, nil
}

// LoadCursor implements store.Store.
func (s *Store) LoadCursor(ctx context.Context, sessionID string) (int64, error) {
	row, err := s.loadRow(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if row.Cursor == nil {
		return 0, store.ErrNotFound
	}
	return *row.Cursor, nil
}

// SaveCursor implements store.Store.
func (s *Store) SaveCursor(ctx context.Context, sessionID string, seq int64) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	row := sessionRow{
		SessionID: sessionID,
		Cursor:    &seq,
		UpdatedAt: time.Now().UTC(),
	}
	return s.upsert(ctx, row, "cursor")
}

// LoadSeed implements store.Store.
func (s *Store) LoadSeed(ctx context.Context, sessionID string) (string, error) {
	row, err := s.loadRow(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if row.Seed == nil {
		return "", store.ErrNotFound
	}
	return *row.Seed, nil
}

// SaveSeed implements store.Store.
func (s *Store) SaveSeed(ctx context.Context, sessionID string, seed string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	row := sessionRow{
		SessionID: sessionID,
		Seed:      &seed,
		UpdatedAt: time.Now().UTC(),
	}
	return s.upsert(ctx, row, "seed")
}

// LoadArtifact implements store.Store.
func (s *Store) LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error) {
	row, err := s.loadRow(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		// A session without a recorded snapshot is a normal state.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.ArtifactJSON == nil {
		return nil, nil
	}
	var snap artifact.Snapshot
	if err := json.Unmarshal([]byte(*row.ArtifactJSON), &snap); err != nil {
		return nil, fmt.Errorf("decode artifact snapshot: %w", err)
	}
	return &snap, nil
}

// SaveArtifact implements store.Store.
func (s *Store) SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if snap == nil {
		return errors.New("snapshot is required")
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode artifact snapshot: %w", err)
	}
	text := string(encoded)
	row := sessionRow{
		SessionID:    sessionID,
		ArtifactJSON: &text,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.upsert(ctx, row, "artifact_json")
}

// ClearArtifact implements store.Store.
func (s *Store) ClearArtifact(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	// Plain update: clearing a session that was never saved must not create
	// one, and zero rows affected is the idempotent success case.
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"artifact_json": nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("clear artifact: %w", res.Error)
	}
	return nil
}

// DeleteSession implements store.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) loadRow(ctx context.Context, sessionID string) (sessionRow, error) {
	if sessionID == "" {
		return sessionRow{}, errors.New("session id is required")
	}
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessionRow{}, store.ErrNotFound
		}
		return sessionRow{}, fmt.Errorf("get session: %w", err)
	}
	return row, nil
}

// upsert inserts the row or, on a session_id conflict, updates only the named
// column and updated_at, leaving the session's other state untouched.
func (s *Store) upsert(ctx context.Context, row sessionRow, column string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{column, "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

type sessionRow struct {
	SessionID    string    `gorm:"primaryKey;size:191"`
	Cursor       *int64
	Seed         *string   `gorm:"size:191"`
	ArtifactJSON *string   `gorm:"type:text"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "loomline_sessions"
}

func ensureDirectory(path string) error {
	if strings.EqualFold(path, ":memory:") || strings.HasPrefix(strings.ToLower(path), "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}
