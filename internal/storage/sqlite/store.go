// Package sqlite provides SQLite-backed persistence for canonical states
// and the event log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/platform/storage/sqlitemigrate"
	"github.com/canonforge/canonforge/internal/storage"
	"github.com/canonforge/canonforge/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Store provides SQLite-backed persistence for canon records.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetState loads the current state for a story.
//
// Missing location references are healed by synthesizing placeholder
// locations and persisting the repaired state. A state blob that no longer
// parses is replaced with the empty scaffold; events are never touched.
func (s *Store) GetState(ctx context.Context, storyID string) (*canon.CanonicalState, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required")
	}

	var stateJSON string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT state_json FROM state WHERE story_id = ?", storyID)
	if err := row.Scan(&stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load state %s: %w", storyID, err)
	}

	var state canon.CanonicalState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		log.Printf("state %s is corrupt, resetting to scaffold: %v", storyID, err)
		scaffold := canon.NewScaffold(storyID)
		if err := s.SaveState(ctx, storyID, scaffold); err != nil {
			return nil, fmt.Errorf("reset corrupt state %s: %w", storyID, err)
		}
		return scaffold, nil
	}

	if healMissingLocations(&state) {
		log.Printf("state %s referenced missing locations, synthesized placeholders", storyID)
		if err := s.SaveState(ctx, storyID, &state); err != nil {
			return nil, fmt.Errorf("persist healed state %s: %w", storyID, err)
		}
	}

	return &state, nil
}

// healMissingLocations synthesizes a placeholder location for every dangling
// location reference. Returns true when the state was modified.
func healMissingLocations(state *canon.CanonicalState) bool {
	if state.Entities.Locations == nil {
		state.Entities.Locations = map[string]canon.Location{}
	}
	healed := false
	for _, id := range state.ReferencedLocationIDs() {
		if _, ok := state.Entities.Locations[id]; !ok {
			state.Entities.Locations[id] = canon.Location{ID: id, Name: id}
			healed = true
		}
	}
	return healed
}

// SaveState replaces the entire state record for a story.
func (s *Store) SaveState(ctx context.Context, storyID string, state *canon.CanonicalState) error {
	if strings.TrimSpace(storyID) == "" {
		return fmt.Errorf("story id is required")
	}
	if state == nil {
		return fmt.Errorf("state is required")
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", storyID, err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO state (story_id, state_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (story_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
`, storyID, string(stateJSON), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("save state %s: %w", storyID, err)
	}
	return nil
}

// InitializeState creates and persists the empty scaffold on first touch.
func (s *Store) InitializeState(ctx context.Context, storyID string) (*canon.CanonicalState, error) {
	existing, err := s.GetState(ctx, storyID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	scaffold := canon.NewScaffold(storyID)
	if err := s.SaveState(ctx, storyID, scaffold); err != nil {
		return nil, err
	}
	return scaffold, nil
}
