package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/storage"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, evt *event.Event) error {
	if evt == nil {
		return fmt.Errorf("event is required")
	}
	if strings.TrimSpace(evt.EventID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(evt.StoryID) == "" {
		return fmt.Errorf("event story id is required")
	}

	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}

	createdAt := evt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO events (event_id, story_id, turn, time_order, event_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, evt.EventID, evt.StoryID, evt.Turn, evt.Time.Order, string(eventJSON), toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append event %s: %w", evt.EventID, storage.ErrDuplicateEventID)
		}
		return fmt.Errorf("append event %s: %w", evt.EventID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}

// AppendEvent inserts the event, failing with ErrDuplicateEventID when the
// event id already exists.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	return insertEvent(ctx, s.sqlDB, evt)
}

// GetEvent loads a single event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, fmt.Errorf("event id is required")
	}

	var eventJSON string
	row := s.sqlDB.QueryRowContext(ctx, "SELECT event_json FROM events WHERE event_id = ?", eventID)
	if err := row.Scan(&eventJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}

	var evt event.Event
	if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", eventID, err)
	}
	return &evt, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal event row: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// ListEventsByTurn returns a turn's events ordered by time order ascending.
func (s *Store) ListEventsByTurn(ctx context.Context, storyID string, turn int) ([]event.Event, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required")
	}
	return s.queryEvents(ctx, `
SELECT event_json FROM events
WHERE story_id = ? AND turn = ?
ORDER BY time_order ASC, created_at ASC
`, storyID, turn)
}

// ListEventsByTimeRange returns events within the inclusive order bounds,
// ascending. Nil bounds are open.
func (s *Store) ListEventsByTimeRange(ctx context.Context, storyID string, minOrder, maxOrder *int) ([]event.Event, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required")
	}

	query := "SELECT event_json FROM events WHERE story_id = ?"
	args := []any{storyID}
	if minOrder != nil {
		query += " AND time_order >= ?"
		args = append(args, *minOrder)
	}
	if maxOrder != nil {
		query += " AND time_order <= ?"
		args = append(args, *maxOrder)
	}
	query += " ORDER BY time_order ASC, created_at ASC"

	return s.queryEvents(ctx, query, args...)
}

// ListRecentEvents returns events ordered by time order descending.
func (s *Store) ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]event.Event, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required")
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryEvents(ctx, `
SELECT event_json FROM events
WHERE story_id = ?
ORDER BY time_order DESC, created_at DESC
LIMIT ? OFFSET ?
`, storyID, limit, offset)
}

// SaveTurn persists the state replacement and event appends in one
// transaction so a turn is never partially visible.
func (s *Store) SaveTurn(ctx context.Context, storyID string, state *canon.CanonicalState, events []event.Event) error {
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO state (story_id, state_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (story_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
`, storyID, string(stateJSON), toMillis(time.Now())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save state %s: %w", storyID, err)
	}

	for i := range events {
		if err := insertEvent(ctx, tx, &events[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}
