// Package storage defines the persistence contract for canonical states
// and the append-only event log.
package storage

import (
	"context"
	"errors"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEventID indicates an append collided with an existing event id.
var ErrDuplicateEventID = errors.New("duplicate event id")

// StateStore persists canonical states keyed by story.
type StateStore interface {
	// GetState returns the current state or ErrNotFound.
	GetState(ctx context.Context, storyID string) (*canon.CanonicalState, error)
	// SaveState replaces the entire state record.
	SaveState(ctx context.Context, storyID string, state *canon.CanonicalState) error
	// InitializeState creates and persists the empty scaffold on first
	// touch, returning the existing state when one is already present.
	InitializeState(ctx context.Context, storyID string) (*canon.CanonicalState, error)
}

// EventStore persists and queries the append-only event log.
type EventStore interface {
	// AppendEvent inserts the event, failing with ErrDuplicateEventID on
	// an event id collision.
	AppendEvent(ctx context.Context, evt *event.Event) error
	// GetEvent returns the event or ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)
	// ListEventsByTurn returns a turn's events ordered by time order ascending.
	ListEventsByTurn(ctx context.Context, storyID string, turn int) ([]event.Event, error)
	// ListEventsByTimeRange returns events within the inclusive order
	// bounds, ascending. Nil bounds are open.
	ListEventsByTimeRange(ctx context.Context, storyID string, minOrder, maxOrder *int) ([]event.Event, error)
	// ListRecentEvents returns events ordered by time order descending.
	ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]event.Event, error)
}

// Store is the full persistence surface a turn needs.
type Store interface {
	StateStore
	EventStore
	// SaveTurn persists the state replacement and the event appends as a
	// single atomic unit. Partially applied turns are never observable.
	SaveTurn(ctx context.Context, storyID string, state *canon.CanonicalState, events []event.Event) error
	Close() error
}
