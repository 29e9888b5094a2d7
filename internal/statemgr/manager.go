package statemgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/storage"
)

// Manager serializes writes per story and persists applied turns through
// the store's atomic unit. Reads go straight to the store.
type Manager struct {
	store storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a manager over the given store.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) storyLock(storyID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[storyID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[storyID] = lock
	}
	return lock
}

// ApplyEvents folds every event's patch into the story's state, overlays
// the optional fix patch last, and persists state plus events atomically.
//
// Cancellation before the apply starts writes nothing. Once the fold has
// begun the commit runs to completion; the work is small and bounded.
func (m *Manager) ApplyEvents(ctx context.Context, storyID string, events []event.Event, fixPatch *canon.StatePatch) (*canon.CanonicalState, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}

	lock := m.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("apply events: %w", err)
	}

	state, err := m.store.GetState(ctx, storyID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		state = canon.NewScaffold(storyID)
	}

	next, err := ApplyAll(state, events)
	if err != nil {
		return nil, err
	}

	if fixPatch != nil && !fixPatch.IsEmpty() {
		lastEvent := events[len(events)-1]
		next, err = ApplyPatch(next, *fixPatch, lastEvent.EventID, lastEvent.Turn)
		if err != nil {
			return nil, fmt.Errorf("apply fix patch: %w", err)
		}
	}

	if problems := next.ReferenceProblems(); len(problems) > 0 {
		log.Printf("state %s has unresolved references after apply: %v", storyID, problems)
	}

	// The commit must not be torn by request cancellation.
	if err := m.store.SaveTurn(context.WithoutCancel(ctx), storyID, next, events); err != nil {
		return nil, err
	}
	return next, nil
}

// GetState loads the story's current committed state.
func (m *Manager) GetState(ctx context.Context, storyID string) (*canon.CanonicalState, error) {
	return m.store.GetState(ctx, storyID)
}

// InitializeState creates the scaffold on first touch.
func (m *Manager) InitializeState(ctx context.Context, storyID string) (*canon.CanonicalState, error) {
	lock := m.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.InitializeState(ctx, storyID)
}
