package statemgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/storage/sqlite"
)

func openManager(t *testing.T) *Manager {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "canon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return NewManager(store)
}

func travelEvent(turn, order int) event.Event {
	return event.Event{
		EventID: event.NewID(turn, time.Now()),
		StoryID: "story_1",
		Turn:    turn,
		Time:    event.Time{Label: "spring", Order: order},
		Where:   event.Where{LocationID: "xuchang"},
		Who:     event.Who{Actors: []string{canon.DefaultPlayerID}},
		Type:    event.TypeTravel,
		Summary: "the player travels to Xuchang",
		Payload: map[string]any{
			"character_id":     canon.DefaultPlayerID,
			"from_location_id": canon.DefaultLocationID,
			"to_location_id":   "xuchang",
		},
		StatePatch: canon.StatePatch{
			PlayerUpdates: map[string]any{"location_id": "xuchang"},
			TimeUpdate:    &canon.TimeUpdate{Anchor: &canon.TimeAnchor{Label: "spring", Order: order}},
		},
		Evidence:  event.Evidence{Source: "draft_turn_1"},
		CreatedAt: time.Now(),
	}
}

func TestApplyEventsPersists(t *testing.T) {
	manager := openManager(t)
	ctx := context.Background()

	evt := travelEvent(1, 1)
	state, err := manager.ApplyEvents(ctx, "story_1", []event.Event{evt}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if state.Player.LocationID != "xuchang" {
		t.Fatalf("expected player moved, got %q", state.Player.LocationID)
	}
	if state.Meta.LastEventID != evt.EventID {
		t.Fatalf("expected last event id %q, got %q", evt.EventID, state.Meta.LastEventID)
	}

	loaded, err := manager.GetState(ctx, "story_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Meta.Turn != 1 || loaded.Player.LocationID != "xuchang" {
		t.Fatalf("committed state mismatch: %+v", loaded.Meta)
	}
}

func TestApplyEventsFixPatch(t *testing.T) {
	manager := openManager(t)
	ctx := context.Background()

	state, err := manager.InitializeState(ctx, "story_1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	state.Entities.Characters["caocao"] = canon.Character{
		ID: "caocao", Name: "Cao Cao", LocationID: "xuchang", Alive: true,
	}
	state.Entities.Items["sword_001"] = canon.Item{
		ID: "sword_001", Name: "Sword", OwnerID: "caocao", LocationID: canon.DefaultLocationID,
	}
	if err := manager.store.SaveState(ctx, "story_1", state); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fix := &canon.StatePatch{
		EntityUpdates: map[string]canon.EntityUpdate{
			"sword_001": {
				EntityType: canon.EntityItem,
				EntityID:   "sword_001",
				Updates:    map[string]any{"location_id": "xuchang"},
			},
		},
	}

	next, err := manager.ApplyEvents(ctx, "story_1", []event.Event{travelEvent(1, 1)}, fix)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Entities.Items["sword_001"].LocationID != "xuchang" {
		t.Fatalf("fix patch not applied: %+v", next.Entities.Items["sword_001"])
	}
}

func TestApplyEventsCancelledWritesNothing(t *testing.T) {
	manager := openManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.ApplyEvents(ctx, "story_1", []event.Event{travelEvent(1, 1)}, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	if _, err := manager.GetState(context.Background(), "story_1"); err == nil {
		t.Fatal("expected no state written after cancellation")
	}
}

func TestApplyEventsRequiresInput(t *testing.T) {
	manager := openManager(t)
	ctx := context.Background()

	if _, err := manager.ApplyEvents(ctx, " ", []event.Event{travelEvent(1, 1)}, nil); err == nil {
		t.Fatal("expected error for blank story id")
	}
	if _, err := manager.ApplyEvents(ctx, "story_1", nil, nil); err == nil {
		t.Fatal("expected error for empty events")
	}
}
