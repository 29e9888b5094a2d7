package statemgr

import (
	"testing"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
)

func baseState() *canon.CanonicalState {
	state := canon.NewScaffold("story_1")
	state.Entities.Locations["xuchang"] = canon.Location{ID: "xuchang", Name: "Xuchang"}
	state.Entities.Locations["luoyang"] = canon.Location{ID: "luoyang", Name: "Luoyang"}
	state.Entities.Factions["wei"] = canon.Faction{ID: "wei", Name: "Wei"}
	state.Entities.Characters["caocao"] = canon.Character{
		ID: "caocao", Name: "Cao Cao", LocationID: "xuchang", Alive: true, FactionID: "wei",
	}
	state.Entities.Items["sword_001"] = canon.Item{
		ID: "sword_001", Name: "Sword of Heaven", OwnerID: "caocao", LocationID: "xuchang", Unique: true,
	}
	return state
}

func TestApplyPatchEntityMerge(t *testing.T) {
	state := baseState()

	patch := canon.StatePatch{
		EntityUpdates: map[string]canon.EntityUpdate{
			"caocao": {
				EntityType: canon.EntityCharacter,
				EntityID:   "caocao",
				Updates:    map[string]any{"location_id": "luoyang", "faction_id": nil},
			},
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	char := next.Entities.Characters["caocao"]
	if char.LocationID != "luoyang" {
		t.Fatalf("expected location merged, got %q", char.LocationID)
	}
	if char.FactionID != "" {
		t.Fatalf("expected null to unset faction, got %q", char.FactionID)
	}
	if char.Name != "Cao Cao" {
		t.Fatalf("untouched field changed: %q", char.Name)
	}
	if state.Entities.Characters["caocao"].LocationID != "xuchang" {
		t.Fatal("input state was mutated")
	}
}

func TestApplyPatchCreatesEntities(t *testing.T) {
	state := baseState()

	patch := canon.StatePatch{
		EntityUpdates: map[string]canon.EntityUpdate{
			"halberd_001": {
				EntityType: canon.EntityItem,
				EntityID:   "halberd_001",
				Updates:    map[string]any{"name": "Sky Piercer", "owner_id": "caocao", "unique": true},
			},
			"chibi": {
				EntityType: canon.EntityLocation,
				EntityID:   "chibi",
				Updates:    map[string]any{"name": "Red Cliffs"},
			},
			"shu": {
				EntityType: canon.EntityFaction,
				EntityID:   "shu",
				Updates:    map[string]any{"name": "Shu", "members": []any{"caocao"}},
			},
			"zhugeliang": {
				EntityType: canon.EntityCharacter,
				EntityID:   "zhugeliang",
				Updates:    map[string]any{"name": "Zhuge Liang", "location_id": "chibi"},
			},
			"nameless": {
				EntityType: canon.EntityItem,
				EntityID:   "nameless",
				Updates:    map[string]any{"owner_id": "caocao"},
			},
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if item := next.Entities.Items["halberd_001"]; item.Name != "Sky Piercer" || !item.Unique {
		t.Fatalf("item not created: %+v", item)
	}
	if loc := next.Entities.Locations["chibi"]; loc.Name != "Red Cliffs" {
		t.Fatalf("location not created: %+v", loc)
	}
	if faction := next.Entities.Factions["shu"]; len(faction.Members) != 1 {
		t.Fatalf("faction not created: %+v", faction)
	}
	if char := next.Entities.Characters["zhugeliang"]; char.LocationID != "chibi" || !char.Alive {
		t.Fatalf("character not created: %+v", char)
	}
	if _, ok := next.Entities.Items["nameless"]; ok {
		t.Fatal("entity without name should not be created")
	}
}

func TestApplyPatchPlayerSetSemantics(t *testing.T) {
	state := baseState()
	state.Player.Inventory = []string{"sword_001"}

	patch := canon.StatePatch{
		PlayerUpdates: map[string]any{
			"inventory_add": []any{"sword_001", "map_001"},
			"party_add":     []any{"caocao"},
			"location_id":   "luoyang",
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(next.Player.Inventory) != 2 {
		t.Fatalf("inventory_add should dedup, got %v", next.Player.Inventory)
	}
	if len(next.Player.Party) != 1 || next.Player.Party[0] != "caocao" {
		t.Fatalf("party_add failed: %v", next.Player.Party)
	}
	if next.Player.LocationID != "luoyang" {
		t.Fatalf("location not replaced: %q", next.Player.LocationID)
	}

	removal := canon.StatePatch{
		PlayerUpdates: map[string]any{
			"inventory_remove": []any{"map_001"},
			"party_remove":     []any{"caocao"},
		},
	}
	final, err := ApplyPatch(next, removal, "evt_2", 1)
	if err != nil {
		t.Fatalf("apply removal: %v", err)
	}
	if len(final.Player.Inventory) != 1 || final.Player.Inventory[0] != "sword_001" {
		t.Fatalf("inventory_remove failed: %v", final.Player.Inventory)
	}
	if len(final.Player.Party) != 0 {
		t.Fatalf("party_remove failed: %v", final.Player.Party)
	}
}

func TestApplyPatchTimeUpdate(t *testing.T) {
	state := baseState()

	patch := canon.StatePatch{
		TimeUpdate: &canon.TimeUpdate{
			Calendar: "third year of Jian'an, summer",
			Anchor:   &canon.TimeAnchor{Label: "summer", Order: 12},
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Time.Anchor.Order != 12 || next.Time.Calendar != "third year of Jian'an, summer" {
		t.Fatalf("time not replaced: %+v", next.Time)
	}
}

func TestApplyPatchQuestMoves(t *testing.T) {
	state := baseState()
	state.Quest.Active = []canon.Quest{{ID: "q1", Title: "Find the seal", Status: canon.QuestStatusActive}}

	patch := canon.StatePatch{
		QuestUpdates: []canon.QuestUpdate{
			{QuestID: "q1", Status: canon.QuestStatusCompleted},
			{QuestID: "q2", Status: canon.QuestStatusActive, Metadata: map[string]any{"title": "Escort the convoy"}},
			{QuestID: "q3", Status: canon.QuestStatusFailed},
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(next.Quest.Active) != 1 || next.Quest.Active[0].ID != "q2" {
		t.Fatalf("expected only q2 active, got %+v", next.Quest.Active)
	}
	if next.Quest.Active[0].Title != "Escort the convoy" {
		t.Fatalf("expected title from metadata, got %q", next.Quest.Active[0].Title)
	}
	if len(next.Quest.Completed) != 2 {
		t.Fatalf("expected q1 and q3 resolved, got %+v", next.Quest.Completed)
	}
	for _, q := range next.Quest.Completed {
		if q.ID == "q1" && q.Status != canon.QuestStatusCompleted {
			t.Fatalf("q1 status %q", q.Status)
		}
		if q.ID == "q3" && q.Status != canon.QuestStatusFailed {
			t.Fatalf("q3 status %q", q.Status)
		}
	}
}

func TestApplyPatchConstraints(t *testing.T) {
	state := baseState()
	constraint := canon.Constraint{
		ID:          "c1",
		Type:        canon.ConstraintUniqueItem,
		Description: "the seal is unique",
		EntityID:    "seal_001",
	}

	patch := canon.StatePatch{ConstraintAdditions: []canon.Constraint{constraint, constraint}}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(next.Constraints.Constraints) != 1 {
		t.Fatalf("expected dedup, got %d constraints", len(next.Constraints.Constraints))
	}
	if len(next.Constraints.UniqueItemIDs) != 1 || next.Constraints.UniqueItemIDs[0] != "seal_001" {
		t.Fatalf("expected seal_001 registered unique, got %v", next.Constraints.UniqueItemIDs)
	}

	again, err := ApplyPatch(next, patch, "evt_2", 1)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if len(again.Constraints.Constraints) != 1 {
		t.Fatalf("expected dedup across patches, got %d", len(again.Constraints.Constraints))
	}
}

func TestApplyPatchHealsLocations(t *testing.T) {
	state := baseState()

	patch := canon.StatePatch{
		EntityUpdates: map[string]canon.EntityUpdate{
			"caocao": {
				EntityType: canon.EntityCharacter,
				EntityID:   "caocao",
				Updates:    map[string]any{"location_id": "wuzhang"},
			},
		},
	}

	next, err := ApplyPatch(state, patch, "evt_1", 1)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if loc, ok := next.Entities.Locations["wuzhang"]; !ok || loc.Name != "wuzhang" {
		t.Fatalf("expected synthesized location, got %+v", next.Entities.Locations)
	}
}

func TestApplyAllMeta(t *testing.T) {
	state := baseState()
	state.Meta.Turn = 4

	events := []event.Event{
		{
			EventID: "evt_5_1_aaaaaaaa", Turn: 5,
			StatePatch: canon.StatePatch{PlayerUpdates: map[string]any{"location_id": "luoyang"}},
		},
		{
			EventID: "evt_5_2_bbbbbbbb", Turn: 5,
			StatePatch: canon.StatePatch{PlayerUpdates: map[string]any{"location_id": "xuchang"}},
		},
	}

	next, err := ApplyAll(state, events)
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if next.Meta.Turn != 5 {
		t.Fatalf("expected turn 5, got %d", next.Meta.Turn)
	}
	if next.Meta.LastEventID != "evt_5_2_bbbbbbbb" {
		t.Fatalf("expected last event id recorded, got %q", next.Meta.LastEventID)
	}
	if next.Player.LocationID != "xuchang" {
		t.Fatalf("patches applied out of order, player at %q", next.Player.LocationID)
	}
}

func TestApplyAllEmpty(t *testing.T) {
	state := baseState()
	next, err := ApplyAll(state, nil)
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if next != state {
		t.Fatal("expected state returned unchanged")
	}
}
