package canon

import (
	"testing"
)

func TestNewScaffoldIsConsistent(t *testing.T) {
	state := NewScaffold("story_1")

	if state.Meta.StoryID != "story_1" {
		t.Fatalf("expected story id, got %q", state.Meta.StoryID)
	}
	if state.Meta.Turn != 0 {
		t.Fatalf("expected turn 0, got %d", state.Meta.Turn)
	}
	if state.Time.Anchor.Order != 0 {
		t.Fatalf("expected anchor order 0, got %d", state.Time.Anchor.Order)
	}
	if state.Player.LocationID != DefaultLocationID {
		t.Fatalf("expected player at %q, got %q", DefaultLocationID, state.Player.LocationID)
	}
	if problems := state.ReferenceProblems(); len(problems) != 0 {
		t.Fatalf("expected consistent scaffold, got %v", problems)
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := NewScaffold("story_1")
	state.Entities.Characters["guanyu"] = Character{
		ID:         "guanyu",
		Name:       "Guan Yu",
		LocationID: DefaultLocationID,
		Alive:      true,
	}

	clone, err := state.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	char := clone.Entities.Characters["guanyu"]
	char.Alive = false
	clone.Entities.Characters["guanyu"] = char
	clone.Player.Party = append(clone.Player.Party, "guanyu")

	if !state.Entities.Characters["guanyu"].Alive {
		t.Fatal("mutating clone changed original character")
	}
	if len(state.Player.Party) != 0 {
		t.Fatal("mutating clone changed original party")
	}
}

func TestReferenceProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CanonicalState)
		want   int
	}{
		{
			name:   "consistent",
			mutate: func(*CanonicalState) {},
			want:   0,
		},
		{
			name: "dangling player location",
			mutate: func(s *CanonicalState) {
				s.Player.LocationID = "nowhere"
			},
			want: 1,
		},
		{
			name: "dangling party member",
			mutate: func(s *CanonicalState) {
				s.Player.Party = []string{"ghost"}
			},
			want: 1,
		},
		{
			name: "item without owner or location",
			mutate: func(s *CanonicalState) {
				s.Entities.Items["orb"] = Item{ID: "orb", Name: "Orb"}
			},
			want: 1,
		},
		{
			name: "unique item without owner",
			mutate: func(s *CanonicalState) {
				s.Entities.Items["seal"] = Item{ID: "seal", Name: "Seal", Unique: true, LocationID: DefaultLocationID}
			},
			want: 1,
		},
		{
			name: "dangling faction leader",
			mutate: func(s *CanonicalState) {
				s.Entities.Factions["wei"] = Faction{ID: "wei", Name: "Wei", LeaderID: "nobody"}
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewScaffold("story_1")
			tt.mutate(state)
			problems := state.ReferenceProblems()
			if len(problems) != tt.want {
				t.Fatalf("expected %d problems, got %v", tt.want, problems)
			}
		})
	}
}

func TestReferencedLocationIDs(t *testing.T) {
	state := NewScaffold("story_1")
	state.Entities.Characters["zhangfei"] = Character{
		ID:         "zhangfei",
		Name:       "Zhang Fei",
		LocationID: "changban",
		Alive:      true,
	}
	state.Entities.Items["spear"] = Item{ID: "spear", Name: "Spear", LocationID: "changban"}

	ids := state.ReferencedLocationIDs()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate referenced id %q", id)
		}
		seen[id] = true
	}
	if !seen["changban"] || !seen[DefaultLocationID] {
		t.Fatalf("expected changban and %s, got %v", DefaultLocationID, ids)
	}
}

func TestConstraintEqual(t *testing.T) {
	a := Constraint{Type: ConstraintUniqueItem, Description: "seal is unique", EntityID: "seal_001"}
	b := Constraint{Type: ConstraintUniqueItem, Description: "seal is unique", EntityID: "seal_001"}
	c := Constraint{Type: ConstraintEntityState, Description: "seal is unique", EntityID: "seal_001"}

	if !a.Equal(b) {
		t.Fatal("expected structural equality")
	}
	if a.Equal(c) {
		t.Fatal("expected inequality on type")
	}

	a.Value = map[string]any{"alive": false}
	if a.Equal(b) {
		t.Fatal("expected inequality on value")
	}
}

func TestStatePatchIsEmpty(t *testing.T) {
	if !(StatePatch{}).IsEmpty() {
		t.Fatal("zero patch should be empty")
	}

	patch := StatePatch{PlayerUpdates: map[string]any{"location_id": "xuchang"}}
	if patch.IsEmpty() {
		t.Fatal("patch with player updates should not be empty")
	}
}
