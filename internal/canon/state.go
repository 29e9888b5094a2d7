// Package canon defines the canonical world state for a story and the
// sparse patches that mutate it.
package canon

import (
	"encoding/json"
	"fmt"
	"time"
)

// Meta carries bookkeeping for a canonical state.
type Meta struct {
	StoryID      string    `json:"story_id"`
	CanonVersion string    `json:"canon_version"`
	Turn         int       `json:"turn"`
	LastEventID  string    `json:"last_event_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TimeAnchor orders story time independently of wall clocks.
type TimeAnchor struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// TimeState is the story's current point in time.
type TimeState struct {
	Calendar string     `json:"calendar"`
	Anchor   TimeAnchor `json:"anchor"`
}

// PlayerState tracks the player character.
type PlayerState struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	LocationID string   `json:"location_id"`
	Party      []string `json:"party"`
	Inventory  []string `json:"inventory"`
}

// Character is a named actor in the world.
type Character struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	LocationID string         `json:"location_id"`
	Alive      bool           `json:"alive"`
	FactionID  string         `json:"faction_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Item is an object that is owned by a character or rests at a location.
type Item struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OwnerID    string         `json:"owner_id,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Unique     bool           `json:"unique"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Location is a place in the world, optionally nested under a parent.
type Location struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ParentLocationID string         `json:"parent_location_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Faction is a group characters can belong to.
type Faction struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	LeaderID string         `json:"leader_id,omitempty"`
	Members  []string       `json:"members,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entities holds the four entity mappings keyed by id.
type Entities struct {
	Characters map[string]Character `json:"characters"`
	Items      map[string]Item      `json:"items"`
	Locations  map[string]Location  `json:"locations"`
	Factions   map[string]Faction   `json:"factions"`
}

// Quest statuses.
const (
	QuestStatusActive    = "active"
	QuestStatusCompleted = "completed"
	QuestStatusFailed    = "failed"
)

// Quest is a tracked objective.
type Quest struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// QuestState splits quests into active and resolved.
type QuestState struct {
	Active    []Quest `json:"active"`
	Completed []Quest `json:"completed"`
}

// Constraint types.
const (
	ConstraintImmutableEvent = "immutable_event"
	ConstraintUniqueItem     = "unique_item"
	ConstraintEntityState    = "entity_state"
	ConstraintRelationship   = "relationship"
)

// Constraint is a hard fact the gate defends across turns.
type Constraint struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	EntityID    string         `json:"entity_id,omitempty"`
	Value       map[string]any `json:"value,omitempty"`
}

// Equal reports structural equality, used to dedup constraint additions.
func (c Constraint) Equal(other Constraint) bool {
	if c.Type != other.Type || c.Description != other.Description || c.EntityID != other.EntityID {
		return false
	}
	left, err := json.Marshal(c.Value)
	if err != nil {
		return false
	}
	right, err := json.Marshal(other.Value)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}

// Constraints aggregates every hard constraint on a story.
type Constraints struct {
	UniqueItemIDs   []string     `json:"unique_item_ids"`
	ImmutableEvents []string     `json:"immutable_events"`
	Constraints     []Constraint `json:"constraints"`
}

// CanonicalState is the authoritative factual snapshot of one story world.
type CanonicalState struct {
	Meta        Meta        `json:"meta"`
	Time        TimeState   `json:"time"`
	Player      PlayerState `json:"player"`
	Entities    Entities    `json:"entities"`
	Quest       QuestState  `json:"quest"`
	Constraints Constraints `json:"constraints"`
}

// Clone returns a deep copy of the state.
//
// States are serialized to JSON for storage anyway, so a round trip is a
// faithful deep copy of everything the store would persist.
func (s *CanonicalState) Clone() (*CanonicalState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	var out CanonicalState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return &out, nil
}

// ReferenceProblems reports every dangling reference in the state. An empty
// result means I1 through I3 hold.
func (s *CanonicalState) ReferenceProblems() []string {
	var problems []string

	if _, ok := s.Entities.Locations[s.Player.LocationID]; !ok {
		problems = append(problems, fmt.Sprintf("player location %q not found", s.Player.LocationID))
	}
	for _, charID := range s.Player.Party {
		if _, ok := s.Entities.Characters[charID]; !ok {
			problems = append(problems, fmt.Sprintf("party member %q not found", charID))
		}
	}
	for _, itemID := range s.Player.Inventory {
		if _, ok := s.Entities.Items[itemID]; !ok {
			problems = append(problems, fmt.Sprintf("inventory item %q not found", itemID))
		}
	}

	for charID, char := range s.Entities.Characters {
		if _, ok := s.Entities.Locations[char.LocationID]; !ok {
			problems = append(problems, fmt.Sprintf("character %q location %q not found", charID, char.LocationID))
		}
		if char.FactionID != "" {
			if _, ok := s.Entities.Factions[char.FactionID]; !ok {
				problems = append(problems, fmt.Sprintf("character %q faction %q not found", charID, char.FactionID))
			}
		}
	}

	for itemID, item := range s.Entities.Items {
		if item.OwnerID != "" {
			_, isChar := s.Entities.Characters[item.OwnerID]
			_, isLoc := s.Entities.Locations[item.OwnerID]
			if !isChar && !isLoc {
				problems = append(problems, fmt.Sprintf("item %q owner %q not found", itemID, item.OwnerID))
			}
		}
		if item.LocationID != "" {
			if _, ok := s.Entities.Locations[item.LocationID]; !ok {
				problems = append(problems, fmt.Sprintf("item %q location %q not found", itemID, item.LocationID))
			}
		}
		if item.OwnerID == "" && item.LocationID == "" {
			problems = append(problems, fmt.Sprintf("item %q has neither owner nor location", itemID))
		}
		if item.Unique && item.OwnerID == "" {
			problems = append(problems, fmt.Sprintf("unique item %q has no owner", itemID))
		}
	}

	for locID, loc := range s.Entities.Locations {
		if loc.ParentLocationID != "" {
			if _, ok := s.Entities.Locations[loc.ParentLocationID]; !ok {
				problems = append(problems, fmt.Sprintf("location %q parent %q not found", locID, loc.ParentLocationID))
			}
		}
	}

	for factionID, faction := range s.Entities.Factions {
		if faction.LeaderID != "" {
			if _, ok := s.Entities.Characters[faction.LeaderID]; !ok {
				problems = append(problems, fmt.Sprintf("faction %q leader %q not found", factionID, faction.LeaderID))
			}
		}
		for _, memberID := range faction.Members {
			if _, ok := s.Entities.Characters[memberID]; !ok {
				problems = append(problems, fmt.Sprintf("faction %q member %q not found", factionID, memberID))
			}
		}
	}

	return problems
}

// ReferencedLocationIDs collects every location id the state points at,
// whether or not it resolves. Used by self-healing to synthesize placeholders.
func (s *CanonicalState) ReferencedLocationIDs() []string {
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
		}
	}

	add(s.Player.LocationID)
	for _, char := range s.Entities.Characters {
		add(char.LocationID)
	}
	for _, item := range s.Entities.Items {
		add(item.LocationID)
	}
	for _, loc := range s.Entities.Locations {
		add(loc.ParentLocationID)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}
