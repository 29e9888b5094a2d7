// Package event defines the append-only event record that drives every
// canonical state change.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/platform/id"
)

// Event types.
const (
	TypeOwnershipChange    = "OWNERSHIP_CHANGE"
	TypeDeath              = "DEATH"
	TypeRevival            = "REVIVAL"
	TypeTravel             = "TRAVEL"
	TypeFactionChange      = "FACTION_CHANGE"
	TypeQuestStart         = "QUEST_START"
	TypeQuestComplete      = "QUEST_COMPLETE"
	TypeQuestFail          = "QUEST_FAIL"
	TypeItemCreate         = "ITEM_CREATE"
	TypeItemDestroy        = "ITEM_DESTROY"
	TypeRelationshipChange = "RELATIONSHIP_CHANGE"
	TypeTimeAdvance        = "TIME_ADVANCE"
	TypeOther              = "OTHER"
)

// Types lists every valid event type.
var Types = []string{
	TypeOwnershipChange,
	TypeDeath,
	TypeRevival,
	TypeTravel,
	TypeFactionChange,
	TypeQuestStart,
	TypeQuestComplete,
	TypeQuestFail,
	TypeItemCreate,
	TypeItemDestroy,
	TypeRelationshipChange,
	TypeTimeAdvance,
	TypeOther,
}

// ValidType reports whether value names a known event type.
func ValidType(value string) bool {
	for _, t := range Types {
		if t == value {
			return true
		}
	}
	return false
}

// Time stamps an event on the story's internal chronology.
type Time struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// Where names the location an event happened at.
type Where struct {
	LocationID string `json:"location_id"`
}

// Who lists the characters involved in an event.
type Who struct {
	Actors    []string `json:"actors"`
	Witnesses []string `json:"witnesses"`
}

// Evidence ties an event back to the narrative text it was extracted from.
type Evidence struct {
	Source   string `json:"source"`
	TextSpan string `json:"text_span,omitempty"`
}

// Event is the immutable unit of canonical change.
type Event struct {
	EventID    string           `json:"event_id"`
	StoryID    string           `json:"story_id"`
	Turn       int              `json:"turn"`
	Time       Time             `json:"time"`
	Where      Where            `json:"where"`
	Who        Who              `json:"who"`
	Type       string           `json:"type"`
	Summary    string           `json:"summary"`
	Payload    map[string]any   `json:"payload"`
	StatePatch canon.StatePatch `json:"state_patch"`
	Evidence   Evidence         `json:"evidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewID builds an event id of the form evt_{turn}_{unix_seconds}_{8 hex}.
func NewID(turn int, now time.Time) string {
	return fmt.Sprintf("evt_%d_%d_%s", turn, now.Unix(), id.Suffix(8))
}

// payloadRequirements maps event types to the payload keys they must carry.
var payloadRequirements = map[string][]string{
	TypeOwnershipChange: {"item_id", "old_owner_id", "new_owner_id"},
	TypeDeath:           {"character_id"},
	TypeRevival:         {"character_id"},
	TypeTravel:          {"character_id", "from_location_id", "to_location_id"},
	TypeFactionChange:   {"character_id", "old_faction_id", "new_faction_id"},
	TypeQuestStart:      {"quest_id"},
	TypeQuestComplete:   {"quest_id"},
	TypeQuestFail:       {"quest_id"},
	TypeItemCreate:      {"item_id"},
	TypeItemDestroy:     {"item_id"},
	TypeTimeAdvance:     {"time_anchor"},
}

// Validate checks the event against the data model: id format, known type,
// type-specific payload keys, and a non-empty state patch.
func (e *Event) Validate() error {
	if !strings.HasPrefix(e.EventID, "evt_") {
		return fmt.Errorf("event_id %q must start with evt_", e.EventID)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("event %s: summary is required", e.EventID)
	}
	if !ValidType(e.Type) {
		return fmt.Errorf("event %s: unknown type %q", e.EventID, e.Type)
	}
	if e.Turn < 0 {
		return fmt.Errorf("event %s: negative turn %d", e.EventID, e.Turn)
	}
	if e.Time.Order < 0 {
		return fmt.Errorf("event %s: negative time order %d", e.EventID, e.Time.Order)
	}

	for _, key := range payloadRequirements[e.Type] {
		if _, ok := e.Payload[key]; !ok {
			return fmt.Errorf("event %s: %s payload requires %q", e.EventID, e.Type, key)
		}
	}

	if e.StatePatch.IsEmpty() {
		return fmt.Errorf("event %s: state_patch must contain at least one update", e.EventID)
	}
	return nil
}

// PayloadString extracts a string payload value, tolerating absence and null.
func (e *Event) PayloadString(key string) string {
	value, ok := e.Payload[key]
	if !ok || value == nil {
		return ""
	}
	s, _ := value.(string)
	return s
}
