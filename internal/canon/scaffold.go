package canon

import "time"

// Defaults for a freshly created story.
const (
	DefaultCanonVersion = "1.0.0"
	DefaultPlayerID     = "player_001"
	DefaultPlayerName   = "Player"
	DefaultLocationID   = "unknown"
	initialTimeLabel    = "initial time"
)

// NewScaffold returns the empty, internally consistent state a story starts
// from on first touch. It carries a single placeholder location so the
// player reference resolves.
func NewScaffold(storyID string) *CanonicalState {
	return &CanonicalState{
		Meta: Meta{
			StoryID:      storyID,
			CanonVersion: DefaultCanonVersion,
			Turn:         0,
			UpdatedAt:    time.Now().UTC(),
		},
		Time: TimeState{
			Calendar: initialTimeLabel,
			Anchor:   TimeAnchor{Label: initialTimeLabel, Order: 0},
		},
		Player: PlayerState{
			ID:         DefaultPlayerID,
			Name:       DefaultPlayerName,
			LocationID: DefaultLocationID,
			Party:      []string{},
			Inventory:  []string{},
		},
		Entities: Entities{
			Characters: map[string]Character{},
			Items:      map[string]Item{},
			Locations: map[string]Location{
				DefaultLocationID: {ID: DefaultLocationID, Name: "unknown place"},
			},
			Factions: map[string]Faction{},
		},
		Quest: QuestState{
			Active:    []Quest{},
			Completed: []Quest{},
		},
		Constraints: Constraints{
			UniqueItemIDs:   []string{},
			ImmutableEvents: []string{},
			Constraints:     []Constraint{},
		},
	}
}
