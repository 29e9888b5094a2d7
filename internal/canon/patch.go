package canon

// Entity types selectable by an EntityUpdate.
const (
	EntityCharacter = "character"
	EntityItem      = "item"
	EntityLocation  = "location"
	EntityFaction   = "faction"
)

// EntityUpdate is a shallow field merge targeting one entity. A nil value
// in Updates unsets the field; an absent field is untouched. Unknown ids
// create the entity.
type EntityUpdate struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Updates    map[string]any `json:"updates"`
}

// TimeUpdate replaces the calendar or anchor wholesale.
type TimeUpdate struct {
	Calendar string      `json:"calendar,omitempty"`
	Anchor   *TimeAnchor `json:"anchor,omitempty"`
}

// QuestUpdate moves a quest between the active and resolved lists.
type QuestUpdate struct {
	QuestID  string         `json:"quest_id"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatePatch is a sparse overlay of updates applied to a canonical state.
type StatePatch struct {
	EntityUpdates       map[string]EntityUpdate `json:"entity_updates,omitempty"`
	TimeUpdate          *TimeUpdate             `json:"time_update,omitempty"`
	QuestUpdates        []QuestUpdate           `json:"quest_updates,omitempty"`
	ConstraintAdditions []Constraint            `json:"constraint_additions,omitempty"`
	PlayerUpdates       map[string]any          `json:"player_updates,omitempty"`
}

// IsEmpty reports whether the patch carries no updates at all. Events with
// empty patches are rejected for traceability.
func (p StatePatch) IsEmpty() bool {
	return len(p.EntityUpdates) == 0 &&
		p.TimeUpdate == nil &&
		len(p.QuestUpdates) == 0 &&
		len(p.ConstraintAdditions) == 0 &&
		len(p.PlayerUpdates) == 0
}
