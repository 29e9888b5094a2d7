// Package statemgr applies validated state patches to canonical states and
// persists the result atomically with the events that produced it.
package statemgr

import (
	"fmt"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
)

// stringField interprets a patch value destined for an optional string
// field. A nil value unsets the field.
func stringField(value any) (string, bool) {
	if value == nil {
		return "", true
	}
	s, ok := value.(string)
	return s, ok
}

func stringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func metadataValue(value any) (map[string]any, bool) {
	if value == nil {
		return nil, true
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// ApplyPatch folds one patch into a deep copy of the state. The event id
// and turn are recorded in meta; dangling location references left behind
// by the patch are healed with placeholders.
func ApplyPatch(state *canon.CanonicalState, patch canon.StatePatch, eventID string, turn int) (*canon.CanonicalState, error) {
	if state == nil {
		return nil, fmt.Errorf("state is required")
	}

	next, err := state.Clone()
	if err != nil {
		return nil, err
	}

	for entityID, update := range patch.EntityUpdates {
		if update.EntityID != "" {
			entityID = update.EntityID
		}
		applyEntityUpdate(next, entityID, update)
	}

	applyPlayerUpdates(&next.Player, patch.PlayerUpdates)

	if patch.TimeUpdate != nil {
		if patch.TimeUpdate.Calendar != "" {
			next.Time.Calendar = patch.TimeUpdate.Calendar
		}
		if patch.TimeUpdate.Anchor != nil {
			next.Time.Anchor = *patch.TimeUpdate.Anchor
		}
	}

	for _, qu := range patch.QuestUpdates {
		applyQuestUpdate(&next.Quest, qu)
	}

	for _, constraint := range patch.ConstraintAdditions {
		addConstraint(&next.Constraints, constraint)
	}

	next.Meta.Turn = turn
	next.Meta.LastEventID = eventID
	next.Meta.UpdatedAt = time.Now().UTC()

	healLocations(next)
	return next, nil
}

// ApplyAll folds every event's patch in order. Meta ends at the maximum
// turn seen and the last event's id.
func ApplyAll(state *canon.CanonicalState, events []event.Event) (*canon.CanonicalState, error) {
	if len(events) == 0 {
		return state, nil
	}

	current := state
	maxTurn := state.Meta.Turn
	lastEventID := state.Meta.LastEventID

	for i := range events {
		evt := &events[i]
		if evt.Turn > maxTurn {
			maxTurn = evt.Turn
		}
		lastEventID = evt.EventID

		next, err := ApplyPatch(current, evt.StatePatch, evt.EventID, evt.Turn)
		if err != nil {
			return nil, fmt.Errorf("apply event %s: %w", evt.EventID, err)
		}
		current = next
	}

	current.Meta.Turn = maxTurn
	current.Meta.LastEventID = lastEventID
	current.Meta.UpdatedAt = time.Now().UTC()
	healLocations(current)
	return current, nil
}

func applyEntityUpdate(state *canon.CanonicalState, entityID string, update canon.EntityUpdate) {
	switch update.EntityType {
	case canon.EntityCharacter:
		if char, ok := state.Entities.Characters[entityID]; ok {
			applyCharacterFields(&char, update.Updates)
			state.Entities.Characters[entityID] = char
			return
		}
		if name, ok := update.Updates["name"].(string); ok {
			char := canon.Character{ID: entityID, Name: name, Alive: true, LocationID: canon.DefaultLocationID}
			applyCharacterFields(&char, update.Updates)
			state.Entities.Characters[entityID] = char
		}
	case canon.EntityItem:
		if item, ok := state.Entities.Items[entityID]; ok {
			applyItemFields(&item, update.Updates)
			state.Entities.Items[entityID] = item
			return
		}
		if name, ok := update.Updates["name"].(string); ok {
			item := canon.Item{ID: entityID, Name: name}
			applyItemFields(&item, update.Updates)
			state.Entities.Items[entityID] = item
		}
	case canon.EntityLocation:
		if loc, ok := state.Entities.Locations[entityID]; ok {
			applyLocationFields(&loc, update.Updates)
			state.Entities.Locations[entityID] = loc
			return
		}
		if name, ok := update.Updates["name"].(string); ok {
			loc := canon.Location{ID: entityID, Name: name}
			applyLocationFields(&loc, update.Updates)
			state.Entities.Locations[entityID] = loc
		}
	case canon.EntityFaction:
		if faction, ok := state.Entities.Factions[entityID]; ok {
			applyFactionFields(&faction, update.Updates)
			state.Entities.Factions[entityID] = faction
			return
		}
		if name, ok := update.Updates["name"].(string); ok {
			faction := canon.Faction{ID: entityID, Name: name}
			applyFactionFields(&faction, update.Updates)
			state.Entities.Factions[entityID] = faction
		}
	}
}

func applyCharacterFields(char *canon.Character, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "name":
			if s, ok := value.(string); ok {
				char.Name = s
			}
		case "alive":
			if b, ok := value.(bool); ok {
				char.Alive = b
			}
		case "location_id":
			if s, ok := stringField(value); ok {
				char.LocationID = s
			}
		case "faction_id":
			if s, ok := stringField(value); ok {
				char.FactionID = s
			}
		case "metadata":
			if m, ok := metadataValue(value); ok {
				char.Metadata = m
			}
		}
	}
}

func applyItemFields(item *canon.Item, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "name":
			if s, ok := value.(string); ok {
				item.Name = s
			}
		case "owner_id":
			if s, ok := stringField(value); ok {
				item.OwnerID = s
			}
		case "location_id":
			if s, ok := stringField(value); ok {
				item.LocationID = s
			}
		case "unique":
			if b, ok := value.(bool); ok {
				item.Unique = b
			}
		case "metadata":
			if m, ok := metadataValue(value); ok {
				item.Metadata = m
			}
		}
	}
}

func applyLocationFields(loc *canon.Location, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "name":
			if s, ok := value.(string); ok {
				loc.Name = s
			}
		case "parent_location_id":
			if s, ok := stringField(value); ok {
				loc.ParentLocationID = s
			}
		case "metadata":
			if m, ok := metadataValue(value); ok {
				loc.Metadata = m
			}
		}
	}
}

func applyFactionFields(faction *canon.Faction, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "name":
			if s, ok := value.(string); ok {
				faction.Name = s
			}
		case "leader_id":
			if s, ok := stringField(value); ok {
				faction.LeaderID = s
			}
		case "members":
			if list, ok := stringSlice(value); ok {
				faction.Members = list
			}
		case "metadata":
			if m, ok := metadataValue(value); ok {
				faction.Metadata = m
			}
		}
	}
}

func applyPlayerUpdates(player *canon.PlayerState, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "inventory_add":
			if list, ok := stringSlice(value); ok {
				for _, itemID := range list {
					if !contains(player.Inventory, itemID) {
						player.Inventory = append(player.Inventory, itemID)
					}
				}
			}
		case "inventory_remove":
			if list, ok := stringSlice(value); ok {
				player.Inventory = removeAll(player.Inventory, list)
			}
		case "party_add":
			if list, ok := stringSlice(value); ok {
				for _, charID := range list {
					if !contains(player.Party, charID) {
						player.Party = append(player.Party, charID)
					}
				}
			}
		case "party_remove":
			if list, ok := stringSlice(value); ok {
				player.Party = removeAll(player.Party, list)
			}
		case "location_id":
			if s, ok := value.(string); ok {
				player.LocationID = s
			}
		case "party":
			if list, ok := stringSlice(value); ok {
				player.Party = list
			}
		case "inventory":
			if list, ok := stringSlice(value); ok {
				player.Inventory = list
			}
		case "name":
			if s, ok := value.(string); ok {
				player.Name = s
			}
		}
	}
}

func applyQuestUpdate(quests *canon.QuestState, update canon.QuestUpdate) {
	quest, found := takeQuest(quests, update.QuestID)
	if !found {
		title := update.QuestID
		if t, ok := update.Metadata["title"].(string); ok && t != "" {
			title = t
		}
		quest = canon.Quest{ID: update.QuestID, Title: title}
	}

	quest.Status = update.Status
	if update.Metadata != nil {
		if quest.Metadata == nil {
			quest.Metadata = map[string]any{}
		}
		for k, v := range update.Metadata {
			quest.Metadata[k] = v
		}
	}

	switch update.Status {
	case canon.QuestStatusCompleted, canon.QuestStatusFailed:
		quests.Completed = append(quests.Completed, quest)
	default:
		quests.Active = append(quests.Active, quest)
	}
}

// takeQuest removes and returns the quest from whichever list holds it.
func takeQuest(quests *canon.QuestState, questID string) (canon.Quest, bool) {
	for i, q := range quests.Active {
		if q.ID == questID {
			quests.Active = append(quests.Active[:i], quests.Active[i+1:]...)
			return q, true
		}
	}
	for i, q := range quests.Completed {
		if q.ID == questID {
			quests.Completed = append(quests.Completed[:i], quests.Completed[i+1:]...)
			return q, true
		}
	}
	return canon.Quest{}, false
}

func addConstraint(constraints *canon.Constraints, constraint canon.Constraint) {
	for _, existing := range constraints.Constraints {
		if existing.Equal(constraint) {
			return
		}
	}
	constraints.Constraints = append(constraints.Constraints, constraint)

	if constraint.Type == canon.ConstraintUniqueItem && constraint.EntityID != "" {
		if !contains(constraints.UniqueItemIDs, constraint.EntityID) {
			constraints.UniqueItemIDs = append(constraints.UniqueItemIDs, constraint.EntityID)
		}
	}
}

func healLocations(state *canon.CanonicalState) {
	if state.Entities.Locations == nil {
		state.Entities.Locations = map[string]canon.Location{}
	}
	for _, id := range state.ReferencedLocationIDs() {
		if _, ok := state.Entities.Locations[id]; !ok {
			state.Entities.Locations[id] = canon.Location{ID: id, Name: id}
		}
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeAll(list, remove []string) []string {
	out := list[:0]
	for _, item := range list {
		if !contains(remove, item) {
			out = append(out, item)
		}
	}
	return out
}
