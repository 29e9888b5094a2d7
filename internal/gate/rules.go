package gate

import (
	"fmt"
	"sort"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
)

func characterName(state *canon.CanonicalState, charID string) string {
	if char, ok := state.Entities.Characters[charID]; ok {
		return char.Name
	}
	return charID
}

func itemName(state *canon.CanonicalState, itemID string) string {
	if item, ok := state.Entities.Items[itemID]; ok {
		return item.Name
	}
	return itemID
}

func isUniqueItem(state *canon.CanonicalState, itemID string) bool {
	for _, id := range state.Constraints.UniqueItemIDs {
		if id == itemID {
			return true
		}
	}
	if item, ok := state.Entities.Items[itemID]; ok {
		return item.Unique
	}
	return false
}

// updateString reads a string field out of an entity update, reporting
// whether the key is present at all.
func updateString(updates map[string]any, key string) (string, bool) {
	value, ok := updates[key]
	if !ok {
		return "", false
	}
	s, _ := value.(string)
	return s, true
}

// R1: a unique item has at most one owner across pending events.
func checkUniqueItemOwnership(in ruleInput) []Violation {
	newOwners := make(map[string][]string)

	for i := range in.events {
		evt := &in.events[i]
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityItem {
				continue
			}
			if !isUniqueItem(in.current, update.EntityID) {
				continue
			}
			if owner, ok := updateString(update.Updates, "owner_id"); ok && owner != "" {
				newOwners[update.EntityID] = append(newOwners[update.EntityID], owner)
			}
		}
	}

	var violations []Violation
	itemIDs := make([]string, 0, len(newOwners))
	for itemID := range newOwners {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)

	for _, itemID := range itemIDs {
		distinct := make(map[string]bool)
		for _, owner := range newOwners[itemID] {
			distinct[owner] = true
		}
		if len(distinct) <= 1 {
			continue
		}
		name := itemName(in.current, itemID)
		violations = append(violations, Violation{
			RuleID:    "R1",
			RuleName:  "unique item ownership",
			Severity:  SeverityError,
			Message:   fmt.Sprintf("unique item '%s' (%s) assigned to %d different owners in pending events", name, itemID, len(distinct)),
			EntityID:  itemID,
			ambiguous: true,
			question:  fmt.Sprintf("Rule R1 violated: unique item '%s' assigned to multiple owners. Which is canonical?", name),
		})
	}
	return violations
}

// R2: an owned item's location matches its owner's location.
func checkItemLocationConsistency(in ruleInput) []Violation {
	var violations []Violation

	itemIDs := make([]string, 0, len(in.projected.Entities.Items))
	for itemID := range in.projected.Entities.Items {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)

	for _, itemID := range itemIDs {
		item := in.projected.Entities.Items[itemID]
		if item.OwnerID == "" {
			continue
		}

		var expected string
		if owner, ok := in.projected.Entities.Characters[item.OwnerID]; ok {
			expected = owner.LocationID
		} else if _, ok := in.projected.Entities.Locations[item.OwnerID]; ok {
			expected = item.OwnerID
		}

		if expected != "" && item.LocationID != expected {
			violations = append(violations, Violation{
				RuleID:   "R2",
				RuleName: "item location follows owner",
				Severity: SeverityWarning,
				Message: fmt.Sprintf("item '%s' (%s) is at '%s' but its owner '%s' is at '%s'",
					item.Name, itemID, item.LocationID, item.OwnerID, expected),
				EntityID: itemID,
				Fixable:  true,
			})
		}
	}
	return violations
}

// R3: dead characters cannot act, and cannot come back without REVIVAL.
func checkDeadCharacterAction(in ruleInput) []Violation {
	dead := make(map[string]bool)
	for charID, char := range in.current.Entities.Characters {
		if !char.Alive {
			dead[charID] = true
		}
	}
	if len(dead) == 0 {
		return nil
	}

	var violations []Violation
	for i := range in.events {
		evt := &in.events[i]
		if evt.Type != event.TypeDeath && evt.Type != event.TypeRevival {
			for _, actorID := range evt.Who.Actors {
				if dead[actorID] {
					violations = append(violations, Violation{
						RuleID:   "R3",
						RuleName: "dead characters cannot act",
						Severity: SeverityError,
						Message: fmt.Sprintf("dead character '%s' (%s) acts in event '%s'",
							characterName(in.current, actorID), actorID, evt.Summary),
						EntityID: actorID,
					})
				}
			}
		}

		if evt.Type == event.TypeRevival {
			continue
		}
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter || !dead[update.EntityID] {
				continue
			}
			if alive, ok := update.Updates["alive"].(bool); ok && alive {
				violations = append(violations, Violation{
					RuleID:   "R3",
					RuleName: "dead characters cannot act",
					Severity: SeverityError,
					Message: fmt.Sprintf("dead character '%s' (%s) set alive without a REVIVAL event",
						characterName(in.current, update.EntityID), update.EntityID),
					EntityID: update.EntityID,
				})
			}
		}
	}
	return violations
}

// R4: alive and faction changes require the matching event type.
func checkExplicitStateChange(in ruleInput) []Violation {
	var violations []Violation

	for i := range in.events {
		evt := &in.events[i]
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			current, known := in.current.Entities.Characters[update.EntityID]
			if !known {
				continue
			}

			if value, ok := update.Updates["alive"]; ok {
				if alive, ok := value.(bool); ok && alive != current.Alive {
					if !alive && evt.Type != event.TypeDeath {
						violations = append(violations, Violation{
							RuleID:   "R4",
							RuleName: "state changes need explicit events",
							Severity: SeverityError,
							Message: fmt.Sprintf("character '%s' (%s) dies but event type is %s, not DEATH",
								current.Name, update.EntityID, evt.Type),
							EntityID: update.EntityID,
						})
					} else if alive && evt.Type != event.TypeRevival {
						violations = append(violations, Violation{
							RuleID:   "R4",
							RuleName: "state changes need explicit events",
							Severity: SeverityError,
							Message: fmt.Sprintf("character '%s' (%s) revives but event type is %s, not REVIVAL",
								current.Name, update.EntityID, evt.Type),
							EntityID: update.EntityID,
						})
					}
				}
			}

			if faction, ok := updateString(update.Updates, "faction_id"); ok {
				if faction != current.FactionID && evt.Type != event.TypeFactionChange {
					violations = append(violations, Violation{
						RuleID:   "R4",
						RuleName: "state changes need explicit events",
						Severity: SeverityError,
						Message: fmt.Sprintf("character '%s' (%s) changes faction from '%s' to '%s' but event type is %s, not FACTION_CHANGE",
							current.Name, update.EntityID, current.FactionID, faction, evt.Type),
						EntityID: update.EntityID,
					})
				}
			}
		}
	}
	return violations
}

// R5: character location changes require a matching TRAVEL event.
func checkTravelEventRequired(in ruleInput) []Violation {
	var violations []Violation

	for i := range in.events {
		evt := &in.events[i]
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			current, known := in.current.Entities.Characters[update.EntityID]
			if !known {
				continue
			}
			location, ok := updateString(update.Updates, "location_id")
			if !ok || location == current.LocationID {
				continue
			}

			if evt.Type != event.TypeTravel {
				violations = append(violations, Violation{
					RuleID:   "R5",
					RuleName: "location changes need TRAVEL events",
					Severity: SeverityError,
					Message: fmt.Sprintf("character '%s' (%s) moves from '%s' to '%s' but event type is %s, not TRAVEL",
						current.Name, update.EntityID, current.LocationID, location, evt.Type),
					EntityID: update.EntityID,
				})
				continue
			}

			if payloadChar := evt.PayloadString("character_id"); payloadChar != update.EntityID {
				violations = append(violations, Violation{
					RuleID:   "R5",
					RuleName: "location changes need TRAVEL events",
					Severity: SeverityError,
					Message: fmt.Sprintf("TRAVEL event names character '%s' but the patch moves '%s'",
						payloadChar, update.EntityID),
					EntityID: update.EntityID,
				})
			}
		}
	}
	return violations
}

// R6: no character occupies two locations at the same time order.
func checkSingleLocationPerCharacter(in ruleInput) []Violation {
	byOrder := make(map[int][]*event.Event)
	var orders []int
	for i := range in.events {
		evt := &in.events[i]
		if _, ok := byOrder[evt.Time.Order]; !ok {
			orders = append(orders, evt.Time.Order)
		}
		byOrder[evt.Time.Order] = append(byOrder[evt.Time.Order], evt)
	}
	sort.Ints(orders)

	var violations []Violation
	for _, order := range orders {
		locations := make(map[string]map[string]bool)
		var charIDs []string
		record := func(charID, locationID string) {
			if locationID == "" {
				return
			}
			if _, ok := locations[charID]; !ok {
				locations[charID] = make(map[string]bool)
				charIDs = append(charIDs, charID)
			}
			locations[charID][locationID] = true
		}

		for _, evt := range byOrder[order] {
			for _, update := range evt.StatePatch.EntityUpdates {
				if update.EntityType != canon.EntityCharacter {
					continue
				}
				if location, ok := updateString(update.Updates, "location_id"); ok {
					record(update.EntityID, location)
				}
			}
			// An actor without an explicit move is placed wherever the
			// event happened, except for TRAVEL which already patched it.
			if evt.Type != event.TypeTravel {
				for _, actorID := range evt.Who.Actors {
					if _, moved := locations[actorID]; !moved {
						record(actorID, evt.Where.LocationID)
					}
				}
			}
		}

		sort.Strings(charIDs)
		for _, charID := range charIDs {
			if len(locations[charID]) > 1 {
				places := make([]string, 0, len(locations[charID]))
				for loc := range locations[charID] {
					places = append(places, loc)
				}
				sort.Strings(places)
				violations = append(violations, Violation{
					RuleID:   "R6",
					RuleName: "one location per character per moment",
					Severity: SeverityError,
					Message: fmt.Sprintf("character '%s' (%s) is in multiple locations %v at time order %d",
						characterName(in.current, charID), charID, places, order),
					EntityID: charID,
				})
			}
		}
	}
	return violations
}

// R7: time order never decreases.
func checkMonotonicTimeline(in ruleInput) []Violation {
	var violations []Violation

	if len(in.events) > 0 {
		sorted := make([]*event.Event, 0, len(in.events))
		for i := range in.events {
			sorted = append(sorted, &in.events[i])
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Turn != sorted[j].Turn {
				return sorted[i].Turn < sorted[j].Turn
			}
			return sorted[i].Time.Order < sorted[j].Time.Order
		})

		anchor := in.current.Time.Anchor.Order
		for _, evt := range sorted {
			if evt.Time.Order < anchor {
				violations = append(violations, Violation{
					RuleID:   "R7",
					RuleName: "monotonic timeline",
					Severity: SeverityError,
					Message: fmt.Sprintf("event '%s' (%s) has time order %d, before the current anchor %d",
						evt.Summary, evt.EventID, evt.Time.Order, anchor),
				})
			}
			if evt.Time.Order > anchor {
				anchor = evt.Time.Order
			}
		}

		// Events within one turn must already arrive in time order.
	outer:
		for i := 0; i < len(in.events)-1; i++ {
			for j := i + 1; j < len(in.events); j++ {
				prev, next := &in.events[i], &in.events[j]
				if prev.Turn == next.Turn && prev.Time.Order > next.Time.Order {
					violations = append(violations, Violation{
						RuleID:   "R7",
						RuleName: "monotonic timeline",
						Severity: SeverityError,
						Message: fmt.Sprintf("within turn %d, event '%s' (order %d) precedes '%s' (order %d)",
							prev.Turn, prev.Summary, prev.Time.Order, next.Summary, next.Time.Order),
					})
					continue outer
				}
			}
		}
	}

	if in.projected.Time.Anchor.Order < in.current.Time.Anchor.Order {
		violations = append(violations, Violation{
			RuleID:   "R7",
			RuleName: "monotonic timeline",
			Severity: SeverityError,
			Message: fmt.Sprintf("projected anchor order %d is before the current anchor order %d",
				in.projected.Time.Anchor.Order, in.current.Time.Anchor.Order),
		})
	}
	return violations
}

// R8: immutable constraints hold in the projected state.
func checkImmutableConstraints(in ruleInput) []Violation {
	var violations []Violation

	immutable := make(map[string]bool)
	for _, id := range in.current.Constraints.ImmutableEvents {
		immutable[id] = true
	}
	for i := range in.events {
		evt := &in.events[i]
		if immutable[evt.EventID] {
			violations = append(violations, Violation{
				RuleID:   "R8",
				RuleName: "immutable constraints",
				Severity: SeverityError,
				Message:  fmt.Sprintf("event '%s' is marked immutable and cannot be restated", evt.EventID),
			})
		}
	}

	for _, constraint := range in.current.Constraints.Constraints {
		switch constraint.Type {
		case canon.ConstraintEntityState:
			char, ok := in.projected.Entities.Characters[constraint.EntityID]
			if !ok {
				continue
			}
			want, ok := constraint.Value["alive"].(bool)
			if !ok || char.Alive == want {
				continue
			}
			violations = append(violations, constraintViolation(in, constraint, "alive",
				fmt.Sprintf("character '%s' (%s) violates constraint '%s'", char.Name, constraint.EntityID, constraint.Description)))

		case canon.ConstraintRelationship:
			char, ok := in.projected.Entities.Characters[constraint.EntityID]
			if !ok {
				continue
			}
			want, ok := constraint.Value["faction_id"].(string)
			if !ok || char.FactionID == want {
				continue
			}
			violations = append(violations, constraintViolation(in, constraint, "faction_id",
				fmt.Sprintf("character '%s' (%s) faction violates constraint '%s'", char.Name, constraint.EntityID, constraint.Description)))

		case canon.ConstraintUniqueItem:
			item, ok := in.projected.Entities.Items[constraint.EntityID]
			if !ok {
				continue
			}
			want, ok := constraint.Value["owner_id"].(string)
			if !ok || item.OwnerID == want {
				continue
			}
			violations = append(violations, constraintViolation(in, constraint, "owner_id",
				fmt.Sprintf("item '%s' (%s) ownership violates constraint '%s'", item.Name, constraint.EntityID, constraint.Description)))
		}
	}
	return violations
}

// constraintViolation builds an R8 violation, escalating to a clarification
// question only when exactly two pending events set the constrained field
// to different values. A single offending event is a plain contradiction.
func constraintViolation(in ruleInput, constraint canon.Constraint, field, message string) Violation {
	values := make(map[string]bool)
	touches := 0
	for i := range in.events {
		for _, update := range in.events[i].StatePatch.EntityUpdates {
			if update.EntityID != constraint.EntityID {
				continue
			}
			if value, ok := update.Updates[field]; ok {
				touches++
				values[fmt.Sprintf("%v", value)] = true
			}
		}
	}

	v := Violation{
		RuleID:   "R8",
		RuleName: "immutable constraints",
		Severity: SeverityError,
		Message:  message,
		EntityID: constraint.EntityID,
	}
	if touches == 2 && len(values) == 2 {
		v.ambiguous = true
		v.question = fmt.Sprintf("Rule R8 violated: constraint '%s' contradicted by two pending changes to %s. Which is canonical?",
			constraint.Description, field)
	}
	return v
}

// R9: faction and relationship changes are traceable.
func checkTraceableRelationshipChange(in ruleInput) []Violation {
	var violations []Violation

	for i := range in.events {
		evt := &in.events[i]
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}

			if faction, ok := updateString(update.Updates, "faction_id"); ok {
				current, known := in.current.Entities.Characters[update.EntityID]
				if known && faction != current.FactionID && evt.Type == event.TypeFactionChange {
					if evt.PayloadString("character_id") == "" {
						violations = append(violations, Violation{
							RuleID:   "R9",
							RuleName: "traceable relationship changes",
							Severity: SeverityError,
							Message:  fmt.Sprintf("FACTION_CHANGE event '%s' carries no character_id, the change cannot be traced", evt.EventID),
							EntityID: update.EntityID,
						})
					}
				}
			}

			if metadata, ok := update.Updates["metadata"].(map[string]any); ok {
				if _, has := metadata["relationship_changes"]; has && evt.Type != event.TypeRelationshipChange {
					violations = append(violations, Violation{
						RuleID:   "R9",
						RuleName: "traceable relationship changes",
						Severity: SeverityError,
						Message: fmt.Sprintf("character '%s' (%s) records relationship changes but event type is %s, not RELATIONSHIP_CHANGE",
							characterName(in.current, update.EntityID), update.EntityID, evt.Type),
						EntityID: update.EntityID,
					})
				}
			}
		}
	}
	return violations
}
