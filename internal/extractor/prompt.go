package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/canonforge/canonforge/internal/canon"
)

const summaryEntityLimit = 10

// buildSystemPrompt assembles the extraction instructions around a compact
// summary of the canonical state. The worked examples reuse real entity ids
// from the state so the model anchors on ids that actually exist.
func buildSystemPrompt(state *canon.CanonicalState, turn int) string {
	exampleCharID := firstKey(sortedKeys(state.Entities.Characters), "caocao")
	exampleItemID := firstKey(sortedKeys(state.Entities.Items), "sword_001")
	playerID := state.Player.ID
	playerLocation := state.Player.LocationID
	nextOrder := state.Time.Anchor.Order + 1

	var b strings.Builder
	fmt.Fprintf(&b, "You are an event extractor for an interactive fiction engine. Read a narrative draft and extract every state change as structured events.\n\n")
	fmt.Fprintf(&b, "## Current state (turn %d)\n\n%s\n\n", turn, formatStateSummary(state))
	b.WriteString(`## Task

Identify every state change described in the draft and record each one in a state_patch. A change narrated but not patched is an extraction error.

## Event types

- OWNERSHIP_CHANGE: an item changes hands (gives, lends, hands over, takes, drops)
- TRAVEL: a character moves between locations (travels to, arrives at, leaves, returns)
- DEATH / REVIVAL: a character dies or returns to life
- FACTION_CHANGE: a character switches allegiance
- QUEST_START / QUEST_COMPLETE / QUEST_FAIL: quest lifecycle
- ITEM_CREATE / ITEM_DESTROY: an item appears or is destroyed
- RELATIONSHIP_CHANGE: a relationship between characters shifts
- TIME_ADVANCE: narrative time moves forward (the next day, days later)
- OTHER: anything else, including turns with no visible state change

## state_patch format

entity_updates MUST be an object keyed by entity id, never an array:

{
  "entity_updates": {
    "<entity_id>": {
      "entity_type": "character|item|location|faction",
      "entity_id": "<entity_id>",
      "updates": {"<field>": <new value>}
    }
  },
  "player_updates": {
    "location_id": "<location_id>",
    "inventory_add": ["<item_id>"],
    "inventory_remove": ["<item_id>"],
    "party_add": ["<character_id>"],
    "party_remove": ["<character_id>"]
  },
  "time_update": {"calendar": "<text>", "anchor": {"label": "<text>", "order": <int>}}
}

Common fields: character location_id/alive/faction_id/metadata, item owner_id/location_id/metadata, location name/metadata, faction name/leader_id/members/metadata.

`)
	fmt.Fprintf(&b, `## Example 1: ownership change

Draft: "Cao Cao hands the sword to the player. 'Consider it a loan,' he says."

{
  "events": [
    {
      "turn": %d,
      "time": {"label": %q, "order": %d},
      "where": {"location_id": %q},
      "who": {"actors": [%q, %q], "witnesses": []},
      "type": "OWNERSHIP_CHANGE",
      "summary": "Cao Cao lends the sword to the player",
      "payload": {"item_id": %q, "old_owner_id": %q, "new_owner_id": %q},
      "state_patch": {
        "entity_updates": {
          %q: {"entity_type": "item", "entity_id": %q, "updates": {"owner_id": %q, "location_id": %q}}
        },
        "player_updates": {"inventory_add": [%q]}
      }
    }
  ],
  "open_questions": []
}

`, turn, state.Time.Calendar, nextOrder, playerLocation, playerID, exampleCharID,
		exampleItemID, exampleCharID, playerID,
		exampleItemID, exampleItemID, playerID, playerLocation, exampleItemID)
	fmt.Fprintf(&b, `## Example 2: travel

Draft: "The player leaves the capital and, after a long march, finally reaches Xuchang."

{
  "events": [
    {
      "turn": %d,
      "time": {"label": %q, "order": %d},
      "where": {"location_id": "xuchang"},
      "who": {"actors": [%q], "witnesses": []},
      "type": "TRAVEL",
      "summary": "the player travels to Xuchang",
      "payload": {"character_id": %q, "from_location_id": %q, "to_location_id": "xuchang"},
      "state_patch": {
        "entity_updates": {
          %q: {"entity_type": "character", "entity_id": %q, "updates": {"location_id": "xuchang"}}
        },
        "player_updates": {"location_id": "xuchang"}
      }
    }
  ],
  "open_questions": []
}

`, turn, state.Time.Calendar, nextOrder, playerID, playerID, playerLocation, playerID, playerID)
	b.WriteString(`## Rules

1. Every narrated state change goes into a state_patch.
2. Nothing appears from thin air: an unknown item, a dead character acting, or a location jump with no travel description belongs in open_questions instead of events.
3. Pick the most specific event type; use OTHER only when nothing fits.
4. Always output at least one event, even when nothing changed.

Call the extract_events function to return the result. Do not output anything else.
`)
	return b.String()
}

// buildUserPrompt wraps the exchange to extract from.
func buildUserPrompt(userMessage, draft string) string {
	return fmt.Sprintf(`Extract events from the following exchange. Call the extract_events function with the result.

## User message
%s

## Assistant draft
%s

Check for ownership changes, character movement, deaths and revivals, faction changes, quest progress, and time advancing. Patch each change you find; list anything that needs clarification in open_questions.`, userMessage, draft)
}

// formatStateSummary renders the state facts the extractor needs, capped so
// the prompt stays small on large worlds.
func formatStateSummary(state *canon.CanonicalState) string {
	var lines []string

	lines = append(lines, fmt.Sprintf("Time: %s (order %d)", state.Time.Calendar, state.Time.Anchor.Order))
	lines = append(lines, fmt.Sprintf("Player: %s (%s) @ %s", state.Player.Name, state.Player.ID, state.Player.LocationID))
	if len(state.Player.Party) > 0 {
		lines = append(lines, "  Party: "+strings.Join(state.Player.Party, ", "))
	}
	if len(state.Player.Inventory) > 0 {
		lines = append(lines, "  Inventory: "+strings.Join(state.Player.Inventory, ", "))
	}

	charIDs := sortedKeys(state.Entities.Characters)
	if len(charIDs) > 0 {
		lines = append(lines, "Characters:")
		for _, id := range limit(charIDs, summaryEntityLimit) {
			char := state.Entities.Characters[id]
			status := "alive"
			if !char.Alive {
				status = "dead"
			}
			locationName := char.LocationID
			if location, ok := state.Entities.Locations[char.LocationID]; ok {
				locationName = location.Name
			}
			lines = append(lines, fmt.Sprintf("  - %s (%s): %s, at %s", char.Name, id, status, locationName))
		}
	}

	itemIDs := sortedKeys(state.Entities.Items)
	if len(itemIDs) > 0 {
		lines = append(lines, "Items:")
		for _, id := range limit(itemIDs, summaryEntityLimit) {
			item := state.Entities.Items[id]
			holder := "at " + item.LocationID
			if item.OwnerID != "" {
				holder = "owned by " + item.OwnerID
			}
			lines = append(lines, fmt.Sprintf("  - %s (%s): %s", item.Name, id, holder))
		}
	}

	if len(state.Constraints.UniqueItemIDs) > 0 {
		lines = append(lines, "Unique items: "+strings.Join(state.Constraints.UniqueItemIDs, ", "))
	}
	if len(state.Constraints.ImmutableEvents) > 0 {
		lines = append(lines, fmt.Sprintf("Immutable events: %d", len(state.Constraints.ImmutableEvents)))
	}

	return strings.Join(lines, "\n")
}

// extractToolDefinition is the function the model is asked to call.
func extractToolDefinition() chatTool {
	eventSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"turn": map[string]any{"type": "integer"},
			"time": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label": map[string]any{"type": "string"},
					"order": map[string]any{"type": "integer"},
				},
				"required": []string{"label", "order"},
			},
			"where": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location_id": map[string]any{"type": "string"},
				},
				"required": []string{"location_id"},
			},
			"who": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"actors":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"witnesses": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"actors"},
			},
			"type":        map[string]any{"type": "string", "enum": eventTypeNames()},
			"summary":     map[string]any{"type": "string"},
			"payload":     map[string]any{"type": "object"},
			"state_patch": map[string]any{"type": "object"},
			"confidence":  map[string]any{"type": "number"},
		},
		"required": []string{"turn", "time", "where", "who", "type", "summary", "state_patch"},
	}

	return chatTool{
		Type: "function",
		Function: chatFunction{
			Name:        "extract_events",
			Description: "Return the structured events extracted from the narrative draft.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"events": map[string]any{
						"type":        "array",
						"items":       eventSchema,
						"minItems":    1,
						"description": "extracted events, at least one",
					},
					"open_questions": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "questions the user must answer before events can be committed",
					},
				},
				"required": []string{"events"},
			},
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func limit(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}

func firstKey(keys []string, fallback string) string {
	if len(keys) > 0 {
		return keys[0]
	}
	return fallback
}
