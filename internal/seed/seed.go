// Package seed loads initial story scenarios from YAML and installs them
// for stories that have not been played yet.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/storage"
)

// Scenario is the YAML shape of an initial world.
type Scenario struct {
	StoryID  string `yaml:"story_id"`
	Calendar string `yaml:"calendar"`
	Anchor   struct {
		Label string `yaml:"label"`
		Order int    `yaml:"order"`
	} `yaml:"anchor"`

	Player struct {
		ID         string   `yaml:"id"`
		Name       string   `yaml:"name"`
		LocationID string   `yaml:"location_id"`
		Party      []string `yaml:"party"`
		Inventory  []string `yaml:"inventory"`
	} `yaml:"player"`

	Characters []struct {
		ID         string         `yaml:"id"`
		Name       string         `yaml:"name"`
		LocationID string         `yaml:"location_id"`
		Alive      *bool          `yaml:"alive"`
		FactionID  string         `yaml:"faction_id"`
		Metadata   map[string]any `yaml:"metadata"`
	} `yaml:"characters"`

	Locations []struct {
		ID               string         `yaml:"id"`
		Name             string         `yaml:"name"`
		ParentLocationID string         `yaml:"parent_location_id"`
		Metadata         map[string]any `yaml:"metadata"`
	} `yaml:"locations"`

	Items []struct {
		ID         string         `yaml:"id"`
		Name       string         `yaml:"name"`
		OwnerID    string         `yaml:"owner_id"`
		LocationID string         `yaml:"location_id"`
		Unique     bool           `yaml:"unique"`
		Metadata   map[string]any `yaml:"metadata"`
	} `yaml:"items"`

	Factions []struct {
		ID       string         `yaml:"id"`
		Name     string         `yaml:"name"`
		LeaderID string         `yaml:"leader_id"`
		Members  []string       `yaml:"members"`
		Metadata map[string]any `yaml:"metadata"`
	} `yaml:"factions"`

	Quests []struct {
		ID            string         `yaml:"id"`
		Title         string         `yaml:"title"`
		Status        string         `yaml:"status"`
		Prerequisites []string       `yaml:"prerequisites"`
		Metadata      map[string]any `yaml:"metadata"`
	} `yaml:"quests"`

	Constraints struct {
		UniqueItemIDs   []string `yaml:"unique_item_ids"`
		ImmutableEvents []string `yaml:"immutable_events"`
	} `yaml:"constraints"`
}

// Load parses a scenario file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var scenario Scenario
	if err := yaml.Unmarshal(raw, &scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &scenario, nil
}

// State builds the canonical state the scenario describes, starting from the
// standard scaffold so omitted sections keep their defaults.
func (s *Scenario) State() (*canon.CanonicalState, error) {
	if strings.TrimSpace(s.StoryID) == "" {
		return nil, fmt.Errorf("scenario: story_id is required")
	}
	state := canon.NewScaffold(s.StoryID)

	if s.Calendar != "" {
		state.Time.Calendar = s.Calendar
	}
	if s.Anchor.Label != "" {
		state.Time.Anchor = canon.TimeAnchor{Label: s.Anchor.Label, Order: s.Anchor.Order}
	}

	if s.Player.ID != "" {
		state.Player.ID = s.Player.ID
	}
	if s.Player.Name != "" {
		state.Player.Name = s.Player.Name
	}
	if s.Player.LocationID != "" {
		state.Player.LocationID = s.Player.LocationID
	}
	if s.Player.Party != nil {
		state.Player.Party = s.Player.Party
	}
	if s.Player.Inventory != nil {
		state.Player.Inventory = s.Player.Inventory
	}

	for _, l := range s.Locations {
		if strings.TrimSpace(l.ID) == "" {
			return nil, fmt.Errorf("scenario %s: location without id", s.StoryID)
		}
		state.Entities.Locations[l.ID] = canon.Location{
			ID: l.ID, Name: l.Name, ParentLocationID: l.ParentLocationID, Metadata: l.Metadata,
		}
	}

	for _, c := range s.Characters {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("scenario %s: character without id", s.StoryID)
		}
		alive := true
		if c.Alive != nil {
			alive = *c.Alive
		}
		locationID := c.LocationID
		if locationID == "" {
			locationID = canon.DefaultLocationID
		}
		state.Entities.Characters[c.ID] = canon.Character{
			ID: c.ID, Name: c.Name, LocationID: locationID,
			Alive: alive, FactionID: c.FactionID, Metadata: c.Metadata,
		}
	}

	for _, i := range s.Items {
		if strings.TrimSpace(i.ID) == "" {
			return nil, fmt.Errorf("scenario %s: item without id", s.StoryID)
		}
		locationID := i.LocationID
		// An owned item sits wherever its owner stands.
		if locationID == "" && i.OwnerID != "" {
			if owner, ok := state.Entities.Characters[i.OwnerID]; ok {
				locationID = owner.LocationID
			}
		}
		if locationID == "" {
			locationID = canon.DefaultLocationID
		}
		state.Entities.Items[i.ID] = canon.Item{
			ID: i.ID, Name: i.Name, OwnerID: i.OwnerID,
			LocationID: locationID, Unique: i.Unique, Metadata: i.Metadata,
		}
		if i.Unique && !contains(state.Constraints.UniqueItemIDs, i.ID) {
			state.Constraints.UniqueItemIDs = append(state.Constraints.UniqueItemIDs, i.ID)
		}
	}

	for _, f := range s.Factions {
		if strings.TrimSpace(f.ID) == "" {
			return nil, fmt.Errorf("scenario %s: faction without id", s.StoryID)
		}
		state.Entities.Factions[f.ID] = canon.Faction{
			ID: f.ID, Name: f.Name, LeaderID: f.LeaderID, Members: f.Members, Metadata: f.Metadata,
		}
	}

	for _, q := range s.Quests {
		if strings.TrimSpace(q.ID) == "" {
			return nil, fmt.Errorf("scenario %s: quest without id", s.StoryID)
		}
		status := q.Status
		if status == "" {
			status = canon.QuestStatusActive
		}
		quest := canon.Quest{
			ID: q.ID, Title: q.Title, Status: status,
			Prerequisites: q.Prerequisites, Metadata: q.Metadata,
		}
		switch status {
		case canon.QuestStatusActive:
			state.Quest.Active = append(state.Quest.Active, quest)
		case canon.QuestStatusCompleted, canon.QuestStatusFailed:
			state.Quest.Completed = append(state.Quest.Completed, quest)
		default:
			return nil, fmt.Errorf("scenario %s: quest %s has unknown status %q", s.StoryID, q.ID, status)
		}
	}

	for _, id := range s.Constraints.UniqueItemIDs {
		if !contains(state.Constraints.UniqueItemIDs, id) {
			state.Constraints.UniqueItemIDs = append(state.Constraints.UniqueItemIDs, id)
		}
	}
	state.Constraints.ImmutableEvents = append(state.Constraints.ImmutableEvents, s.Constraints.ImmutableEvents...)

	if problems := state.ReferenceProblems(); len(problems) > 0 {
		return nil, fmt.Errorf("scenario %s: %s", s.StoryID, strings.Join(problems, "; "))
	}
	return state, nil
}

// Install persists the scenario's state unless the story already exists.
// Played stories are never overwritten.
func Install(ctx context.Context, store storage.StateStore, scenario *Scenario) error {
	state, err := scenario.State()
	if err != nil {
		return err
	}

	_, err = store.GetState(ctx, scenario.StoryID)
	switch {
	case err == nil:
		log.Printf("story %s already exists, leaving seed untouched", scenario.StoryID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("check story %s before seeding: %w", scenario.StoryID, err)
	}

	if err := store.SaveState(ctx, scenario.StoryID, state); err != nil {
		return fmt.Errorf("seed story %s: %w", scenario.StoryID, err)
	}
	log.Printf("seeded story %s from scenario", scenario.StoryID)
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
