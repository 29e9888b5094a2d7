// Package turn orchestrates one conversation turn: extract candidate events
// from the draft, run them through the consistency gate, and commit or
// escalate based on the verdict.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/extractor"
	"github.com/canonforge/canonforge/internal/gate"
	"github.com/canonforge/canonforge/internal/statemgr"
	"github.com/canonforge/canonforge/internal/storage"
)

// DefaultTimeout bounds one full turn, extraction included.
const DefaultTimeout = 30 * time.Second

const recentEventLimit = 10

// Extractor produces candidate events from a draft.
type Extractor interface {
	Extract(ctx context.Context, state *canon.CanonicalState, userMessage, draft string, turn int) (extractor.Result, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Manager   *statemgr.Manager
	Gate      *gate.Gate
	Extractor Extractor
	Events    storage.EventStore

	// Timeout bounds ProcessDraft; zero means DefaultTimeout.
	Timeout time.Duration
}

// Result is the outcome of processing one draft.
type Result struct {
	FinalAction         string                `json:"final_action"`
	State               *canon.CanonicalState `json:"state,omitempty"`
	RecentEvents        []event.Event         `json:"recent_events,omitempty"`
	Violations          []gate.Violation      `json:"violations,omitempty"`
	Questions           []string              `json:"questions,omitempty"`
	RewriteInstructions string                `json:"rewrite_instructions,omitempty"`
}

// Orchestrator runs the extract, validate, commit pipeline for a story.
type Orchestrator struct {
	manager   *statemgr.Manager
	gate      *gate.Gate
	extractor Extractor
	events    storage.EventStore
	timeout   time.Duration
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		manager:   cfg.Manager,
		gate:      cfg.Gate,
		extractor: cfg.Extractor,
		events:    cfg.Events,
		timeout:   cfg.Timeout,
	}, nil
}

// ProcessDraft runs one turn. Only PASS and AUTO_FIX verdicts write state;
// REWRITE and ASK_USER return guidance and leave the story untouched.
func (o *Orchestrator) ProcessDraft(ctx context.Context, storyID, userMessage, draft string) (Result, error) {
	if strings.TrimSpace(storyID) == "" {
		return Result{}, fmt.Errorf("story id is required")
	}
	if strings.TrimSpace(draft) == "" {
		return Result{}, fmt.Errorf("draft is required")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	state, err := o.loadState(ctx, storyID)
	if err != nil {
		return Result{}, err
	}
	currentTurn := state.Meta.Turn + 1

	extraction, err := o.extractor.Extract(ctx, state, userMessage, draft, currentTurn)
	if err != nil {
		return Result{}, fmt.Errorf("extract events: %w", err)
	}
	if extraction.RequiresUserInput {
		return Result{
			FinalAction: gate.ActionAskUser,
			Questions:   extraction.OpenQuestions,
		}, nil
	}

	if len(extraction.Events) == 0 {
		return Result{FinalAction: gate.ActionPass, State: state}, nil
	}

	verdict := o.gate.Check(state, extraction.Events, draft)

	switch verdict.Action {
	case gate.ActionPass:
		return o.commit(ctx, storyID, extraction.Events, verdict, gate.ActionPass)

	case gate.ActionAutoFix:
		if verdict.Fixes == nil {
			return o.commit(ctx, storyID, extraction.Events, verdict, gate.ActionPass)
		}
		fixEvent, err := o.buildFixEvent(state, extraction.Events, *verdict.Fixes, storyID, currentTurn)
		if err != nil {
			return Result{}, err
		}
		return o.commit(ctx, storyID, append(extraction.Events, fixEvent), verdict, gate.ActionAutoFix)

	case gate.ActionRewrite:
		return Result{
			FinalAction:         gate.ActionRewrite,
			RewriteInstructions: strings.Join(verdict.Reasons, "\n"),
			Violations:          verdict.Violations,
		}, nil

	case gate.ActionAskUser:
		return Result{
			FinalAction: gate.ActionAskUser,
			Questions:   verdict.Questions,
			Violations:  verdict.Violations,
		}, nil

	default:
		return Result{
			FinalAction:         gate.ActionRewrite,
			RewriteInstructions: "unknown gate action",
			Violations:          verdict.Violations,
		}, nil
	}
}

func (o *Orchestrator) loadState(ctx context.Context, storyID string) (*canon.CanonicalState, error) {
	state, err := o.manager.GetState(ctx, storyID)
	if errors.Is(err, storage.ErrNotFound) {
		return o.manager.InitializeState(ctx, storyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return state, nil
}

// commit applies and persists the events, then assembles the response with
// the committed state and the latest slice of the log.
func (o *Orchestrator) commit(ctx context.Context, storyID string, events []event.Event, verdict gate.Result, action string) (Result, error) {
	state, err := o.manager.ApplyEvents(ctx, storyID, events, nil)
	if err != nil {
		return Result{}, fmt.Errorf("commit events: %w", err)
	}

	recent, err := o.events.ListRecentEvents(ctx, storyID, recentEventLimit, 0)
	if err != nil {
		return Result{}, fmt.Errorf("list recent events: %w", err)
	}

	result := Result{
		FinalAction:  action,
		State:        state,
		RecentEvents: recent,
	}
	if action == gate.ActionAutoFix {
		result.Violations = verdict.Violations
	}
	return result, nil
}

// buildFixEvent wraps the gate's fix patch in its own OTHER event so the
// correction is traceable in the log like any other change. Its timestamp
// and location come from the state as it will be after the pending events.
func (o *Orchestrator) buildFixEvent(state *canon.CanonicalState, events []event.Event, fixes canon.StatePatch, storyID string, turn int) (event.Event, error) {
	projected := state
	for i := range events {
		next, err := statemgr.ApplyPatch(projected, events[i].StatePatch, events[i].EventID, events[i].Turn)
		if err != nil {
			return event.Event{}, fmt.Errorf("project state for fix event: %w", err)
		}
		projected = next
	}

	now := time.Now()
	return event.Event{
		EventID:    event.NewID(turn, now),
		StoryID:    storyID,
		Turn:       turn,
		Time:       event.Time{Label: projected.Time.Calendar, Order: projected.Time.Anchor.Order},
		Where:      event.Where{LocationID: projected.Player.LocationID},
		Who:        event.Who{Actors: []string{projected.Player.ID}},
		Type:       event.TypeOther,
		Summary:    "auto fix",
		Payload:    map[string]any{"fix_type": "auto_fix"},
		StatePatch: fixes,
		Evidence:   event.Evidence{Source: fmt.Sprintf("auto_fix_turn_%d", turn)},
		CreatedAt:  now,
	}, nil
}
