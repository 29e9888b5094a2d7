// Package gate validates pending events and narrative drafts against the
// canonical state. It is pure: no mutation, no I/O.
package gate

import (
	"fmt"
	"log"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/statemgr"
)

// Dispositions returned by the gate.
const (
	ActionPass    = "PASS"
	ActionAutoFix = "AUTO_FIX"
	ActionRewrite = "REWRITE"
	ActionAskUser = "ASK_USER"
)

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Violation records one rule breach.
type Violation struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	EntityID string `json:"entity_id,omitempty"`
	Fixable  bool   `json:"fixable"`

	// ambiguous marks violations where two otherwise valid events
	// contradict each other symmetrically, so the user must pick one.
	ambiguous bool
	// question is the clarification to surface when escalating.
	question string
}

// Result is the gate's verdict on a set of pending events.
type Result struct {
	Action     string            `json:"action"`
	Reasons    []string          `json:"reasons"`
	Violations []Violation       `json:"violations"`
	Fixes      *canon.StatePatch `json:"fixes,omitempty"`
	Questions  []string          `json:"questions,omitempty"`
}

// ruleInput bundles everything a rule may inspect.
type ruleInput struct {
	current   *canon.CanonicalState
	projected *canon.CanonicalState
	events    []event.Event
	draft     string
}

type rule struct {
	id    string
	check func(ruleInput) []Violation
}

// Gate evaluates the ten consistency rules.
type Gate struct {
	rules []rule
}

// New builds a gate with the full rule set.
func New() *Gate {
	return &Gate{rules: []rule{
		{"R1", checkUniqueItemOwnership},
		{"R2", checkItemLocationConsistency},
		{"R3", checkDeadCharacterAction},
		{"R4", checkExplicitStateChange},
		{"R5", checkTravelEventRequired},
		{"R6", checkSingleLocationPerCharacter},
		{"R7", checkMonotonicTimeline},
		{"R8", checkImmutableConstraints},
		{"R9", checkTraceableRelationshipChange},
		{"R10", checkDraftFactualConsistency},
	}}
}

// Check validates pending events plus the draft they were extracted from.
// Rules run against both the current state and a projection built by
// folding every event's patch in order.
func (g *Gate) Check(state *canon.CanonicalState, events []event.Event, draft string) Result {
	projected, err := project(state, events)
	var violations []Violation
	if err != nil {
		violations = append(violations, internalViolation(fmt.Errorf("project state: %w", err)))
		projected = state
	}

	in := ruleInput{current: state, projected: projected, events: events, draft: draft}
	for _, r := range g.rules {
		violations = append(violations, runRule(r, in)...)
	}

	return determineAction(violations, projected)
}

// CheckDraft validates prose alone against the canonical state, without
// candidate events. Used to vet narrative text before extraction.
func (g *Gate) CheckDraft(state *canon.CanonicalState, draft string) Result {
	in := ruleInput{current: state, projected: state, draft: draft}

	var violations []Violation
	violations = append(violations, runRule(rule{"R3", checkDeadCharacterInText}, in)...)
	violations = append(violations, runRule(rule{"R10", checkDraftFactualConsistency}, in)...)

	return determineAction(violations, state)
}

// runRule shields the gate from a panicking rule: the panic becomes an
// internal violation and the turn degrades to REWRITE.
func runRule(r rule, in ruleInput) (violations []Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("rule %s panicked: %v", r.id, rec)
			violations = []Violation{internalViolation(fmt.Errorf("rule %s: %v", r.id, rec))}
		}
	}()
	return r.check(in)
}

func internalViolation(err error) Violation {
	return Violation{
		RuleID:   "internal",
		RuleName: "rule evaluation failure",
		Severity: SeverityError,
		Message:  err.Error(),
	}
}

// project folds every event's patch onto a copy of the state, in event
// order. The projection is only used for validation.
func project(state *canon.CanonicalState, events []event.Event) (*canon.CanonicalState, error) {
	current := state
	for i := range events {
		evt := &events[i]
		next, err := statemgr.ApplyPatch(current, evt.StatePatch, evt.EventID, evt.Turn)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func determineAction(violations []Violation, projected *canon.CanonicalState) Result {
	if len(violations) == 0 {
		return Result{Action: ActionPass}
	}

	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}

	var errors, warnings, fixableWarnings []Violation
	for _, v := range violations {
		switch v.Severity {
		case SeverityError:
			errors = append(errors, v)
		case SeverityWarning:
			warnings = append(warnings, v)
			if v.Fixable {
				fixableWarnings = append(fixableWarnings, v)
			}
		}
	}

	if len(errors) > 0 {
		allAmbiguous := true
		for _, v := range errors {
			if !v.ambiguous {
				allAmbiguous = false
				break
			}
		}
		if allAmbiguous {
			questions := make([]string, 0, len(errors))
			for _, v := range errors {
				q := v.question
				if q == "" {
					q = fmt.Sprintf("Rule %s violated: %s. Which is canonical?", v.RuleID, v.Message)
				}
				questions = append(questions, q)
			}
			return Result{
				Action:     ActionAskUser,
				Reasons:    reasons,
				Violations: violations,
				Questions:  questions,
			}
		}
		return Result{
			Action:     ActionRewrite,
			Reasons:    reasons,
			Violations: violations,
		}
	}

	if len(warnings) > 0 && len(fixableWarnings) == len(warnings) {
		return Result{
			Action:     ActionAutoFix,
			Reasons:    reasons,
			Violations: violations,
			Fixes:      buildFixPatch(violations, projected),
		}
	}

	return Result{Action: ActionPass, Reasons: reasons, Violations: violations}
}

// buildFixPatch composes the merged fix patch for fixable violations.
// Today only R2 is fixable: an item follows its owner.
func buildFixPatch(violations []Violation, state *canon.CanonicalState) *canon.StatePatch {
	updates := make(map[string]canon.EntityUpdate)

	for _, v := range violations {
		if !v.Fixable || v.EntityID == "" || v.RuleID != "R2" {
			continue
		}
		item, ok := state.Entities.Items[v.EntityID]
		if !ok || item.OwnerID == "" {
			continue
		}

		var correct string
		if owner, ok := state.Entities.Characters[item.OwnerID]; ok {
			correct = owner.LocationID
		} else if _, ok := state.Entities.Locations[item.OwnerID]; ok {
			correct = item.OwnerID
		} else {
			continue
		}

		update, ok := updates[v.EntityID]
		if !ok {
			update = canon.EntityUpdate{
				EntityType: canon.EntityItem,
				EntityID:   v.EntityID,
				Updates:    map[string]any{},
			}
		}
		update.Updates["location_id"] = correct
		updates[v.EntityID] = update
	}

	if len(updates) == 0 {
		return nil
	}
	return &canon.StatePatch{EntityUpdates: updates}
}
