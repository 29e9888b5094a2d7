package turn

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/extractor"
	"github.com/canonforge/canonforge/internal/gate"
	"github.com/canonforge/canonforge/internal/statemgr"
	"github.com/canonforge/canonforge/internal/storage/sqlite"
)

type stubExtractor struct {
	result extractor.Result
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, state *canon.CanonicalState, userMessage, draft string, turn int) (extractor.Result, error) {
	return s.result, s.err
}

type fixture struct {
	store        *sqlite.Store
	manager      *statemgr.Manager
	orchestrator *Orchestrator
	stub         *stubExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "canon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	manager := statemgr.NewManager(store)
	stub := &stubExtractor{}
	orchestrator, err := New(Config{
		Manager:   manager,
		Gate:      gate.New(),
		Extractor: stub,
		Events:    store,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{store: store, manager: manager, orchestrator: orchestrator, stub: stub}
}

// seedWorld persists a small world for story_1: two rival lords, a dead
// warrior, and a unique sword held by Cao Cao.
func (f *fixture) seedWorld(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	state, err := f.manager.InitializeState(ctx, "story_1")
	if err != nil {
		t.Fatalf("init state: %v", err)
	}
	state.Time = canon.TimeState{Calendar: "spring", Anchor: canon.TimeAnchor{Label: "spring", Order: 1}}
	state.Entities.Characters["caocao"] = canon.Character{
		ID: "caocao", Name: "Cao Cao", LocationID: "xuchang", Alive: true,
	}
	state.Entities.Characters["liubei"] = canon.Character{
		ID: "liubei", Name: "Liu Bei", LocationID: "luoyang", Alive: true,
	}
	state.Entities.Characters["lubu"] = canon.Character{
		ID: "lubu", Name: "Lu Bu", LocationID: "luoyang", Alive: false,
	}
	state.Entities.Locations["xuchang"] = canon.Location{ID: "xuchang", Name: "Xuchang"}
	state.Entities.Locations["luoyang"] = canon.Location{ID: "luoyang", Name: "Luoyang"}
	state.Entities.Items["sword_001"] = canon.Item{
		ID: "sword_001", Name: "Azure Sword", OwnerID: "caocao", LocationID: "xuchang", Unique: true,
	}
	state.Constraints.UniqueItemIDs = []string{"sword_001"}

	if err := f.store.SaveState(ctx, "story_1", state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func makeEvent(eventType, summary string, order int, patch canon.StatePatch, payload map[string]any, actors ...string) event.Event {
	return event.Event{
		EventID:    event.NewID(1, time.Now()),
		StoryID:    "story_1",
		Turn:       1,
		Time:       event.Time{Label: "spring", Order: order},
		Where:      event.Where{LocationID: "xuchang"},
		Who:        event.Who{Actors: actors},
		Type:       eventType,
		Summary:    summary,
		Payload:    payload,
		StatePatch: patch,
		Evidence:   event.Evidence{Source: "draft_turn_1"},
		CreatedAt:  time.Now(),
	}
}

func ownershipEvent(newOwner string, order int) event.Event {
	return makeEvent(event.TypeOwnershipChange, "the sword changes hands", order,
		canon.StatePatch{
			EntityUpdates: map[string]canon.EntityUpdate{
				"sword_001": {
					EntityType: canon.EntityItem,
					EntityID:   "sword_001",
					Updates:    map[string]any{"owner_id": newOwner},
				},
			},
		},
		map[string]any{"item_id": "sword_001", "old_owner_id": "caocao", "new_owner_id": newOwner},
		"caocao", newOwner,
	)
}

func TestProcessDraftOwnershipGiftPasses(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	gift := ownershipEvent(canon.DefaultPlayerID, 2)
	gift.StatePatch.PlayerUpdates = map[string]any{"inventory_add": []any{"sword_001"}}
	f.stub.result = extractor.Result{Events: []event.Event{gift}}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "take the sword", "Cao Cao hands the sword to the player.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionPass {
		t.Fatalf("expected PASS, got %s (%v)", result.FinalAction, result.Violations)
	}
	if result.State.Entities.Items["sword_001"].OwnerID != canon.DefaultPlayerID {
		t.Fatalf("ownership not applied: %+v", result.State.Entities.Items["sword_001"])
	}
	if len(result.State.Player.Inventory) != 1 || result.State.Player.Inventory[0] != "sword_001" {
		t.Fatalf("inventory not updated: %v", result.State.Player.Inventory)
	}
	if len(result.RecentEvents) != 1 {
		t.Fatalf("expected 1 logged event, got %d", len(result.RecentEvents))
	}
	if result.State.Meta.Turn != 1 {
		t.Fatalf("expected turn 1, got %d", result.State.Meta.Turn)
	}
}

func TestProcessDraftUniqueItemClashAsksUser(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	f.stub.result = extractor.Result{Events: []event.Event{
		ownershipEvent("liubei", 2),
		ownershipEvent(canon.DefaultPlayerID, 3),
	}}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "who gets the sword", "The sword is promised to two hands at once.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionAskUser {
		t.Fatalf("expected ASK_USER, got %s (%v)", result.FinalAction, result.Violations)
	}
	if len(result.Questions) == 0 || !strings.Contains(result.Questions[0], "Azure Sword") {
		t.Fatalf("expected question naming the sword, got %v", result.Questions)
	}

	state, err := f.manager.GetState(ctx, "story_1")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Meta.Turn != 0 {
		t.Fatalf("state must be untouched, got turn %d", state.Meta.Turn)
	}
}

func TestProcessDraftTeleportRewrites(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)

	teleport := makeEvent(event.TypeOther, "Cao Cao appears in Luoyang", 2,
		canon.StatePatch{
			EntityUpdates: map[string]canon.EntityUpdate{
				"caocao": {
					EntityType: canon.EntityCharacter,
					EntityID:   "caocao",
					Updates:    map[string]any{"location_id": "luoyang"},
				},
			},
		}, nil, "caocao")
	f.stub.result = extractor.Result{Events: []event.Event{teleport}}

	result, err := f.orchestrator.ProcessDraft(context.Background(), "story_1", "go", "Suddenly Cao Cao is in Luoyang.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionRewrite {
		t.Fatalf("expected REWRITE, got %s", result.FinalAction)
	}
	if !strings.Contains(result.RewriteInstructions, "R5") {
		t.Fatalf("expected R5 in instructions, got %q", result.RewriteInstructions)
	}
}

func TestProcessDraftDeadActorRewrites(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)

	act := makeEvent(event.TypeOther, "Lu Bu swings his halberd", 2,
		canon.StatePatch{PlayerUpdates: map[string]any{"location_id": "xuchang"}},
		nil, "lubu")
	f.stub.result = extractor.Result{Events: []event.Event{act}}

	result, err := f.orchestrator.ProcessDraft(context.Background(), "story_1", "fight", "A halberd sweeps out of the dark.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionRewrite {
		t.Fatalf("expected REWRITE, got %s", result.FinalAction)
	}
	if !strings.Contains(result.RewriteInstructions, "R3") {
		t.Fatalf("expected R3 in instructions, got %q", result.RewriteInstructions)
	}
}

func TestProcessDraftTimelineRewindRewrites(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)

	rewind := makeEvent(event.TypeTimeAdvance, "the story leaps back", 0,
		canon.StatePatch{
			TimeUpdate: &canon.TimeUpdate{Anchor: &canon.TimeAnchor{Label: "before", Order: 0}},
		},
		map[string]any{"time_anchor": "before"}, canon.DefaultPlayerID)
	f.stub.result = extractor.Result{Events: []event.Event{rewind}}

	result, err := f.orchestrator.ProcessDraft(context.Background(), "story_1", "go back", "The night before, it begins again.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionRewrite {
		t.Fatalf("expected REWRITE, got %s", result.FinalAction)
	}
	if !strings.Contains(result.RewriteInstructions, "R7") {
		t.Fatalf("expected R7 in instructions, got %q", result.RewriteInstructions)
	}
}

func TestProcessDraftDeathThenPosthumousAction(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	death := makeEvent(event.TypeDeath, "Cao Cao dies of illness", 2,
		canon.StatePatch{
			EntityUpdates: map[string]canon.EntityUpdate{
				"caocao": {
					EntityType: canon.EntityCharacter,
					EntityID:   "caocao",
					Updates:    map[string]any{"alive": false},
				},
			},
		},
		map[string]any{"character_id": "caocao"}, "caocao")
	f.stub.result = extractor.Result{Events: []event.Event{death}}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "what happens", "Cao Cao dies of illness in Xuchang.")
	if err != nil {
		t.Fatalf("process death: %v", err)
	}
	if result.FinalAction != gate.ActionPass {
		t.Fatalf("expected PASS for the death, got %s (%v)", result.FinalAction, result.Violations)
	}
	if result.State.Entities.Characters["caocao"].Alive {
		t.Fatal("expected Cao Cao dead")
	}

	speech := makeEvent(event.TypeOther, "Cao Cao gives an order", 3,
		canon.StatePatch{PlayerUpdates: map[string]any{"location_id": "xuchang"}},
		nil, "caocao")
	speech.Turn = 2
	f.stub.result = extractor.Result{Events: []event.Event{speech}}

	result, err = f.orchestrator.ProcessDraft(ctx, "story_1", "and then", "An order arrives under his seal.")
	if err != nil {
		t.Fatalf("process follow-up: %v", err)
	}
	if result.FinalAction != gate.ActionRewrite {
		t.Fatalf("expected REWRITE for the posthumous order, got %s", result.FinalAction)
	}
}

func TestProcessDraftAutoFixAppendsFixEvent(t *testing.T) {
	f := newFixture(t)
	f.seedWorld(t)
	ctx := context.Background()

	travel := makeEvent(event.TypeTravel, "Cao Cao rides to Luoyang", 2,
		canon.StatePatch{
			EntityUpdates: map[string]canon.EntityUpdate{
				"caocao": {
					EntityType: canon.EntityCharacter,
					EntityID:   "caocao",
					Updates:    map[string]any{"location_id": "luoyang"},
				},
			},
		},
		map[string]any{"character_id": "caocao", "from_location_id": "xuchang", "to_location_id": "luoyang"},
		"caocao")
	travel.Where = event.Where{LocationID: "luoyang"}
	f.stub.result = extractor.Result{Events: []event.Event{travel}}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "ride", "Cao Cao rides hard for Luoyang.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionAutoFix {
		t.Fatalf("expected AUTO_FIX, got %s (%v)", result.FinalAction, result.Violations)
	}
	if result.State.Entities.Items["sword_001"].LocationID != "luoyang" {
		t.Fatalf("expected sword to follow its owner, got %+v", result.State.Entities.Items["sword_001"])
	}
	if len(result.RecentEvents) != 2 {
		t.Fatalf("expected travel plus fix event, got %d", len(result.RecentEvents))
	}
	foundFix := false
	for _, evt := range result.RecentEvents {
		if evt.Summary == "auto fix" && evt.Evidence.Source == "auto_fix_turn_1" {
			foundFix = true
		}
	}
	if !foundFix {
		t.Fatal("expected the fix event in the log")
	}
	if len(result.Violations) == 0 {
		t.Fatal("expected the fixed violations to be reported")
	}
}

func TestProcessDraftExtractorNeedsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stub.result = extractor.Result{
		RequiresUserInput: true,
		OpenQuestions:     []string{"Which sword does the stranger mean?"},
	}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "take it", "A stranger offers a sword.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionAskUser {
		t.Fatalf("expected ASK_USER, got %s", result.FinalAction)
	}
	if len(result.Questions) != 1 {
		t.Fatalf("expected the extractor's question, got %v", result.Questions)
	}
}

func TestProcessDraftExtractorError(t *testing.T) {
	f := newFixture(t)
	f.stub.err = errors.New("upstream down")

	if _, err := f.orchestrator.ProcessDraft(context.Background(), "story_1", "go", "Something happens."); err == nil {
		t.Fatal("expected extractor error to propagate")
	}
}

func TestProcessDraftValidatesInput(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orchestrator.ProcessDraft(context.Background(), " ", "go", "draft"); err == nil {
		t.Fatal("expected error for blank story id")
	}
	if _, err := f.orchestrator.ProcessDraft(context.Background(), "story_1", "go", " "); err == nil {
		t.Fatal("expected error for blank draft")
	}
}

func TestProcessDraftInitializesUnknownStory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stub.result = extractor.Result{Events: []event.Event{
		makeEvent(event.TypeOther, "the story begins", 1,
			canon.StatePatch{PlayerUpdates: map[string]any{"location_id": canon.DefaultLocationID}},
			nil, canon.DefaultPlayerID),
	}}

	result, err := f.orchestrator.ProcessDraft(ctx, "story_1", "begin", "The story opens on an empty road.")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.FinalAction != gate.ActionPass {
		t.Fatalf("expected PASS, got %s (%v)", result.FinalAction, result.Violations)
	}
	if result.State.Meta.StoryID != "story_1" || result.State.Meta.Turn != 1 {
		t.Fatalf("unexpected meta: %+v", result.State.Meta)
	}
}
