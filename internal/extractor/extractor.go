// Package extractor turns narrative drafts into structured candidate events
// by calling an LLM with a function-calling contract, falling back through
// progressively looser response formats when the model or gateway does not
// support the stricter ones.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
)

// Sentinel errors reported by Extract.
var (
	ErrExtractionTimeout = errors.New("extraction timed out")
	ErrExtractionParse   = errors.New("extraction output could not be parsed")
)

const (
	extractionTemperature = 0.2
	evidenceSpanLimit     = 200
)

// Config configures the extractor.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	// Retries is the number of whole-call retries after the first attempt.
	Retries int
}

// Result is the outcome of one extraction call.
type Result struct {
	Events            []event.Event `json:"events"`
	OpenQuestions     []string      `json:"open_questions,omitempty"`
	RequiresUserInput bool          `json:"requires_user_input"`
}

// Extractor extracts candidate events from a draft against the current state.
type Extractor struct {
	client  *Client
	retries uint64
}

// New builds an extractor from the configuration.
func New(cfg Config) (*Extractor, error) {
	client, err := NewClient(ClientConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build extraction client: %w", err)
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Extractor{client: client, retries: uint64(retries)}, nil
}

// extractionPayload is the shape the model is asked to return.
type extractionPayload struct {
	Events        []extractedEvent `json:"events"`
	OpenQuestions []string         `json:"open_questions"`
}

// extractedEvent is a model-proposed event before an id is assigned. The
// model also reports a confidence score; it is dropped on conversion.
type extractedEvent struct {
	Turn       int              `json:"turn"`
	Time       event.Time       `json:"time"`
	Where      event.Where      `json:"where"`
	Who        event.Who        `json:"who"`
	Type       string           `json:"type"`
	Summary    string           `json:"summary"`
	Payload    map[string]any   `json:"payload"`
	StatePatch canon.StatePatch `json:"state_patch"`
	Confidence float64          `json:"confidence"`
}

// Extract asks the model for structured events describing the state changes
// in the draft. A completion that still cannot be parsed after the retries
// is fatal; the synthetic OTHER fallback applies only when a parsed response
// yields no valid candidates.
func (e *Extractor) Extract(ctx context.Context, state *canon.CanonicalState, userMessage, draft string, turn int) (Result, error) {
	if state == nil {
		return Result{}, fmt.Errorf("state is required")
	}
	if strings.TrimSpace(draft) == "" {
		return Result{}, fmt.Errorf("draft is required")
	}

	messages := []chatMessage{
		{Role: "system", Content: buildSystemPrompt(state, turn)},
		{Role: "user", Content: buildUserPrompt(userMessage, draft)},
	}

	var payload *extractionPayload
	operation := func() error {
		parsed, err := e.callOnce(ctx, messages)
		if err != nil {
			// Feed the failure back so the retry can correct itself.
			messages = append(messages, chatMessage{
				Role:    "system",
				Content: fmt.Sprintf("The previous attempt failed: %v. Call the extract_events function with valid JSON arguments and output nothing else.", err),
			})
			return err
		}
		payload = parsed
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, fmt.Errorf("extraction cancelled: %w", err)
		}
		return Result{}, fmt.Errorf("extraction failed after retries: %w", err)
	}

	result := Result{OpenQuestions: payload.OpenQuestions}
	if len(result.OpenQuestions) > 0 {
		result.RequiresUserInput = true
	}

	for i := range payload.Events {
		evt := e.convert(state, payload.Events[i], turn, draft)
		if err := evt.Validate(); err != nil {
			log.Printf("skipping extracted event: %v", err)
			continue
		}
		result.Events = append(result.Events, evt)
	}

	if len(result.Events) == 0 && !result.RequiresUserInput {
		result.Events = append(result.Events, e.defaultEvent(state, turn, draft))
	}
	return result, nil
}

// callOnce makes one extraction attempt: forced function call first, then an
// optional tool choice, then plain JSON mode.
func (e *Extractor) callOnce(ctx context.Context, messages []chatMessage) (*extractionPayload, error) {
	tool := extractToolDefinition()

	request := chatRequest{
		Model:       e.client.cfg.Model,
		Messages:    messages,
		Temperature: extractionTemperature,
		Tools:       []chatTool{tool},
		ToolChoice:  map[string]any{"type": "function", "function": map[string]any{"name": tool.Function.Name}},
	}
	response, err := e.client.complete(ctx, request)
	if err != nil && supportsOptionalToolChoice(err) {
		request.ToolChoice = "auto"
		response, err = e.client.complete(ctx, request)
	}
	if err != nil {
		// Some gateways reject tools entirely; ask for a bare JSON object.
		request.Tools = nil
		request.ToolChoice = nil
		request.ResponseFormat = &responseFormat{Type: "json_object"}
		response, err = e.client.complete(ctx, request)
	}
	if err != nil {
		return nil, err
	}
	return parseResponse(response)
}

// supportsOptionalToolChoice reports whether the error suggests the gateway
// rejected the forced tool_choice rather than the request as a whole.
func supportsOptionalToolChoice(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "tool_choice") || strings.Contains(message, "function")
}

// parseResponse pulls the extraction payload out of a completion, preferring
// the tool call arguments and salvaging JSON from prose when necessary.
func parseResponse(response *chatResponse) (*extractionPayload, error) {
	message := response.Choices[0].Message

	raw := ""
	for _, call := range message.ToolCalls {
		if call.Function.Name == "extract_events" {
			raw = call.Function.Arguments
			break
		}
	}
	if raw == "" {
		raw = message.Content
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrExtractionParse)
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		salvaged, ok := salvageJSON(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
		}
		if err := json.Unmarshal([]byte(salvaged), &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
		}
	}
	if len(payload.Events) == 0 && len(payload.OpenQuestions) == 0 {
		return nil, fmt.Errorf("%w: no events or open questions", ErrExtractionParse)
	}
	return &payload, nil
}

// salvageJSON strips markdown fences and surrounding prose from a completion
// that embeds a JSON object.
func salvageJSON(raw string) (string, bool) {
	cleaned := strings.TrimSpace(raw)

	if start := strings.Index(cleaned, "```json"); start >= 0 {
		cleaned = cleaned[start+len("```json"):]
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	} else if start := strings.Index(cleaned, "```"); start >= 0 {
		cleaned = cleaned[start+len("```"):]
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	}

	first := strings.Index(cleaned, "{")
	last := strings.LastIndex(cleaned, "}")
	if first < 0 || last <= first {
		return "", false
	}
	return cleaned[first : last+1], true
}

// convert stamps a model-proposed event with an id, the authoritative turn,
// and evidence tying it back to the draft.
func (e *Extractor) convert(state *canon.CanonicalState, extracted extractedEvent, turn int, draft string) event.Event {
	now := time.Now()
	eventTime := extracted.Time
	if eventTime.Label == "" {
		eventTime.Label = state.Time.Calendar
	}
	return event.Event{
		EventID:    event.NewID(turn, now),
		StoryID:    state.Meta.StoryID,
		Turn:       turn,
		Time:       eventTime,
		Where:      extracted.Where,
		Who:        extracted.Who,
		Type:       extracted.Type,
		Summary:    extracted.Summary,
		Payload:    extracted.Payload,
		StatePatch: extracted.StatePatch,
		Evidence: event.Evidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: evidenceSpan(draft, extracted.Summary),
		},
		CreatedAt: now,
	}
}

// evidenceSpan picks the first draft sentence that shares a word with the
// event summary, falling back to a truncated draft prefix.
func evidenceSpan(draft, summary string) string {
	words := tokenizeWords(summary)
	if len(words) > 0 {
		for _, sentence := range splitSentences(draft) {
			lower := strings.ToLower(sentence)
			for _, w := range words {
				if strings.Contains(lower, w) {
					return truncate(sentence, evidenceSpanLimit)
				}
			}
		}
	}
	return truncate(draft, evidenceSpanLimit)
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// tokenizeWords keeps the summary words long enough to be distinctive.
func tokenizeWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'")
		if len([]rune(f)) >= 4 {
			words = append(words, f)
		}
	}
	return words
}

// defaultEvent keeps the turn moving when the model produced nothing usable.
// It touches only the player's metadata so the append-only log still records
// that the conversation happened.
func (e *Extractor) defaultEvent(state *canon.CanonicalState, turn int, draft string) event.Event {
	now := time.Now()
	return event.Event{
		EventID: event.NewID(turn, now),
		StoryID: state.Meta.StoryID,
		Turn:    turn,
		Time:    event.Time{Label: state.Time.Calendar, Order: state.Time.Anchor.Order},
		Where:   event.Where{LocationID: state.Player.LocationID},
		Who:     event.Who{Actors: []string{state.Player.ID}},
		Type:    event.TypeOther,
		Summary: "the conversation continues",
		Payload: map[string]any{"reason": "no structured events extracted"},
		StatePatch: canon.StatePatch{
			EntityUpdates: map[string]canon.EntityUpdate{
				state.Player.ID: {
					EntityType: canon.EntityCharacter,
					EntityID:   state.Player.ID,
					Updates:    map[string]any{"metadata": map[string]any{"last_turn": turn}},
				},
			},
		},
		Evidence: event.Evidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: truncate(draft, evidenceSpanLimit),
		},
		CreatedAt: now,
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func eventTypeNames() []string {
	return event.Types
}
