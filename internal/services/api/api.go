// Package api exposes the engine over HTTP: state reads, draft processing,
// event history, and lore queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/canonforge/canonforge/internal/canon"
	"github.com/canonforge/canonforge/internal/canon/event"
	"github.com/canonforge/canonforge/internal/extractor"
	"github.com/canonforge/canonforge/internal/lore"
	"github.com/canonforge/canonforge/internal/storage"
	"github.com/canonforge/canonforge/internal/turn"
)

// Stable error codes returned in JSON error bodies.
const (
	codeInvalidRequest    = "invalid_request"
	codeExtractionTimeout = "extraction_timeout"
	codeExtractionParse   = "extraction_parse_error"
	codeInternalError     = "internal_error"
)

const defaultEventLimit = 10

// DraftProcessor runs one conversation turn.
type DraftProcessor interface {
	ProcessDraft(ctx context.Context, storyID, userMessage, draft string) (turn.Result, error)
}

// StateManager reads and initializes story state.
type StateManager interface {
	GetState(ctx context.Context, storyID string) (*canon.CanonicalState, error)
	InitializeState(ctx context.Context, storyID string) (*canon.CanonicalState, error)
}

// LoreSearcher answers world bible queries.
type LoreSearcher interface {
	Search(storyID, query string, topK int) ([]lore.Result, string, error)
}

// Handler serves the engine's HTTP endpoints.
type Handler struct {
	processor DraftProcessor
	manager   StateManager
	events    storage.EventStore
	lore      LoreSearcher
}

// New validates dependencies and builds a handler.
func New(processor DraftProcessor, manager StateManager, events storage.EventStore, searcher LoreSearcher) (*Handler, error) {
	if processor == nil {
		return nil, fmt.Errorf("draft processor is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("lore searcher is required")
	}
	return &Handler{processor: processor, manager: manager, events: events, lore: searcher}, nil
}

// Routes mounts every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state/{story_id}", h.handleGetState)
	mux.HandleFunc("POST /draft/process", h.handleProcessDraft)
	mux.HandleFunc("POST /rag/query", h.handleLoreQuery)
	mux.HandleFunc("GET /events/{story_id}", h.handleListEvents)
	return mux
}

// handleGetState returns the story's state, creating the scaffold on first
// contact so clients never see a missing story.
func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("story_id")

	state, err := h.manager.GetState(r.Context(), storyID)
	if errors.Is(err, storage.ErrNotFound) {
		state, err = h.manager.InitializeState(r.Context(), storyID)
	}
	if err != nil {
		log.Printf("get state %s: %v", storyID, err)
		writeJSONError(w, http.StatusInternalServerError, codeInternalError, "could not load state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type draftProcessRequest struct {
	StoryID        string `json:"story_id"`
	UserMessage    string `json:"user_message"`
	AssistantDraft string `json:"assistant_draft"`
}

func (h *Handler) handleProcessDraft(w http.ResponseWriter, r *http.Request) {
	var request draftProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "body must be valid JSON")
		return
	}
	if strings.TrimSpace(request.StoryID) == "" {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "story_id is required")
		return
	}
	if strings.TrimSpace(request.AssistantDraft) == "" {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "assistant_draft is required")
		return
	}

	result, err := h.processor.ProcessDraft(r.Context(), request.StoryID, request.UserMessage, request.AssistantDraft)
	if err != nil {
		log.Printf("process draft %s: %v", request.StoryID, err)
		if errors.Is(err, extractor.ErrExtractionTimeout) {
			writeJSONError(w, http.StatusInternalServerError, codeExtractionTimeout, "event extraction timed out")
			return
		}
		if errors.Is(err, extractor.ErrExtractionParse) {
			writeJSONError(w, http.StatusInternalServerError, codeExtractionParse, "event extraction produced unparseable output")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, codeInternalError, "could not process draft")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type loreQueryRequest struct {
	StoryID string `json:"story_id"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

type loreQueryResponse struct {
	Query   string        `json:"query"`
	Results []lore.Result `json:"results"`
	Warning string        `json:"warning,omitempty"`
}

func (h *Handler) handleLoreQuery(w http.ResponseWriter, r *http.Request) {
	var request loreQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "body must be valid JSON")
		return
	}
	if strings.TrimSpace(request.StoryID) == "" || strings.TrimSpace(request.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "story_id and query are required")
		return
	}

	results, warning, err := h.lore.Search(request.StoryID, request.Query, request.TopK)
	if err != nil {
		log.Printf("lore query %s: %v", request.StoryID, err)
		writeJSONError(w, http.StatusInternalServerError, codeInternalError, "could not run lore query")
		return
	}
	if results == nil {
		results = []lore.Result{}
	}
	writeJSON(w, http.StatusOK, loreQueryResponse{
		Query:   request.Query,
		Results: results,
		Warning: warning,
	})
}

type eventListResponse struct {
	StoryID string        `json:"story_id"`
	Events  []event.Event `json:"events"`
}

// handleListEvents reads the log: ?turn= selects one turn in time order,
// otherwise ?limit= and ?offset= page through the newest events.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("story_id")
	query := r.URL.Query()

	var events []event.Event
	var err error
	if turnParam := query.Get("turn"); turnParam != "" {
		turnNumber, parseErr := strconv.Atoi(turnParam)
		if parseErr != nil || turnNumber < 0 {
			writeJSONError(w, http.StatusBadRequest, codeInvalidRequest, "turn must be a non-negative integer")
			return
		}
		events, err = h.events.ListEventsByTurn(r.Context(), storyID, turnNumber)
	} else {
		limit := queryInt(query.Get("limit"), defaultEventLimit)
		offset := queryInt(query.Get("offset"), 0)
		events, err = h.events.ListRecentEvents(r.Context(), storyID, limit, offset)
	}
	if err != nil {
		log.Printf("list events %s: %v", storyID, err)
		writeJSONError(w, http.StatusInternalServerError, codeInternalError, "could not list events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, eventListResponse{StoryID: storyID, Events: events})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
