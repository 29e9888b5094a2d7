// Package lore serves read-only world bible lookups. Chunked background
// material lives in per-story metadata files produced by an offline indexer;
// queries are scored lexically against the chunk previews.
package lore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	// DefaultTopK is the result count when the caller does not set one.
	DefaultTopK = 5

	keywordWeight   = 3.0
	fullMatchWeight = 2.0
)

// Result is one scored chunk.
type Result struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

type chunk struct {
	text     string
	lowered  string
	metadata map[string]any
}

// Searcher answers lore queries from per-story metadata files named
// {story_id}_world_bible_meta.jsonl under the base directory.
type Searcher struct {
	baseDir string

	mu    sync.RWMutex
	cache map[string][]chunk
}

// NewSearcher builds a searcher rooted at baseDir.
func NewSearcher(baseDir string) *Searcher {
	return &Searcher{
		baseDir: filepath.Clean(baseDir),
		cache:   make(map[string][]chunk),
	}
}

// Search returns the best-scoring chunks for the query. A story without an
// index is not an error: the caller gets no results and a warning to relay.
func (s *Searcher) Search(storyID, query string, topK int) ([]Result, string, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, "", fmt.Errorf("story id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, "", fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	chunks, err := s.load(storyID)
	if os.IsNotExist(err) {
		return nil, fmt.Sprintf("no lore index for story %s; run the world bible indexer first", storyID), nil
	}
	if err != nil {
		return nil, "", err
	}

	keywords := tokenize(query)
	queryLower := strings.ToLower(strings.TrimSpace(query))

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		score := scoreChunk(c.lowered, queryLower, keywords)
		if score <= 0 {
			continue
		}
		results = append(results, Result{Text: c.text, Score: score, Metadata: c.metadata})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, "", nil
}

func (s *Searcher) metaPath(storyID string) string {
	return filepath.Join(s.baseDir, storyID+"_world_bible_meta.jsonl")
}

// load reads and caches a story's chunk metadata.
func (s *Searcher) load(storyID string) ([]chunk, error) {
	s.mu.RLock()
	cached, ok := s.cache[storyID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	file, err := os.Open(s.metaPath(storyID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var chunks []chunk
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var metadata map[string]any
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("parse lore metadata %s line %d: %w", s.metaPath(storyID), line, err)
		}
		text, _ := metadata["text_preview"].(string)
		chunks = append(chunks, chunk{
			text:     text,
			lowered:  strings.ToLower(text),
			metadata: metadata,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lore metadata %s: %w", s.metaPath(storyID), err)
	}

	s.mu.Lock()
	s.cache[storyID] = chunks
	s.mu.Unlock()
	return chunks, nil
}

// scoreChunk scores by the fraction of query keywords the chunk contains,
// with a bonus when the whole query appears verbatim.
func scoreChunk(textLower, queryLower string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	matched := 0
	for _, keyword := range keywords {
		if strings.Contains(textLower, keyword) {
			matched++
		}
	}

	score := float64(matched) / float64(len(keywords)) * keywordWeight
	if queryLower != "" && strings.Contains(textLower, queryLower) {
		score += fullMatchWeight
	}
	return score
}

// tokenize splits a query into lowercase keywords. Runs of letters or
// digits form one token, which keeps CJK phrases intact.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}
