package lore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeIndex(t *testing.T, dir, storyID string, lines ...string) {
	t.Helper()
	path := filepath.Join(dir, storyID+"_world_bible_meta.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
}

func TestSearchRanksKeywordMatches(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1",
		`{"chunk_id": 0, "file": "lords.md", "text_preview": "Cao Cao rules Xuchang with an iron hand."}`,
		`{"chunk_id": 1, "file": "lords.md", "text_preview": "Liu Bei wanders the roads with his sworn brothers."}`,
		`{"chunk_id": 2, "file": "places.md", "text_preview": "Xuchang is the seat of the imperial court."}`,
	)

	searcher := NewSearcher(dir)
	results, warning, err := searcher.Search("story_1", "Cao Cao Xuchang", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning %q", warning)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !strings.Contains(results[0].Text, "Cao Cao rules") {
		t.Fatalf("expected the full match first, got %q", results[0].Text)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("expected descending scores, got %v then %v", results[0].Score, results[1].Score)
	}
	if results[0].Metadata["file"] != "lords.md" {
		t.Fatalf("metadata not carried: %+v", results[0].Metadata)
	}
}

func TestSearchVerbatimQueryBonus(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1",
		`{"chunk_id": 0, "text_preview": "the azure sword hangs in the great hall"}`,
		`{"chunk_id": 1, "text_preview": "a sword, azure in color, lost long ago"}`,
	)

	searcher := NewSearcher(dir)
	results, _, err := searcher.Search("story_1", "azure sword", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !strings.Contains(results[0].Text, "hangs in the great hall") {
		t.Fatalf("expected verbatim match ranked first, got %q", results[0].Text)
	}
}

func TestSearchTopKLimit(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1",
		`{"text_preview": "dragon one"}`,
		`{"text_preview": "dragon two"}`,
		`{"text_preview": "dragon three"}`,
	)

	searcher := NewSearcher(dir)
	results, _, err := searcher.Search("story_1", "dragon", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestSearchMissingIndexWarns(t *testing.T) {
	searcher := NewSearcher(t.TempDir())

	results, warning, err := searcher.Search("story_missing", "anything", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if !strings.Contains(warning, "story_missing") {
		t.Fatalf("expected warning naming the story, got %q", warning)
	}
}

func TestSearchValidatesInput(t *testing.T) {
	searcher := NewSearcher(t.TempDir())

	if _, _, err := searcher.Search(" ", "query", 5); err == nil {
		t.Fatal("expected error for blank story id")
	}
	if _, _, err := searcher.Search("story_1", " ", 5); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestSearchRejectsCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir, "story_1", `{not json`)

	searcher := NewSearcher(dir)
	if _, _, err := searcher.Search("story_1", "query", 5); err == nil {
		t.Fatal("expected error for corrupt metadata")
	}
}
