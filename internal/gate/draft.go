package gate

import (
	"fmt"
	"sort"
	"strings"
)

// Keyword lists for the coarse prose scan. False positives are tolerable:
// they degrade to REWRITE, never to silent acceptance.
var (
	actionKeywords = []string{
		"says", "said", "speaks", "shouts", "walks", "goes",
		"takes", "picks up", "draws", "attacks", "uses",
	}
	deathKeywords = []string{
		"dies", "died", "is dead", "was killed", "falls dead",
		"perished", "is slain", "was slain",
	}
	locationKeywords = []string{
		"at ", "in ", "arrives at", "arrives in", "reaches",
		"enters", "stands in", "came to",
	}
)

const deathKeywordWindow = 50

// checkDraftFactualConsistency is R10: hard facts stated in the draft must
// match the canonical state. Runs against the projected state so that
// pending events (a death, a travel) already count as canon.
func checkDraftFactualConsistency(in ruleInput) []Violation {
	if strings.TrimSpace(in.draft) == "" {
		return nil
	}

	var violations []Violation
	violations = append(violations, checkDeathClaims(in)...)
	violations = append(violations, checkLocationClaims(in)...)
	return violations
}

// checkDeathClaims flags the draft describing a living character as dead.
func checkDeathClaims(in ruleInput) []Violation {
	var violations []Violation
	for _, charID := range sortedCharacterIDs(in) {
		char := in.projected.Entities.Characters[charID]
		if !char.Alive || char.Name == "" {
			continue
		}
		charIndex := strings.Index(in.draft, char.Name)
		if charIndex < 0 {
			continue
		}
		for _, keyword := range deathKeywords {
			keywordIndex := strings.Index(in.draft, keyword)
			if keywordIndex < 0 {
				continue
			}
			distance := charIndex - keywordIndex
			if distance < 0 {
				distance = -distance
			}
			if distance < deathKeywordWindow {
				violations = append(violations, Violation{
					RuleID:   "R10",
					RuleName: "draft faithful to canonical facts",
					Severity: SeverityError,
					Message:  fmt.Sprintf("draft describes character '%s' (%s) as dead, but the character is alive", char.Name, charID),
					EntityID: charID,
				})
				break
			}
		}
	}
	return violations
}

// checkLocationClaims flags sentences placing a character somewhere other
// than their canonical location.
func checkLocationClaims(in ruleInput) []Violation {
	sentences := splitSentences(in.draft)

	var violations []Violation
	for _, charID := range sortedCharacterIDs(in) {
		char := in.projected.Entities.Characters[charID]
		if char.Name == "" {
			continue
		}
		canonical, ok := in.projected.Entities.Locations[char.LocationID]
		if !ok {
			continue
		}

	sentenceLoop:
		for _, sentence := range sentences {
			if !strings.Contains(sentence, char.Name) {
				continue
			}
			for locID, location := range in.projected.Entities.Locations {
				if locID == char.LocationID || location.Name == "" {
					continue
				}
				if !strings.Contains(sentence, location.Name) {
					continue
				}
				if !containsAny(sentence, locationKeywords) {
					continue
				}
				violations = append(violations, Violation{
					RuleID:   "R10",
					RuleName: "draft faithful to canonical facts",
					Severity: SeverityError,
					Message: fmt.Sprintf("draft places character '%s' (%s) at '%s', but the character is at '%s'",
						char.Name, charID, location.Name, canonical.Name),
					EntityID: charID,
				})
				break sentenceLoop
			}
		}
	}
	return violations
}

// checkDeadCharacterInText flags a dead character appearing next to action
// verbs in the draft. Only used by CheckDraft; with events, R3 covers this
// through the actor lists.
func checkDeadCharacterInText(in ruleInput) []Violation {
	var violations []Violation
	for _, charID := range sortedCharacterIDs(in) {
		char := in.projected.Entities.Characters[charID]
		if char.Alive || char.Name == "" {
			continue
		}
		if characterActsInText(in.draft, char.Name) {
			violations = append(violations, Violation{
				RuleID:   "R3",
				RuleName: "dead characters cannot act",
				Severity: SeverityError,
				Message:  fmt.Sprintf("dead character '%s' (%s) acts or speaks in the draft", char.Name, charID),
				EntityID: charID,
			})
		}
	}
	return violations
}

// characterActsInText reports whether an action keyword appears within a
// short window around the character's name.
func characterActsInText(text, name string) bool {
	index := strings.Index(text, name)
	if index < 0 {
		return false
	}
	start := index - 20
	if start < 0 {
		start = 0
	}
	end := index + len(name) + 20
	if end > len(text) {
		end = len(text)
	}
	return containsAny(text[start:end], actionKeywords)
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			return true
		}
		return false
	})
}

func sortedCharacterIDs(in ruleInput) []string {
	ids := make([]string, 0, len(in.projected.Entities.Characters))
	for id := range in.projected.Entities.Characters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
