package chat

import (
	"fmt"
	"strings"

	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

const (
	excerptMaxRunes = 200
	maxSuggestions  = 3
	maxFollowUps    = 3
)

// deriveSources maps retrieved passages to citable source references.
func deriveSources(passages []search.Passage) []session.SourceRef {
	sources := make([]session.SourceRef, 0, len(passages))
	for _, p := range passages {
		sources = append(sources, session.SourceRef{
			SourceItemID: p.SourceItemID,
			Title:        p.Metadata["title"],
			Similarity:   p.Similarity,
			Excerpt:      truncateRunes(p.Content, excerptMaxRunes),
		})
	}
	return sources
}

// actionVerbs open sentences that read as recommendations.
var actionVerbs = []string{
	"consider", "add", "improve", "fix", "prioritize", "investigate",
	"reduce", "simplify", "address", "focus", "review", "update",
}

// deriveSuggestions extracts actionable recommendations from the answer.
// Heuristic: sentences opening with an imperative action verb.
func deriveSuggestions(answer string) []string {
	var suggestions []string
	for _, sentence := range splitSentences(answer) {
		if len(suggestions) == maxSuggestions {
			break
		}
		first, _, _ := strings.Cut(strings.ToLower(sentence), " ")
		for _, verb := range actionVerbs {
			if first == verb {
				suggestions = append(suggestions, sentence)
				break
			}
		}
	}
	return suggestions
}

// deriveFollowUps proposes next questions from the categories and
// sources present in the retrieved passages.
func deriveFollowUps(passages []search.Passage) []string {
	var followUps []string
	seenCategory := map[string]bool{}
	seenSource := map[string]bool{}

	for _, p := range passages {
		if len(followUps) == maxFollowUps {
			break
		}
		if p.Category != "" && !seenCategory[p.Category] {
			seenCategory[p.Category] = true
			followUps = append(followUps,
				fmt.Sprintf("What are the most common complaints in the %s category?", p.Category))
			continue
		}
		if p.Source != "" && !seenSource[p.Source] {
			seenSource[p.Source] = true
			followUps = append(followUps,
				fmt.Sprintf("How does feedback from %s compare to other channels?", p.Source))
		}
	}

	if len(followUps) == 0 && len(passages) > 0 {
		followUps = append(followUps, "How has this feedback trended over time?")
	}
	return followUps
}

// deriveConfidence scores the answer by the mean similarity of its
// supporting passages, clamped to [0,1]. No support means low confidence.
func deriveConfidence(passages []search.Passage) float64 {
	if len(passages) == 0 {
		return degradedConfidence
	}

	var sum float64
	for _, p := range passages {
		sum += p.Similarity
	}
	confidence := sum / float64(len(passages))

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// splitSentences breaks text into trimmed sentences.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" && s != "." {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// truncateRunes shortens s to at most n runes, appending an ellipsis.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
