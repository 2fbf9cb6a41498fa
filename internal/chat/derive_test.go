package chat

import (
	"strings"
	"testing"

	"github.com/feedbackloop/insight/internal/search"
)

func TestDeriveSuggestions(t *testing.T) {
	t.Parallel()

	answer := "Users frequently hit upload crashes. " +
		"Fix the retry logic in the upload path. " +
		"Consider adding progress feedback. " +
		"Many reports come from the iOS app."

	got := deriveSuggestions(answer)
	if len(got) != 2 {
		t.Fatalf("got %d suggestions: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "Fix") || !strings.HasPrefix(got[1], "Consider") {
		t.Errorf("suggestions = %v", got)
	}
}

func TestDeriveSuggestions_Cap(t *testing.T) {
	t.Parallel()

	answer := "Fix a. Fix b. Fix c. Fix d. Fix e."
	if got := deriveSuggestions(answer); len(got) != maxSuggestions {
		t.Errorf("got %d suggestions, want %d", len(got), maxSuggestions)
	}
}

func TestDeriveFollowUps(t *testing.T) {
	t.Parallel()

	passages := []search.Passage{
		{Category: "bug", Source: "app_store"},
		{Category: "bug", Source: "support"},
		{Category: "feature_request", Source: "support"},
	}

	got := deriveFollowUps(passages)
	if len(got) == 0 || len(got) > maxFollowUps {
		t.Fatalf("follow-ups = %v", got)
	}
	if !strings.Contains(got[0], "bug") {
		t.Errorf("first follow-up should mention the bug category: %q", got[0])
	}

	// Duplicate categories produce one question each.
	for i, a := range got {
		for _, b := range got[i+1:] {
			if a == b {
				t.Errorf("duplicate follow-up %q", a)
			}
		}
	}
}

func TestDeriveFollowUps_TrendFallback(t *testing.T) {
	t.Parallel()

	got := deriveFollowUps([]search.Passage{{SourceItemID: "fb-1"}})
	if len(got) != 1 || !strings.Contains(got[0], "trend") {
		t.Errorf("follow-ups = %v", got)
	}
}

func TestDeriveConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		passages []search.Passage
		want     float64
	}{
		{"empty", nil, degradedConfidence},
		{"mean", []search.Passage{{Similarity: 0.8}, {Similarity: 0.6}}, 0.7},
		{"clamped high", []search.Passage{{Similarity: 1.5}}, 1},
		{"clamped low", []search.Passage{{Similarity: -0.5}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := deriveConfidence(tt.passages)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriveSources_Excerpt(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", excerptMaxRunes+50)
	sources := deriveSources([]search.Passage{{
		SourceItemID: "fb-9",
		Content:      long,
		Metadata:     map[string]string{"title": "Upload crash"},
		Similarity:   0.9,
	}})

	if len(sources) != 1 {
		t.Fatalf("got %d sources", len(sources))
	}
	s := sources[0]
	if s.Title != "Upload crash" || s.Similarity != 0.9 {
		t.Errorf("source = %+v", s)
	}
	if got := len([]rune(s.Excerpt)); got != excerptMaxRunes+3 {
		t.Errorf("excerpt length = %d runes", got)
	}
	if !strings.HasSuffix(s.Excerpt, "...") {
		t.Error("long excerpt should end with ellipsis")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()

	prompt := buildSystemPrompt("Org context.", []search.Passage{
		{Content: "Crashes on upload.", Source: "app_store", Category: "bug", Sentiment: "negative"},
		{Content: "Love the new design.", Source: "survey"},
	})

	for _, want := range []string{
		"Org context.",
		"[1] (app_store, bug, negative) Crashes on upload.",
		"[2] (survey) Love the new design.",
		"Cite them as [1], [2]",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildSystemPrompt_EmptyCorpus(t *testing.T) {
	t.Parallel()

	prompt := buildSystemPrompt("Org context.", nil)
	if !strings.Contains(prompt, "No feedback excerpts matched") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	got := splitSentences("First. Second! Third?\nFourth line\ntrailing")
	want := []string{"First.", "Second!", "Third?", "Fourth line", "trailing"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
