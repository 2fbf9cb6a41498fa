package search

import (
	"math"
	"testing"
)

// unit returns a unit vector pointing along the given 3D direction.
func unit(x, y, z float64) []float32 {
	n := math.Sqrt(x*x + y*y + z*z)
	return []float32{float32(x / n), float32(y / n), float32(z / n)}
}

func passage(id string, sim float64, vec []float32) Passage {
	return Passage{SourceItemID: id, Similarity: sim, Vector: vec}
}

func ids(ps []Passage) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.SourceItemID
	}
	return out
}

func TestMMR_LambdaOneMatchesPlainRanking(t *testing.T) {
	t.Parallel()

	candidates := []Passage{
		passage("a", 0.9, unit(1, 0, 0)),
		passage("b", 0.8, unit(1, 0.01, 0)), // near-duplicate of a
		passage("c", 0.7, unit(0, 1, 0)),
		passage("d", 0.6, unit(0, 0, 1)),
	}

	got := maximalMarginalRelevance(candidates, 3, 1.0)

	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got[i].SourceItemID != id {
			t.Fatalf("lambda=1 order = %v, want %v", ids(got), want)
		}
	}
}

func TestMMR_LambdaZeroAvoidsDuplicates(t *testing.T) {
	t.Parallel()

	// b is a near-duplicate of a; c and d are orthogonal.
	candidates := []Passage{
		passage("a", 0.9, unit(1, 0, 0)),
		passage("b", 0.89, unit(1, 0.01, 0)),
		passage("c", 0.5, unit(0, 1, 0)),
		passage("d", 0.4, unit(0, 0, 1)),
	}

	got := maximalMarginalRelevance(candidates, 3, 0.0)

	for _, p := range got[:3] {
		if p.SourceItemID == "b" {
			t.Fatalf("lambda=0 selected near-duplicate b: %v", ids(got))
		}
	}
}

func TestMMR_BalancedLambdaPrefersDiverseOverDuplicate(t *testing.T) {
	t.Parallel()

	candidates := []Passage{
		passage("a", 0.9, unit(1, 0, 0)),
		passage("b", 0.88, unit(1, 0.01, 0)), // slightly less relevant duplicate
		passage("c", 0.6, unit(0, 1, 0)),     // less relevant but orthogonal
	}

	got := maximalMarginalRelevance(candidates, 2, 0.5)

	if got[0].SourceItemID != "a" {
		t.Fatalf("first pick = %q, want a", got[0].SourceItemID)
	}
	if got[1].SourceItemID != "c" {
		t.Fatalf("second pick = %q, want c (diverse) over b (duplicate)", got[1].SourceItemID)
	}
}

func TestMMR_SmallPoolReturnsAll(t *testing.T) {
	t.Parallel()

	candidates := []Passage{
		passage("a", 0.9, unit(1, 0, 0)),
		passage("b", 0.8, unit(0, 1, 0)),
	}

	got := maximalMarginalRelevance(candidates, 5, 0.5)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	if got := maximalMarginalRelevance(candidates, 0, 0.5); len(got) != 0 {
		t.Fatalf("k=0 returned %v", ids(got))
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", unit(1, 0, 0), unit(1, 0, 0), 1},
		{"orthogonal", unit(1, 0, 0), unit(0, 1, 0), 0},
		{"opposite", unit(1, 0, 0), unit(-1, 0, 0), -1},
		{"mismatched lengths", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0, 0}, unit(1, 0, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
