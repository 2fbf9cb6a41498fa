package search

import "math"

// maximalMarginalRelevance re-ranks candidates so the first k results
// balance similarity to the query against diversity among themselves.
//
// Each round picks the candidate maximizing
//
//	lambda*simToQuery - (1-lambda)*maxSimToSelected
//
// where simToQuery is the similarity already computed by the store and
// maxSimToSelected is the cosine similarity between stored vectors.
// Candidates are scanned in ranking order and ties keep the earlier rank,
// so lambda=1 reproduces the input order exactly.
func maximalMarginalRelevance(candidates []Passage, k int, lambda float64) []Passage {
	if k >= len(candidates) {
		return candidates
	}
	if k <= 0 {
		return []Passage{}
	}

	selected := make([]Passage, 0, k)
	remaining := make([]Passage, len(candidates))
	copy(remaining, candidates)

	for len(selected) < k {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, cand := range remaining {
			score := lambda * cand.Similarity
			if len(selected) > 0 && lambda < 1 {
				maxSim := math.Inf(-1)
				for _, sel := range selected {
					if sim := cosineSimilarity(cand.Vector, sel.Vector); sim > maxSim {
						maxSim = sim
					}
				}
				score -= (1 - lambda) * maxSim
			}

			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
