package retrieval

import "math"

// maximalMarginalRelevance picks up to k candidate indices. The first pick
// is the candidate most similar to the query; each further pick maximizes
// lambda*sim(query, c) - (1-lambda)*max sim(c, picked). Candidates without a
// vector are never picked.
func maximalMarginalRelevance(query []float32, candidates [][]float32, lambda float64, k int) []int {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	querySim := make([]float64, len(candidates))
	for i, c := range candidates {
		querySim[i] = cosineSimilarity(query, c)
	}

	var picked []int
	used := make([]bool, len(candidates))
	// redundancy[i] is the max similarity of candidate i to anything picked.
	redundancy := make([]float64, len(candidates))

	for len(picked) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i, c := range candidates {
			if used[i] || len(c) == 0 {
				continue
			}
			score := querySim[i]
			if len(picked) > 0 {
				score = lambda*querySim[i] - (1-lambda)*redundancy[i]
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		picked = append(picked, best)
		for i, c := range candidates {
			if used[i] || len(c) == 0 {
				continue
			}
			if s := cosineSimilarity(candidates[best], c); len(picked) == 1 || s > redundancy[i] {
				redundancy[i] = s
			}
		}
	}
	return picked
}

// cosineSimilarity returns 0 for mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
