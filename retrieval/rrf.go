package retrieval

import (
	"sort"

	"github.com/bbiangul/go-ktas/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods []string `json:"methods"`
	VecRank int      `json:"vec_rank,omitempty"` // 1-based, 0 = not present
	FTSRank int      `json:"fts_rank,omitempty"` // 1-based, 0 = not present
}

// fuseRRF combines the vector and full-text rankings with Reciprocal Rank
// Fusion: score = sum(weight_i / (k + rank_i)). Ties keep first-seen order,
// vector results first.
func fuseRRF(
	vecResults, ftsResults []store.SearchResult,
	weightVec, weightFTS float64,
	maxResults int,
) ([]store.SearchResult, map[int64]FusedResultInfo) {
	type fusedEntry struct {
		result store.SearchResult
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)
	var order []*fusedEntry

	add := func(results []store.SearchResult, weight float64, method string) {
		for rank, r := range results {
			entry, ok := fused[r.ID]
			if !ok {
				entry = &fusedEntry{result: r}
				fused[r.ID] = entry
				order = append(order, entry)
			}
			entry.score += weight / float64(rrfK+rank+1)
			entry.info.Methods = append(entry.info.Methods, method)
			if method == "vector" {
				entry.info.VecRank = rank + 1
			} else {
				entry.info.FTSRank = rank + 1
			}
		}
	}
	add(vecResults, weightVec, "vector")
	add(ftsResults, weightFTS, "fts")

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	if maxResults > 0 && len(order) > maxResults {
		order = order[:maxResults]
	}

	results := make([]store.SearchResult, len(order))
	infoMap := make(map[int64]FusedResultInfo, len(order))
	for i, e := range order {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ID] = e.info
	}
	return results, infoMap
}
