package index

import "sort"

// fuseRRF merges two ranked result lists with Reciprocal Rank Fusion:
//
//	score(c) = alpha * 1/(60 + rank_sem(c)) + (1-alpha) * 1/(60 + rank_kw(c))
//
// Ranks are 1-based; a chunk absent from one list contributes zero from that
// list. Ties are broken by chunk ID for deterministic output.
func fuseRRF(semantic, keyword []Result, alpha float64) []Result {
	byID := make(map[string]Result, len(semantic)+len(keyword))
	scores := make(map[string]float64, len(semantic)+len(keyword))

	for i, r := range semantic {
		byID[r.ID] = r
		scores[r.ID] += alpha / float64(rrfK+i+1)
	}
	for i, r := range keyword {
		if _, seen := byID[r.ID]; !seen {
			byID[r.ID] = r
		}
		scores[r.ID] += (1 - alpha) / float64(rrfK+i+1)
	}

	fused := make([]Result, 0, len(byID))
	for id, r := range byID {
		r.Score = scores[id]
		fused = append(fused, r)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}
