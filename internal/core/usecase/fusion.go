package usecase

import (
	"sort"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

const DefaultRRFConstant = 60.0

type fusedCandidate struct {
	candidate domain.Candidate
	score     float64
}

// FuseRRF merges independently ranked lists with reciprocal rank fusion.
//
// Every appearance of a candidate at 1-based rank r in any list adds
// 1/(c+r) to its fused score. Candidates are identified by ID: text, doc ID
// and page come from the last appearance, while the backend Score and
// Modality stay those of the first appearance. Fused scores are summed. The
// result is ordered by fused score descending; equal scores keep the order
// in which candidates were first encountered. k <= 0 disables truncation.
func FuseRRF(lists [][]domain.Candidate, k int, c float64) []domain.Candidate {
	if c <= 0 {
		c = DefaultRRFConstant
	}

	order := make([]string, 0)
	acc := make(map[string]*fusedCandidate)
	for _, list := range lists {
		for rank, candidate := range list {
			entry, ok := acc[candidate.ID]
			if !ok {
				entry = &fusedCandidate{candidate: candidate}
				acc[candidate.ID] = entry
				order = append(order, candidate.ID)
			} else {
				entry.candidate.Text = candidate.Text
				entry.candidate.DocID = candidate.DocID
				entry.candidate.Page = candidate.Page
			}
			entry.score += 1.0 / (c + float64(rank+1))
		}
	}

	out := make([]domain.Candidate, 0, len(order))
	for _, id := range order {
		entry := acc[id]
		fused := entry.candidate
		fused.FusedScore = entry.score
		out = append(out, fused)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FusedScore > out[j].FusedScore
	})

	return trimCandidates(out, k)
}

func trimCandidates(candidates []domain.Candidate, limit int) []domain.Candidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}
