package usecase

import (
	"math"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

// RerankMMR greedily selects up to topK candidates from pool, trading
// relevance (Score) against redundancy with the already selected set.
//
// The first pick is the head of pool, the top fused candidate, even when a
// later candidate has a higher Score. Every later pick maximizes
//
//	lambda*score - (1-lambda)*max|score - selected.score|
//
// with ties resolved by earliest position in the remaining pool. Score
// divergence stands in for semantic distance because candidates carry no
// embeddings at this stage. pool is not modified.
func RerankMMR(pool []domain.Candidate, topK int, lambda float64) []domain.Candidate {
	if len(pool) == 0 || topK <= 0 {
		return []domain.Candidate{}
	}
	if topK > len(pool) {
		topK = len(pool)
	}

	remaining := make([]domain.Candidate, len(pool))
	copy(remaining, pool)
	selected := make([]domain.Candidate, 0, topK)

	for len(selected) < topK && len(remaining) > 0 {
		if len(selected) == 0 {
			selected = append(selected, remaining[0])
			remaining = remaining[1:]
			continue
		}

		bestIdx := 0
		bestValue := math.Inf(-1)
		for i, candidate := range remaining {
			value := lambda*candidate.Score - (1-lambda)*diversityPenalty(candidate, selected)
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

func diversityPenalty(candidate domain.Candidate, selected []domain.Candidate) float64 {
	penalty := 0.0
	for _, s := range selected {
		if d := math.Abs(candidate.Score - s.Score); d > penalty {
			penalty = d
		}
	}
	return penalty
}
