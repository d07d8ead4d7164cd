package filter

import (
	"math"
	"sort"

	"github.com/agentforge/envsynth/internal/core/model"
)

// Threshold computes the score cutoff at the given percentile over all
// verified graphs in the batch. The rank is the nearest-rank floor,
// clamped to [1, n], and admission is inclusive: a graph whose overall
// score equals the threshold passes.
func Threshold(graphs []*model.Graph, percentile float64) (float64, bool) {
	scores := make([]float64, 0, len(graphs))
	for _, g := range graphs {
		if g.VerifyResult != nil {
			scores = append(scores, g.VerifyResult.OverallScore)
		}
	}
	if len(scores) == 0 {
		return 0, false
	}

	sort.Float64s(scores)

	rank := int(math.Floor(percentile / 100 * float64(len(scores))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(scores) {
		rank = len(scores)
	}

	return scores[rank-1], true
}

// Admit partitions the batch: a graph passes when its necessity annotation is
// legitimate and its overall score clears the percentile threshold. Graphs
// without a verify result never pass. Both slices keep the input order.
func Admit(graphs []*model.Graph, percentile float64) (admitted, rejected []*model.Graph) {
	threshold, ok := Threshold(graphs, percentile)

	for _, g := range graphs {
		if ok && g.ToolNecessityLegitimacy && g.VerifyResult != nil &&
			g.VerifyResult.OverallScore >= threshold {
			admitted = append(admitted, g)
		} else {
			rejected = append(rejected, g)
		}
	}
	return admitted, rejected
}
