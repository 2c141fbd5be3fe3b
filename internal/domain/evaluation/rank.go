package evaluation

import (
	"sort"
)

// Ranking is one model's place in the comparison. Ranks are 1-based with
// ties sharing their average rank.
type Ranking struct {
	Model       string  `json:"model"`
	Metrics     Metrics `json:"metrics"`
	MAERank     float64 `json:"mae_rank"`
	RMSERank    float64 `json:"rmse_rank"`
	R2Rank      float64 `json:"r2_rank"`
	OverallRank float64 `json:"overall_rank"`
}

// Rank orders models by the mean of their MAE, RMSE (lower is better) and
// R² (higher is better) ranks, breaking ties by name.
func Rank(results map[string]Metrics) []Ranking {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	mae := make([]float64, len(names))
	rmse := make([]float64, len(names))
	r2 := make([]float64, len(names))
	for i, name := range names {
		m := results[name]
		mae[i], rmse[i], r2[i] = m.MAE, m.RMSE, -m.R2
	}
	maeRanks, rmseRanks, r2Ranks := averageRanks(mae), averageRanks(rmse), averageRanks(r2)

	out := make([]Ranking, len(names))
	for i, name := range names {
		out[i] = Ranking{
			Model:       name,
			Metrics:     results[name],
			MAERank:     maeRanks[i],
			RMSERank:    rmseRanks[i],
			R2Rank:      r2Ranks[i],
			OverallRank: (maeRanks[i] + rmseRanks[i] + r2Ranks[i]) / 3,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OverallRank != out[j].OverallRank {
			return out[i].OverallRank < out[j].OverallRank
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// averageRanks ranks values ascending, 1-based, giving tied values the mean
// of the ranks they span.
func averageRanks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}
