package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cellscope/server/internal/dataset"
)

// RocTester is the built-in MarkerTester: a ROC analysis per gene. The AUC is
// computed from the rank-sum statistic, so ties (the many zeros of sparse
// expression data) get averaged ranks.
type RocTester struct{}

// NewRocTester creates the built-in ROC marker tester.
func NewRocTester() *RocTester {
	return &RocTester{}
}

// Test computes per-gene ROC statistics for group1 vs group2.
func (rt *RocTester) Test(ctx context.Context, m *dataset.Matrix, group1, group2 []int) ([]GeneStat, error) {
	n1, n2 := len(group1), len(group2)
	if n1 == 0 || n2 == 0 {
		return nil, fmt.Errorf("marker test requires two non-empty groups (got %d and %d cells)", n1, n2)
	}

	stats := make([]GeneStat, 0, m.NGenes())
	for g := 0; g < m.NGenes(); g++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		dense := m.GeneVector(g)
		vals1 := make([]float64, n1)
		vals2 := make([]float64, n2)
		for i, c := range group1 {
			vals1[i] = dense[c]
		}
		for i, c := range group2 {
			vals2[i] = dense[c]
		}

		auc := rankAUC(vals1, vals2)
		mean1 := mean(vals1)
		mean2 := mean(vals2)

		const eps = 1e-9
		log2fc := 0.0
		if mean1 > eps || mean2 > eps {
			log2fc = math.Log2((mean1 + eps) / (mean2 + eps))
		}

		stats = append(stats, GeneStat{
			Gene:      g,
			AUC:       auc,
			AvgDiff:   mean1 - mean2,
			Power:     math.Abs(2*auc - 1),
			AvgLog2FC: log2fc,
			Pct1:      pctExpressing(vals1),
			Pct2:      pctExpressing(vals2),
		})
	}
	return stats, nil
}

// rankAUC computes the area under the ROC curve for separating group1 from
// group2 via the Mann-Whitney U statistic: AUC = U1 / (n1*n2).
func rankAUC(vals1, vals2 []float64) float64 {
	n1, n2 := len(vals1), len(vals2)

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}

	sort.Slice(combined, func(i, j int) bool {
		return combined[i].val < combined[j].val
	})

	// Average ranks across ties.
	N := len(combined)
	ranks := make([]float64, N)
	i := 0
	for i < N {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		i = j
	}

	r1 := 0.0
	for i, e := range combined {
		if e.group == 1 {
			r1 += ranks[i]
		}
	}

	n1f := float64(n1)
	n2f := float64(n2)
	u1 := r1 - n1f*(n1f+1)/2
	return u1 / (n1f * n2f)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func pctExpressing(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	n := 0
	for _, v := range vals {
		if v > 0 {
			n++
		}
	}
	return float64(n) / float64(len(vals))
}
