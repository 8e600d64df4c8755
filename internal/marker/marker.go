// Package marker finds differentially expressed marker genes between two
// cell groups and post-processes the test output into a ranked table.
package marker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cellscope/server/internal/cluster"
	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
)

// Polarity selects the direction of the comparison.
type Polarity string

const (
	Positive Polarity = "pos"
	Negative Polarity = "neg"
)

// MinGroupSize is the exclusive lower bound on group sizes: a group must have
// strictly more cells than this for the test to run.
const MinGroupSize = 3

// MinAUC is the discriminative-power cutoff; rows below it are dropped.
const MinAUC = 0.7

// ErrTooFewCells signals a user-correctable precondition violation; the
// finder returns an empty, correctly-typed table alongside it.
var ErrTooFewCells = errors.New("marker test requires more than 3 cells per group")

// Columns is the fixed output schema. Adjusted p-values are intentionally
// omitted: the external test's p-values are not trustworthy at this
// filtering granularity.
var Columns = []string{"gene", "auc", "avg_diff", "power", "avg_log2fc", "pct_1", "pct_2"}

// Row is one marker gene.
type Row struct {
	Gene      string  `json:"gene"`
	AUC       float64 `json:"auc"`
	AvgDiff   float64 `json:"avg_diff"`
	Power     float64 `json:"power"`
	AvgLog2FC float64 `json:"avg_log2fc"`
	Pct1      float64 `json:"pct_1"`
	Pct2      float64 `json:"pct_2"`
}

// Table is a ranked marker gene table.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// EmptyTable returns a zero-row table with the fixed column set.
func EmptyTable() Table {
	return Table{Columns: Columns, Rows: []Row{}}
}

// Finder runs the differential expression test and shapes the result.
type Finder struct {
	tester engine.MarkerTester
}

// NewFinder creates a marker gene finder around a tester backend.
func NewFinder(tester engine.MarkerTester) *Finder {
	return &Finder{tester: tester}
}

// Find compares group1 against group2 (cell indices into ds). A nil group2
// means "rest": every cell not in group1. With Negative polarity the groups
// are swapped before testing, so positive effect sizes in the returned table
// always mean higher expression in the test's first group.
//
// Precondition violations (either group having 3 or fewer cells) return
// (EmptyTable(), ErrTooFewCells); backend failures return the error as-is
// and no table.
func (f *Finder) Find(ctx context.Context, ds *dataset.Dataset, group1, group2 []int, pol Polarity, progress cluster.Progress) (Table, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}

	if len(group1) <= MinGroupSize {
		return EmptyTable(), ErrTooFewCells
	}
	if group2 != nil && len(group2) <= MinGroupSize {
		return EmptyTable(), ErrTooFewCells
	}

	if group2 == nil {
		group2 = restOf(ds.NCells(), group1)
	}
	if len(group2) <= MinGroupSize {
		return EmptyTable(), ErrTooFewCells
	}

	g1, g2 := group1, group2
	if pol == Negative {
		g1, g2 = g2, g1
	}

	progress("start", 0)
	progress("running", 0.5)

	stats, err := f.tester.Test(ctx, ds.Expr, g1, g2)
	if err != nil {
		return Table{}, fmt.Errorf("marker test failed: %w", err)
	}

	table := EmptyTable()
	for _, s := range stats {
		if s.AUC < MinAUC {
			continue
		}
		if s.Gene < 0 || s.Gene >= len(ds.Expr.Genes) {
			continue
		}
		table.Rows = append(table.Rows, Row{
			Gene:      ds.Expr.Genes[s.Gene],
			AUC:       s.AUC,
			AvgDiff:   s.AvgDiff,
			Power:     s.Power,
			AvgLog2FC: s.AvgLog2FC,
			Pct1:      s.Pct1,
			Pct2:      s.Pct2,
		})
	}

	sort.Slice(table.Rows, func(i, j int) bool {
		if table.Rows[i].AUC != table.Rows[j].AUC {
			return table.Rows[i].AUC > table.Rows[j].AUC
		}
		if table.Rows[i].Power != table.Rows[j].Power {
			return table.Rows[i].Power > table.Rows[j].Power
		}
		return table.Rows[i].Gene < table.Rows[j].Gene
	})

	progress("done", 1)
	return table, nil
}

func restOf(nCells int, group1 []int) []int {
	in1 := make(map[int]bool, len(group1))
	for _, c := range group1 {
		in1[c] = true
	}
	var rest []int
	for c := 0; c < nCells; c++ {
		if !in1[c] {
			rest = append(rest, c)
		}
	}
	return rest
}
