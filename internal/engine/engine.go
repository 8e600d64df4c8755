// Package engine defines the capability interfaces for the external
// numerical routines (clustering, dimensionality reduction, marker testing)
// so that any backend can be substituted without touching the session state
// machine.
package engine

import (
	"context"

	"github.com/cellscope/server/internal/dataset"
)

// PrincipalDims is the fixed number of principal dimensions handed to the
// clustering and embedding routines.
const PrincipalDims = 15

// Clusterer assigns a cluster label to every cell. Implementations must be
// deterministic for identical inputs and return exactly one small
// non-negative integer label per cell.
type Clusterer interface {
	Cluster(ctx context.Context, m *dataset.Matrix, dims int, resolution float64) ([]int, error)
}

// Embedder computes a 2D embedding (t-SNE or similar) for every cell.
type Embedder interface {
	Embed(ctx context.Context, m *dataset.Matrix, dims int) ([]dataset.Point, error)
}

// GeneStat is the per-gene output of a two-group differential expression
// test. AUC is the discriminative-power statistic; the sign convention is
// AUC > 0.5 and positive AvgDiff/AvgLog2FC mean higher expression in group1.
type GeneStat struct {
	Gene      int
	AUC       float64
	AvgDiff   float64
	Power     float64
	AvgLog2FC float64
	Pct1      float64
	Pct2      float64
}

// MarkerTester runs a differential expression test between two disjoint cell
// groups (indices into the matrix columns) and returns one GeneStat per gene.
type MarkerTester interface {
	Test(ctx context.Context, m *dataset.Matrix, group1, group2 []int) ([]GeneStat, error)
}
