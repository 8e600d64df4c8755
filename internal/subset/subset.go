// Package subset derives a restricted dataset from a parent dataset and a
// set of cluster labels to keep.
package subset

import (
	"context"
	"fmt"

	"github.com/cellscope/server/internal/cluster"
	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
)

// Subset produces a new dataset containing only the cells whose label (from
// the labels column, one per parent cell) is a member of keep. The parent is
// never mutated. The derived dataset starts with an empty resolution cache:
// clusterings computed on the parent do not transfer.
//
// An empty intersection is a valid empty result, not an error. When
// recomputeEmbedding is set, the external embedding routine is run on the
// kept cells; otherwise the parent's coordinates are reused, restricted to
// the kept cells.
func Subset(ctx context.Context, parent *dataset.Dataset, labels []int, keep map[int]bool, recomputeEmbedding bool, emb engine.Embedder, progress cluster.Progress) (*dataset.Dataset, error) {
	if len(labels) != parent.NCells() {
		return nil, fmt.Errorf("labels column has %d entries for %d cells", len(labels), parent.NCells())
	}
	if progress == nil {
		progress = func(string, float64) {}
	}

	var keptIdx []int
	for i, l := range labels {
		if keep[l] {
			keptIdx = append(keptIdx, i)
		}
	}

	cells := make([]string, len(keptIdx))
	for i, idx := range keptIdx {
		cells[i] = parent.Cells[idx]
	}
	expr := parent.Expr.SubsetCells(keptIdx)

	var embedding []dataset.Point
	if recomputeEmbedding && len(keptIdx) > 0 {
		progress("start", 0)
		progress("running", 0.5)
		points, err := emb.Embed(ctx, expr, engine.PrincipalDims)
		if err != nil {
			return nil, fmt.Errorf("embedding recomputation failed: %w", err)
		}
		embedding = points
		progress("done", 1)
	} else {
		embedding = make([]dataset.Point, len(keptIdx))
		for i, idx := range keptIdx {
			embedding[i] = parent.Embedding[idx]
		}
	}

	var fullEmbedding []dataset.Point
	if parent.FullEmbedding != nil {
		fullEmbedding = make([]dataset.Point, len(keptIdx))
		for i, idx := range keptIdx {
			fullEmbedding[i] = parent.FullEmbedding[idx]
		}
	}

	return dataset.New(parent.Name, parent.Species, cells, expr, embedding, fullEmbedding), nil
}
