// Package cluster implements the per-dataset resolution cache: clustering a
// dataset at a given resolution exactly once and reusing the cached labels
// for the lifetime of that dataset instance.
package cluster

import (
	"context"
	"fmt"
	"math"

	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
)

// Resolution bounds. Requests outside this range are silently ignored and the
// prior valid resolution is retained.
const (
	MinResolution = 0.1
	MaxResolution = 1.5
)

// Progress receives coarse progress notifications during long computations.
type Progress func(stage string, fraction float64)

// Valid reports whether a resolution is inside the accepted range.
func Valid(res float64) bool {
	return res >= MinResolution && res <= MaxResolution
}

// Round snaps a resolution to the one-decimal grid used as cache key.
func Round(res float64) float64 {
	return math.Round(res*10) / 10
}

// Key returns the metadata column key for a resolution, e.g. "res_0.8".
func Key(res float64) string {
	return fmt.Sprintf("res_%.1f", Round(res))
}

// Ensure guarantees a cluster-label column for the resolution on ds. It
// returns the column key and whether a fresh computation ran. Out-of-range
// resolutions are a no-op ("" key, no computation). On engine failure no
// cache entry is committed.
func Ensure(ctx context.Context, ds *dataset.Dataset, res float64, c engine.Clusterer, progress Progress) (string, bool, error) {
	if !Valid(res) {
		return "", false, nil
	}
	if progress == nil {
		progress = func(string, float64) {}
	}

	key := Key(res)
	if _, ok := ds.ClusterLabels(key); ok {
		return key, false, nil
	}

	progress("start", 0)
	progress("running", 0.5)

	labels, err := c.Cluster(ctx, ds.Expr, engine.PrincipalDims, Round(res))
	if err != nil {
		return key, false, fmt.Errorf("clustering at %s failed: %w", key, err)
	}
	if len(labels) != ds.NCells() {
		return key, false, fmt.Errorf("clustering at %s returned %d labels for %d cells", key, len(labels), ds.NCells())
	}

	ds.SetClusterLabels(key, labels)
	progress("done", 1)
	return key, true, nil
}
