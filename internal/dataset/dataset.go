// Package dataset defines the immutable dataset model and the artifact store
// that loads precomputed scRNA-seq datasets from disk.
package dataset

import (
	"sort"
	"sync"

	"github.com/cellscope/server/internal/genes"
)

// Point is a 2D embedding coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dataset holds one loaded dataset: expression matrix, embedding coordinates
// and metadata. Everything except the embedded clustering cache is immutable
// after load. Gene and cell identifier sets are consistent across the matrix,
// the embeddings and the clustering columns.
type Dataset struct {
	Name    string
	Species genes.Species

	Cells []string
	Expr  *Matrix

	// Embedding holds the coordinates computed for this dataset instance
	// (recomputed on subsets when requested). FullEmbedding optionally holds
	// a precomputed pipeline embedding of the unsubsetted data (e.g. the
	// cellranger t-SNE) and may be nil.
	Embedding     []Point
	FullEmbedding []Point

	// clusterings is the per-instance resolution cache: column key
	// (e.g. "res_0.8") -> one label per cell. Columns are write-once.
	mu          sync.Mutex
	clusterings map[string][]int
}

// New assembles a dataset. The caller guarantees that cells, expr columns and
// embedding rows describe the same cell population in the same order.
func New(name string, sp genes.Species, cells []string, expr *Matrix, embedding, fullEmbedding []Point) *Dataset {
	return &Dataset{
		Name:          name,
		Species:       sp,
		Cells:         cells,
		Expr:          expr,
		Embedding:     embedding,
		FullEmbedding: fullEmbedding,
		clusterings:   make(map[string][]int),
	}
}

// NCells returns the number of cells.
func (d *Dataset) NCells() int { return len(d.Cells) }

// ValidGenes returns the measured gene identifiers as a set.
func (d *Dataset) ValidGenes() map[string]struct{} {
	v := make(map[string]struct{}, len(d.Expr.Genes))
	for _, g := range d.Expr.Genes {
		v[g] = struct{}{}
	}
	return v
}

// ClusterLabels returns the cached cluster labels for a resolution column.
func (d *Dataset) ClusterLabels(key string) ([]int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	labels, ok := d.clusterings[key]
	return labels, ok
}

// SetClusterLabels commits a clustering column. Existing columns are never
// overwritten: the first computation for a resolution wins.
func (d *Dataset) SetClusterLabels(key string, labels []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clusterings[key]; ok {
		return
	}
	d.clusterings[key] = labels
}

// ClusterKeys returns the cached resolution column keys, sorted.
func (d *Dataset) ClusterKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.clusterings))
	for k := range d.clusterings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DistinctLabels returns the distinct sorted integer labels of a clustering
// column, or nil when the column is absent.
func (d *Dataset) DistinctLabels(key string) []int {
	labels, ok := d.ClusterLabels(key)
	if !ok {
		return nil
	}
	seen := make(map[int]struct{})
	var out []int
	for _, l := range labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}
