package dataset

import (
	"fmt"
	"sort"
)

// Matrix is a sparse genes-by-cells expression matrix. Rows are genes; each
// row stores the expressing cell indices in ascending order. A Matrix is
// immutable once built.
type Matrix struct {
	Genes     []string
	GeneIndex map[string]int
	nCells    int
	rows      []sparseRow
}

type sparseRow struct {
	cells []int32
	vals  []float32
}

// NewMatrix builds a matrix from parallel triplet slices (gene index, cell
// index, value). Triplets may arrive in any order.
func NewMatrix(geneIDs []string, nCells int, gene, cell []int, value []float32) (*Matrix, error) {
	if len(gene) != len(cell) || len(gene) != len(value) {
		return nil, fmt.Errorf("triplet slices have mismatched lengths: %d/%d/%d", len(gene), len(cell), len(value))
	}

	m := &Matrix{
		Genes:     geneIDs,
		GeneIndex: make(map[string]int, len(geneIDs)),
		nCells:    nCells,
		rows:      make([]sparseRow, len(geneIDs)),
	}
	for i, g := range geneIDs {
		m.GeneIndex[g] = i
	}

	for i := range gene {
		g, c := gene[i], cell[i]
		if g < 0 || g >= len(geneIDs) {
			return nil, fmt.Errorf("gene index out of range: %d", g)
		}
		if c < 0 || c >= nCells {
			return nil, fmt.Errorf("cell index out of range: %d", c)
		}
		row := &m.rows[g]
		row.cells = append(row.cells, int32(c))
		row.vals = append(row.vals, value[i])
	}

	for g := range m.rows {
		row := &m.rows[g]
		if !sort.SliceIsSorted(row.cells, func(i, j int) bool { return row.cells[i] < row.cells[j] }) {
			idx := make([]int, len(row.cells))
			for i := range idx {
				idx[i] = i
			}
			sort.Slice(idx, func(i, j int) bool { return row.cells[idx[i]] < row.cells[idx[j]] })
			cells := make([]int32, len(idx))
			vals := make([]float32, len(idx))
			for i, j := range idx {
				cells[i] = row.cells[j]
				vals[i] = row.vals[j]
			}
			row.cells, row.vals = cells, vals
		}
	}

	return m, nil
}

// NCells returns the number of cells (columns).
func (m *Matrix) NCells() int { return m.nCells }

// NGenes returns the number of genes (rows).
func (m *Matrix) NGenes() int { return len(m.Genes) }

// GeneVector returns the dense expression vector of one gene across all
// cells. The returned slice is freshly allocated.
func (m *Matrix) GeneVector(g int) []float64 {
	out := make([]float64, m.nCells)
	if g < 0 || g >= len(m.rows) {
		return out
	}
	row := m.rows[g]
	for i, c := range row.cells {
		out[c] = float64(row.vals[i])
	}
	return out
}

// ForEach visits every stored (gene, cell, value) triplet.
func (m *Matrix) ForEach(fn func(gene, cell int, value float32)) {
	for g := range m.rows {
		row := m.rows[g]
		for i, c := range row.cells {
			fn(g, int(c), row.vals[i])
		}
	}
}

// NNZ returns the number of stored non-zero entries.
func (m *Matrix) NNZ() int {
	n := 0
	for g := range m.rows {
		n += len(m.rows[g].cells)
	}
	return n
}

// SubsetCells returns a new matrix restricted to the given cell indices, in
// the order given. The receiver is not modified.
func (m *Matrix) SubsetCells(keep []int) *Matrix {
	remap := make(map[int32]int32, len(keep))
	for newIdx, oldIdx := range keep {
		remap[int32(oldIdx)] = int32(newIdx)
	}

	out := &Matrix{
		Genes:     m.Genes,
		GeneIndex: m.GeneIndex,
		nCells:    len(keep),
		rows:      make([]sparseRow, len(m.rows)),
	}
	for g := range m.rows {
		row := m.rows[g]
		var cells []int32
		var vals []float32
		for i, c := range row.cells {
			if nc, ok := remap[c]; ok {
				cells = append(cells, nc)
				vals = append(vals, row.vals[i])
			}
		}
		// keep order follows the original cell order, so rows stay sorted
		out.rows[g] = sparseRow{cells: cells, vals: vals}
	}
	return out
}
