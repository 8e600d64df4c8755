package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/cellscope/server/internal/genes"
)

// Artifact file names inside a dataset directory.
const (
	expressionFile    = "expression.json.zst"
	embeddingFile     = "embedding.json.zst"
	fullEmbeddingFile = "embedding_full.json.zst"
)

// CatalogEntry describes one dataset available for selection.
type CatalogEntry struct {
	Label             string
	Species           genes.Species
	Dir               string
	DefaultResolution float64
}

// Store loads datasets from persisted artifacts. It is stateless and safe for
// concurrent use.
type Store struct{}

// NewStore creates a dataset store.
func NewStore() *Store {
	return &Store{}
}

// ExpressionArtifact is the on-disk schema of expression.json.zst.
type ExpressionArtifact struct {
	Genes []string  `json:"genes"`
	Cells []string  `json:"cells"`
	Gene  []int     `json:"gene"`
	Cell  []int     `json:"cell"`
	Value []float32 `json:"value"`
}

// EmbeddingArtifact is the on-disk schema of the embedding tables.
type EmbeddingArtifact struct {
	Cells []string  `json:"cells"`
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
}

// Load reads the dataset artifacts for a catalog entry. A missing required
// artifact is a load error; the optional full-embedding table is loaded when
// present.
func (s *Store) Load(entry CatalogEntry) (*Dataset, error) {
	var expr ExpressionArtifact
	if err := readArtifact(filepath.Join(entry.Dir, expressionFile), &expr); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", entry.Label, err)
	}

	matrix, err := NewMatrix(expr.Genes, len(expr.Cells), expr.Gene, expr.Cell, expr.Value)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: invalid expression matrix: %w", entry.Label, err)
	}

	embedding, err := readEmbedding(filepath.Join(entry.Dir, embeddingFile), expr.Cells)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", entry.Label, err)
	}

	var fullEmbedding []Point
	fullPath := filepath.Join(entry.Dir, fullEmbeddingFile)
	if _, statErr := os.Stat(fullPath); statErr == nil {
		fullEmbedding, err = readEmbedding(fullPath, expr.Cells)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", entry.Label, err)
		}
	}

	return New(entry.Label, entry.Species, expr.Cells, matrix, embedding, fullEmbedding), nil
}

func readEmbedding(path string, cells []string) ([]Point, error) {
	var art EmbeddingArtifact
	if err := readArtifact(path, &art); err != nil {
		return nil, err
	}
	if len(art.Cells) != len(cells) || len(art.X) != len(cells) || len(art.Y) != len(cells) {
		return nil, fmt.Errorf("%s: embedding has %d cells, expression has %d", filepath.Base(path), len(art.Cells), len(cells))
	}
	// Cell identifiers must line up with the expression matrix columns.
	for i, c := range art.Cells {
		if c != cells[i] {
			return nil, fmt.Errorf("%s: cell identifier mismatch at row %d: %q vs %q", filepath.Base(path), i, c, cells[i])
		}
	}
	points := make([]Point, len(cells))
	for i := range points {
		points[i] = Point{X: art.X[i], Y: art.Y[i]}
	}
	return points, nil
}

func readArtifact(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader for %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteArtifact writes a zstd-compressed JSON artifact. Used by preprocessing
// tools and test fixtures.
func WriteArtifact(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return zw.Close()
}
