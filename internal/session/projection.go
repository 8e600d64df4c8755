package session

import (
	"errors"
)

// ErrNoDataset is returned by projections before a dataset is selected.
var ErrNoDataset = errors.New("no dataset selected")

// ErrUnknownDataset is returned when a selection names no catalog entry.
var ErrUnknownDataset = errors.New("unknown dataset")

// ErrTwoGenesRequired is returned by the correlation projection when both
// gene fields are not resolved.
var ErrTwoGenesRequired = errors.New("correlation plot requires two resolved genes")

// PlotPoint is one cell in the embedding projection. Label -1 marks an
// unlabeled cell (no clustering computed yet).
type PlotPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
	Value float64 `json:"value"`
}

// EmbeddingPlot is the joined projection behind the main scatter: embedding
// coordinates, cluster labels and the optional expression overlay.
type EmbeddingPlot struct {
	Dataset    string      `json:"dataset"`
	Title      string      `json:"title"`
	Gene       string      `json:"gene,omitempty"`
	Clustering string      `json:"clustering,omitempty"`
	Subset     bool        `json:"subset"`
	Rev        uint64      `json:"rev"`
	Points     []PlotPoint `json:"points"`
}

// EmbeddingPlot computes the current embedding projection: the active
// dataset's coordinates joined with the active clustering labels and, when a
// gene is resolved, its expression values. With show-all off, rows without a
// label are dropped.
func (s *Session) EmbeddingPlot() (EmbeddingPlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ads := s.activeDataset()
	if ads == nil {
		return EmbeddingPlot{}, ErrNoDataset
	}
	key := s.activeKey()

	coords := ads.Embedding
	if s.embeddingSource == SourceCellranger && ads.FullEmbedding != nil {
		coords = ads.FullEmbedding
	}

	labels, hasLabels := ads.ClusterLabels(key)

	var values []float64
	if s.gene1 != "" {
		if g, ok := ads.Expr.GeneIndex[s.gene1]; ok {
			values = ads.Expr.GeneVector(g)
		}
	}

	plot := EmbeddingPlot{
		Dataset:    ads.Name,
		Title:      ads.Name,
		Gene:       s.gene1,
		Clustering: key,
		Subset:     s.useSubset && s.sub != nil,
		Rev:        s.plotRev,
		Points:     make([]PlotPoint, 0, len(coords)),
	}
	if s.gene1 != "" {
		plot.Title = s.deps.Resolver.DisplayTitle(s.gene1, ads.Species)
	}

	for i, p := range coords {
		label := -1
		if hasLabels {
			label = labels[i]
		}
		if !s.showAll && label < 0 {
			continue
		}
		pt := PlotPoint{X: p.X, Y: p.Y, Label: label}
		if values != nil {
			pt.Value = values[i]
		}
		plot.Points = append(plot.Points, pt)
	}
	return plot, nil
}

// CorrelationPoint is one cell in gene1-vs-gene2 expression space.
type CorrelationPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CorrelationPlot compares two genes' expression within one cluster.
type CorrelationPlot struct {
	Dataset string             `json:"dataset"`
	Gene1   string             `json:"gene1"`
	Gene2   string             `json:"gene2"`
	Cluster int                `json:"cluster"`
	Points  []CorrelationPoint `json:"points"`
}

// CorrelationPlot projects the expression of the two resolved genes for the
// cells of one cluster in the active clustering. An unknown cluster ID is a
// valid empty plot.
func (s *Session) CorrelationPlot(clusterID int) (CorrelationPlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ads := s.activeDataset()
	if ads == nil {
		return CorrelationPlot{}, ErrNoDataset
	}
	if s.gene1 == "" || s.gene2 == "" {
		return CorrelationPlot{}, ErrTwoGenesRequired
	}

	g1, ok1 := ads.Expr.GeneIndex[s.gene1]
	g2, ok2 := ads.Expr.GeneIndex[s.gene2]
	if !ok1 || !ok2 {
		return CorrelationPlot{}, ErrTwoGenesRequired
	}

	plot := CorrelationPlot{
		Dataset: ads.Name,
		Gene1:   s.gene1,
		Gene2:   s.gene2,
		Cluster: clusterID,
		Points:  []CorrelationPoint{},
	}

	labels, ok := ads.ClusterLabels(s.activeKey())
	if !ok {
		return plot, nil
	}

	v1 := ads.Expr.GeneVector(g1)
	v2 := ads.Expr.GeneVector(g2)
	for i, l := range labels {
		if l != clusterID {
			continue
		}
		plot.Points = append(plot.Points, CorrelationPoint{X: v1[i], Y: v2[i]})
	}
	return plot, nil
}

// Choices lists the cluster IDs selectable in the UI.
type Choices struct {
	Full           []int `json:"full"`
	Subset         []int `json:"subset"`
	SubsetControls bool  `json:"subset_controls"`
}

// ClusterChoices returns the distinct sorted cluster IDs of the full and
// subset clusterings.
func (s *Session) ClusterChoices() Choices {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Choices{
		Full:           append([]int(nil), s.fullChoices...),
		Subset:         append([]int(nil), s.subChoices...),
		SubsetControls: s.subsetControls,
	}
}
