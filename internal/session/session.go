// Package session implements the reactive session state machine: it owns the
// active dataset and its derivations and keeps them consistent under
// user-driven parameter changes through an explicit dependency graph.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellscope/server/internal/cluster"
	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
	"github.com/cellscope/server/internal/genes"
	"github.com/cellscope/server/internal/marker"
	"github.com/cellscope/server/internal/markerstore"
	"github.com/cellscope/server/internal/subset"
)

// Phase is the dataset-selection lifecycle state.
type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// Embedding source toggles for the embedding plot.
const (
	SourceInternal   = "internal"
	SourceCellranger = "cellranger"
)

// SettleWindows holds the per-input debounce windows. Non-positive windows
// apply events synchronously.
type SettleWindows struct {
	Gene      time.Duration
	Selection time.Duration
}

// Deps bundles the shared, read-only collaborators a session operates
// against. The catalog and alias tables are loaded once at process start and
// never mutated.
type Deps struct {
	Catalog            []dataset.CatalogEntry
	FallbackResolution float64
	Store              *dataset.Store
	Resolver           *genes.Resolver
	Clusterer          engine.Clusterer
	Embedder           engine.Embedder
	Finder             *marker.Finder
	Runs               *markerstore.Store // optional run persistence
	Windows            SettleWindows
}

func (d Deps) catalogEntry(label string) (dataset.CatalogEntry, bool) {
	for _, e := range d.Catalog {
		if e.Label == label {
			return e, true
		}
	}
	return dataset.CatalogEntry{}, false
}

// Session holds one user's mutable exploration state. Events are processed
// strictly sequentially under the session mutex; long computations block the
// session but not others.
type Session struct {
	ID string

	deps Deps

	mu    sync.Mutex
	phase Phase
	ds    *dataset.Dataset
	sub   *dataset.Dataset

	fullRes float64
	subRes  float64
	fullKey string
	subKey  string

	fullChoices []int
	subChoices  []int

	selectedClusters []int
	recomputeEmb     bool
	subsetControls   bool

	gene1, gene2           string
	gene1Valid, gene2Valid Validity

	useSubset       bool
	showAll         bool
	embeddingSource string

	markers    marker.Table
	hasMarkers bool

	// plotRev increments whenever the embedding plot inputs change; plot
	// caches key on it.
	plotRev uint64

	progress ProgressSink
	notices  []string

	// One debouncer per control: coalescing happens within a control, never
	// across controls, so a settled value on one slider is not discarded by
	// activity on another.
	geneDeb    *Debouncer
	fullResDeb *Debouncer
	subResDeb  *Debouncer
	subsetDeb  *Debouncer
	markerDeb  *Debouncer

	lastActive time.Time
}

func newSession(id string, deps Deps) *Session {
	return &Session{
		ID:              id,
		deps:            deps,
		phase:           PhaseEmpty,
		gene1Valid:      ValidityNeutral,
		gene2Valid:      ValidityNeutral,
		showAll:         true,
		embeddingSource: SourceInternal,
		geneDeb:         NewDebouncer(deps.Windows.Gene),
		fullResDeb:      NewDebouncer(deps.Windows.Selection),
		subResDeb:       NewDebouncer(deps.Windows.Selection),
		subsetDeb:       NewDebouncer(deps.Windows.Selection),
		markerDeb:       NewDebouncer(deps.Windows.Selection),
		lastActive:      time.Now(),
	}
}

// Close stops the session's debounce timers. Pending debounced events are
// discarded and will not fire afterwards.
func (s *Session) Close() {
	s.geneDeb.Stop()
	s.fullResDeb.Stop()
	s.subResDeb.Stop()
	s.subsetDeb.Stop()
	s.markerDeb.Stop()
}

// LastActive reports when the session last processed an event.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() { s.lastActive = time.Now() }

func (s *Session) notify(msg string) {
	s.notices = append(s.notices, msg)
	log.Printf("[Session %s] %s", s.ID, msg)
}

// SelectDataset loads a catalog dataset and replaces the whole session state
// atomically: no dependent field ever observes a half-reset state. A load
// failure reverts to the empty state with a surfaced error, never leaving
// stale prior-dataset data visible.
func (s *Session) SelectDataset(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	entry, ok := s.deps.catalogEntry(label)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDataset, label)
	}

	s.phase = PhaseLoading
	ds, err := s.deps.Store.Load(entry)
	if err != nil {
		s.resetLocked()
		s.notify(fmt.Sprintf("failed to load dataset %q: %v", label, err))
		return err
	}

	res := entry.DefaultResolution
	if !cluster.Valid(res) {
		res = s.deps.FallbackResolution
	}

	// All coupled resets apply together before any dependent recomputes.
	s.resetLocked()
	s.ds = ds
	s.fullRes = res
	s.subRes = res
	s.phase = PhaseReady

	return s.recompute(ctx, fieldDataset)
}

// ClearDataset returns the session to the empty state.
func (s *Session) ClearDataset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.resetLocked()
}

// resetLocked clears every dataset-derived field. Caller holds the mutex.
func (s *Session) resetLocked() {
	s.phase = PhaseEmpty
	s.ds = nil
	s.sub = nil
	s.fullRes = 0
	s.subRes = 0
	s.fullKey = ""
	s.subKey = ""
	s.fullChoices = nil
	s.subChoices = nil
	s.selectedClusters = nil
	s.recomputeEmb = false
	s.subsetControls = false
	s.gene1, s.gene2 = "", ""
	s.gene1Valid, s.gene2Valid = ValidityNeutral, ValidityNeutral
	s.useSubset = false
	s.showAll = true
	s.embeddingSource = SourceInternal
	s.markers = marker.Table{}
	s.hasMarkers = false
	s.plotRev++
}

// SetFullResolution requests clustering of the full dataset at a resolution.
// Rapid changes are coalesced; out-of-range values are silently ignored and
// the prior valid resolution is retained.
func (s *Session) SetFullResolution(res float64) error {
	return s.runDebounced(s.fullResDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()
		if s.ds == nil || !cluster.Valid(res) {
			return nil
		}
		s.fullRes = cluster.Round(res)
		return s.recompute(ctx, fieldFullClustering)
	})
}

// SetSubsetResolution requests clustering of the active subset.
func (s *Session) SetSubsetResolution(res float64) error {
	return s.runDebounced(s.subResDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()
		if s.sub == nil || !cluster.Valid(res) {
			return nil
		}
		s.subRes = cluster.Round(res)
		return s.recompute(ctx, fieldSubsetClustering)
	})
}

// SetSubsetClusters selects the cluster IDs to keep as the active subset. An
// empty selection clears the subset. Selection changes are coalesced.
func (s *Session) SetSubsetClusters(ids []int, recomputeEmbedding bool) error {
	return s.runDebounced(s.subsetDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()
		if s.ds == nil {
			return nil
		}
		s.selectedClusters = append([]int(nil), ids...)
		s.recomputeEmb = recomputeEmbedding
		return s.recompute(ctx, fieldSubset)
	})
}

// ClearSubset discards the active subset and returns plots to the full
// dataset.
func (s *Session) ClearSubset() error {
	return s.runDebounced(s.subsetDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()
		s.selectedClusters = nil
		s.recomputeEmb = false
		s.useSubset = false
		return s.recompute(ctx, fieldSubset)
	})
}

// SetGene resolves a free-text gene query for field 1 or 2. An unresolvable
// query flags the field invalid without raising an error; an empty query
// resets the field to neutral. Keystrokes are coalesced.
func (s *Session) SetGene(query string, fieldNo int) error {
	return s.runDebounced(s.geneDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()

		gene, validity := "", ValidityNeutral
		if s.ds != nil && query != "" {
			gene = s.deps.Resolver.Resolve(query, s.ds.Species, s.ds.ValidGenes())
			if gene == "" {
				validity = ValidityInvalid
			} else {
				validity = ValidityValid
			}
		}

		switch fieldNo {
		case 2:
			s.gene2, s.gene2Valid = gene, validity
		default:
			s.gene1, s.gene1Valid = gene, validity
		}
		return s.recompute(ctx, fieldEmbeddingPlot)
	})
}

// SetFlags updates the plot toggles.
func (s *Session) SetFlags(useSubset, showAll bool, embeddingSource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if embeddingSource != SourceCellranger {
		embeddingSource = SourceInternal
	}
	s.useSubset = useSubset && s.sub != nil
	s.showAll = showAll
	s.embeddingSource = embeddingSource
	return s.recompute(context.Background(), fieldEmbeddingPlot)
}

// RunMarkers finds marker genes between two groups of cluster IDs drawn from
// the active clustering. A nil group2 compares against all remaining cells.
// Group picks are coalesced jointly with the polarity toggle.
func (s *Session) RunMarkers(group1, group2 []int, pol marker.Polarity) error {
	return s.runDebounced(s.markerDeb, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.touch()
		return s.runMarkersLocked(ctx, group1, group2, pol)
	})
}

func (s *Session) runMarkersLocked(ctx context.Context, group1, group2 []int, pol marker.Polarity) error {
	ads, key := s.activeDataset(), s.activeKey()
	if ads == nil || key == "" {
		s.notify("marker test requires a clustered dataset")
		return nil
	}
	labels, ok := ads.ClusterLabels(key)
	if !ok {
		s.notify("marker test requires a clustered dataset")
		return nil
	}

	g1 := cellsWithLabels(labels, group1)
	var g2 []int
	if group2 != nil {
		g2 = cellsWithLabels(labels, group2)
	}

	started := time.Now()
	table, err := s.deps.Finder.Find(ctx, ads, g1, g2, pol, s.progress.reporter("markers"))
	switch {
	case err == marker.ErrTooFewCells:
		// User-correctable: show the empty table plus a warning.
		s.notify("too few cells for marker test (each group needs more than 3)")
		s.markers, s.hasMarkers = table, true
		return nil
	case err != nil:
		// Last-known-good table stays in place.
		s.notify(fmt.Sprintf("marker test failed: %v", err))
		return err
	}

	s.markers, s.hasMarkers = table, true
	s.persistMarkerRun(started, table, group1, group2, pol)
	return nil
}

func (s *Session) persistMarkerRun(started time.Time, table marker.Table, group1, group2 []int, pol marker.Polarity) {
	if s.deps.Runs == nil {
		return
	}
	run := &markerstore.Run{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Params: markerstore.RunParams{
			Dataset:    s.activeDataset().Name,
			Resolution: s.activeKey(),
			Group1:     group1,
			Group2:     group2,
			Polarity:   string(pol),
			Subset:     s.useSubset && s.sub != nil,
		},
		CreatedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := s.deps.Runs.SaveRun(run, table); err != nil {
		log.Printf("[Session %s] failed to persist marker run: %v", s.ID, err)
	}
}

func cellsWithLabels(labels []int, want []int) []int {
	keep := make(map[int]bool, len(want))
	for _, l := range want {
		keep[l] = true
	}
	var cells []int
	for i, l := range labels {
		if keep[l] {
			cells = append(cells, i)
		}
	}
	return cells
}

// activeDataset returns the dataset plots and markers operate on: the subset
// when one exists and the toggle is set, else the full dataset. Caller holds
// the mutex.
func (s *Session) activeDataset() *dataset.Dataset {
	if s.useSubset && s.sub != nil {
		return s.sub
	}
	return s.ds
}

func (s *Session) activeKey() string {
	if s.useSubset && s.sub != nil {
		return s.subKey
	}
	return s.fullKey
}

// recompute walks the dependency graph in topological order starting from
// the given roots. A field's recomputation only runs after all of its
// dependencies are final, and only fields whose dependencies actually
// changed recompute. On failure the walk stops: downstream fields keep their
// last-known-good values and the error is surfaced as a notice.
func (s *Session) recompute(ctx context.Context, roots ...field) error {
	dirty := make(map[field]bool)
	for _, r := range roots {
		dirty[r] = true
	}
	for f := field(0); f < fieldCount; f++ {
		if !dirty[f] {
			continue
		}
		changed, err := s.recomputeField(ctx, f)
		if err != nil {
			s.notify(err.Error())
			return err
		}
		if changed {
			for _, d := range dependents[f] {
				dirty[d] = true
			}
		}
	}
	return nil
}

func (s *Session) recomputeField(ctx context.Context, f field) (bool, error) {
	switch f {
	case fieldDataset:
		return true, nil

	case fieldFullClustering:
		if s.ds == nil {
			changed := s.fullKey != ""
			s.fullKey = ""
			return changed, nil
		}
		key, computed, err := cluster.Ensure(ctx, s.ds, s.fullRes, s.deps.Clusterer, s.progress.reporter("clustering"))
		if err != nil {
			return false, err
		}
		if key == "" {
			return false, nil
		}
		changed := computed || key != s.fullKey
		s.fullKey = key
		if changed {
			// Cluster IDs from the previous column no longer apply, whether
			// the new column was computed or pulled from the cache.
			s.selectedClusters = nil
			s.subsetControls = false
		}
		return changed, nil

	case fieldFullChoices:
		choices := []int(nil)
		if s.ds != nil {
			choices = s.ds.DistinctLabels(s.fullKey)
		}
		changed := !intSlicesEqual(choices, s.fullChoices)
		s.fullChoices = choices
		return changed, nil

	case fieldSubset:
		if s.ds == nil || len(s.selectedClusters) == 0 || s.fullKey == "" {
			changed := s.sub != nil
			s.sub = nil
			s.subKey = ""
			s.subsetControls = false
			s.useSubset = false
			return changed, nil
		}
		labels, ok := s.ds.ClusterLabels(s.fullKey)
		if !ok {
			changed := s.sub != nil
			s.sub = nil
			s.subKey = ""
			s.subsetControls = false
			s.useSubset = false
			return changed, nil
		}
		keep := make(map[int]bool, len(s.selectedClusters))
		for _, id := range s.selectedClusters {
			keep[id] = true
		}
		sub, err := subset.Subset(ctx, s.ds, labels, keep, s.recomputeEmb, s.deps.Embedder, s.progress.reporter("embedding"))
		if err != nil {
			return false, err
		}
		s.sub = sub
		s.subKey = ""
		s.subsetControls = true
		s.useSubset = true
		return true, nil

	case fieldSubsetClustering:
		if s.sub == nil || s.sub.NCells() == 0 {
			changed := s.subKey != ""
			s.subKey = ""
			return changed, nil
		}
		key, computed, err := cluster.Ensure(ctx, s.sub, s.subRes, s.deps.Clusterer, s.progress.reporter("clustering"))
		if err != nil {
			return false, err
		}
		if key == "" {
			return false, nil
		}
		changed := computed || key != s.subKey
		s.subKey = key
		return changed, nil

	case fieldSubsetChoices:
		choices := []int(nil)
		if s.sub != nil {
			choices = s.sub.DistinctLabels(s.subKey)
		}
		changed := !intSlicesEqual(choices, s.subChoices)
		s.subChoices = choices
		return changed, nil

	case fieldEmbeddingPlot:
		s.plotRev++
		return true, nil

	case fieldMarkerTable:
		// Cluster labels changed underneath the display cache.
		s.markers = marker.Table{}
		s.hasMarkers = false
		return true, nil
	}
	return false, nil
}

func (s *Session) runDebounced(d *Debouncer, apply func(ctx context.Context) error) error {
	if d.window <= 0 {
		return apply(context.Background())
	}
	d.Trigger(func() {
		if err := apply(context.Background()); err != nil {
			log.Printf("[Session %s] deferred event failed: %v", s.ID, err)
		}
	})
	return nil
}

func intSlicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// State is a JSON-ready snapshot of the session.
type State struct {
	ID               string   `json:"id"`
	Phase            Phase    `json:"phase"`
	Dataset          string   `json:"dataset,omitempty"`
	Species          string   `json:"species,omitempty"`
	NCells           int      `json:"n_cells"`
	FullResolution   float64  `json:"full_resolution"`
	SubsetResolution float64  `json:"subset_resolution"`
	FullClustering   string   `json:"full_clustering,omitempty"`
	SubsetClustering string   `json:"subset_clustering,omitempty"`
	SelectedClusters []int    `json:"selected_clusters,omitempty"`
	HasSubset        bool     `json:"has_subset"`
	SubsetNCells     int      `json:"subset_n_cells"`
	SubsetControls   bool     `json:"subset_controls"`
	Gene1            string   `json:"gene1,omitempty"`
	Gene2            string   `json:"gene2,omitempty"`
	Gene1Validity    Validity `json:"gene1_validity"`
	Gene2Validity    Validity `json:"gene2_validity"`
	UseSubset        bool     `json:"use_subset"`
	ShowAll          bool     `json:"show_all"`
	EmbeddingSource  string   `json:"embedding_source"`
	PlotRev          uint64   `json:"plot_rev"`
	HasMarkers       bool     `json:"has_markers"`
}

// State returns a consistent snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ID:               s.ID,
		Phase:            s.phase,
		FullResolution:   s.fullRes,
		SubsetResolution: s.subRes,
		FullClustering:   s.fullKey,
		SubsetClustering: s.subKey,
		SelectedClusters: append([]int(nil), s.selectedClusters...),
		HasSubset:        s.sub != nil,
		SubsetControls:   s.subsetControls,
		Gene1:            s.gene1,
		Gene2:            s.gene2,
		Gene1Validity:    s.gene1Valid,
		Gene2Validity:    s.gene2Valid,
		UseSubset:        s.useSubset,
		ShowAll:          s.showAll,
		EmbeddingSource:  s.embeddingSource,
		PlotRev:          s.plotRev,
		HasMarkers:       s.hasMarkers,
	}
	if s.ds != nil {
		st.Dataset = s.ds.Name
		st.Species = string(s.ds.Species)
		st.NCells = s.ds.NCells()
	}
	if s.sub != nil {
		st.SubsetNCells = s.sub.NCells()
	}
	return st
}

// Markers returns the display cache: the last computed marker table.
func (s *Session) Markers() (marker.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers, s.hasMarkers
}

// Poll is the progress/status payload consumed by the presentation layer.
type Poll struct {
	Events        []Event  `json:"events"`
	Gene1Validity Validity `json:"gene1_validity"`
	Gene2Validity Validity `json:"gene2_validity"`
	Notices       []string `json:"notices"`
}

// Poll returns recent progress events and drains pending notices.
func (s *Session) Poll() Poll {
	s.mu.Lock()
	notices := s.notices
	s.notices = nil
	g1, g2 := s.gene1Valid, s.gene2Valid
	s.mu.Unlock()

	if notices == nil {
		notices = []string{}
	}
	return Poll{
		Events:        s.progress.Events(),
		Gene1Validity: g1,
		Gene2Validity: g2,
		Notices:       notices,
	}
}
