package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
	"github.com/cellscope/server/internal/genes"
	"github.com/cellscope/server/internal/marker"
	"github.com/cellscope/server/internal/markerstore"
)

// fakeClusterer is deterministic per resolution: at 0.8 it produces the PBMC
// test shape (clusters 1/2/3 with sizes 50/40/10 on 100 cells), at any other
// resolution it alternates two labels.
type fakeClusterer struct {
	calls int
	err   error
}

func (c *fakeClusterer) Cluster(_ context.Context, m *dataset.Matrix, _ int, resolution float64) ([]int, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	labels := make([]int, m.NCells())
	for i := range labels {
		if resolution == 0.8 {
			switch {
			case i < 50:
				labels[i] = 1
			case i < 90:
				labels[i] = 2
			default:
				labels[i] = 3
			}
		} else {
			labels[i] = i%2 + 1
		}
	}
	return labels, nil
}

type fakeEmbedder struct {
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, m *dataset.Matrix, _ int) ([]dataset.Point, error) {
	e.calls++
	points := make([]dataset.Point, m.NCells())
	for i := range points {
		points[i] = dataset.Point{X: float64(i) * 10, Y: 0}
	}
	return points, nil
}

type testEnv struct {
	deps  Deps
	clust *fakeClusterer
	emb   *fakeEmbedder
}

// newTestEnv writes a 100-cell PBMC-like dataset to disk and assembles
// session dependencies with synchronous (zero-window) debouncing.
func newTestEnv(t *testing.T, defaultRes, fallback float64) *testEnv {
	t.Helper()
	dir := t.TempDir()

	nCells := 100
	cells := make([]string, nCells)
	x := make([]float64, nCells)
	y := make([]float64, nCells)
	for i := range cells {
		cells[i] = fmt.Sprintf("cell%03d", i)
		x[i] = float64(i)
		y[i] = -float64(i)
	}

	// MS4A1 marks cells 0-49, TNF marks cells 50-89.
	var gene, cell []int
	var value []float32
	for i := 0; i < 50; i++ {
		gene = append(gene, 2)
		cell = append(cell, i)
		value = append(value, 5)
	}
	for i := 50; i < 90; i++ {
		gene = append(gene, 1)
		cell = append(cell, i)
		value = append(value, 3)
	}
	gene = append(gene, 0)
	cell = append(cell, 0)
	value = append(value, 1)

	expr := dataset.ExpressionArtifact{
		Genes: []string{"CD4", "TNF", "MS4A1"},
		Cells: cells,
		Gene:  gene,
		Cell:  cell,
		Value: value,
	}
	if err := dataset.WriteArtifact(filepath.Join(dir, "expression.json.zst"), expr); err != nil {
		t.Fatalf("failed to write expression artifact: %v", err)
	}
	emb := dataset.EmbeddingArtifact{Cells: cells, X: x, Y: y}
	if err := dataset.WriteArtifact(filepath.Join(dir, "embedding.json.zst"), emb); err != nil {
		t.Fatalf("failed to write embedding artifact: %v", err)
	}

	aliasPath := filepath.Join(dir, "human_aliases.tsv")
	if err := os.WriteFile(aliasPath, []byte("TNF\tTNFA|TNFSF2\n"), 0644); err != nil {
		t.Fatalf("failed to write alias table: %v", err)
	}
	table, err := genes.LoadAliasTable(aliasPath, genes.SpeciesHuman)
	if err != nil {
		t.Fatalf("failed to load alias table: %v", err)
	}

	clust := &fakeClusterer{}
	embedder := &fakeEmbedder{}
	return &testEnv{
		deps: Deps{
			Catalog: []dataset.CatalogEntry{
				{Label: "pbmc", Species: genes.SpeciesHuman, Dir: dir, DefaultResolution: defaultRes},
				{Label: "broken", Species: genes.SpeciesHuman, Dir: filepath.Join(dir, "missing")},
			},
			FallbackResolution: fallback,
			Store:              dataset.NewStore(),
			Resolver:           genes.NewResolver(map[genes.Species]*genes.AliasTable{genes.SpeciesHuman: table}),
			Clusterer:          clust,
			Embedder:           embedder,
			Finder:             marker.NewFinder(engine.NewRocTester()),
		},
		clust: clust,
		emb:   embedder,
	}
}

func TestSelectDatasetLifecycle(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if s.State().Phase != PhaseEmpty {
		t.Fatalf("new session must start empty, got %s", s.State().Phase)
	}

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	st := s.State()
	if st.Phase != PhaseReady || st.Dataset != "pbmc" || st.NCells != 100 {
		t.Errorf("unexpected state after load: %+v", st)
	}
	if st.FullClustering != "res_0.8" {
		t.Errorf("expected default resolution clustering, got %q", st.FullClustering)
	}
	if env.clust.calls != 1 {
		t.Errorf("expected one clustering call on load, got %d", env.clust.calls)
	}

	choices := s.ClusterChoices()
	if len(choices.Full) != 3 || choices.Full[0] != 1 || choices.Full[2] != 3 {
		t.Errorf("expected cluster choices [1 2 3], got %v", choices.Full)
	}
}

func TestSelectDatasetUnknown(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)
	if err := s.SelectDataset(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
	if s.State().Phase != PhaseEmpty {
		t.Error("session must stay empty after unknown selection")
	}
}

func TestSelectDatasetLoadFailureRevertsToEmpty(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SelectDataset(context.Background(), "broken"); err == nil {
		t.Fatal("expected load failure")
	}

	st := s.State()
	if st.Phase != PhaseEmpty || st.Dataset != "" || st.NCells != 0 {
		t.Errorf("failed load must not leave stale prior-dataset data: %+v", st)
	}
	poll := s.Poll()
	if len(poll.Notices) == 0 {
		t.Error("load failure must surface a notice")
	}
}

func TestDatasetSwitchResetsAtomically(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetGene("MS4A1", 1); err != nil {
		t.Fatalf("gene failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{3}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	st := s.State()
	if st.Gene1 != "" || st.Gene1Validity != ValidityNeutral {
		t.Errorf("gene selection survived dataset switch: %+v", st)
	}
	if st.HasSubset || st.UseSubset || len(st.SelectedClusters) != 0 {
		t.Errorf("subset survived dataset switch: %+v", st)
	}
}

func TestResolutionSequenceRecomputesOnce(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	base := env.clust.calls

	for _, res := range []float64{1.0, 0.8} {
		if err := s.SetFullResolution(res); err != nil {
			t.Fatalf("resolution %v failed: %v", res, err)
		}
	}
	if got := env.clust.calls - base; got != 1 {
		t.Errorf("0.8 -> 1.0 -> 0.8 must trigger exactly one recomputation, got %d", got)
	}
	if s.State().FullClustering != "res_0.8" {
		t.Errorf("expected res_0.8 active, got %q", s.State().FullClustering)
	}
}

func TestOutOfRangeResolutionIgnored(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	base := env.clust.calls

	for _, res := range []float64{0, 1.6, -3, 99} {
		if err := s.SetFullResolution(res); err != nil {
			t.Fatalf("resolution %v failed: %v", res, err)
		}
	}
	st := s.State()
	if st.FullResolution != 0.8 || st.FullClustering != "res_0.8" {
		t.Errorf("out-of-range resolutions must retain the prior value: %+v", st)
	}
	if env.clust.calls != base {
		t.Errorf("out-of-range resolutions must not recompute, got %d extra calls", env.clust.calls-base)
	}
}

func TestSubsetSelection(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{3}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}

	st := s.State()
	if !st.HasSubset || st.SubsetNCells != 10 {
		t.Fatalf("expected a 10-cell subset, got %+v", st)
	}
	if !st.UseSubset || !st.SubsetControls {
		t.Errorf("subset selection must activate subset plots and controls: %+v", st)
	}
	// The subset is clustered automatically at the subset resolution.
	if st.SubsetClustering != "res_0.8" {
		t.Errorf("expected automatic subset clustering, got %q", st.SubsetClustering)
	}

	plot, err := s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if len(plot.Points) != 10 || !plot.Subset {
		t.Errorf("expected a 10-point subset plot, got %d points (subset=%v)", len(plot.Points), plot.Subset)
	}
	// Inherited coordinates, not recomputed.
	if env.emb.calls != 0 {
		t.Errorf("embedding must not recompute unless requested, got %d calls", env.emb.calls)
	}
}

func TestSubsetWithEmbeddingRecompute(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{3}, true); err != nil {
		t.Fatalf("subset failed: %v", err)
	}
	if env.emb.calls != 1 {
		t.Errorf("expected one embedding recompute, got %d", env.emb.calls)
	}
	plot, err := s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if len(plot.Points) != 10 || plot.Points[1].X != 10 {
		t.Errorf("expected recomputed coordinates, got %+v", plot.Points)
	}
}

func TestNewResolutionClearsSubsetSelection(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{3}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}
	if err := s.SetFullResolution(1.0); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}

	st := s.State()
	if st.HasSubset || st.UseSubset || st.SubsetControls || len(st.SelectedClusters) != 0 {
		t.Errorf("new full resolution must clear stale subset selection: %+v", st)
	}
}

func TestClearSubset(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{1, 2}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}
	if err := s.ClearSubset(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	st := s.State()
	if st.HasSubset || st.UseSubset {
		t.Errorf("subset survived ClearSubset: %+v", st)
	}
	plot, err := s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if len(plot.Points) != 100 {
		t.Errorf("expected full-dataset plot after clear, got %d points", len(plot.Points))
	}
}

func TestGeneResolutionFlow(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	// Alias lookup: TNFA -> canonical TNF, a measured gene.
	if err := s.SetGene("TNFA", 1); err != nil {
		t.Fatalf("gene failed: %v", err)
	}
	st := s.State()
	if st.Gene1 != "TNF" || st.Gene1Validity != ValidityValid {
		t.Errorf("expected TNFA to resolve to TNF/valid, got %q/%s", st.Gene1, st.Gene1Validity)
	}

	plot, err := s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if plot.Title != "TNF (TNFA|TNFSF2)" {
		t.Errorf("unexpected plot title: %q", plot.Title)
	}
	if plot.Points[50].Value != 3 || plot.Points[0].Value != 0 {
		t.Errorf("expression overlay wrong: %v / %v", plot.Points[50].Value, plot.Points[0].Value)
	}

	if err := s.SetGene("NOTAGENE", 1); err != nil {
		t.Fatalf("gene failed: %v", err)
	}
	st = s.State()
	if st.Gene1 != "" || st.Gene1Validity != ValidityInvalid {
		t.Errorf("unresolvable query must flag invalid, got %q/%s", st.Gene1, st.Gene1Validity)
	}

	if err := s.SetGene("", 1); err != nil {
		t.Fatalf("gene failed: %v", err)
	}
	if s.State().Gene1Validity != ValidityNeutral {
		t.Errorf("empty query must reset to neutral, got %s", s.State().Gene1Validity)
	}
}

func TestShowAllDropsUnlabeledRows(t *testing.T) {
	// Default resolution 0 and fallback 0: the dataset loads unclustered, so
	// every row is unlabeled.
	env := newTestEnv(t, 0, 0)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	plot, err := s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if len(plot.Points) != 100 || plot.Points[0].Label != -1 {
		t.Fatalf("expected 100 unlabeled points with show-all on, got %d", len(plot.Points))
	}

	if err := s.SetFlags(false, false, SourceInternal); err != nil {
		t.Fatalf("flags failed: %v", err)
	}
	plot, err = s.EmbeddingPlot()
	if err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	if len(plot.Points) != 0 {
		t.Errorf("show-all off must drop unlabeled rows, got %d points", len(plot.Points))
	}
}

func TestCorrelationPlot(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if _, err := s.CorrelationPlot(1); !errors.Is(err, ErrTwoGenesRequired) {
		t.Fatalf("expected ErrTwoGenesRequired, got %v", err)
	}

	if err := s.SetGene("MS4A1", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGene("CD4", 2); err != nil {
		t.Fatal(err)
	}

	plot, err := s.CorrelationPlot(1)
	if err != nil {
		t.Fatalf("correlation failed: %v", err)
	}
	if len(plot.Points) != 50 {
		t.Fatalf("expected 50 cells in cluster 1, got %d", len(plot.Points))
	}
	if plot.Points[0].X != 5 || plot.Points[0].Y != 1 {
		t.Errorf("unexpected first point: %+v", plot.Points[0])
	}

	// Unknown cluster is a valid empty plot.
	plot, err = s.CorrelationPlot(42)
	if err != nil {
		t.Fatalf("correlation failed: %v", err)
	}
	if len(plot.Points) != 0 {
		t.Errorf("expected empty plot for unknown cluster, got %d points", len(plot.Points))
	}
}

func TestRunMarkersAgainstRest(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	runs, err := markerstore.NewStore(filepath.Join(t.TempDir(), "markers.db"))
	if err != nil {
		t.Fatalf("failed to create marker store: %v", err)
	}
	defer runs.Close()
	env.deps.Runs = runs

	s := newSession("test", env.deps)
	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if err := s.RunMarkers([]int{1}, nil, marker.Positive); err != nil {
		t.Fatalf("markers failed: %v", err)
	}

	table, ok := s.Markers()
	if !ok {
		t.Fatal("expected a marker table in the display cache")
	}
	if len(table.Rows) != 1 || table.Rows[0].Gene != "MS4A1" {
		t.Fatalf("expected MS4A1 as the sole marker of cluster 1, got %+v", table.Rows)
	}
	if table.Rows[0].AUC != 1.0 || table.Rows[0].Pct1 != 1.0 || table.Rows[0].Pct2 != 0 {
		t.Errorf("unexpected MS4A1 statistics: %+v", table.Rows[0])
	}

	persisted, err := runs.ListRunsBySession("test")
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(persisted) != 1 || persisted[0].NRows != 1 {
		t.Errorf("expected one persisted run with one row, got %+v", persisted)
	}
}

func TestRunMarkersTooFewCells(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	// No cells carry label 42: the empty group is user-correctable, not fatal.
	if err := s.RunMarkers([]int{42}, nil, marker.Positive); err != nil {
		t.Fatalf("too-few-cells must not be an error: %v", err)
	}
	table, ok := s.Markers()
	if !ok || len(table.Rows) != 0 {
		t.Errorf("expected the empty-schema table, got ok=%v rows=%d", ok, len(table.Rows))
	}
	poll := s.Poll()
	if len(poll.Notices) == 0 {
		t.Error("too-few-cells must surface a warning notice")
	}
}

func TestIndependentControlsBothSettle(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	env.deps.Windows = SettleWindows{Selection: 40 * time.Millisecond}
	s := newSession("test", env.deps)
	defer s.Close()

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	// A settled resolution must survive activity on the cluster-selection
	// control inside its window: the two controls coalesce independently.
	if err := s.SetFullResolution(1.0); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.SetSubsetClusters([]int{1}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.State()
		if st.FullClustering == "res_1.0" && st.HasSubset {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := s.State()
	if st.FullClustering != "res_1.0" {
		t.Errorf("resolution event lost to the cluster selection: %+v", st)
	}
	if !st.HasSubset {
		t.Errorf("cluster selection event lost to the resolution: %+v", st)
	}
}

func TestMarkerTableClearedOnRecluster(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.RunMarkers([]int{1}, nil, marker.Positive); err != nil {
		t.Fatalf("markers failed: %v", err)
	}
	if _, ok := s.Markers(); !ok {
		t.Fatal("expected a marker table before the resolution change")
	}

	// The table was computed against res_0.8 labels; a re-clustering of the
	// full dataset must not leave it readable.
	if err := s.SetFullResolution(1.0); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if _, ok := s.Markers(); ok {
		t.Error("marker table survived a full-dataset re-clustering")
	}
}

func TestCachedResolutionSwitchClearsSelection(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.SetFullResolution(1.0); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if err := s.SetSubsetClusters([]int{1}, false); err != nil {
		t.Fatalf("subset failed: %v", err)
	}

	// Back to 0.8 is a cache hit, but cluster 1 of res_1.0 is not cluster 1
	// of res_0.8: the selection must not be reinterpreted.
	if err := s.SetFullResolution(0.8); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	st := s.State()
	if st.HasSubset || st.UseSubset || len(st.SelectedClusters) != 0 {
		t.Errorf("cluster selection survived a cached resolution switch: %+v", st)
	}
}

func TestProgressEventsReported(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	events := s.Poll().Events
	if len(events) != 3 {
		t.Fatalf("expected start/running/done from the load clustering, got %+v", events)
	}
	if events[0].Op != "clustering" || events[0].Stage != "start" || events[0].Fraction != 0 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[2].Stage != "done" || events[2].Fraction != 1 {
		t.Errorf("unexpected final event: %+v", events[2])
	}
}

func TestManagerDeepLink(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	m := NewManager(env.deps, 0)

	s := m.Create(context.Background(), "pbmc")
	if s.State().Phase != PhaseReady || s.State().Dataset != "pbmc" {
		t.Errorf("deep-link must preselect the dataset: %+v", s.State())
	}

	// Unknown deep-link labels are ignored, not errors.
	s2 := m.Create(context.Background(), "does-not-exist")
	if s2.State().Phase != PhaseEmpty {
		t.Errorf("unknown deep-link must start empty, got %s", s2.State().Phase)
	}

	got, ok := m.Get(s.ID)
	if !ok || got.ID != s.ID {
		t.Error("manager lost track of a created session")
	}
	if !m.Close(s.ID) {
		t.Error("close of a live session must succeed")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("closed session still retrievable")
	}
	if m.Close(s.ID) {
		t.Error("double close must report false")
	}
}

func TestPlotRevAdvancesOnPlotInputs(t *testing.T) {
	env := newTestEnv(t, 0.8, 0.8)
	s := newSession("test", env.deps)

	if err := s.SelectDataset(context.Background(), "pbmc"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	rev := s.State().PlotRev

	if err := s.SetGene("MS4A1", 1); err != nil {
		t.Fatal(err)
	}
	if s.State().PlotRev == rev {
		t.Error("gene change must advance the plot revision")
	}
	rev = s.State().PlotRev

	if err := s.SetFlags(false, false, SourceCellranger); err != nil {
		t.Fatal(err)
	}
	if s.State().PlotRev == rev {
		t.Error("flag change must advance the plot revision")
	}
}
