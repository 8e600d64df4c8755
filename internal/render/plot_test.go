package render

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/cellscope/server/internal/session"
)

func TestRenderEmbeddingProducesDecodablePNG(t *testing.T) {
	r := NewPlotRenderer(Config{Width: 200, Height: 160})

	plot := session.EmbeddingPlot{
		Dataset: "pbmc",
		Points: []session.PlotPoint{
			{X: 0, Y: 0, Label: 1},
			{X: 1, Y: 1, Label: 2},
			{X: -1, Y: 2, Label: 3},
			{X: 0.5, Y: -0.5, Label: -1},
		},
	}

	data, err := r.RenderEmbedding(plot)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a valid PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 200 || b.Dy() != 160 {
		t.Errorf("unexpected image size %dx%d", b.Dx(), b.Dy())
	}

	// At least one pixel must differ from the white background.
	colored := false
	for y := b.Min.Y; y < b.Max.Y && !colored; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr != 0xffff || cg != 0xffff || cb != 0xffff {
				colored = true
				break
			}
		}
	}
	if !colored {
		t.Error("rendered plot is entirely white")
	}
}

func TestRenderEmbeddingEmptyPlot(t *testing.T) {
	r := NewPlotRenderer(Config{Width: 64, Height: 64})
	data, err := r.RenderEmbedding(session.EmbeddingPlot{Dataset: "empty"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("empty plot must still be a valid PNG: %v", err)
	}
}

func TestRenderEmbeddingExpressionOverlay(t *testing.T) {
	r := NewPlotRenderer(Config{Width: 64, Height: 64})
	plot := session.EmbeddingPlot{
		Dataset: "pbmc",
		Gene:    "MS4A1",
		Points: []session.PlotPoint{
			{X: 0, Y: 0, Label: 1, Value: 0},
			{X: 1, Y: 1, Label: 1, Value: 5},
		},
	}
	data, err := r.RenderEmbedding(plot)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("expression plot must be a valid PNG: %v", err)
	}
}

func TestRenderEmbeddingViridisRamp(t *testing.T) {
	r := NewPlotRenderer(Config{Width: 64, Height: 64, PointRadius: 10, Colormap: "viridis"})
	plot := session.EmbeddingPlot{
		Dataset: "pbmc",
		Gene:    "MS4A1",
		Points: []session.PlotPoint{
			{X: 0, Y: 0, Label: 1, Value: 5},
		},
	}
	data, err := r.RenderEmbedding(plot)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("viridis plot must be a valid PNG: %v", err)
	}

	// Maximum expression on the viridis ramp is yellow (253, 231, 37).
	found := false
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y && !found; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr>>8 == 253 && cg>>8 == 231 && cb>>8 == 37 {
				found = true
				break
			}
		}
	}
	if !found {
		t.Error("expected the viridis maximum color in the rendered plot")
	}
}

func TestFilename(t *testing.T) {
	if got := Filename("pbmc3k", "MS4A1"); got != "pbmc3k_MS4A1.png" {
		t.Errorf("unexpected filename: %q", got)
	}
	if got := Filename("pbmc3k", ""); got != "pbmc3k.png" {
		t.Errorf("unexpected filename without gene: %q", got)
	}
}
