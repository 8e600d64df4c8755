// Package render draws the combined embedding scatter plot (cluster coloring
// or gene expression overlay) using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/cellscope/server/internal/session"
	"github.com/cellscope/server/pkg/colormap"
)

// Config contains renderer configuration. Colormap names the expression ramp
// ("expression" or "viridis").
type Config struct {
	Width       int
	Height      int
	PointRadius float64
	Colormap    string
}

// margin is the fraction of the canvas left blank around the data bounds.
const margin = 0.05

// PlotRenderer renders embedding plots to PNG.
type PlotRenderer struct {
	config      Config
	ramp        colormap.Colormap
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewPlotRenderer creates a new plot renderer.
func NewPlotRenderer(cfg Config) *PlotRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 600
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 2.5
	}
	return &PlotRenderer{
		config: cfg,
		ramp:   colormap.ByName(cfg.Colormap),
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// RenderEmbedding renders the embedding projection. With a gene active the
// points are colored by expression on the sequential ramp; otherwise by
// cluster label on the categorical palette, with unlabeled points in grey.
func (r *PlotRenderer) RenderEmbedding(plot session.EmbeddingPlot) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(plot.Points) == 0 {
		return r.encodeContext(dc)
	}

	minX, maxX := plot.Points[0].X, plot.Points[0].X
	minY, maxY := plot.Points[0].Y, plot.Points[0].Y
	maxVal := 0.0
	for _, p := range plot.Points {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
		if p.Value > maxVal {
			maxVal = p.Value
		}
	}
	rangeX := maxX - minX
	rangeY := maxY - minY
	if rangeX == 0 {
		rangeX = 1
	}
	if rangeY == 0 {
		rangeY = 1
	}

	w := float64(r.config.Width)
	h := float64(r.config.Height)
	innerW := w * (1 - 2*margin)
	innerH := h * (1 - 2*margin)

	byExpression := plot.Gene != "" && maxVal > 0

	for _, p := range plot.Points {
		px := w*margin + (p.X-minX)/rangeX*innerW
		// Embedding Y grows upward, canvas Y grows downward.
		py := h*margin + (maxY-p.Y)/rangeY*innerH

		var c color.Color
		switch {
		case byExpression:
			c = r.ramp.At(p.Value / maxVal)
		case p.Label < 0:
			c = color.RGBA{R: 200, G: 200, B: 200, A: 255}
		default:
			c = colormap.Categorical.AtIndex(p.Label)
		}
		dc.SetColor(c)
		dc.DrawCircle(px, py, r.config.PointRadius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *PlotRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Filename derives the download name of the current plot.
func Filename(dataset, gene string) string {
	if gene == "" {
		return fmt.Sprintf("%s.png", dataset)
	}
	return fmt.Sprintf("%s_%s.png", dataset, gene)
}
