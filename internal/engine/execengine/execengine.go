// Package execengine delegates clustering and dimensionality reduction to an
// external numerical tool (typically an R or Python helper around a
// bioinformatics library), invoked as a subprocess exchanging JSON on
// stdin/stdout.
package execengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cellscope/server/internal/dataset"
)

// Engine runs configured commands for the cluster and embed operations. A
// command is an argv slice; the request is written to the child's stdin and
// the response read from its stdout.
type Engine struct {
	ClusterCmd []string
	EmbedCmd   []string
}

// New creates an exec-backed engine.
func New(clusterCmd, embedCmd []string) *Engine {
	return &Engine{ClusterCmd: clusterCmd, EmbedCmd: embedCmd}
}

type request struct {
	Op         string    `json:"op"`
	Dims       int       `json:"dims"`
	Resolution float64   `json:"resolution,omitempty"`
	NCells     int       `json:"n_cells"`
	Genes      []string  `json:"genes"`
	Gene       []int     `json:"gene"`
	Cell       []int     `json:"cell"`
	Value      []float32 `json:"value"`
}

type clusterResponse struct {
	Labels []int  `json:"labels"`
	Error  string `json:"error,omitempty"`
}

type embedResponse struct {
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	Error string    `json:"error,omitempty"`
}

func buildRequest(op string, m *dataset.Matrix, dims int, resolution float64) request {
	req := request{
		Op:         op,
		Dims:       dims,
		Resolution: resolution,
		NCells:     m.NCells(),
		Genes:      m.Genes,
		Gene:       make([]int, 0, m.NNZ()),
		Cell:       make([]int, 0, m.NNZ()),
		Value:      make([]float32, 0, m.NNZ()),
	}
	m.ForEach(func(gene, cell int, value float32) {
		req.Gene = append(req.Gene, gene)
		req.Cell = append(req.Cell, cell)
		req.Value = append(req.Value, value)
	})
	return req
}

// Cluster runs the configured clustering command.
func (e *Engine) Cluster(ctx context.Context, m *dataset.Matrix, dims int, resolution float64) ([]int, error) {
	if len(e.ClusterCmd) == 0 {
		return nil, fmt.Errorf("no clustering command configured")
	}

	var resp clusterResponse
	req := buildRequest("cluster", m, dims, resolution)
	if err := e.run(ctx, e.ClusterCmd, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("clustering failed: %s", resp.Error)
	}
	if len(resp.Labels) != m.NCells() {
		return nil, fmt.Errorf("clustering returned %d labels for %d cells", len(resp.Labels), m.NCells())
	}
	return resp.Labels, nil
}

// Embed runs the configured embedding command.
func (e *Engine) Embed(ctx context.Context, m *dataset.Matrix, dims int) ([]dataset.Point, error) {
	if len(e.EmbedCmd) == 0 {
		return nil, fmt.Errorf("no embedding command configured")
	}

	var resp embedResponse
	req := buildRequest("embed", m, dims, 0)
	if err := e.run(ctx, e.EmbedCmd, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("embedding failed: %s", resp.Error)
	}
	if len(resp.X) != m.NCells() || len(resp.Y) != m.NCells() {
		return nil, fmt.Errorf("embedding returned %d/%d coordinates for %d cells", len(resp.X), len(resp.Y), m.NCells())
	}
	points := make([]dataset.Point, m.NCells())
	for i := range points {
		points[i] = dataset.Point{X: resp.X[i], Y: resp.Y[i]}
	}
	return points, nil
}

func (e *Engine) run(ctx context.Context, argv []string, req interface{}, resp interface{}) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", argv[0], err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal engine request: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s failed: %s", argv[0], msg)
	}

	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", argv[0], err)
	}
	return nil
}
