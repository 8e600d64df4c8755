// Package config handles configuration loading for the CellScope server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Aliases AliasConfig   `yaml:"aliases"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Markers MarkerConfig  `yaml:"markers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one catalog entry.
type DatasetConfig struct {
	Species           string  `yaml:"species"`
	Dir               string  `yaml:"dir"`
	DefaultResolution float64 `yaml:"default_resolution"`
}

// DataConfig contains the dataset catalog. Catalog declaration order is
// preserved: the first entry is the default dataset.
type DataConfig struct {
	FallbackResolution float64 `yaml:"fallback_resolution"`
	Datasets           map[string]DatasetConfig
	order              []string
}

// UnmarshalYAML decodes the catalog while keeping the YAML key order.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		FallbackResolution float64   `yaml:"fallback_resolution"`
		Datasets           yaml.Node `yaml:"datasets"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	d.FallbackResolution = raw.FallbackResolution
	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	if raw.Datasets.Kind == 0 {
		return nil
	}
	if raw.Datasets.Kind != yaml.MappingNode {
		return fmt.Errorf("data.datasets must be a mapping")
	}
	for i := 0; i+1 < len(raw.Datasets.Content); i += 2 {
		label := raw.Datasets.Content[i].Value
		var ds DatasetConfig
		if err := raw.Datasets.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", label, err)
		}
		d.Datasets[label] = ds
		d.order = append(d.order, label)
	}
	return nil
}

// DatasetIDs returns the catalog labels in declaration order.
func (d *DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// DefaultDataset returns the first declared dataset label, or "".
func (d *DataConfig) DefaultDataset() string {
	if len(d.order) == 0 {
		return ""
	}
	return d.order[0]
}

// AliasConfig points to the per-species gene alias tables.
type AliasConfig struct {
	Human string `yaml:"human"`
	Mouse string `yaml:"mouse"`
}

// EngineConfig configures the external numerical tool invocations.
type EngineConfig struct {
	ClusterCmd []string `yaml:"cluster_cmd"`
	EmbedCmd   []string `yaml:"embed_cmd"`
}

// SessionConfig contains session settle windows and expiry.
type SessionConfig struct {
	GeneSettleMS      int `yaml:"gene_settle_ms"`
	SelectionSettleMS int `yaml:"selection_settle_ms"`
	IdleTTLMinutes    int `yaml:"idle_ttl_minutes"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PlotSizeMB        int `yaml:"plot_size_mb"`
	PlotTTLMinutes    int `yaml:"plot_ttl_minutes"`
	ProjectionEntries int `yaml:"projection_entries"`
}

// RenderConfig contains plot rendering settings.
type RenderConfig struct {
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	PointRadius float64 `yaml:"point_radius"`
	Colormap    string  `yaml:"colormap"`
}

// MarkerConfig contains marker run persistence settings.
type MarkerConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "CellScope",
		},
		Data: DataConfig{
			FallbackResolution: 0.8,
			Datasets:           map[string]DatasetConfig{},
		},
		Session: SessionConfig{
			GeneSettleMS:      1500,
			SelectionSettleMS: 2000,
			IdleTTLMinutes:    30,
		},
		Cache: CacheConfig{
			PlotSizeMB:        256,
			PlotTTLMinutes:    10,
			ProjectionEntries: 64,
		},
		Render: RenderConfig{
			Width:       800,
			Height:      600,
			PointRadius: 2.5,
			Colormap:    "expression",
		},
		Markers: MarkerConfig{
			SQLitePath:    "./data/markers.db",
			RetentionDays: 14,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.FallbackResolution == 0 {
		cfg.Data.FallbackResolution = defaults.Data.FallbackResolution
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Session.GeneSettleMS == 0 {
		cfg.Session.GeneSettleMS = defaults.Session.GeneSettleMS
	}
	if cfg.Session.SelectionSettleMS == 0 {
		cfg.Session.SelectionSettleMS = defaults.Session.SelectionSettleMS
	}
	if cfg.Session.IdleTTLMinutes == 0 {
		cfg.Session.IdleTTLMinutes = defaults.Session.IdleTTLMinutes
	}
	if cfg.Cache.PlotSizeMB == 0 {
		cfg.Cache.PlotSizeMB = defaults.Cache.PlotSizeMB
	}
	if cfg.Cache.PlotTTLMinutes == 0 {
		cfg.Cache.PlotTTLMinutes = defaults.Cache.PlotTTLMinutes
	}
	if cfg.Cache.ProjectionEntries == 0 {
		cfg.Cache.ProjectionEntries = defaults.Cache.ProjectionEntries
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.PointRadius == 0 {
		cfg.Render.PointRadius = defaults.Render.PointRadius
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Markers.SQLitePath == "" {
		cfg.Markers.SQLitePath = defaults.Markers.SQLitePath
	}
	if cfg.Markers.RetentionDays == 0 {
		cfg.Markers.RetentionDays = defaults.Markers.RetentionDays
	}
}
