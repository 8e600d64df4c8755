// Package main is the entry point for the CellScope server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellscope/server/internal/api"
	"github.com/cellscope/server/internal/cache"
	"github.com/cellscope/server/internal/config"
	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/engine"
	"github.com/cellscope/server/internal/engine/execengine"
	"github.com/cellscope/server/internal/genes"
	"github.com/cellscope/server/internal/marker"
	"github.com/cellscope/server/internal/markerstore"
	"github.com/cellscope/server/internal/render"
	"github.com/cellscope/server/internal/session"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting CellScope server on port %d", cfg.Server.Port)

	// Load alias tables (shared, read-only)
	aliasTables := make(map[genes.Species]*genes.AliasTable)
	for sp, path := range map[genes.Species]string{
		genes.SpeciesHuman: cfg.Aliases.Human,
		genes.SpeciesMouse: cfg.Aliases.Mouse,
	} {
		if path == "" {
			continue
		}
		table, err := genes.LoadAliasTable(path, sp)
		if err != nil {
			log.Fatalf("Failed to load %s alias table: %v", sp, err)
		}
		aliasTables[sp] = table
		log.Printf("Loaded %s alias table from %s", sp, path)
	}
	resolver := genes.NewResolver(aliasTables)

	// Build the dataset catalog in declaration order
	datasetIDs := cfg.Data.DatasetIDs()
	catalog := make([]dataset.CatalogEntry, 0, len(datasetIDs))
	for _, label := range datasetIDs {
		ds := cfg.Data.Datasets[label]
		res := ds.DefaultResolution
		if res == 0 {
			res = cfg.Data.FallbackResolution
		}
		catalog = append(catalog, dataset.CatalogEntry{
			Label:             label,
			Species:           genes.ParseSpecies(ds.Species),
			Dir:               ds.Dir,
			DefaultResolution: res,
		})
		log.Printf("  [%s] species=%s dir=%s default_resolution=%.1f", label, ds.Species, ds.Dir, res)
	}
	log.Printf("Catalog: %d dataset(s), default: %s", len(catalog), cfg.Data.DefaultDataset())

	// Numerical engines: external commands for clustering/embedding, the
	// built-in ROC test for markers.
	var clusterer engine.Clusterer
	var embedder engine.Embedder
	if len(cfg.Engine.ClusterCmd) > 0 || len(cfg.Engine.EmbedCmd) > 0 {
		ext := execengine.New(cfg.Engine.ClusterCmd, cfg.Engine.EmbedCmd)
		clusterer = ext
		embedder = ext
		log.Printf("External engine: cluster=%v embed=%v", cfg.Engine.ClusterCmd, cfg.Engine.EmbedCmd)
	} else {
		log.Fatalf("No engine commands configured: set engine.cluster_cmd and engine.embed_cmd")
	}
	finder := marker.NewFinder(engine.NewRocTester())

	// Marker run persistence (SQLite)
	runs, err := markerstore.NewStore(cfg.Markers.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize marker store: %v", err)
	}
	defer runs.Close()
	if n, err := runs.DeleteExpiredRuns(cfg.Markers.RetentionDays); err != nil {
		log.Printf("Marker run cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("Marker run cleanup: deleted %d expired run(s)", n)
	}

	// Plot caches and renderer
	cacheManager, err := cache.NewManager(cache.Config{
		PlotCacheSizeMB:     cfg.Cache.PlotSizeMB,
		PlotTTL:             time.Duration(cfg.Cache.PlotTTLMinutes) * time.Minute,
		ProjectionCacheSize: cfg.Cache.ProjectionEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	plotRenderer := render.NewPlotRenderer(render.Config{
		Width:       cfg.Render.Width,
		Height:      cfg.Render.Height,
		PointRadius: cfg.Render.PointRadius,
		Colormap:    cfg.Render.Colormap,
	})

	// Session manager
	manager := session.NewManager(session.Deps{
		Catalog:            catalog,
		FallbackResolution: cfg.Data.FallbackResolution,
		Store:              dataset.NewStore(),
		Resolver:           resolver,
		Clusterer:          clusterer,
		Embedder:           embedder,
		Finder:             finder,
		Runs:               runs,
		Windows: session.SettleWindows{
			Gene:      time.Duration(cfg.Session.GeneSettleMS) * time.Millisecond,
			Selection: time.Duration(cfg.Session.SelectionSettleMS) * time.Millisecond,
		},
	}, time.Duration(cfg.Session.IdleTTLMinutes)*time.Minute)
	manager.Start()
	defer manager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Manager:     manager,
		Catalog:     catalog,
		Default:     cfg.Data.DefaultDataset(),
		Title:       cfg.Server.Title,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cache:       cacheManager,
		Renderer:    plotRenderer,
		Runs:        runs,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
