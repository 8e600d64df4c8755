// Package api provides the HTTP surface of the CellScope server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellscope/server/internal/cache"
	"github.com/cellscope/server/internal/dataset"
	"github.com/cellscope/server/internal/marker"
	"github.com/cellscope/server/internal/markerstore"
	"github.com/cellscope/server/internal/render"
	"github.com/cellscope/server/internal/session"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Manager     *session.Manager
	Catalog     []dataset.CatalogEntry
	Default     string
	Title       string
	CORSOrigins []string
	Cache       *cache.Manager
	Renderer    *render.PlotRenderer
	Runs        *markerstore.Store
}

type contextKey string

const sessionKey contextKey = "session"

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg))
	r.Post("/api/sessions", sessionCreateHandler(cfg))

	// Session-scoped routes: /s/{session}/...
	r.Route("/s/{session}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Manager))

		r.Get("/state", stateHandler)
		r.Post("/dataset", datasetSelectHandler)
		r.Delete("/dataset", datasetClearHandler)
		r.Post("/resolution", resolutionHandler)
		r.Post("/subset", subsetHandler)
		r.Delete("/subset", subsetClearHandler)
		r.Post("/gene", geneHandler)
		r.Post("/flags", flagsHandler)
		r.Get("/clusters", clustersHandler)
		r.Get("/plot/embedding", embeddingPlotHandler(cfg))
		r.Get("/plot/correlation", correlationPlotHandler)
		r.Post("/markers", markerRunHandler)
		r.Get("/markers", markerTableHandler)
		if cfg.Runs != nil {
			r.Get("/markers/runs", markerRunsListHandler(cfg))
			r.Get("/markers/runs/{run}", markerRunResultsHandler(cfg))
			r.Delete("/markers/runs/{run}", markerRunDeleteHandler(cfg))
		}
		r.Get("/plot.png", plotImageHandler(cfg))
		r.Get("/progress", progressHandler)
		r.Delete("/", sessionCloseHandler(cfg.Manager))
	})

	return r
}

func sessionMiddleware(mgr *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session")
			s, ok := mgr.Get(id)
			if !ok {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Session {
	if s, ok := r.Context().Value(sessionKey).(*session.Session); ok {
		return s
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the catalog of available datasets.
func datasetsHandler(cfg RouterConfig) http.HandlerFunc {
	type entry struct {
		Label             string  `json:"label"`
		Species           string  `json:"species"`
		DefaultResolution float64 `json:"default_resolution"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		entries := make([]entry, 0, len(cfg.Catalog))
		for _, e := range cfg.Catalog {
			entries = append(entries, entry{
				Label:             e.Label,
				Species:           string(e.Species),
				DefaultResolution: e.DefaultResolution,
			})
		}
		writeJSON(w, map[string]interface{}{
			"default":  cfg.Default,
			"title":    cfg.Title,
			"datasets": entries,
		})
	}
}

// sessionCreateHandler opens a session, optionally deep-linked to a dataset.
func sessionCreateHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deepLink := r.URL.Query().Get("dataset")
		if deepLink == "" && r.Body != nil {
			var body struct {
				Dataset string `json:"dataset"`
			}
			// A missing or malformed body is fine: plain empty session.
			_ = json.NewDecoder(r.Body).Decode(&body)
			deepLink = body.Dataset
		}

		s := cfg.Manager.Create(r.Context(), deepLink)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, s.State())
	}
}

func sessionCloseHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		mgr.Close(s.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getSession(r).State())
}

func datasetSelectHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "missing dataset name", http.StatusBadRequest)
		return
	}

	s := getSession(r)
	if err := s.SelectDataset(r.Context(), body.Name); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrUnknownDataset) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, s.State())
}

func datasetClearHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	s.ClearDataset()
	writeJSON(w, s.State())
}

func resolutionHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value  float64 `json:"value"`
		Target string  `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s := getSession(r)
	var err error
	if body.Target == "subset" {
		err = s.SetSubsetResolution(body.Value)
	} else {
		err = s.SetFullResolution(body.Value)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.State())
}

func subsetHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Clusters           []int `json:"clusters"`
		RecomputeEmbedding bool  `json:"recompute_embedding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s := getSession(r)
	if err := s.SetSubsetClusters(body.Clusters, body.RecomputeEmbedding); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.State())
}

func subsetClearHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if err := s.ClearSubset(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.State())
}

func geneHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Field int    `json:"field"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s := getSession(r)
	if err := s.SetGene(body.Query, body.Field); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.State())
}

func flagsHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UseSubset       bool   `json:"use_subset"`
		ShowAll         bool   `json:"show_all"`
		EmbeddingSource string `json:"embedding_source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s := getSession(r)
	if err := s.SetFlags(body.UseSubset, body.ShowAll, body.EmbeddingSource); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s.State())
}

func clustersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getSession(r).ClusterChoices())
}

func embeddingPlotHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)

		key := cache.ProjectionKey(s.ID, "embedding", s.State().PlotRev)
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetProjection(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		plot, err := s.EmbeddingPlot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := json.Marshal(plot)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.SetProjection(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func correlationPlotHandler(w http.ResponseWriter, r *http.Request) {
	clusterID, err := strconv.Atoi(r.URL.Query().Get("cluster"))
	if err != nil {
		http.Error(w, "missing or invalid query param: cluster", http.StatusBadRequest)
		return
	}

	plot, err := getSession(r).CorrelationPlot(clusterID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, plot)
}

func markerRunHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Group1   []int  `json:"group1"`
		Group2   []int  `json:"group2"` // null or absent means "rest"
		Polarity string `json:"polarity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pol := marker.Positive
	if body.Polarity == string(marker.Negative) {
		pol = marker.Negative
	}

	s := getSession(r)
	if err := s.RunMarkers(body.Group1, body.Group2, pol); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	table, ok := s.Markers()
	if !ok {
		table = marker.EmptyTable()
	}
	writeJSON(w, table)
}

func markerTableHandler(w http.ResponseWriter, r *http.Request) {
	table, ok := getSession(r).Markers()
	if !ok {
		table = marker.EmptyTable()
	}
	writeJSON(w, table)
}

// markerRunsListHandler returns the session's persisted marker runs, newest
// first.
func markerRunsListHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := cfg.Runs.ListRunsBySession(getSession(r).ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*markerstore.Run{}
		}
		writeJSON(w, runs)
	}
}

// ownedRun loads a run and checks it belongs to the request's session. A
// missing or foreign run is reported as 404.
func ownedRun(cfg RouterConfig, w http.ResponseWriter, r *http.Request) *markerstore.Run {
	runID := chi.URLParam(r, "run")
	run, err := cfg.Runs.GetRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	if run == nil || run.SessionID != getSession(r).ID {
		http.Error(w, "run not found: "+runID, http.StatusNotFound)
		return nil
	}
	return run
}

func markerRunResultsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := ownedRun(cfg, w, r)
		if run == nil {
			return
		}

		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("offset"))
		if offset < 0 {
			offset = 0
		}
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}

		rows, total, err := cfg.Runs.QueryResults(run.ID, q.Get("order"), offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []marker.Row{}
		}
		writeJSON(w, map[string]interface{}{
			"run":     run,
			"columns": marker.Columns,
			"rows":    rows,
			"total":   total,
		})
	}
}

func markerRunDeleteHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := ownedRun(cfg, w, r)
		if run == nil {
			return
		}
		if err := cfg.Runs.DeleteRun(run.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func plotImageHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		st := s.State()
		if st.Dataset == "" {
			http.Error(w, "no dataset selected", http.StatusBadRequest)
			return
		}

		key := cache.PlotKey(s.ID, st.PlotRev)
		var data []byte
		if cfg.Cache != nil {
			if cached, ok := cfg.Cache.GetPlot(key); ok {
				data = cached
			}
		}
		if data == nil {
			plot, err := s.EmbeddingPlot()
			if err != nil {
				if errors.Is(err, session.ErrNoDataset) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data, err = cfg.Renderer.RenderEmbedding(plot)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if cfg.Cache != nil {
				cfg.Cache.SetPlot(key, data)
			}
		}

		filename := render.Filename(st.Dataset, st.Gene1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.Write(data)
	}
}

func progressHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getSession(r).Poll())
}
