// Package markerstore provides persistent storage for marker gene runs and
// their ranked result tables using SQLite.
package markerstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cellscope/server/internal/marker"
)

// RunParams records what a marker run compared.
type RunParams struct {
	Dataset    string `json:"dataset"`
	Resolution string `json:"resolution"`
	Group1     []int  `json:"group1"`
	Group2     []int  `json:"group2,omitempty"`
	Polarity   string `json:"polarity"`
	Subset     bool   `json:"subset"`
}

// Run is one completed (or failed) marker computation.
type Run struct {
	ID         string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	Params     RunParams `json:"params"`
	NRows      int       `json:"n_rows"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store provides persistent storage for marker runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based marker store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS marker_runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		params_json TEXT NOT NULL,
		n_rows INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_marker_runs_session ON marker_runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_marker_runs_dataset ON marker_runs(dataset);
	CREATE INDEX IF NOT EXISTS idx_marker_runs_finished ON marker_runs(finished_at);

	CREATE TABLE IF NOT EXISTS marker_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		auc REAL NOT NULL,
		avg_diff REAL NOT NULL,
		power REAL NOT NULL,
		avg_log2fc REAL NOT NULL,
		pct_1 REAL NOT NULL,
		pct_2 REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES marker_runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_marker_results_run ON marker_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_marker_results_run_auc ON marker_results(run_id, auc);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun records a run and its result rows in one transaction.
func (s *Store) SaveRun(run *Run, table marker.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO marker_runs (run_id, session_id, dataset, params_json, n_rows, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.SessionID,
		run.Params.Dataset,
		string(paramsJSON),
		len(table.Rows),
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		run.FinishedAt.Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO marker_results (run_id, gene, auc, avg_diff, power, avg_log2fc, pct_1, pct_2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range table.Rows {
		if _, err := stmt.Exec(run.ID, r.Gene, r.AUC, r.AvgDiff, r.Power, r.AvgLog2FC, r.Pct1, r.Pct2); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID. A missing run returns (nil, nil).
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, session_id, params_json, n_rows, error, created_at, finished_at
		FROM marker_runs WHERE run_id = ?
	`, runID)

	var run Run
	var paramsJSON, createdAtStr, finishedAtStr string

	err := row.Scan(&run.ID, &run.SessionID, &paramsJSON, &run.NRows, &run.Error, &createdAtStr, &finishedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAtStr)

	return &run, nil
}

// QueryResults returns rows of a run with pagination and ordering, plus the
// total row count.
func (s *Store) QueryResults(runID string, orderBy string, offset, limit int) ([]marker.Row, int, error) {
	orderCol := "auc DESC, power DESC, gene ASC"
	switch orderBy {
	case "auc":
		orderCol = "auc DESC, power DESC, gene ASC"
	case "avg_log2fc":
		orderCol = "avg_log2fc DESC, auc DESC"
	case "power":
		orderCol = "power DESC, auc DESC"
	case "gene":
		orderCol = "gene ASC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM marker_results WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, auc, avg_diff, power, avg_log2fc, pct_1, pct_2
		FROM marker_results
		WHERE run_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []marker.Row
	for rows.Next() {
		var r marker.Row
		if err := rows.Scan(&r.Gene, &r.AUC, &r.AvgDiff, &r.Power, &r.AvgLog2FC, &r.Pct1, &r.Pct2); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}

	return results, total, nil
}

// ListRunsBySession returns all runs for a session, newest first.
func (s *Store) ListRunsBySession(sessionID string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, session_id, params_json, n_rows, error, created_at, finished_at
		FROM marker_runs WHERE session_id = ?
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON, createdAtStr, finishedAtStr string
		if err := rows.Scan(&run.ID, &run.SessionID, &paramsJSON, &run.NRows, &run.Error, &createdAtStr, &finishedAtStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAtStr)
		runs = append(runs, &run)
	}
	return runs, nil
}

// DeleteExpiredRuns deletes runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM marker_results WHERE run_id IN (
			SELECT run_id FROM marker_runs WHERE finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM marker_runs WHERE finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its results.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM marker_results WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM marker_runs WHERE run_id = ?", runID)
	return err
}
