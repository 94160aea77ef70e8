// Package history keeps an index of finished runs in a SQLite database. It
// is only written when telemetry is enabled for a run.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atomikpanda/autorun/internal/audit"
)

//go:embed schema.sql
var schemaSQL string

// Run is one row of the index.
type Run struct {
	RunID     string
	Config    string
	Started   time.Time
	Completed time.Time
	CheckMode bool
	Success   bool
	Actions   int
	Replayed  int
	Failed    int
	AuditPath string
}

// FromLog summarises a finished audit log.
func FromLog(l *audit.Log, configPath, auditPath string) Run {
	total, replayed, failed := l.Counts()
	return Run{
		RunID:     l.RunID,
		Config:    configPath,
		Started:   l.Started,
		Completed: l.Completed,
		CheckMode: l.CheckMode,
		Success:   l.Success,
		Actions:   total,
		Replayed:  replayed,
		Failed:    failed,
		AuditPath: auditPath,
	}
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts r, replacing any earlier row with the same run id.
func (s *Store) Record(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, config, started, completed, check_mode, success, actions, replayed, failed, audit_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Config,
		r.Started.UTC().Format(time.RFC3339Nano), r.Completed.UTC().Format(time.RFC3339Nano),
		boolInt(r.CheckMode), boolInt(r.Success),
		r.Actions, r.Replayed, r.Failed, r.AuditPath,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// List returns the most recent runs first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT run_id, config, started, completed, check_mode, success, actions, replayed, failed, audit_path
		FROM runs ORDER BY started DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                  Run
			started, completed string
			checkMode, success int
		)
		if err := rows.Scan(&r.RunID, &r.Config, &started, &completed, &checkMode, &success,
			&r.Actions, &r.Replayed, &r.Failed, &r.AuditPath); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Completed, _ = time.Parse(time.RFC3339Nano, completed)
		r.CheckMode = checkMode != 0
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
