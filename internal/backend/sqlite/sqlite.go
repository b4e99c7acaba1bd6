// Package sqlite provides the SQLite backend. Documents are stored as
// JSON text keyed by id, ids come from a counters table, and the
// advisory lock is process-local because the driver runs in-process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/dagobah-org/dagobah/internal/backend"
	"github.com/dagobah-org/dagobah/internal/models"
)

const streamLimit = 500 * 1024

func init() {
	backend.Register("sqlite", New)
}

var _ backend.Backend = (*Store)(nil)

// Store is a SQLite-backed document store.
type Store struct {
	db     *sql.DB
	lockMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS dagobahs (
    id  TEXT PRIMARY KEY,
    doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id        TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL,
    doc       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_logs (
    id        TEXT PRIMARY KEY,
    job_id    TEXT NOT NULL,
    save_date TEXT NOT NULL,
    doc       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_logs_job ON run_logs (job_id, save_date);
CREATE TABLE IF NOT EXISTS counters (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// New opens (and if necessary creates) the database file named by the
// DSN, e.g. sqlite:///var/lib/dagobah/dagobah.db.
func New(ctx context.Context, dsn string) (backend.Backend, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		return nil, errors.New("sqlite dsn has no file path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writers itself; a single connection
	// avoids SQLITE_BUSY on concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) nextID(ctx context.Context, name string) (models.ID, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO counters (name, value) VALUES (?, 0)`, name); err != nil {
		return "", fmt.Errorf("failed to seed counter %s: %w", name, err)
	}
	var value int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value`, name,
	).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to allocate %s id: %w", name, err)
	}
	return models.ID(strconv.FormatInt(value, 10)), nil
}

func (s *Store) NewDagobahID(ctx context.Context) (models.ID, error) {
	return s.nextID(ctx, "dagobah")
}

func (s *Store) NewJobID(ctx context.Context) (models.ID, error) {
	return s.nextID(ctx, "job")
}

func (s *Store) NewLogID(ctx context.Context) (models.ID, error) {
	return s.nextID(ctx, "log")
}

func (s *Store) KnownDagobahIDs(ctx context.Context) ([]models.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM dagobahs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dagobah ids: %w", err)
	}
	defer rows.Close()

	var ids []models.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, models.ID(id))
	}
	return ids, rows.Err()
}

func (s *Store) GetDagobah(ctx context.Context, id models.ID) (*models.DagobahDoc, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dagobahs WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dagobah %s: %w", id, err)
	}
	var doc models.DagobahDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode dagobah %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) CommitDagobah(ctx context.Context, doc *models.DagobahDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode dagobah document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dagobahs (id, doc) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		doc.DagobahID.String(), string(data))
	return err
}

func (s *Store) CommitJob(ctx context.Context, doc *models.JobDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode job document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, parent_id, doc) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id, doc = excluded.doc`,
		doc.JobID.String(), doc.ParentID.String(), string(data))
	return err
}

func (s *Store) CommitRunLog(ctx context.Context, log *models.RunLog) error {
	capped := backend.TruncateStreams(log, streamLimit)
	capped.SaveDate = models.NewTime(time.Now())
	data, err := json.Marshal(capped)
	if err != nil {
		return fmt.Errorf("failed to encode run log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_logs (id, job_id, save_date, doc) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET save_date = excluded.save_date, doc = excluded.doc`,
		capped.LogID.String(), capped.JobID.String(),
		capped.SaveDate.UTC().Format(time.RFC3339), string(data))
	return err
}

func (s *Store) DeleteDagobah(ctx context.Context, id models.ID) error {
	doc, err := s.GetDagobah(ctx, id)
	if err != nil {
		return err
	}
	for _, job := range doc.Jobs {
		if err := s.DeleteJob(ctx, job.JobID); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM dagobahs WHERE id = ?`, id.String())
	return err
}

func (s *Store) DeleteJob(ctx context.Context, id models.ID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_logs WHERE job_id = ?`, id.String()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id.String())
	return err
}

func (s *Store) LatestRunLog(ctx context.Context, jobID models.ID, taskName string) (*models.RunLog, error) {
	logs, err := s.RunLogHistory(ctx, jobID, taskName, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, backend.ErrNotFound
	}
	return logs[0], nil
}

func (s *Store) RunLogHistory(ctx context.Context, jobID models.ID, taskName string, limit int) ([]*models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM run_logs WHERE job_id = ? ORDER BY save_date DESC`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.RunLog
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var log models.RunLog
		if err := json.Unmarshal([]byte(data), &log); err != nil {
			return nil, fmt.Errorf("failed to decode run log: %w", err)
		}
		if _, ok := log.Tasks[taskName]; !ok {
			continue
		}
		logs = append(logs, &log)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, rows.Err()
}

func (s *Store) GetRunLog(ctx context.Context, jobID models.ID, taskName string, logID models.ID) (*models.RunLog, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM run_logs WHERE id = ? AND job_id = ?`,
		logID.String(), jobID.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run log %s: %w", logID, err)
	}
	var log models.RunLog
	if err := json.Unmarshal([]byte(data), &log); err != nil {
		return nil, fmt.Errorf("failed to decode run log %s: %w", logID, err)
	}
	if _, ok := log.Tasks[taskName]; !ok {
		return nil, backend.ErrNotFound
	}
	return &log, nil
}

// AcquireLock takes a process-local mutex. The sqlite driver runs
// in-process, so no cross-process coordination is available or needed.
func (s *Store) AcquireLock(_ context.Context) (func(), error) {
	s.lockMu.Lock()
	return s.lockMu.Unlock, nil
}

func (s *Store) DecodeImportJSON(data []byte) (*models.JobDoc, error) {
	return backend.DecodeImportJSON(data)
}

func (s *Store) StreamLimit() int { return streamLimit }

func (s *Store) Close() error { return s.db.Close() }
