// Package backend defines the persistence contract the engine writes
// through, a registry of drivers keyed by DSN scheme, and the in-memory
// default used when no database is configured.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dagobah-org/dagobah/internal/models"
	"github.com/dagobah-org/dagobah/internal/stringutil"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrUnknownScheme = errors.New("unknown backend scheme")
)

// StreamSplitMarker is the line inserted where an oversized stdout or
// stderr stream was cut in the middle on persistence.
const StreamSplitMarker = "DAGOBAH STREAM SPLIT"

// Backend is the durable store the engine reads and writes. It is a
// conservative upsert store: no cross-document transactions are assumed.
type Backend interface {
	// Fresh opaque ids.
	NewDagobahID(ctx context.Context) (models.ID, error)
	NewJobID(ctx context.Context) (models.ID, error)
	NewLogID(ctx context.Context) (models.ID, error)

	// Discovery and load.
	KnownDagobahIDs(ctx context.Context) ([]models.ID, error)
	GetDagobah(ctx context.Context, id models.ID) (*models.DagobahDoc, error)

	// Upserts.
	CommitDagobah(ctx context.Context, doc *models.DagobahDoc) error
	CommitJob(ctx context.Context, doc *models.JobDoc) error
	CommitRunLog(ctx context.Context, log *models.RunLog) error

	// Deletes. DeleteDagobah cascades to the instance's jobs and logs.
	DeleteDagobah(ctx context.Context, id models.ID) error
	DeleteJob(ctx context.Context, id models.ID) error

	// Run log queries. All three consider only logs containing an entry
	// for the named task.
	LatestRunLog(ctx context.Context, jobID models.ID, taskName string) (*models.RunLog, error)
	RunLogHistory(ctx context.Context, jobID models.ID, taskName string, limit int) ([]*models.RunLog, error)
	GetRunLog(ctx context.Context, jobID models.ID, taskName string, logID models.ID) (*models.RunLog, error)

	// AcquireLock takes the backend's advisory lock and returns its
	// release function.
	AcquireLock(ctx context.Context) (func(), error)

	// DecodeImportJSON parses an exported job document, normalizing ids
	// and timestamps to the backend's expectations.
	DecodeImportJSON(data []byte) (*models.JobDoc, error)

	// StreamLimit is the per-stream byte budget applied to stdout and
	// stderr at persistence time.
	StreamLimit() int

	Close() error
}

// Factory builds a backend from a DSN.
type Factory func(ctx context.Context, dsn string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend factory under a DSN scheme. Drivers call this
// from their init functions.
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = factory
}

// Open builds a backend from a DSN such as sqlite:///path/to/dagobah.db
// or postgres://user@host/db. An empty DSN opens the in-memory backend.
func Open(ctx context.Context, dsn string) (Backend, error) {
	scheme := "memory"
	if dsn != "" {
		parts := strings.SplitN(dsn, "://", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: malformed dsn %q", ErrUnknownScheme, dsn)
		}
		scheme = parts[0]
	}

	registryMu.RLock()
	factory, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return factory(ctx, dsn)
}

// TruncateStreams returns a copy of the run log with every task's stdout
// and stderr capped at limit bytes, split in the middle with the marker
// line. Head and tail halves are preserved.
func TruncateStreams(log *models.RunLog, limit int) *models.RunLog {
	cloned := log.Clone()
	if limit <= 0 {
		return cloned
	}
	for _, rec := range cloned.Tasks {
		rec.Stdout = stringutil.TruncateMiddle(rec.Stdout, limit, StreamSplitMarker)
		rec.Stderr = stringutil.TruncateMiddle(rec.Stderr, limit, StreamSplitMarker)
	}
	return cloned
}

// DecodeImportJSON is the shared import parser: ids decode from strings
// or numbers, timestamps from the strict format with an RFC3339
// fallback.
func DecodeImportJSON(data []byte) (*models.JobDoc, error) {
	var doc models.JobDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode job document: %w", err)
	}
	if doc.Name == "" {
		return nil, errors.New("job document has no name")
	}
	return &doc, nil
}

// cloneDoc deep-copies a document through its JSON form so stored
// documents never alias engine-owned structures.
func cloneDoc[T any](doc *T) (*T, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	var cloned T
	if err := json.Unmarshal(data, &cloned); err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	return &cloned, nil
}

// SortLogsBySaveDate orders run logs newest first. Backends that keep
// logs in maps use it to produce deterministic query results.
func SortLogsBySaveDate(logs []*models.RunLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].SaveDate.After(logs[j].SaveDate.Time)
	})
}
