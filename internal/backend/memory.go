package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dagobah-org/dagobah/internal/models"
)

const memoryStreamLimit = 500 * 1024

func init() {
	Register("memory", func(_ context.Context, _ string) (Backend, error) {
		return NewMemory(), nil
	})
}

var _ Backend = (*Memory)(nil)

// Memory is the in-memory backend used when no database is configured
// and throughout the test suites. Ids are UUIDs; the advisory lock is a
// process-local mutex.
type Memory struct {
	mu       sync.Mutex
	lockMu   sync.Mutex
	dagobahs map[models.ID]*models.DagobahDoc
	jobs     map[models.ID]*models.JobDoc
	logs     map[models.ID]*models.RunLog
	// seq orders run logs committed within the same second.
	seq     int64
	logSeqs map[models.ID]int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		dagobahs: make(map[models.ID]*models.DagobahDoc),
		jobs:     make(map[models.ID]*models.JobDoc),
		logs:     make(map[models.ID]*models.RunLog),
		logSeqs:  make(map[models.ID]int64),
	}
}

func (m *Memory) newID() models.ID { return models.ID(uuid.NewString()) }

func (m *Memory) NewDagobahID(_ context.Context) (models.ID, error) { return m.newID(), nil }
func (m *Memory) NewJobID(_ context.Context) (models.ID, error)     { return m.newID(), nil }
func (m *Memory) NewLogID(_ context.Context) (models.ID, error)     { return m.newID(), nil }

func (m *Memory) KnownDagobahIDs(_ context.Context) ([]models.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []models.ID
	for id := range m.dagobahs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) GetDagobah(_ context.Context, id models.ID) (*models.DagobahDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.dagobahs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc)
}

func (m *Memory) CommitDagobah(_ context.Context, doc *models.DagobahDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	m.dagobahs[doc.DagobahID] = cloned
	return nil
}

func (m *Memory) CommitJob(_ context.Context, doc *models.JobDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned, err := cloneDoc(doc)
	if err != nil {
		return err
	}
	m.jobs[doc.JobID] = cloned
	return nil
}

func (m *Memory) CommitRunLog(_ context.Context, log *models.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	capped := TruncateStreams(log, memoryStreamLimit)
	capped.SaveDate = models.NewTime(time.Now())
	m.seq++
	m.logSeqs[capped.LogID] = m.seq
	m.logs[capped.LogID] = capped
	return nil
}

func (m *Memory) DeleteDagobah(_ context.Context, id models.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.dagobahs[id]
	if !ok {
		return ErrNotFound
	}
	for _, job := range doc.Jobs {
		delete(m.jobs, job.JobID)
		for logID, log := range m.logs {
			if log.JobID == job.JobID {
				delete(m.logs, logID)
			}
		}
	}
	delete(m.dagobahs, id)
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id models.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) LatestRunLog(_ context.Context, jobID models.ID, taskName string) (*models.RunLog, error) {
	logs, err := m.RunLogHistory(context.Background(), jobID, taskName, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, ErrNotFound
	}
	return logs[0], nil
}

func (m *Memory) RunLogHistory(_ context.Context, jobID models.ID, taskName string, limit int) ([]*models.RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var logs []*models.RunLog
	for _, log := range m.logs {
		if log.JobID != jobID {
			continue
		}
		if _, ok := log.Tasks[taskName]; !ok {
			continue
		}
		logs = append(logs, log.Clone())
	}
	sort.Slice(logs, func(i, j int) bool {
		return m.logSeqs[logs[i].LogID] > m.logSeqs[logs[j].LogID]
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *Memory) GetRunLog(_ context.Context, jobID models.ID, taskName string, logID models.ID) (*models.RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[logID]
	if !ok || log.JobID != jobID {
		return nil, ErrNotFound
	}
	if _, ok := log.Tasks[taskName]; !ok {
		return nil, ErrNotFound
	}
	return log.Clone(), nil
}

func (m *Memory) AcquireLock(_ context.Context) (func(), error) {
	m.lockMu.Lock()
	return m.lockMu.Unlock, nil
}

func (m *Memory) DecodeImportJSON(data []byte) (*models.JobDoc, error) {
	return DecodeImportJSON(data)
}

func (m *Memory) StreamLimit() int { return memoryStreamLimit }

func (m *Memory) Close() error { return nil }
