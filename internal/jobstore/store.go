// Package jobstore persists per-item job state for batch runs so a
// crashed run can resume without redoing completed stages. State is
// kept behind an abstract key-value interface satisfiable by an
// in-memory map, Redis, or Postgres.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/altiora/conductor/internal/core/domain"
)

// ErrNotFound is returned by KV.Get when a key has no value.
var ErrNotFound = errors.New("jobstore: key not found")

// KV is the minimal backend contract. A ttl of zero means no expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DefaultTTL matches the original batch-state expiry of one hour.
const DefaultTTL = time.Hour

// Store persists a batch's jobs under a single key as a JSON document
// and rewrites the document on every stage transition.
type Store struct {
	kv  KV
	ttl time.Duration
	log *slog.Logger

	mu       sync.Mutex
	batchKey string
	jobs     map[string]*domain.Job
	order    []string // job IDs in load order, preserved across saves
}

// New creates a Store over a KV backend. A zero ttl uses DefaultTTL.
func New(kv KV, ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, ttl: ttl, log: log}
}

func batchKey(name string) string {
	return fmt.Sprintf("batch:%s", name)
}

// LoadOrCreate returns the persisted jobs for batchKey when an
// incomplete batch exists there, with prior stage results intact;
// otherwise it creates fresh pending jobs for the inputs. The second
// return value reports whether an existing batch was resumed.
func (s *Store) LoadOrCreate(ctx context.Context, key string, inputs []string) ([]*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batchKey = batchKey(key)

	raw, err := s.kv.Get(ctx, s.batchKey)
	if err == nil {
		jobs, derr := decodeJobs(raw)
		if derr != nil {
			return nil, false, fmt.Errorf("decode batch %s: %w", key, derr)
		}
		if !allTerminal(jobs) {
			s.index(jobs)
			s.log.Info("resuming batch", "batch", key, "jobs", len(jobs))
			return jobs, true, nil
		}
		// Fully completed batch under the same key: start over.
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("load batch %s: %w", key, err)
	}

	jobs := make([]*domain.Job, 0, len(inputs))
	for _, in := range inputs {
		jobs = append(jobs, domain.NewJob(in))
	}
	s.index(jobs)
	if err := s.saveLocked(ctx); err != nil {
		return nil, false, err
	}
	return jobs, false, nil
}

// MarkStage records a stage outcome for a job and persists the batch.
func (s *Store) MarkStage(ctx context.Context, jobID, stage string, outcome domain.StageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("jobstore: unknown job %s", jobID)
	}
	j.StageResults[stage] = outcome
	j.CurrentStage = stage
	j.UpdatedAt = time.Now().UTC()
	if outcome.OK {
		j.Status = domain.JobInStage
	} else {
		j.Status = domain.JobFailed
		j.Error = outcome.Error
	}
	return s.saveLocked(ctx)
}

// MarkDone marks a job as having completed every stage.
func (s *Store) MarkDone(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("jobstore: unknown job %s", jobID)
	}
	j.Status = domain.JobDone
	j.UpdatedAt = time.Now().UTC()
	return s.saveLocked(ctx)
}

// Save persists the current batch state.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

// Jobs returns the batch's jobs in load order.
func (s *Store) Jobs() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	return out
}

func (s *Store) index(jobs []*domain.Job) {
	s.jobs = make(map[string]*domain.Job, len(jobs))
	s.order = s.order[:0]
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
	}
}

func (s *Store) saveLocked(ctx context.Context) error {
	jobs := make([]*domain.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	raw, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := s.kv.Set(ctx, s.batchKey, raw, s.ttl); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

func decodeJobs(raw []byte) ([]*domain.Job, error) {
	var jobs []*domain.Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.StageResults == nil {
			j.StageResults = make(map[string]domain.StageOutcome)
		}
	}
	return jobs, nil
}

func allTerminal(jobs []*domain.Job) bool {
	for _, j := range jobs {
		if !j.Terminal() {
			return false
		}
	}
	return true
}
