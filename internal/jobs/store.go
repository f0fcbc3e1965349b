package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the concurrency-safe registry of job records. It is the only
// shared mutable state between the HTTP handlers and the runner goroutines;
// all cross-goroutine visibility of job state flows through it.
//
// Locking is two-level: a map lock guards membership and a per-record mutex
// guards that record's fields, so mutations to different jobs never block
// each other. Readers always receive deep snapshots.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	clock  Clock
	logger *zap.Logger
}

type jobEntry struct {
	mu  sync.Mutex
	rec Record
	// fetches counts in-flight result downloads; the janitor never evicts a
	// record while it is nonzero.
	fetches int
}

// NewStore constructs an empty Store.
func NewStore(clock Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		jobs:   make(map[string]*jobEntry),
		clock:  clock,
		logger: logger,
	}
}

// Create inserts a new running record for id. ErrDuplicateID is defensive;
// the UUID generator makes collisions unreachable in practice.
func (s *Store) Create(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return Record{}, ErrDuplicateID
	}
	entry := &jobEntry{
		rec: Record{
			ID:        id,
			Status:    StatusRunning,
			CreatedAt: s.clock.Now(),
		},
	}
	s.jobs[id] = entry
	return entry.rec.snapshot(), nil
}

// AppendProgress atomically appends a timestamped event to the record's
// progress log. An unknown id is logged and dropped, not raised: the report
// arrives from a background goroutine long after its caller returned, so
// there is nobody left to act on the error.
func (s *Store) AppendProgress(id string, level Level, message string) {
	entry, ok := s.lookup(id)
	if !ok {
		s.logger.Warn("progress report for unknown job",
			zap.String("job_id", id),
			zap.String("message", message),
		)
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.rec.Progress = append(entry.rec.Progress, Event{
		Level:     level,
		Message:   message,
		Timestamp: s.clock.Now(),
	})
}

// MarkCompleted transitions the record to completed and sets the result
// fields. A second terminal write returns ErrAlreadyTerminal.
func (s *Store) MarkCompleted(id, locator, filename, cleanupDir string) error {
	return s.finish(id, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.ResultLocator = locator
		rec.ResultFilename = filename
		rec.CleanupDir = cleanupDir
	})
}

// MarkFailed transitions the record to failed with a human-readable reason.
func (s *Store) MarkFailed(id, reason string) error {
	return s.finish(id, func(rec *Record) {
		rec.Status = StatusFailed
		rec.Error = reason
	})
}

func (s *Store) finish(id string, apply func(*Record)) error {
	entry, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	apply(&entry.rec)
	now := s.clock.Now()
	entry.rec.CompletedAt = &now
	return nil
}

// Get returns a point-in-time snapshot of the record.
func (s *Store) Get(id string) (Record, error) {
	entry, ok := s.lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec.snapshot(), nil
}

// AcquireResult validates that the job's result may be fetched and pins the
// record against eviction while the download is in flight. Callers must pair
// every successful acquire with ReleaseResult.
func (s *Store) AcquireResult(id string) (Record, error) {
	entry, ok := s.lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch entry.rec.Status {
	case StatusRunning:
		return Record{}, ErrNotReady
	case StatusFailed:
		return Record{}, &FailedError{Reason: entry.rec.Error}
	}
	entry.fetches++
	return entry.rec.snapshot(), nil
}

// ReleaseResult unpins the record after a download finishes.
func (s *Store) ReleaseResult(id string) {
	entry, ok := s.lookup(id)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.fetches > 0 {
		entry.fetches--
	}
}

// RemoveExpired evicts terminal records whose completion time is before
// cutoff and returns their snapshots so the caller can release artifacts and
// scratch directories. Records with an in-flight fetch are skipped and
// retried on the next sweep.
func (s *Store) RemoveExpired(cutoff time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []Record
	for id, entry := range s.jobs {
		entry.mu.Lock()
		expired := entry.rec.Status.Terminal() &&
			entry.fetches == 0 &&
			entry.rec.CompletedAt != nil &&
			entry.rec.CompletedAt.Before(cutoff)
		if expired {
			evicted = append(evicted, entry.rec.snapshot())
			delete(s.jobs, id)
		}
		entry.mu.Unlock()
	}
	return evicted
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) lookup(id string) (*jobEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[id]
	return entry, ok
}

// snapshot deep-copies the record; the caller must hold the entry lock.
func (r Record) snapshot() Record {
	cp := r
	if len(r.Progress) > 0 {
		cp.Progress = make([]Event, len(r.Progress))
		copy(cp.Progress, r.Progress)
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
