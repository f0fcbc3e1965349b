package jobs

import "schemagend/internal/metrics"

// storeSink forwards progress reports into the store under a fixed job ID.
// Each report is a single map lookup plus an append, so the sink never
// becomes a bottleneck relative to the crawl producing the events.
type storeSink struct {
	store *Store
	id    string
}

// Sink returns a progress sink bound to the given job ID.
func (s *Store) Sink(id string) Sink {
	return &storeSink{store: s, id: id}
}

// Report appends a progress event to the bound job's log.
func (s *storeSink) Report(level Level, message string) {
	metrics.ObserveProgressEvent(string(level))
	s.store.AppendProgress(s.id, level, message)
}
