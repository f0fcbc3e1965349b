// Package jobs implements the asynchronous crawl-job core: an in-memory job
// registry with per-record locking, the progress sink handed to the external
// crawl runner, the orchestrator façade (submit, poll, fetch result), and
// the retention janitor. Job state lives only in process memory; a restart
// forgets every job by design.
package jobs
