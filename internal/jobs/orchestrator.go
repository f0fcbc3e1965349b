package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"schemagend/internal/metrics"
)

// ArtifactOpener resolves a result locator into readable artifact bytes.
// The configured storage provider satisfies it.
type ArtifactOpener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Config tunes orchestrator behavior. The zero value matches the observed
// source design: unbounded concurrent jobs and no per-job deadline.
type Config struct {
	// MaxConcurrent caps the number of jobs running at once; 0 disables the
	// cap. When saturated, Submit fails with ErrSaturated instead of queueing.
	MaxConcurrent int
	// JobTimeout force-fails a job whose runner outlives it; 0 disables.
	JobTimeout time.Duration
}

// Orchestrator is the public job façade covering submission, status polling
// and result retrieval. Submit returns as soon as the job record exists; the
// crawl itself runs on its own goroutine and communicates exclusively
// through the store.
type Orchestrator struct {
	store     *Store
	runner    Runner
	artifacts ArtifactOpener
	idGen     IDGenerator
	clock     Clock
	notifier  Notifier
	logger    *zap.Logger
	cfg       Config
	sem       *semaphore.Weighted
}

// NewOrchestrator wires the orchestrator. notifier may be nil.
func NewOrchestrator(
	store *Store,
	runner Runner,
	artifacts ArtifactOpener,
	idGen IDGenerator,
	clock Clock,
	notifier Notifier,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:     store,
		runner:    runner,
		artifacts: artifacts,
		idGen:     idGen,
		clock:     clock,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return o
}

// Submit validates the parameters, registers a running job record, launches
// the crawl on its own goroutine, and returns the job ID immediately. It
// never blocks on crawl work.
func (o *Orchestrator) Submit(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	if o.sem != nil && !o.sem.TryAcquire(1) {
		return "", ErrSaturated
	}
	id, err := o.idGen.NewID()
	if err != nil {
		o.release()
		return "", fmt.Errorf("generate job id: %w", err)
	}
	if _, err := o.store.Create(id); err != nil {
		o.release()
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.IncJobsInFlight()
	go o.run(id, params)
	return id, nil
}

// Poll returns a read-only snapshot of the job record.
func (o *Orchestrator) Poll(id string) (Record, error) {
	return o.store.Get(id)
}

// FetchResult resolves a completed job's artifact. It returns ErrNotReady
// while the job runs, a *FailedError once it failed, and ErrNotFound for an
// unknown ID. For a completed job it may be called any number of times; the
// record stays pinned against eviction until the returned reader is closed.
func (o *Orchestrator) FetchResult(ctx context.Context, id string) (io.ReadCloser, string, error) {
	rec, err := o.store.AcquireResult(id)
	if err != nil {
		return nil, "", err
	}
	rc, err := o.artifacts.Open(ctx, rec.ResultLocator)
	if err != nil {
		o.store.ReleaseResult(id)
		return nil, "", fmt.Errorf("open artifact %s: %w", rec.ResultLocator, err)
	}
	return &resultReader{ReadCloser: rc, release: func() { o.store.ReleaseResult(id) }}, rec.ResultFilename, nil
}

// run executes one job to its single terminal write. It is the only writer
// for this record: progress appends flow through the sink while the runner
// executes, then exactly one of MarkCompleted/MarkFailed lands.
func (o *Orchestrator) run(id string, params Params) {
	defer o.release()
	defer metrics.DecJobsInFlight()

	ctx := context.Background()
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	artifact, err := o.invoke(ctx, id, params)
	if err != nil {
		// Failure takes precedence over any partial artifact the runner may
		// have produced; its scratch space is released right away.
		o.removeCleanupDir(id, artifact.CleanupDir)
		o.finish(id, StatusFailed, func() error {
			return o.store.MarkFailed(id, err.Error())
		}, err.Error())
		return
	}

	filename := ResultFilename(params.BaseURL, o.clock.Now())
	o.finish(id, StatusCompleted, func() error {
		return o.store.MarkCompleted(id, artifact.Locator, filename, artifact.CleanupDir)
	}, "")
}

// invoke runs the external crawl function behind a panic boundary so an
// abnormal termination in the runner goroutine becomes an ordinary failed
// job instead of taking the process down.
func (o *Orchestrator) invoke(ctx context.Context, id string, params Params) (artifact Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("crawl runner panicked", zap.String("job_id", id), zap.Any("panic", r))
			err = fmt.Errorf("crawl aborted unexpectedly: %v", r)
		}
	}()
	return o.runner.Run(ctx, params, o.store.Sink(id))
}

func (o *Orchestrator) finish(id string, status Status, write func() error, errText string) {
	if err := write(); err != nil {
		o.logger.Error("terminal write failed",
			zap.String("job_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveJob(string(status))
	o.logger.Info("job finished", zap.String("job_id", id), zap.String("status", string(status)))
	if o.notifier != nil {
		if err := o.notifier.JobFinished(context.Background(), id, status, errText); err != nil {
			o.logger.Warn("job notification failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func (o *Orchestrator) removeCleanupDir(id, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn("cleanup dir removal failed",
			zap.String("job_id", id),
			zap.String("dir", dir),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) release() {
	if o.sem != nil {
		o.sem.Release(1)
	}
}

// resultReader unpins the job record when the artifact stream is closed.
type resultReader struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *resultReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}
