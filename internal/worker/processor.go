package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
	"financial-document-analyzer/internal/telemetry"
)

// JobStore is the subset of the job store the worker mutates.
type JobStore interface {
	Get(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, result *string) (models.Job, error)
}

// Queue is the worker side of the lease queue.
type Queue interface {
	Dequeue(ctx context.Context) (models.Descriptor, error)
	Ack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Inputs gives the worker access to uploaded documents.
type Inputs interface {
	Fetch(ctx context.Context, handle string) (path string, release func(), err error)
	Delete(ctx context.Context, handle string) error
}

// Analyzer turns a query and a local document into the job result.
type Analyzer interface {
	Analyze(ctx context.Context, query, documentPath string) (string, error)
}

// Processor drives the worker execution loop. It handles one job at a time;
// scale out by running more worker processes.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobStore
	inputs   Inputs
	analyzer Analyzer
	logger   *slog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q Queue, st JobStore, in Inputs, a Analyzer, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, in, a, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, st JobStore, in Inputs, a Analyzer, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		inputs:   in,
		analyzer: a,
		logger:   logger.With("worker_id", workerID),
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation. A job that is
// already running when ctx is cancelled is finished before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker.started", "redelivery", p.cfg.RedeliveryEnabled, "visibility_timeout", p.cfg.VisibilityTimeout.String())
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.reclaim(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		// Bound each wait so expired leases keep being reclaimed while idle.
		wctx, cancel := context.WithTimeout(ctx, p.idleWindow())
		d, err := p.queue.Dequeue(wctx)
		idle := wctx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if idle {
				continue
			}
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.logger.Error("worker.dequeue.failed", "error", err, "attempt", failures, "backoff", wait.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		p.Process(ctx, d)
	}
}

// Process executes one delivered descriptor. Errors never escape: they end up in
// the job record, the log, or both.
func (p *Processor) Process(ctx context.Context, d models.Descriptor) {
	// Finalization must survive shutdown of the loop context.
	bg := context.WithoutCancel(ctx)
	log := p.logger.With("job_id", d.JobID)

	deleteInput, ack := true, true
	defer func() {
		if deleteInput {
			p.cleanup(bg, d, log)
		}
		if ack {
			if err := p.queue.Ack(bg, d.JobID); err != nil {
				log.Error("worker.ack.failed", "error", err)
			}
		}
	}()

	job, err := p.store.Get(bg, d.JobID)
	if errors.Is(err, models.ErrNotFound) {
		telemetry.JobsSkipped.Inc()
		log.Warn("worker.job.missing")
		return
	}
	if err != nil {
		log.Error("worker.job.load_failed", "error", err)
		if p.cfg.RedeliveryEnabled {
			// Leave the lease in place so the descriptor comes back once the store recovers.
			deleteInput, ack = false, false
			return
		}
		p.giveUp(bg, d.JobID, err, log)
		return
	}

	switch {
	case job.Status.Terminal():
		telemetry.JobsSkipped.Inc()
		log.Info("worker.job.already_terminal", "status", job.Status)
		return
	case job.Status == models.StatusInProgress:
		p.abandon(bg, job, log)
		return
	}

	if _, err := p.store.UpdateStatus(bg, job.ID, models.StatusInProgress, nil); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Lost a race with a duplicate delivery; the winner owns the lease and the input.
			deleteInput, ack = false, false
			telemetry.JobsSkipped.Inc()
			log.Warn("worker.job.claim_lost", "error", err)
			return
		}
		log.Error("worker.job.claim_failed", "error", err)
		if p.cfg.RedeliveryEnabled {
			deleteInput, ack = false, false
			return
		}
		p.giveUp(bg, job.ID, err, log)
		return
	}
	log.Info("worker.job.started")

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	pctx, cancelPipeline := context.WithCancel(bg)
	defer cancelPipeline()
	var leaseLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(pctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, d.JobID, log, func() {
			leaseLost.Store(true)
			cancelPipeline()
		})
	}()

	start := time.Now()
	result, err := p.runPipeline(pctx, d)
	stopHeartbeat()
	<-hbDone
	telemetry.PipelineDuration.Observe(time.Since(start).Seconds())

	if leaseLost.Load() {
		// The job may already be redelivered; whoever holds it now owns the record and the input.
		deleteInput, ack = false, false
		log.Error("worker.job.lease_lost", "elapsed_ms", time.Since(start).Milliseconds())
		return
	}
	if err != nil {
		log.Error("worker.job.pipeline_failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		p.finish(bg, job.ID, models.StatusFailed, failureMessage(err), log)
		return
	}
	p.finish(bg, job.ID, models.StatusCompleted, result, log)
}

// runPipeline fetches the input and runs the analyzer, honouring PipelineTimeout.
func (p *Processor) runPipeline(ctx context.Context, d models.Descriptor) (string, error) {
	path, release, err := p.inputs.Fetch(ctx, d.Input)
	if err != nil {
		return "", fmt.Errorf("load input: %w", err)
	}
	defer release()

	pctx := ctx
	if p.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.PipelineTimeout)
		defer cancel()
	}

	text, err := p.analyze(pctx, d.Query, path)
	if err != nil {
		if p.cfg.PipelineTimeout > 0 && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", models.ErrPipelineTimeout, p.cfg.PipelineTimeout)
		}
		return "", fmt.Errorf("%w: %v", models.ErrPipeline, err)
	}
	return text, nil
}

// analyze isolates the analyzer in its own goroutine so a panic is contained and
// a configured timeout is enforced even if the analyzer ignores ctx.
func (p *Processor) analyze(ctx context.Context, query, path string) (string, error) {
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := p.analyzer.Analyze(ctx, query, path)
		done <- outcome{text: text, err: err}
	}()

	select {
	case o := <-done:
		return o.text, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Processor) finish(ctx context.Context, id string, status models.Status, result string, log *slog.Logger) {
	_, err := p.store.UpdateStatus(ctx, id, status, &result)
	switch {
	case err == nil:
		if status == models.StatusCompleted {
			telemetry.JobsCompleted.Inc()
		} else {
			telemetry.JobsFailed.Inc()
		}
		log.Info("worker.job.finished", "status", status, "result_chars", len(result))
	case errors.Is(err, models.ErrInvalidTransition):
		log.Error("worker.job.invalid_transition", "status", status, "error", err)
	default:
		log.Error("worker.job.update_failed", "status", status, "error", err)
	}
}

// abandon fails a job that was redelivered while still in_progress: the worker
// that claimed it lost its lease, and the pipeline is not run twice.
func (p *Processor) abandon(ctx context.Context, job models.Job, log *slog.Logger) {
	msg := failureMessage(errors.New("worker lost while the job was in progress; the analysis was not retried"))
	if _, err := p.store.UpdateStatus(ctx, job.ID, models.StatusFailed, &msg); err != nil {
		log.Error("worker.job.abandon_failed", "error", err)
		return
	}
	telemetry.JobsAbandoned.Inc()
	telemetry.JobsFailed.Inc()
	log.Warn("worker.job.abandoned", "claimed_at", job.UpdatedAt)
}

// giveUp handles a store failure before the job was claimed when nothing will
// ever redeliver the descriptor. The job is failed if the store lets us; the
// lease and the input are released by the caller either way.
func (p *Processor) giveUp(ctx context.Context, id string, cause error, log *slog.Logger) {
	msg := failureMessage(fmt.Errorf("job store unavailable: %v", cause))
	if _, err := p.store.UpdateStatus(ctx, id, models.StatusInProgress, nil); err != nil {
		log.Error("worker.job.give_up_failed", "error", err)
		return
	}
	if _, err := p.store.UpdateStatus(ctx, id, models.StatusFailed, &msg); err != nil {
		log.Error("worker.job.give_up_failed", "error", err)
		return
	}
	telemetry.JobsFailed.Inc()
	log.Warn("worker.job.given_up")
}

func (p *Processor) cleanup(ctx context.Context, d models.Descriptor, log *slog.Logger) {
	if d.Input == "" {
		return
	}
	if err := p.inputs.Delete(ctx, d.Input); err != nil {
		telemetry.CleanupFailures.Inc()
		log.Error("worker.input.cleanup_failed", "input", d.Input, "error", err)
		return
	}
	log.Debug("worker.input.removed", "input", d.Input)
}

// heartbeat keeps the lease alive while the pipeline runs. It calls lost and
// returns once the lease is gone, or once extensions have failed for a whole
// visibility window while redelivery may hand the job to another worker.
func (p *Processor) heartbeat(ctx context.Context, jobID string, log *slog.Logger, lost func()) {
	every := p.cfg.VisibilityTimeout / 2
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	extended := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout)
			switch {
			case err == nil:
				extended = time.Now()
			case ctx.Err() != nil:
				return
			case errors.Is(err, models.ErrLeaseLost):
				log.Error("worker.lease.lost", "error", err)
				lost()
				return
			default:
				log.Warn("worker.lease.extend_failed", "error", err)
				if p.cfg.RedeliveryEnabled && time.Since(extended) >= p.cfg.VisibilityTimeout {
					log.Error("worker.lease.expired", "since_ms", time.Since(extended).Milliseconds())
					lost()
					return
				}
			}
		}
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	if !p.cfg.RedeliveryEnabled {
		return
	}
	limit := int64(p.cfg.ReclaimBatchSize)
	if limit <= 0 {
		limit = 100
	}
	ids, err := p.queue.RequeueExpired(ctx, time.Now(), limit)
	if err != nil {
		p.logger.Warn("worker.lease.reclaim_failed", "error", err)
		return
	}
	if len(ids) > 0 {
		p.logger.Warn("worker.lease.reclaimed", "count", len(ids), "job_ids", ids)
	}
}

func (p *Processor) idleWindow() time.Duration {
	w := p.cfg.VisibilityTimeout / 2
	if w <= 0 || w > 30*time.Second {
		w = 30 * time.Second
	}
	if w < p.cfg.WorkerPollInterval {
		w = p.cfg.WorkerPollInterval
	}
	return w
}

// failureMessage is the diagnostic stored as the result of a failed job.
func failureMessage(err error) string {
	return "An error occurred: " + err.Error()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
