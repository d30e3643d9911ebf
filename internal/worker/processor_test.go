package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
	"financial-document-analyzer/internal/queue"
	"financial-document-analyzer/internal/storage"
	"financial-document-analyzer/internal/store"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, query, path string) (string, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, query, path string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, query, path)
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingDelete struct {
	*storage.Local
}

func (failingDelete) Delete(context.Context, string) error {
	return errors.New("disk is read-only")
}

// flakyClaims fails moves to in_progress while failures is non-zero; a negative
// count fails every claim.
type flakyClaims struct {
	*store.SQLite
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyClaims) UpdateStatus(ctx context.Context, id string, status models.Status, result *string) (models.Job, error) {
	if status == models.StatusInProgress {
		f.mu.Lock()
		fail := f.failures != 0
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		if fail {
			return models.Job{}, f.err
		}
	}
	return f.SQLite.UpdateStatus(ctx, id, status, result)
}

type harness struct {
	cfg    config.Config
	store  *store.SQLite
	queue  *queue.RedisQueue
	inputs *storage.Local
	dir    string
	mr     *miniredis.Miniredis
}

func testConfig() config.Config {
	return config.Config{
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		RedeliveryEnabled:  true,
		ReclaimBatchSize:   10,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cfg.RedisAddr = mr.Addr()
	q := queue.NewRedisQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })

	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	t.Cleanup(st.Close)

	dir := t.TempDir()
	in, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return &harness{cfg: cfg, store: st, queue: q, inputs: in, dir: dir, mr: mr}
}

func (h *harness) processor(a Analyzer) *Processor {
	return h.processorWithInputs(a, h.inputs)
}

func (h *harness) processorWithInputs(a Analyzer, in Inputs) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessorWithID(h.cfg, h.queue, h.store, in, a, logger, "test-worker")
}

func (h *harness) processorWithStore(a Analyzer, st JobStore) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessorWithID(h.cfg, h.queue, st, h.inputs, a, logger, "test-worker")
}

// submit stores an input, creates the job and enqueues its descriptor.
func (h *harness) submit(t *testing.T, query string) models.Descriptor {
	t.Helper()
	ctx := context.Background()
	handle, err := h.inputs.Put(ctx, []byte("Quarterly revenue grew 12% to $4.2B."))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	id := uuid.NewString()
	if _, err := h.store.Create(ctx, id); err != nil {
		t.Fatalf("create: %v", err)
	}
	d := models.Descriptor{JobID: id, Query: query, Input: handle}
	if err := h.queue.Enqueue(ctx, d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return d
}

// deliver submits a job and leases it, as a worker would receive it.
func (h *harness) deliver(t *testing.T, query string) models.Descriptor {
	t.Helper()
	h.submit(t, query)
	d, err := h.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return d
}

func (h *harness) inputExists(handle string) bool {
	_, err := os.Stat(filepath.Join(h.dir, handle))
	return err == nil
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	h := newHarness(t, testConfig())
	var seen string
	a := &fakeAnalyzer{fn: func(_ context.Context, query, path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		seen = string(data)
		return "Report for: " + query, nil
	}}

	d := h.deliver(t, "Is the company profitable?")
	h.processor(a).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Result == nil || *job.Result != "Report for: Is the company profitable?" {
		t.Fatalf("unexpected result %v", job.Result)
	}
	if !strings.Contains(seen, "Quarterly revenue") {
		t.Fatalf("analyzer did not receive the uploaded document: %q", seen)
	}
	if h.inputExists(d.Input) {
		t.Fatal("input should be removed after completion")
	}
	if n, _ := h.queue.InFlight(context.Background()); n != 0 {
		t.Fatalf("descriptor should be acked, %d still in flight", n)
	}
}

func TestProcessRecordsPipelineFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("model endpoint unreachable")
	}}

	d := h.deliver(t, "q")
	h.processor(a).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Result == nil || !strings.HasPrefix(*job.Result, "An error occurred: ") || !strings.Contains(*job.Result, "model endpoint unreachable") {
		t.Fatalf("unexpected diagnostic %v", job.Result)
	}
	if h.inputExists(d.Input) {
		t.Fatal("input should be removed after failure")
	}
}

func TestProcessRecoversFromPanic(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) {
		panic("nil pointer in stage")
	}}

	d := h.deliver(t, "q")
	h.processor(a).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusFailed || job.Result == nil || !strings.Contains(*job.Result, "panic") {
		t.Fatalf("expected failed job with panic diagnostic, got %s %v", job.Status, job.Result)
	}
	if h.inputExists(d.Input) {
		t.Fatal("input should be removed after a panic")
	}
}

func TestProcessPipelineTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	release := make(chan struct{})
	defer close(release)
	// Ignores ctx on purpose: the timeout must still fire.
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) {
		<-release
		return "too late", nil
	}}

	d := h.deliver(t, "q")
	h.processor(a).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusFailed || job.Result == nil || !strings.Contains(*job.Result, models.ErrPipelineTimeout.Error()) {
		t.Fatalf("expected timeout failure, got %s %v", job.Status, job.Result)
	}
}

func TestRedeliveryAfterCompletionKeepsResult(t *testing.T) {
	h := newHarness(t, testConfig())
	n := 0
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) {
		n++
		if n > 1 {
			return "second run", nil
		}
		return "first run", nil
	}}
	p := h.processor(a)

	d := h.deliver(t, "q")
	p.Process(context.Background(), d)

	// Same descriptor delivered again, e.g. after a lost ack.
	if err := h.queue.Enqueue(context.Background(), d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	again, err := h.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	p.Process(context.Background(), again)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusCompleted || job.Result == nil || *job.Result != "first run" {
		t.Fatalf("terminal result changed: %s %v", job.Status, job.Result)
	}
	if a.Calls() != 1 {
		t.Fatalf("pipeline should run once, ran %d times", a.Calls())
	}
}

func TestRedeliveredInProgressJobIsAbandoned(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "never", nil }}

	d := h.deliver(t, "q")
	// A previous worker claimed the job and died.
	if _, err := h.store.UpdateStatus(context.Background(), d.JobID, models.StatusInProgress, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.processor(a).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusFailed || job.Result == nil || *job.Result == "" {
		t.Fatalf("expected abandoned job to fail with a diagnostic, got %s %v", job.Status, job.Result)
	}
	if a.Calls() != 0 {
		t.Fatal("abandoned job must not be re-executed")
	}
	if h.inputExists(d.Input) {
		t.Fatal("input of an abandoned job should be removed")
	}
}

func TestMissingJobIsSkipped(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}

	handle, _ := h.inputs.Put(context.Background(), []byte("orphan"))
	d := models.Descriptor{JobID: uuid.NewString(), Query: "q", Input: handle}
	_ = h.queue.Enqueue(context.Background(), d)
	got, _ := h.queue.Dequeue(context.Background())

	h.processor(a).Process(context.Background(), got)

	if a.Calls() != 0 {
		t.Fatal("pipeline must not run for an unknown job")
	}
	if _, err := h.store.Get(context.Background(), d.JobID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("no job should be created, got %v", err)
	}
	if n, _ := h.queue.InFlight(context.Background()); n != 0 {
		t.Fatalf("orphan descriptor should be acked, %d in flight", n)
	}
}

func TestCleanupFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "done", nil }}

	d := h.deliver(t, "q")
	h.processorWithInputs(a, failingDelete{h.inputs}).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusCompleted || job.Result == nil || *job.Result != "done" {
		t.Fatalf("cleanup failure must not mask completion: %s %v", job.Status, job.Result)
	}
}

func TestClaimFailureWithoutRedeliveryReleasesDescriptor(t *testing.T) {
	cfg := testConfig()
	cfg.RedeliveryEnabled = false
	h := newHarness(t, cfg)
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}
	st := &flakyClaims{SQLite: h.store, failures: -1, err: errors.New("connection reset by peer")}

	d := h.deliver(t, "q")
	h.processorWithStore(a, st).Process(context.Background(), d)

	if a.Calls() != 0 {
		t.Fatal("pipeline must not run for an unclaimed job")
	}
	if n, _ := h.queue.InFlight(context.Background()); n != 0 {
		t.Fatalf("nothing reclaims leases without redelivery, %d still in flight", n)
	}
	if h.inputExists(d.Input) {
		t.Fatal("input of an unrecoverable job should be removed")
	}
}

func TestClaimFailureWithoutRedeliveryFailsJob(t *testing.T) {
	cfg := testConfig()
	cfg.RedeliveryEnabled = false
	h := newHarness(t, cfg)
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}
	st := &flakyClaims{SQLite: h.store, failures: 1, err: errors.New("connection reset by peer")}

	d := h.deliver(t, "q")
	h.processorWithStore(a, st).Process(context.Background(), d)

	job := h.job(t, d.JobID)
	if job.Status != models.StatusFailed || job.Result == nil {
		t.Fatalf("expected failed job, got %s %v", job.Status, job.Result)
	}
	if !strings.HasPrefix(*job.Result, "An error occurred: ") || !strings.Contains(*job.Result, "connection reset by peer") {
		t.Fatalf("unexpected diagnostic %q", *job.Result)
	}
	if a.Calls() != 0 {
		t.Fatal("pipeline must not run for an unclaimed job")
	}
	if n, _ := h.queue.InFlight(context.Background()); n != 0 {
		t.Fatalf("descriptor should be acked, %d in flight", n)
	}
}

func TestClaimFailureWithRedeliveryKeepsLease(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}
	st := &flakyClaims{SQLite: h.store, failures: -1, err: errors.New("connection reset by peer")}

	d := h.deliver(t, "q")
	h.processorWithStore(a, st).Process(context.Background(), d)

	if n, _ := h.queue.InFlight(context.Background()); n != 1 {
		t.Fatalf("lease should stay for redelivery, %d in flight", n)
	}
	if !h.inputExists(d.Input) {
		t.Fatal("input must be kept for the redelivered attempt")
	}
	if job := h.job(t, d.JobID); job.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
}

func TestLostClaimRaceLeavesWinnerAlone(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}
	st := &flakyClaims{
		SQLite:   h.store,
		failures: -1,
		err:      fmt.Errorf("%w: queued -> in_progress", models.ErrInvalidTransition),
	}

	d := h.deliver(t, "q")
	h.processorWithStore(a, st).Process(context.Background(), d)

	if n, _ := h.queue.InFlight(context.Background()); n != 1 {
		t.Fatalf("the winning worker's lease must survive, %d in flight", n)
	}
	if !h.inputExists(d.Input) {
		t.Fatal("the winning worker's input must survive")
	}
	if a.Calls() != 0 {
		t.Fatal("pipeline must not run after a lost claim")
	}
}

func TestLeaseLossStopsPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.VisibilityTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	d := h.deliver(t, "q")
	a := &fakeAnalyzer{fn: func(ctx context.Context, _, _ string) (string, error) {
		// Another worker takes the job over.
		if err := h.queue.Ack(context.Background(), d.JobID); err != nil {
			return "", err
		}
		<-ctx.Done()
		return "", ctx.Err()
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.processor(a).Process(context.Background(), d)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline kept running after its lease was lost")
	}

	if job := h.job(t, d.JobID); job.Status != models.StatusInProgress {
		t.Fatalf("a worker without the lease must not finalize the job, got %s", job.Status)
	}
	if !h.inputExists(d.Input) {
		t.Fatal("a worker without the lease must not remove the input")
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	cfg := testConfig()
	cfg.VisibilityTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)

	reclaimed := make(chan []string, 1)
	a := &fakeAnalyzer{fn: func(ctx context.Context, _, _ string) (string, error) {
		time.Sleep(450 * time.Millisecond)
		ids, err := h.queue.RequeueExpired(ctx, time.Now(), 10)
		if err != nil {
			return "", err
		}
		reclaimed <- ids
		return "slow but fine", nil
	}}

	d := h.deliver(t, "q")
	h.processor(a).Process(context.Background(), d)

	if ids := <-reclaimed; len(ids) != 0 {
		t.Fatalf("lease of a running job was reclaimed: %v", ids)
	}
	if job := h.job(t, d.JobID); job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func waitForStatus(t *testing.T, h *harness, id string, want models.Status, within time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if job, err := h.store.Get(context.Background(), id); err == nil && job.Status == want {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(_ context.Context, query, _ string) (string, error) { return "answer to " + query, nil }}

	ids := make([]string, 0, 3)
	for _, q := range []string{"a", "b", "c"} {
		ids = append(ids, h.submit(t, q).JobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.processor(a).Run(ctx) }()

	for _, id := range ids {
		if !waitForStatus(t, h, id, models.StatusCompleted, 2*time.Second) {
			t.Fatalf("job %s did not complete", id)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from Run, got %v", err)
	}

	for i, id := range ids {
		want := "answer to " + []string{"a", "b", "c"}[i]
		if got := h.job(t, id).Result; got == nil || *got != want {
			t.Fatalf("job %s: results crossed, got %v want %q", id, got, want)
		}
	}
}

func TestRunRedeliversExpiredLeases(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		name := "disabled"
		if enabled {
			name = "enabled"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.VisibilityTimeout = 50 * time.Millisecond
			cfg.RedeliveryEnabled = enabled
			h := newHarness(t, cfg)
			a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "recovered", nil }}

			// A worker leased the job and vanished before claiming it.
			d := h.deliver(t, "q")
			time.Sleep(100 * time.Millisecond)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- h.processor(a).Run(ctx) }()

			completed := waitForStatus(t, h, d.JobID, models.StatusCompleted, 500*time.Millisecond)
			cancel()
			<-done

			if completed != enabled {
				t.Fatalf("redelivery=%v but completed=%v", enabled, completed)
			}
			if !enabled && h.job(t, d.JobID).Status != models.StatusQueued {
				t.Fatal("without redelivery the job should stay queued")
			}
		})
	}
}

func TestRunBacksOffWhenQueueIsDown(t *testing.T) {
	h := newHarness(t, testConfig())
	a := &fakeAnalyzer{fn: func(context.Context, string, string) (string, error) { return "x", nil }}
	h.mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := h.processor(a).Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run should survive transport errors until ctx ends, got %v", err)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 10); b > max {
		t.Fatalf("backoff should be capped at %s, got %s", max, b)
	}
}
