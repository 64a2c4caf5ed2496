package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/sling/internal/metrics"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
)

// Dispatcher drains the persistent submission queue with a pool of workers.
// Tasks survive restarts: a claim orphaned by a crash is returned to pending
// when Start runs again.
type Dispatcher struct {
	storage   storage.Storage
	submitter *submit.Submitter
	log       *slog.Logger
	workers   int

	pending atomic.Int64
	wakeCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(store storage.Storage, submitter *submit.Submitter, workers int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		storage:   store,
		submitter: submitter,
		log:       log,
		workers:   workers,
		wakeCh:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch persists the task as a pending submission and wakes a worker.
// The options JSON never contains the password; it travels in its own
// column, encrypted at rest.
func (d *Dispatcher) Dispatch(ctx context.Context, task submit.Task) (int64, error) {
	opts, err := json.Marshal(task.Options)
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}

	sub := &storage.QueuedSubmission{
		JobID:    task.JobID,
		Options:  string(opts),
		Password: task.Options.Password,
	}
	if err := d.storage.EnqueueSubmission(ctx, sub); err != nil {
		return 0, fmt.Errorf("enqueue submission: %w", err)
	}
	metrics.SetQueueDepth(int(d.pending.Add(1)))
	d.log.Info("submission enqueued", "queue_id", sub.ID, "job_id", task.JobID)

	d.wake()
	return sub.ID, nil
}

// Start recovers orphaned claims and launches the worker pool.
func (d *Dispatcher) Start() error {
	n, err := d.storage.ResetRunningSubmissions(d.ctx)
	if err != nil {
		return fmt.Errorf("reset running submissions: %w", err)
	}
	if n > 0 {
		d.log.Warn("returned orphaned submissions to the queue", "count", n)
	}

	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
	d.wake()
	return nil
}

// Stop cancels in-flight work and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// workerLoop claims and runs submissions until stopped. The ticker backstops
// the wake channel so work enqueued by another process is still picked up.
func (d *Dispatcher) workerLoop(id int) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wakeCh:
			d.drain(id)
		case <-ticker.C:
			d.drain(id)
		}
	}
}

func (d *Dispatcher) drain(worker int) {
	for {
		if d.ctx.Err() != nil {
			return
		}
		sub, err := d.storage.ClaimSubmission(d.ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			d.log.Error("failed to claim submission", "worker", worker, "error", err)
			return
		}
		metrics.SetQueueDepth(int(clampNonNegative(d.pending.Add(-1))))
		d.run(worker, sub)
	}
}

func (d *Dispatcher) run(worker int, sub *storage.QueuedSubmission) {
	var opts submit.Options
	if err := json.Unmarshal([]byte(sub.Options), &opts); err != nil {
		d.log.Error("corrupt queued options", "queue_id", sub.ID, "error", err)
		d.finish(sub.ID, storage.QueueFailed, fmt.Sprintf("corrupt options: %v", err))
		return
	}
	opts.Password = sub.Password

	d.log.Info("running queued submission", "queue_id", sub.ID, "job_id", sub.JobID, "worker", worker)
	if _, err := d.submitter.Submit(d.ctx, sub.JobID, opts); err != nil {
		d.log.Error("queued submission failed", "queue_id", sub.ID, "job_id", sub.JobID, "error", err)
		d.finish(sub.ID, storage.QueueFailed, err.Error())
		return
	}
	d.finish(sub.ID, storage.QueueDone, "")
}

func (d *Dispatcher) finish(id int64, state storage.QueueState, errMsg string) {
	if err := d.storage.FinishSubmission(context.Background(), id, state, errMsg); err != nil {
		d.log.Error("failed to record submission outcome", "queue_id", id, "error", err)
	}
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
