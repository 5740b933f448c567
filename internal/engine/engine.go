// Package engine holds the dispatch core: in-memory queue membership backed
// by the job store, and the loop that assigns pending jobs to workers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// Engine owns per-queue job ordering and the dispatch loop.
type Engine struct {
	store       storage.Storage
	jobs        *jobs.Service
	agent       AgentCaller
	queueLogDir string
	poll        time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	queues map[string][]int64 // canonical queue name -> pending job ids, head first
	rr     map[string]int     // round-robin cursor per queue
	wakeCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine. poll is the dispatch interval; zero means 5s.
func New(store storage.Storage, jobSvc *jobs.Service, agent AgentCaller, queueLogDir string, poll time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		jobs:        jobSvc,
		agent:       agent,
		queueLogDir: queueLogDir,
		poll:        poll,
		logger:      logger,
		queues:      make(map[string][]int64),
		rr:          make(map[string]int),
		wakeCh:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the dispatch loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.dispatchLoop()
}

// Stop halts the dispatch loop and waits for it.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Wake nudges the dispatch loop without waiting for the next tick.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Reconcile rebuilds queue membership from the store after a restart:
// active jobs without a queue land on the default queue, jobs stuck in
// Running are reset to Pending with their assignment cleared, and each job
// appears in its queue exactly once.
func (e *Engine) Reconcile(ctx context.Context) error {
	defaultQueue, err := e.store.GetDefaultQueue(ctx)
	if err != nil {
		return fmt.Errorf("default queue: %w", err)
	}

	active, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues = make(map[string][]int64)

	seen := make(map[int64]bool)
	for _, job := range active {
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true

		dirty := false
		if job.QueueName == "" {
			job.QueueName = defaultQueue.Name
			dirty = true
		}
		if job.Status == state.JobRunning {
			// The process that was running this job did not survive the
			// restart; hand it back to the dispatcher.
			job.Status = state.JobPending
			job.StartedAt = nil
			job.AssignedWorkerName = ""
			dirty = true
			e.logger.Warn("reset orphaned running job", "job_id", job.ID)
		}
		if dirty {
			if err := e.store.SaveJob(ctx, job); err != nil {
				return fmt.Errorf("reconcile job %d: %w", job.ID, err)
			}
		}
		e.queues[job.QueueName] = append(e.queues[job.QueueName], job.ID)
	}

	e.logger.Info("queues reconciled", "jobs", len(seen))
	return nil
}

// AddJob admits a pending job to the named queue (the default queue when the
// name is empty). The queue must exist and be started. Duplicate admissions
// are a no-op.
func (e *Engine) AddJob(ctx context.Context, jobID int64, queueName string) error {
	var queue *storage.Queue
	var err error
	if queueName == "" {
		queue, err = e.store.GetDefaultQueue(ctx)
	} else {
		queue, err = e.store.GetQueueByName(ctx, queueName)
	}
	if err != nil {
		return fmt.Errorf("queue %q: %w", queueName, err)
	}
	if queue.State != state.QueueStarted {
		return fmt.Errorf("queue %q is %s, not accepting jobs", queue.Name, queue.State)
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.QueueName != queue.Name {
		job.QueueName = queue.Name
		if err := e.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}

	e.mu.Lock()
	for _, id := range e.queues[queue.Name] {
		if id == jobID {
			e.mu.Unlock()
			return nil
		}
	}
	e.queues[queue.Name] = append(e.queues[queue.Name], jobID)
	e.mu.Unlock()

	e.appendQueueLog(queue, fmt.Sprintf("Job %d enqueued", jobID))
	e.logger.Info("job enqueued", "job_id", jobID, "queue", queue.Name)
	e.Wake()
	return nil
}

// RemoveJob drops a job from its queue, if present. Used on cancel.
func (e *Engine) RemoveJob(queueName string, jobID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(queueName, jobID)
}

func (e *Engine) removeLocked(queueName string, jobID int64) {
	ids := e.queues[queueName]
	for i, id := range ids {
		if id == jobID {
			e.queues[queueName] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// QueueLength returns the number of jobs waiting on a queue.
func (e *Engine) QueueLength(queueName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[queueName])
}

// QueueDepths snapshots the waiting-job count of every known queue.
func (e *Engine) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.queues))
	for name, ids := range e.queues {
		out[name] = len(ids)
	}
	return out
}

// PendingJobs returns the waiting job ids for a queue, head first.
func (e *Engine) PendingJobs(queueName string) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.queues[queueName]))
	copy(out, e.queues[queueName])
	return out
}

// CreateQueue persists a new queue with a log file under the queue log dir.
func (e *Engine) CreateQueue(ctx context.Context, queue *storage.Queue) error {
	if queue.Strategy == "" {
		queue.Strategy = state.DefaultStrategy
	}
	if !state.ValidStrategy(queue.Strategy) {
		return fmt.Errorf("unknown strategy %q", queue.Strategy)
	}
	if queue.Priority == "" {
		queue.Priority = state.PriorityNormal
	}
	if !state.ValidQueuePriority(queue.Priority) {
		return fmt.Errorf("unknown priority %q", queue.Priority)
	}
	if queue.State == "" {
		queue.State = state.QueueStarted
	}
	if err := e.store.CreateQueue(ctx, queue); err != nil {
		return err
	}
	queue.LogFilePath = filepath.Join(e.queueLogDir, strings.ToLower(queue.Name)+".log")
	if err := e.store.SaveQueue(ctx, queue); err != nil {
		return err
	}
	e.appendQueueLog(queue, fmt.Sprintf("Queue %q created", queue.Name))
	return nil
}

// SetQueueState moves a queue between started, stopped and paused. Waiting
// jobs stay queued; a non-started queue simply is not dispatched.
func (e *Engine) SetQueueState(ctx context.Context, queueID int64, newState state.QueueState) (*storage.Queue, error) {
	if !state.ValidQueueState(newState) {
		return nil, fmt.Errorf("unknown queue state %q", newState)
	}
	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if queue.State == newState {
		return queue, nil
	}
	queue.State = newState
	if err := e.store.SaveQueue(ctx, queue); err != nil {
		return nil, err
	}
	e.appendQueueLog(queue, fmt.Sprintf("Queue state changed to %s", newState))
	if newState == state.QueueStarted {
		e.Wake()
	}
	return queue, nil
}

// DeleteQueue removes a queue. The default queue cannot be deleted, nor can
// a queue that still has jobs waiting.
func (e *Engine) DeleteQueue(ctx context.Context, queueID int64) error {
	queue, err := e.store.GetQueue(ctx, queueID)
	if err != nil {
		return err
	}
	if queue.IsDefault {
		return fmt.Errorf("the default queue cannot be deleted")
	}
	if e.QueueLength(queue.Name) > 0 {
		return fmt.Errorf("queue %q still has waiting jobs", queue.Name)
	}
	if err := e.store.DeleteQueue(ctx, queueID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.queues, queue.Name)
	delete(e.rr, queue.Name)
	e.mu.Unlock()
	if queue.LogFilePath != "" {
		os.Remove(queue.LogFilePath)
	}
	return nil
}

func (e *Engine) appendQueueLog(queue *storage.Queue, line string) {
	if queue.LogFilePath == "" {
		return
	}
	stamped := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), line)
	f, err := os.OpenFile(queue.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		e.logger.Warn("append queue log", "queue", queue.Name, "error", err)
		return
	}
	defer f.Close()
	f.WriteString(stamped)
}
