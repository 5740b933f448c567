package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// AgentCaller sends an execute request to a worker's agent.
type AgentCaller interface {
	Execute(ctx context.Context, worker *storage.Worker, req protocol.ExecuteRequest) error
}

// dispatchError distinguishes failures that should requeue the job from
// failures that should fail it.
type dispatchError struct {
	msg       string
	permanent bool
}

func (e *dispatchError) Error() string { return e.msg }

func temporary(format string, args ...any) error {
	return &dispatchError{msg: fmt.Sprintf(format, args...)}
}

func permanent(format string, args ...any) error {
	return &dispatchError{msg: fmt.Sprintf(format, args...), permanent: true}
}

// permanentMarkers classify agent-call failures whose retry would just fail
// again the same way. Anything else is treated as transient.
var permanentMarkers = []string{
	"rejected job",
	"Server error",
	"Failed to start command",
	"Connection refused",
	"timeout",
}

// Permanent reports whether a dispatch failure should fail the job instead
// of requeueing it.
func Permanent(err error) bool {
	var de *dispatchError
	if errors.As(err, &de) {
		return de.permanent
	}
	msg := err.Error()
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wakeCh:
			e.dispatchOnce(e.ctx)
		case <-ticker.C:
			e.dispatchOnce(e.ctx)
		}
	}
}

// dispatchOnce walks started queues in priority order, draining each until
// a job cannot be placed.
func (e *Engine) dispatchOnce(ctx context.Context) {
	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		e.logger.Error("list queues", "error", err)
		return
	}
	sort.SliceStable(queues, func(i, j int) bool {
		ri, rj := state.PriorityRank(queues[i].Priority), state.PriorityRank(queues[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return queues[i].Name < queues[j].Name
	})

	for _, queue := range queues {
		if queue.State != state.QueueStarted {
			continue
		}
		e.drainQueue(ctx, queue)
	}
}

// drainQueue dispatches jobs from the head of the queue until one cannot be
// placed. Any failure stops the drain: a transient one leaves the job at
// the head, a permanent one fails it and moves on next pass.
func (e *Engine) drainQueue(ctx context.Context, queue *storage.Queue) {
	for {
		e.mu.Lock()
		ids := e.queues[queue.Name]
		if len(ids) == 0 {
			e.mu.Unlock()
			return
		}
		jobID := ids[0]
		e.mu.Unlock()

		err := e.dispatchJob(ctx, queue, jobID)
		if err == nil {
			e.mu.Lock()
			e.removeLocked(queue.Name, jobID)
			e.mu.Unlock()
			continue
		}

		if Permanent(err) {
			e.mu.Lock()
			e.removeLocked(queue.Name, jobID)
			e.mu.Unlock()
			e.appendQueueLog(queue, fmt.Sprintf("Job %d failed to dispatch: %s", jobID, err))
			if uerr := e.jobs.UpdateError(ctx, jobID, err.Error()); uerr != nil {
				e.logger.Error("mark job failed", "job_id", jobID, "error", uerr)
			}
			return
		}

		// Transient: the job stays at the head for the next pass.
		e.appendQueueLog(queue, fmt.Sprintf("Job %d not dispatched: %s", jobID, err))
		if job, gerr := e.store.GetJob(ctx, jobID); gerr == nil {
			e.jobs.AppendLog(job, fmt.Sprintf("Waiting for dispatch: %s", err))
		}
		e.logger.Debug("queue drain stopped", "queue", queue.Name, "job_id", jobID, "reason", err)
		return
	}
}

// dispatchJob places one job on a worker. A nil error means the agent
// accepted it.
func (e *Engine) dispatchJob(ctx context.Context, queue *storage.Queue, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return permanent("job %d no longer exists", jobID)
		}
		return temporary("load job %d: %v", jobID, err)
	}
	if job.Status != state.JobPending {
		// Cancelled or otherwise moved on while queued; just drop it.
		return permanent("job %d is %s", jobID, job.Status)
	}

	spec, err := e.store.GetSpecByName(ctx, job.Parameters.SpecName)
	if err != nil || !spec.IsActive {
		return permanent("rejected job %d: spec %q not available", jobID, job.Parameters.SpecName)
	}

	worker, err := e.selectWorker(ctx, queue)
	if err != nil {
		return err
	}

	command, args := RenderCommand(spec.Command, job.Parameters.RuntimeArgs, e.logger)
	req := protocol.ExecuteRequest{
		ExecutionID: protocol.ExecutionID(queue.Name, job.ID),
		Command:     protocol.EncodeCommand(command),
	}
	for _, a := range args {
		req.Args = append(req.Args, protocol.EncodeCommand(a))
	}

	if err := e.agent.Execute(ctx, worker, req); err != nil {
		return fmt.Errorf("worker %s: %w", worker.Name, err)
	}

	job.AssignedWorkerName = worker.Name
	job.WorkerName = worker.Name
	if err := e.store.SaveJob(ctx, job); err != nil {
		e.logger.Error("record assignment", "job_id", job.ID, "error", err)
	}
	e.appendQueueLog(queue, fmt.Sprintf("Job %d dispatched to worker %s", job.ID, worker.Name))
	e.logger.Info("job dispatched", "job_id", job.ID, "queue", queue.Name, "worker", worker.Name)
	return nil
}

// selectWorker picks an eligible worker for the queue per its strategy.
// Eligible means assigned to the queue, administratively started, currently
// online, and below its max_jobs.
func (e *Engine) selectWorker(ctx context.Context, queue *storage.Queue) (*storage.Worker, error) {
	assigned, err := e.store.ListQueueWorkers(ctx, queue.ID)
	if err != nil {
		return nil, temporary("list workers for queue %q: %v", queue.Name, err)
	}
	if len(assigned) == 0 {
		return nil, temporary("No workers assigned to queue %q", queue.Name)
	}

	var ready []*storage.Worker
	for _, w := range assigned {
		if w.State == state.WorkerStarted && w.Status == state.WorkerOnline {
			ready = append(ready, w)
		}
	}
	if len(ready) == 0 {
		return nil, temporary("No started and online workers available for queue %q", queue.Name)
	}

	type loaded struct {
		worker  *storage.Worker
		running int
	}
	var candidates []loaded
	for _, w := range ready {
		running, err := e.store.CountRunningForWorker(ctx, w.Name)
		if err != nil {
			return nil, temporary("count running for %s: %v", w.Name, err)
		}
		if w.MaxJobs <= 0 || running < w.MaxJobs {
			candidates = append(candidates, loaded{worker: w, running: running})
		}
	}
	if len(candidates) == 0 {
		return nil, temporary("No workers with available capacity for queue %q", queue.Name)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].worker.ID < candidates[j].worker.ID
	})

	switch queue.Strategy {
	case state.LeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.running < best.running {
				best = c
			}
		}
		return best.worker, nil
	case state.Random:
		return candidates[rand.Intn(len(candidates))].worker, nil
	case state.Priority:
		return candidates[0].worker, nil
	default: // round robin
		e.mu.Lock()
		i := e.rr[queue.Name] % len(candidates)
		e.rr[queue.Name]++
		e.mu.Unlock()
		return candidates[i].worker, nil
	}
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderCommand substitutes {{key}} placeholders in a spec command with
// runtime argument values. A command with no placeholders gets the runtime
// arguments appended as one JSON argument instead, so untemplated specs can
// still receive input. Unmatched placeholders are left literal.
func RenderCommand(command string, args map[string]any, logger interface{ Warn(string, ...any) }) (string, []string) {
	if placeholderRe.MatchString(command) {
		rendered := placeholderRe.ReplaceAllStringFunc(command, func(m string) string {
			key := placeholderRe.FindStringSubmatch(m)[1]
			v, ok := args[key]
			if !ok {
				if logger != nil {
					logger.Warn("placeholder has no argument", "placeholder", key)
				}
				return m
			}
			return fmt.Sprint(v)
		})
		return rendered, nil
	}
	if len(args) == 0 {
		return command, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return command, nil
	}
	return command, []string{string(b)}
}
