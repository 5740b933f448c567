package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// jobView is the API shape of a job.
type jobView struct {
	ID                 int64              `json:"id"`
	Name               string             `json:"name"`
	Status             state.JobStatus    `json:"status"`
	Progress           int                `json:"progress"`
	Parameters         storage.Parameters `json:"parameters"`
	Result             json.RawMessage    `json:"result,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	QueueName          string             `json:"queue_name,omitempty"`
	AssignedWorkerName string             `json:"assigned_worker_name,omitempty"`
	Retries            int                `json:"retries"`
	MaxRetries         int                `json:"max_retries"`
	CreatedAt          string             `json:"created_at"`
	StartedAt          *string            `json:"started_at,omitempty"`
	CompletedAt        *string            `json:"completed_at,omitempty"`
}

func viewJob(j *storage.Job) jobView {
	v := jobView{
		ID:                 j.ID,
		Name:               j.Name,
		Status:             j.Status,
		Progress:           j.Progress,
		Parameters:         j.Parameters,
		Result:             j.Result,
		ErrorMessage:       j.ErrorMessage,
		QueueName:          j.QueueName,
		AssignedWorkerName: j.AssignedWorkerName,
		Retries:            j.Retries,
		MaxRetries:         j.MaxRetries,
		CreatedAt:          j.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format("2006-01-02T15:04:05Z")
		v.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format("2006-01-02T15:04:05Z")
		v.CompletedAt = &s
	}
	return v
}

type createJobRequest struct {
	SpecName    string         `json:"spec_name"`
	QueueName   string         `json:"queue_name,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	RuntimeArgs map[string]any `json:"runtime_args,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SpecName == "" {
		writeError(w, http.StatusBadRequest, "spec_name is required")
		return
	}

	job, err := s.jobs.Create(r.Context(), jobs.CreateRequest{
		SpecName:    req.SpecName,
		CreatedBy:   req.CreatedBy,
		RuntimeArgs: req.RuntimeArgs,
		QueueName:   req.QueueName,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.AddJob(r.Context(), job.ID, req.QueueName); err != nil {
		// The record exists but cannot run; surface that as a failed job.
		s.jobs.UpdateError(r.Context(), job.ID, err.Error())
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.metrics.JobsCreated.Inc()
	job, _ = s.jobs.Get(r.Context(), job.ID)
	writeJSON(w, http.StatusCreated, viewJob(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		Status:    state.JobStatus(q.Get("status")),
		QueueName: q.Get("queue"),
		SpecName:  q.Get("spec"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	list, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]jobView, 0, len(list))
	for _, j := range list {
		views = append(views, viewJob(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// A running job also needs its process stopped on the worker.
	if job.Status == state.JobRunning && job.AssignedWorkerName != "" {
		if worker, werr := s.store.GetWorkerByName(r.Context(), job.AssignedWorkerName); werr == nil {
			execID := protocol.ExecutionID(job.QueueName, job.ID)
			if cerr := s.workers.CancelExecution(r.Context(), worker, execID); cerr != nil {
				s.logger.Warn("cancel execution on worker", "job_id", id, "error", cerr)
			}
		}
	}

	s.engine.RemoveJob(job.QueueName, job.ID)
	job, err = s.jobs.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.metrics.JobsFinished.WithLabelValues(string(state.JobCancelled)).Inc()
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	clone, err := s.jobs.Retry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.engine.AddJob(r.Context(), clone.ID, clone.QueueName); err != nil {
		s.jobs.UpdateError(r.Context(), clone.ID, err.Error())
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.metrics.JobsCreated.Inc()
	writeJSON(w, http.StatusCreated, viewJob(clone))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	content, err := s.jobs.GetLog(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

func (s *Server) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	stats, err := s.jobs.Statistics(r.Context(), days)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleNodeStatus is the ingress agents report execution lifecycle to.
// It is authoritative for terminal job state; keyword-derived state only
// fills gaps it leaves.
func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	var cb protocol.StatusCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	queueName, jobID, err := protocol.SplitExecutionID(cb.ExecutionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	switch cb.Status {
	case protocol.CallbackStarted:
		if _, err := s.jobs.UpdateStatus(ctx, jobID, state.JobRunning, ""); err != nil {
			writeStoreError(w, err)
			return
		}

	case protocol.CallbackCompleted:
		if cb.ExitCode != nil && *cb.ExitCode != 0 {
			msg := fmt.Sprintf("Process exited with code %d", *cb.ExitCode)
			if _, err := s.jobs.UpdateStatus(ctx, jobID, state.JobFailed, msg); err != nil {
				writeStoreError(w, err)
				return
			}
			s.metrics.JobsFinished.WithLabelValues(string(state.JobFailed)).Inc()
		} else {
			// No-op when the job already failed via an in-band ERROR=.
			if _, err := s.jobs.UpdateStatus(ctx, jobID, state.JobCompleted, ""); err != nil {
				writeStoreError(w, err)
				return
			}
			s.metrics.JobsFinished.WithLabelValues(string(state.JobCompleted)).Inc()
		}
		s.closeJobLog(ctx, jobID)

	case protocol.CallbackFailed:
		msg := cb.Error
		if msg == "" && cb.ExitCode != nil {
			msg = fmt.Sprintf("Process exited with code %d", *cb.ExitCode)
		}
		if msg == "" {
			msg = "Worker reported job failure"
		}
		if _, err := s.jobs.UpdateStatus(ctx, jobID, state.JobFailed, msg); err != nil {
			writeStoreError(w, err)
			return
		}
		s.metrics.JobsFinished.WithLabelValues(string(state.JobFailed)).Inc()
		s.closeJobLog(ctx, jobID)

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", cb.Status))
		return
	}

	if cb.Status != protocol.CallbackStarted {
		// Normally already dequeued at dispatch; covers restart races.
		s.engine.RemoveJob(queueName, jobID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) closeJobLog(ctx context.Context, jobID int64) {
	if s.consumer != nil {
		s.consumer.CloseLog(ctx, jobID)
	}
}
