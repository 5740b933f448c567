// Package jobs implements the job lifecycle: creation from a spec, status
// transitions, retries, progress/result/error updates, the per-job log file
// and retention cleanup.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// Service owns job records and their log files.
type Service struct {
	store  storage.Storage
	logDir string
	logger *slog.Logger
}

// NewService builds a job service writing logs under logDir.
func NewService(store storage.Storage, logDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logDir: logDir, logger: logger}
}

// CreateRequest describes a job submission.
type CreateRequest struct {
	SpecName    string
	CreatedBy   string
	RuntimeArgs map[string]any
	QueueName   string // empty means the default queue decides later
	MaxRetries  int
}

// Create validates the spec reference, persists a Pending job and starts its
// log file with a header block.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Job, error) {
	spec, err := s.store.GetSpecByName(ctx, req.SpecName)
	if err != nil {
		return nil, fmt.Errorf("spec %q: %w", req.SpecName, err)
	}
	if !spec.IsActive {
		return nil, fmt.Errorf("spec %q is not active", req.SpecName)
	}

	job := &storage.Job{
		Name:   spec.Name,
		Status: state.JobPending,
		Parameters: storage.Parameters{
			SpecName:    spec.Name,
			CreatedBy:   req.CreatedBy,
			RuntimeArgs: req.RuntimeArgs,
		},
		QueueName:  req.QueueName,
		MaxRetries: req.MaxRetries,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	job.LogFilePath = filepath.Join(s.logDir, fmt.Sprintf("%d.log", job.ID))
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.writeHeader(job)

	s.logger.Info("job created", "job_id", job.ID, "spec", spec.Name, "created_by", req.CreatedBy)
	return job, nil
}

func (s *Service) writeHeader(job *storage.Job) {
	args, _ := json.Marshal(job.Parameters.RuntimeArgs)
	header := fmt.Sprintf("=== Job %d ===\nSpec: %s\nCreated by: %s\nCreated at: %s\nArguments: %s\n\n",
		job.ID, job.Name, job.Parameters.CreatedBy,
		job.CreatedAt.UTC().Format(time.RFC3339), args)
	if err := appendFile(job.LogFilePath, header); err != nil {
		s.logger.Warn("write job log header", "job_id", job.ID, "error", err)
	}
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id int64) (*storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// UpdateStatus moves a job to newStatus if the transition is allowed;
// disallowed transitions are a no-op that returns the current record.
// The first move to Running stamps started_at, terminal moves stamp
// completed_at, and Failed never overwrites an existing error message.
func (s *Service) UpdateStatus(ctx context.Context, id int64, newStatus state.JobStatus, errorMessage string) (*storage.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == newStatus {
		return job, nil
	}
	if !state.ValidTransition(job.Status, newStatus) {
		s.logger.Debug("ignoring job transition", "job_id", id, "from", job.Status, "to", newStatus)
		return job, nil
	}

	job.Status = newStatus
	now := time.Now().UTC()
	if newStatus == state.JobRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if state.Terminal(newStatus) {
		job.CompletedAt = &now
		if newStatus == state.JobCompleted && job.Progress < 100 {
			job.Progress = 100
		}
	}
	if newStatus == state.JobFailed && job.ErrorMessage == "" {
		job.ErrorMessage = errorMessage
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job status changed", "job_id", id, "status", newStatus)
	return job, nil
}

// Cancel moves an active job to Cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (*storage.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !state.ValidTransition(job.Status, state.JobCancelled) {
		return nil, fmt.Errorf("job %d is %s and cannot be cancelled", id, job.Status)
	}
	return s.UpdateStatus(ctx, id, state.JobCancelled, "")
}

// Retry clones a Failed job into a fresh Pending job carrying the same name
// and parameters, and bumps the retry counter on the original.
func (s *Service) Retry(ctx context.Context, id int64) (*storage.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !state.Retryable(job.Status) {
		return nil, fmt.Errorf("job %d is %s and cannot be retried", id, job.Status)
	}

	clone := &storage.Job{
		Name:       job.Name,
		Status:     state.JobPending,
		Parameters: job.Parameters,
		QueueName:  job.QueueName,
		MaxRetries: job.MaxRetries,
	}
	if err := s.store.CreateJob(ctx, clone); err != nil {
		return nil, err
	}
	clone.LogFilePath = filepath.Join(s.logDir, fmt.Sprintf("%d.log", clone.ID))
	if err := s.store.SaveJob(ctx, clone); err != nil {
		return nil, err
	}
	s.writeHeader(clone)

	job.Retries++
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job retried", "job_id", id, "clone_id", clone.ID, "retries", job.Retries)
	return clone, nil
}

// Delete removes a terminal job and its log file.
func (s *Service) Delete(ctx context.Context, id int64) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if state.Active(job.Status) {
		return fmt.Errorf("job %d is %s and cannot be deleted", id, job.Status)
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if job.LogFilePath != "" {
		os.Remove(job.LogFilePath)
	}
	return nil
}

// UpdateProgress clamps progress to 0-100 and promotes a Pending job to
// Running, since progress implies the process is alive.
func (s *Service) UpdateProgress(ctx context.Context, id int64, progress int) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if state.Terminal(job.Status) {
		return nil
	}
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	if job.Status == state.JobPending {
		job.Status = state.JobRunning
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	return s.store.SaveJob(ctx, job)
}

// UpdateResult stores the captured result payload. A result means the job
// produced its output, so a non-terminal job moves to Completed with it.
func (s *Service) UpdateResult(ctx context.Context, id int64, result json.RawMessage) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Result = result
	if !state.Terminal(job.Status) {
		now := time.Now().UTC()
		job.Status = state.JobCompleted
		job.CompletedAt = &now
		if job.Progress < 100 {
			job.Progress = 100
		}
		s.logger.Info("job completed via result", "job_id", id)
	}
	return s.store.SaveJob(ctx, job)
}

// UpdateError marks the job Failed with the given message. An error message
// already present wins; the new text is still appended to the job log.
func (s *Service) UpdateError(ctx context.Context, id int64, message string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !state.Terminal(job.Status) {
		if _, err := s.UpdateStatus(ctx, id, state.JobFailed, message); err != nil {
			return err
		}
	} else if job.ErrorMessage == "" {
		job.ErrorMessage = message
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	s.AppendLog(job, fmt.Sprintf("ERROR: %s", message))
	return nil
}

// AppendLog appends one line to the job's log file.
func (s *Service) AppendLog(job *storage.Job, line string) {
	if job.LogFilePath == "" {
		return
	}
	if err := appendFile(job.LogFilePath, line+"\n"); err != nil {
		s.logger.Warn("append job log", "job_id", job.ID, "error", err)
	}
}

// GetLog returns the job's log file contents.
func (s *Service) GetLog(ctx context.Context, id int64) ([]byte, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.LogFilePath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(job.LogFilePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// Statistics aggregates job history over the trailing number of days.
func (s *Service) Statistics(ctx context.Context, days int) (*storage.JobStats, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.JobStatistics(ctx, since)
}

// Cleanup deletes terminal jobs older than the retention window together
// with their log files, returning how many were removed.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	removed, err := s.store.CleanupTerminalJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, job := range removed {
		if job.LogFilePath != "" {
			os.Remove(job.LogFilePath)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("cleaned up old jobs", "count", len(removed), "cutoff", cutoff)
	}
	return len(removed), nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}
