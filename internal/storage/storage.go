// Package storage persists jobs, specifications, queues, workers and their
// assignments. Two implementations exist: SQLite (default) and Postgres.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ehrlich-b/dispatch/internal/state"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// SystemWorkerName is the built-in local worker seeded at migrate time.
// It can never be deleted.
const SystemWorkerName = "System"

// DefaultQueueName is the queue seeded at migrate time.
const DefaultQueueName = "default"

// Storage defines the interface for all database operations.
type Storage interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// ListActiveJobs returns Pending and Running jobs ordered by created_at
	// ascending, for startup reconciliation.
	ListActiveJobs(ctx context.Context) ([]*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id int64) error
	// CountRunningForWorker counts Running jobs assigned to the worker.
	CountRunningForWorker(ctx context.Context, workerName string) (int, error)
	// CleanupTerminalJobs deletes terminal jobs completed before the cutoff
	// and returns the deleted rows so callers can remove their log files.
	CleanupTerminalJobs(ctx context.Context, cutoff time.Time) ([]*Job, error)
	JobStatistics(ctx context.Context, since time.Time) (*JobStats, error)

	// Specifications
	CreateSpec(ctx context.Context, spec *Spec) error
	GetSpec(ctx context.Context, id int64) (*Spec, error)
	GetSpecByName(ctx context.Context, name string) (*Spec, error)
	ListSpecs(ctx context.Context) ([]*Spec, error)
	SaveSpec(ctx context.Context, spec *Spec) error
	// DeactivateSpec soft-deletes a specification.
	DeactivateSpec(ctx context.Context, id int64) error

	// Queues
	CreateQueue(ctx context.Context, queue *Queue) error
	GetQueue(ctx context.Context, id int64) (*Queue, error)
	// GetQueueByName matches case-insensitively and returns the row with its
	// stored canonical name.
	GetQueueByName(ctx context.Context, name string) (*Queue, error)
	GetDefaultQueue(ctx context.Context) (*Queue, error)
	ListQueues(ctx context.Context) ([]*Queue, error)
	SaveQueue(ctx context.Context, queue *Queue) error
	DeleteQueue(ctx context.Context, id int64) error

	// Queue <-> worker assignments
	AssignWorker(ctx context.Context, queueID, workerID int64) error
	UnassignWorker(ctx context.Context, queueID, workerID int64) error
	ListQueueWorkers(ctx context.Context, queueID int64) ([]*Worker, error)

	// Workers
	CreateWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, id int64) (*Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	SaveWorker(ctx context.Context, worker *Worker) error
	DeleteWorker(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
}

// Parameters is the structured blob recorded with every job.
type Parameters struct {
	SpecName    string         `json:"spec_name"`
	CreatedBy   string         `json:"created_by"`
	RuntimeArgs map[string]any `json:"runtime_args,omitempty"`
}

// Job is one invocation of a specification.
type Job struct {
	ID                 int64
	Name               string // specification name, denormalized
	Status             state.JobStatus
	Progress           int // 0-100
	Parameters         Parameters
	Result             json.RawMessage // nil until a result is captured
	ErrorMessage       string
	LogFilePath        string
	WorkerName         string
	QueueName          string
	AssignedWorkerName string
	Retries            int
	MaxRetries         int
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// JobFilter for listing jobs.
type JobFilter struct {
	Status    state.JobStatus
	QueueName string
	SpecName  string
	Limit     int
	Offset    int
}

// JobStats aggregates job history for the statistics endpoint.
type JobStats struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
	TopSpecs           []SpecCount    `json:"top_specs"`
}

// SpecCount is one entry of JobStats.TopSpecs.
type SpecCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Spec is a named command template.
type Spec struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Command     string    `json:"command"`
	CreatedBy   string    `json:"created_by,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Queue is a named dispatch queue.
type Queue struct {
	ID          int64               `json:"id"`
	Name        string              `json:"name"`
	State       state.QueueState    `json:"state"`
	Priority    state.QueuePriority `json:"priority"`
	Strategy    state.Strategy      `json:"strategy"`
	TimeLimit   int                 `json:"time_limit,omitempty"` // seconds, informational
	IsDefault   bool                `json:"is_default"`
	LogFilePath string              `json:"log_file_path,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// WorkerType distinguishes local subprocess workers from SSH-reached hosts.
type WorkerType string

const (
	WorkerTypeLocal  WorkerType = "local"
	WorkerTypeRemote WorkerType = "remote"
)

// AuthMethod selects how the manager authenticates to a remote worker.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// Worker is a logical execution target. Credentials never serialize.
type Worker struct {
	ID            int64              `json:"id"`
	Name          string             `json:"name"`
	WorkerType    WorkerType         `json:"worker_type"`
	Hostname      string             `json:"hostname,omitempty"`
	IPAddress     string             `json:"ip_address,omitempty"`
	Port          int                `json:"port,omitempty"`
	SSHUser       string             `json:"ssh_user,omitempty"`
	AuthMethod    AuthMethod         `json:"auth_method,omitempty"`
	SSHPrivateKey string             `json:"-"` // path to the generated private key
	Password      string             `json:"-"`
	Provision     bool               `json:"provision"`
	MaxJobs       int                `json:"max_jobs"`
	Status        state.WorkerStatus `json:"status"`
	State         state.WorkerState  `json:"state"`
	LastSeen      *time.Time         `json:"last_seen,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	LogFilePath   string             `json:"log_file_path,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Addr returns the host the worker agent listens on, preferring the IP.
func (w *Worker) Addr() string {
	if w.IPAddress != "" {
		return w.IPAddress
	}
	return w.Hostname
}
