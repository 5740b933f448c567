// Package workers manages the fleet: worker records, local subprocess
// agents, SSH-provisioned remote agents, and the health monitor.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/dispatch/internal/config"
	"github.com/ehrlich-b/dispatch/internal/crypto"
	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// defaultAgentPortBase spaces agent ports by worker id when none is given.
const defaultAgentPortBase = 8500

// Manager owns worker lifecycle: records, processes and provisioning.
type Manager struct {
	store  storage.Storage
	cfg    *config.Config
	agents *AgentClient
	secret string // broker password handed to spawned agents
	logger *slog.Logger

	mu      sync.Mutex
	procs   map[int64]*localProc // spawned local agent processes by worker id
	adopted map[int64]int        // adopted agent pids by worker id

	deployments *DeploymentTracker
}

// NewManager builds a worker manager. secret is the shared broker password.
func NewManager(store storage.Storage, cfg *config.Config, agents *AgentClient, secret string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		cfg:         cfg,
		agents:      agents,
		secret:      secret,
		logger:      logger,
		procs:       make(map[int64]*localProc),
		adopted:     make(map[int64]int),
		deployments: NewDeploymentTracker(2 * time.Minute),
	}
}

// Deployments exposes the provisioning tracker.
func (m *Manager) Deployments() *DeploymentTracker { return m.deployments }

// CancelExecution asks a worker's agent to terminate one execution.
func (m *Manager) CancelExecution(ctx context.Context, worker *storage.Worker, executionID string) error {
	return m.agents.Cancel(ctx, worker, executionID)
}

// CreateRequest describes a new worker.
type CreateRequest struct {
	Name       string
	WorkerType storage.WorkerType
	Hostname   string
	IPAddress  string
	Port       int
	SSHUser    string
	AuthMethod storage.AuthMethod
	Password   string
	Provision  bool
	MaxJobs    int
}

// Create persists a worker record. Remote workers flagged for provisioning
// are deployed asynchronously; poll the deployment tracker for progress.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*storage.Worker, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if req.Name == storage.SystemWorkerName {
		return nil, fmt.Errorf("worker name %q is reserved", storage.SystemWorkerName)
	}
	if req.WorkerType != storage.WorkerTypeLocal && req.WorkerType != storage.WorkerTypeRemote {
		return nil, fmt.Errorf("unknown worker type %q", req.WorkerType)
	}
	if req.WorkerType == storage.WorkerTypeRemote {
		if req.Hostname == "" && req.IPAddress == "" {
			return nil, fmt.Errorf("remote worker needs a hostname or IP address")
		}
		if req.SSHUser == "" {
			return nil, fmt.Errorf("remote worker needs an SSH user")
		}
	}
	if req.MaxJobs <= 0 {
		req.MaxJobs = 1
	}

	worker := &storage.Worker{
		Name:       req.Name,
		WorkerType: req.WorkerType,
		Hostname:   req.Hostname,
		IPAddress:  req.IPAddress,
		Port:       req.Port,
		SSHUser:    req.SSHUser,
		AuthMethod: req.AuthMethod,
		Password:   req.Password,
		Provision:  req.Provision,
		MaxJobs:    req.MaxJobs,
		Status:     state.WorkerOffline,
		State:      state.WorkerStopped,
	}
	if err := m.store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}
	// The id is known only after insert; derived fields need a second write.
	if worker.Port == 0 {
		worker.Port = defaultAgentPortBase + int(worker.ID)
	}
	worker.LogFilePath = filepath.Join(m.cfg.WorkerLogDir(), strings.ToLower(worker.Name)+".log")
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}

	if worker.WorkerType == storage.WorkerTypeRemote && worker.Provision {
		worker.Status = state.WorkerProvisioning
		if err := m.store.SaveWorker(ctx, worker); err != nil {
			return nil, err
		}
		go m.provision(worker)
	}

	m.logger.Info("worker created", "worker", worker.Name, "type", worker.WorkerType, "port", worker.Port)
	return worker, nil
}

// Get returns one worker.
func (m *Manager) Get(ctx context.Context, id int64) (*storage.Worker, error) {
	return m.store.GetWorker(ctx, id)
}

// List returns all workers.
func (m *Manager) List(ctx context.Context) ([]*storage.Worker, error) {
	return m.store.ListWorkers(ctx)
}

// SetMaxJobs updates the concurrency cap and pushes it to a live agent.
func (m *Manager) SetMaxJobs(ctx context.Context, id int64, maxJobs int) (*storage.Worker, error) {
	if maxJobs <= 0 {
		return nil, fmt.Errorf("max_jobs must be positive")
	}
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	worker.MaxJobs = maxJobs
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	if worker.Status == state.WorkerOnline {
		if err := m.agents.UpdateConfig(ctx, worker, protocol.ConfigUpdate{MaxJobs: maxJobs}); err != nil {
			m.logger.Warn("push config to agent", "worker", worker.Name, "error", err)
		}
	}
	return worker, nil
}

// Delete removes a worker. The System worker is permanent; started workers
// must be stopped first. Remote provisioned workers are deprovisioned best
// effort: agent stopped, authorized key withdrawn, local keys removed.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if worker.Name == storage.SystemWorkerName {
		return fmt.Errorf("the %s worker cannot be deleted", storage.SystemWorkerName)
	}
	if worker.State == state.WorkerStarted {
		return fmt.Errorf("worker %q is started; stop it first", worker.Name)
	}

	if worker.WorkerType == storage.WorkerTypeRemote && worker.SSHPrivateKey != "" {
		if err := m.deprovision(ctx, worker); err != nil {
			m.logger.Warn("deprovision worker", "worker", worker.Name, "error", err)
		}
		crypto.RemoveKeyPair(worker.SSHPrivateKey)
	}

	if err := m.store.DeleteWorker(ctx, id); err != nil {
		return err
	}
	if worker.LogFilePath != "" {
		os.Remove(worker.LogFilePath)
	}
	m.logger.Info("worker deleted", "worker", worker.Name)
	return nil
}

// Start brings a worker's agent up. Also the way out of the failed state.
func (m *Manager) Start(ctx context.Context, id int64) (*storage.Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.State == state.WorkerStarted {
		return worker, nil
	}

	switch worker.WorkerType {
	case storage.WorkerTypeLocal:
		err = m.startLocal(ctx, worker)
	case storage.WorkerTypeRemote:
		err = m.startRemote(ctx, worker)
	default:
		err = fmt.Errorf("unknown worker type %q", worker.WorkerType)
	}
	if err != nil {
		worker.State = state.WorkerFailed
		worker.Status = state.WorkerError
		worker.ErrorMessage = err.Error()
		if serr := m.store.SaveWorker(ctx, worker); serr != nil {
			m.logger.Error("record worker failure", "worker", worker.Name, "error", serr)
		}
		return nil, err
	}

	worker.State = state.WorkerStarted
	worker.Status = state.WorkerOnline
	worker.ErrorMessage = ""
	now := time.Now().UTC()
	worker.LastSeen = &now
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	m.logger.Info("worker started", "worker", worker.Name)
	return worker, nil
}

// Stop shuts a worker's agent down.
func (m *Manager) Stop(ctx context.Context, id int64) (*storage.Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.State == state.WorkerStopped {
		return worker, nil
	}

	switch worker.WorkerType {
	case storage.WorkerTypeLocal:
		err = m.stopLocal(worker)
	case storage.WorkerTypeRemote:
		err = m.stopRemote(ctx, worker)
	}
	if err != nil {
		m.logger.Warn("stop worker agent", "worker", worker.Name, "error", err)
	}

	worker.State = state.WorkerStopped
	worker.Status = state.WorkerOffline
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	m.logger.Info("worker stopped", "worker", worker.Name)
	return worker, nil
}

// Pause keeps the agent running but excludes the worker from dispatch.
func (m *Manager) Pause(ctx context.Context, id int64) (*storage.Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.State != state.WorkerStarted {
		return nil, fmt.Errorf("worker %q is %s, only started workers pause", worker.Name, worker.State)
	}
	worker.State = state.WorkerPaused
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	return worker, nil
}

// Resume returns a paused worker to dispatch rotation.
func (m *Manager) Resume(ctx context.Context, id int64) (*storage.Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	switch worker.State {
	case state.WorkerPaused:
		worker.State = state.WorkerStarted
		if err := m.store.SaveWorker(ctx, worker); err != nil {
			return nil, err
		}
		return worker, nil
	case state.WorkerFailed:
		// Failed is sticky until an operator acts; resume restarts the agent.
		return m.Start(ctx, id)
	default:
		return nil, fmt.Errorf("worker %q is %s and cannot resume", worker.Name, worker.State)
	}
}
