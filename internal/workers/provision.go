package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/dispatch/internal/crypto"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// Deployment step and overall statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"

	DeployRunning   = "running"
	DeployCompleted = "completed"
	DeployFailed    = "failed"
	DeployTimeout   = "timeout"
)

// DeploymentStep is one stage of a provisioning run.
type DeploymentStep struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Deployment is the progress record of one provisioning run.
type Deployment struct {
	Key        string           `json:"key"`
	WorkerName string           `json:"worker_name"`
	Status     string           `json:"status"`
	Steps      []DeploymentStep `json:"steps"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// DeploymentTracker records provisioning progress for polling. A run that
// stops reporting for longer than the staleness window is shown as timed
// out.
type DeploymentTracker struct {
	mu      sync.Mutex
	runs    map[string]*Deployment
	timeout time.Duration
}

// NewDeploymentTracker builds a tracker with the given staleness window.
func NewDeploymentTracker(timeout time.Duration) *DeploymentTracker {
	return &DeploymentTracker{runs: make(map[string]*Deployment), timeout: timeout}
}

// Begin registers a run keyed "<worker>_<epoch>" and returns its key.
func (t *DeploymentTracker) Begin(workerName string, steps []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	key := fmt.Sprintf("%s_%d", workerName, now.Unix())
	d := &Deployment{
		Key:        key,
		WorkerName: workerName,
		Status:     DeployRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for _, s := range steps {
		d.Steps = append(d.Steps, DeploymentStep{Name: s, Status: StepPending})
	}
	t.runs[key] = d
	return key
}

func (t *DeploymentTracker) update(key string, fn func(*Deployment)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.runs[key]
	if !ok {
		return
	}
	fn(d)
	d.UpdatedAt = time.Now().UTC()
}

// StartStep marks step i running.
func (t *DeploymentTracker) StartStep(key string, i int) {
	t.update(key, func(d *Deployment) {
		if i < len(d.Steps) {
			d.Steps[i].Status = StepRunning
		}
	})
}

// CompleteStep marks step i done.
func (t *DeploymentTracker) CompleteStep(key string, i int) {
	t.update(key, func(d *Deployment) {
		if i < len(d.Steps) {
			d.Steps[i].Status = StepCompleted
		}
	})
}

// Fail marks step i and the whole run failed.
func (t *DeploymentTracker) Fail(key string, i int, err error) {
	t.update(key, func(d *Deployment) {
		if i < len(d.Steps) {
			d.Steps[i].Status = StepFailed
			d.Steps[i].Error = err.Error()
		}
		d.Status = DeployFailed
	})
}

// Complete marks the run finished.
func (t *DeploymentTracker) Complete(key string) {
	t.update(key, func(d *Deployment) {
		d.Status = DeployCompleted
	})
}

// Get returns a snapshot of one run.
func (t *DeploymentTracker) Get(key string) (Deployment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.runs[key]
	if !ok {
		return Deployment{}, false
	}
	return t.snapshot(d), true
}

// Latest returns the most recent run for a worker.
func (t *DeploymentTracker) Latest(workerName string) (Deployment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var latest *Deployment
	for _, d := range t.runs {
		if d.WorkerName != workerName {
			continue
		}
		if latest == nil || d.StartedAt.After(latest.StartedAt) {
			latest = d
		}
	}
	if latest == nil {
		return Deployment{}, false
	}
	return t.snapshot(latest), true
}

func (t *DeploymentTracker) snapshot(d *Deployment) Deployment {
	out := *d
	out.Steps = append([]DeploymentStep(nil), d.Steps...)
	if out.Status == DeployRunning && time.Since(d.UpdatedAt) > t.timeout {
		out.Status = DeployTimeout
	}
	return out
}

// provisionSteps are the stages of deploying a remote worker, in order.
var provisionSteps = []string{
	"Validate SSH connection",
	"Generate SSH keypair",
	"Install public key",
	"Verify key authentication",
	"Create remote directories",
	"Install agent binary",
	"Start agent",
}

// provision deploys a remote worker end to end, reporting progress through
// the deployment tracker. Runs in its own goroutine.
func (m *Manager) provision(worker *storage.Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key := m.deployments.Begin(worker.Name, provisionSteps)
	logger := m.logger.With("worker", worker.Name, "deployment", key)

	fail := func(step int, err error) {
		logger.Error("provisioning failed", "step", provisionSteps[step], "error", err)
		m.deployments.Fail(key, step, err)
		crypto.RemoveKeyPair(worker.SSHPrivateKey)
		worker.SSHPrivateKey = ""
		worker.Status = state.WorkerError
		worker.State = state.WorkerFailed
		worker.ErrorMessage = err.Error()
		if serr := m.store.SaveWorker(ctx, worker); serr != nil {
			logger.Error("record provisioning failure", "error", serr)
		}
	}

	// Step 0: password connection works at all.
	m.deployments.StartStep(key, 0)
	client, err := m.sshDial(worker)
	if err != nil {
		fail(0, err)
		return
	}
	client.Close()
	m.deployments.CompleteStep(key, 0)

	// Step 1: fresh keypair under the prefix.
	m.deployments.StartStep(key, 1)
	kp, err := crypto.GenerateKeyPair(keyComment(worker))
	if err != nil {
		fail(1, err)
		return
	}
	keyName := fmt.Sprintf("%s-%s", worker.Addr(), worker.SSHUser)
	privPath, _, err := crypto.WriteKeyPair(kp, m.cfg.SSHKeyDir(), keyName)
	if err != nil {
		fail(1, err)
		return
	}
	worker.SSHPrivateKey = privPath
	m.deployments.CompleteStep(key, 1)

	// Step 2: append our public key remotely.
	m.deployments.StartStep(key, 2)
	client, err = m.sshDial(worker)
	if err != nil {
		fail(2, err)
		return
	}
	install := fmt.Sprintf("mkdir -p ~/.ssh && chmod 700 ~/.ssh && echo %s >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys",
		shellQuote(strings.TrimRight(string(kp.AuthorizedKey), "\n")))
	if _, err := runSSH(client, install); err != nil {
		client.Close()
		fail(2, err)
		return
	}
	client.Close()
	m.deployments.CompleteStep(key, 2)

	// Step 3: the key actually authenticates.
	m.deployments.StartStep(key, 3)
	worker.AuthMethod = storage.AuthKey
	client, err = m.sshDial(worker)
	if err != nil {
		worker.AuthMethod = storage.AuthPassword
		fail(3, err)
		return
	}
	m.deployments.CompleteStep(key, 3)

	// Step 4: layout on the remote host.
	m.deployments.StartStep(key, 4)
	if _, err := runSSH(client, "mkdir -p ~/.dispatch/bin ~/.dispatch/log ~/.dispatch/tmp"); err != nil {
		client.Close()
		fail(4, err)
		return
	}
	m.deployments.CompleteStep(key, 4)

	// Step 5: the agent binary must be on PATH or under the prefix.
	m.deployments.StartStep(key, 5)
	if _, err := runSSH(client, "command -v dispatch >/dev/null || test -x ~/.dispatch/bin/dispatch"); err != nil {
		client.Close()
		fail(5, fmt.Errorf("dispatch binary not found on %s; install it on the worker host", worker.Addr()))
		return
	}
	client.Close()
	m.deployments.CompleteStep(key, 5)

	// Step 6: bring the agent up.
	m.deployments.StartStep(key, 6)
	if err := m.startRemote(ctx, worker); err != nil {
		fail(6, err)
		return
	}
	m.deployments.CompleteStep(key, 6)
	m.deployments.Complete(key)

	worker.Password = ""
	worker.Status = state.WorkerOnline
	worker.State = state.WorkerStarted
	worker.ErrorMessage = ""
	now := time.Now().UTC()
	worker.LastSeen = &now
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		logger.Error("record provisioned worker", "error", err)
		return
	}
	logger.Info("worker provisioned")
}
