// Package agent is the worker-side process: a small HTTP API that accepts
// command executions, runs them under a PTY, ships their output to the log
// broker line by line, and reports terminal status back to the backend.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/ehrlich-b/dispatch/internal/broker"
	"github.com/ehrlich-b/dispatch/internal/protocol"
)

// Config configures one agent process.
type Config struct {
	Name       string // worker name, used in self-logs
	Port       int
	MaxJobs    int
	Broker     broker.Options
	BackendURL string // base URL for status callbacks, e.g. http://127.0.0.1:8080
}

// Agent runs executions and serves the worker API.
type Agent struct {
	cfg    Config
	redis  *redis.Client
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	maxJobs int
	execs   map[string]*execution
}

// New builds an agent.
func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	return &Agent{
		cfg:     cfg,
		redis:   broker.NewClient(cfg.Broker),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		maxJobs: cfg.MaxJobs,
		execs:   make(map[string]*execution),
	}
}

// Run serves the agent API until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: a.Router(),
	}

	a.shipSelfLog(fmt.Sprintf("agent %s listening on port %d", a.cfg.Name, a.cfg.Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.shipSelfLog(fmt.Sprintf("agent %s shutting down", a.cfg.Name))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	a.redis.Close()
	return nil
}

// Router builds the agent's HTTP API.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/execute", a.handleExecute)
	r.Get("/status/{executionID}", a.handleStatus)
	r.Delete("/execute/{executionID}", a.handleCancel)
	r.Get("/health", a.handleHealth)
	r.Put("/config", a.handleConfig)
	return r
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExecutionID == "" {
		httpError(w, http.StatusBadRequest, "execution_id is required")
		return
	}
	command, err := protocol.DecodeCommand(req.Command)
	if err != nil {
		httpError(w, http.StatusBadRequest, "command is not valid base64")
		return
	}
	var args []string
	for _, enc := range req.Args {
		arg, err := protocol.DecodeCommand(enc)
		if err != nil {
			httpError(w, http.StatusBadRequest, "argument is not valid base64")
			return
		}
		args = append(args, arg)
	}

	a.mu.Lock()
	if running := a.runningLocked(); running >= a.maxJobs {
		a.mu.Unlock()
		httpError(w, http.StatusTooManyRequests, "agent at capacity")
		return
	}
	if e, ok := a.execs[req.ExecutionID]; ok {
		if st := e.snapshot(); st.Status == protocol.ExecRunning {
			a.mu.Unlock()
			httpError(w, http.StatusConflict, "execution already running")
			return
		}
	}
	a.mu.Unlock()

	e, err := a.startExecution(req.ExecutionID, command, args)
	if err != nil {
		a.shipSelfLog(fmt.Sprintf("execution %s failed to start: %v", req.ExecutionID, err))
		a.callback(protocol.StatusCallback{
			ExecutionID: req.ExecutionID,
			Status:      protocol.CallbackFailed,
			Error:       err.Error(),
		})
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.mu.Lock()
	a.execs[req.ExecutionID] = e
	a.mu.Unlock()

	a.logger.Info("execution started", "execution_id", req.ExecutionID, "pid", e.cmd.Process.Pid)
	a.callback(protocol.StatusCallback{
		ExecutionID: req.ExecutionID,
		Status:      protocol.CallbackStarted,
		PID:         e.cmd.Process.Pid,
	})

	writeJSON(w, http.StatusOK, protocol.ExecuteResponse{
		ExecutionID: req.ExecutionID,
		PID:         e.cmd.Process.Pid,
		Status:      protocol.ExecStarted,
	})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	a.mu.Lock()
	e, ok := a.execs[id]
	a.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "unknown execution")
		return
	}
	writeJSON(w, http.StatusOK, e.snapshot())
}

func (a *Agent) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	a.mu.Lock()
	e, ok := a.execs[id]
	a.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "unknown execution")
		return
	}
	if st := e.snapshot(); st.Status != protocol.ExecRunning {
		httpError(w, http.StatusNotFound, "execution already finished")
		return
	}

	a.shipSelfLog(fmt.Sprintf("cancelling execution %s", id))
	e.cancel()
	writeJSON(w, http.StatusOK, e.snapshot())
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	running := a.runningLocked()
	max := a.maxJobs
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.Health{Status: protocol.HealthOK, RunningJobs: running, MaxJobs: max})
}

func (a *Agent) handleConfig(w http.ResponseWriter, r *http.Request) {
	var update protocol.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.MaxJobs <= 0 {
		httpError(w, http.StatusBadRequest, "max_jobs must be positive")
		return
	}
	a.mu.Lock()
	a.maxJobs = update.MaxJobs
	a.mu.Unlock()
	a.shipSelfLog(fmt.Sprintf("max_jobs updated to %d", update.MaxJobs))
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) runningLocked() int {
	n := 0
	for _, e := range a.execs {
		if st := e.snapshot(); st.Status == protocol.ExecRunning {
			n++
		}
	}
	return n
}

// finishExecution reports a terminal execution to the backend.
func (a *Agent) finishExecution(e *execution, status string, code int) {
	a.shipExecutionLine(e.id, fmt.Sprintf("Process exited with code %d", code))

	cb := protocol.StatusCallback{ExecutionID: e.id, ExitCode: &code}
	switch status {
	case protocol.ExecCompleted:
		cb.Status = protocol.CallbackCompleted
	case protocol.ExecCancelled:
		cb.Status = protocol.CallbackFailed
		cb.Error = "Job cancelled"
	default:
		cb.Status = protocol.CallbackFailed
		cb.Error = fmt.Sprintf("Process exited with code %d", code)
	}
	a.callback(cb)
	a.logger.Info("execution finished", "execution_id", e.id, "status", status, "exit_code", code)
}

// callback posts a status change to the backend. Failures are logged, not
// fatal: the backend also learns about dead executions via health probes.
func (a *Agent) callback(cb protocol.StatusCallback) {
	if a.cfg.BackendURL == "" {
		return
	}
	body, err := json.Marshal(cb)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BackendURL+"/api/node/status", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("status callback failed", "execution_id", cb.ExecutionID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("status callback rejected", "execution_id", cb.ExecutionID, "code", resp.StatusCode)
	}
}

// shipExecutionLine pushes one job output line to the broker.
func (a *Agent) shipExecutionLine(executionID, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := broker.PushLog(ctx, a.redis, protocol.NewExecutionLog(executionID, line)); err != nil {
		a.logger.Warn("ship log line", "execution_id", executionID, "error", err)
	}
}

// shipSelfLog pushes an agent self-log line to the broker.
func (a *Agent) shipSelfLog(line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := broker.PushLog(ctx, a.redis, protocol.NewWorkerLog(a.cfg.Name, line)); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("ship self log", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
