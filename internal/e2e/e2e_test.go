// Package e2e exercises the full pipeline in-process: a job submitted over
// the API is dispatched to a worker agent, executed under a PTY, its output
// shipped through the broker into the log consumer, and its terminal state
// reported back through the node-status callback.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ehrlich-b/dispatch/internal/agent"
	"github.com/ehrlich-b/dispatch/internal/broker"
	"github.com/ehrlich-b/dispatch/internal/config"
	"github.com/ehrlich-b/dispatch/internal/engine"
	"github.com/ehrlich-b/dispatch/internal/ingest"
	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/server"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
	"github.com/ehrlich-b/dispatch/internal/workers"
)

type pipeline struct {
	store   storage.Storage
	jobs    *jobs.Service
	engine  *engine.Engine
	backend *httptest.Server
}

// startPipeline wires storage, broker, engine, consumer, backend API and one
// live agent together, and registers the agent as a started worker on the
// default queue.
func startPipeline(t *testing.T) *pipeline {
	t.Helper()

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Prefix: t.TempDir()}
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatal(err)
	}

	redis := miniredis.RunT(t)
	brokerOpts := broker.Options{Host: redis.Host(), Port: redis.Server().Addr().Port}

	jobSvc := jobs.NewService(store, cfg.JobLogDir(), nil)
	agents := workers.NewAgentClient(5 * time.Second)
	eng := engine.New(store, jobSvc, agents, cfg.QueueLogDir(), 200*time.Millisecond, nil)
	mgr := workers.NewManager(store, cfg, agents, "", nil)

	consumer := ingest.NewConsumer(brokerOpts, jobSvc, cfg.WorkerLogDir(), nil, nil)
	consumer.Start()
	t.Cleanup(consumer.Stop)

	srv := server.New(store, jobSvc, eng, mgr, consumer, nil, nil)
	backend := httptest.NewServer(srv.Router())
	t.Cleanup(backend.Close)

	ag := agent.New(agent.Config{
		Name:       "e2e-worker",
		MaxJobs:    2,
		Broker:     brokerOpts,
		BackendURL: backend.URL,
	}, nil)
	agentSrv := httptest.NewServer(ag.Router())
	t.Cleanup(agentSrv.Close)

	u, err := url.Parse(agentSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	worker := &storage.Worker{
		Name:       "e2e-worker",
		WorkerType: storage.WorkerTypeLocal,
		IPAddress:  host,
		Port:       port,
		MaxJobs:    2,
		Status:     state.WorkerOnline,
		State:      state.WorkerStarted,
	}
	if err := store.CreateWorker(t.Context(), worker); err != nil {
		t.Fatal(err)
	}
	queue, err := store.GetDefaultQueue(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AssignWorker(t.Context(), queue.ID, worker.ID); err != nil {
		t.Fatal(err)
	}

	eng.Start()
	t.Cleanup(eng.Stop)

	return &pipeline{store: store, jobs: jobSvc, engine: eng, backend: backend}
}

func (p *pipeline) submit(t *testing.T, specName string, args map[string]any) int64 {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"spec_name": specName, "runtime_args": args})
	resp, err := http.Post(p.backend.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	var view struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	return view.ID
}

func (p *pipeline) waitForTerminal(t *testing.T, jobID int64) *storage.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for {
		job, err := p.jobs.Get(ctx, jobID)
		if err != nil {
			t.Fatal(err)
		}
		if state.Terminal(job.Status) {
			return job
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job %d stuck in %s", jobID, job.Status)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// waitForLog polls the job log until it contains want; the consumer keeps
// draining lines after the terminal callback lands.
func (p *pipeline) waitForLog(t *testing.T, job *storage.Job, want string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, _ := os.ReadFile(job.LogFilePath)
		if strings.Contains(string(data), want) {
			return string(data)
		}
		if time.Now().After(deadline) {
			t.Fatalf("log for job %d missing %q:\n%s", job.ID, want, data)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func mustSpec(t *testing.T, store storage.Storage, name, command string) {
	t.Helper()
	if err := store.CreateSpec(t.Context(), &storage.Spec{Name: name, Command: command, IsActive: true}); err != nil {
		t.Fatal(err)
	}
}

func TestFullPipelineSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pipeline test in short mode")
	}
	p := startPipeline(t)
	mustSpec(t, p.store, "greet", "echo hello {{who}}")

	jobID := p.submit(t, "greet", map[string]any{"who": "world"})
	job := p.waitForTerminal(t, jobID)

	if job.Status != state.JobCompleted {
		t.Fatalf("job = %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d", job.Progress)
	}
	if job.AssignedWorkerName != "e2e-worker" {
		t.Errorf("worker = %q", job.AssignedWorkerName)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("missing timestamps")
	}

	log := p.waitForLog(t, job, "hello world")
	if !strings.Contains(log, "Spec: greet") {
		t.Errorf("log missing header:\n%s", log)
	}
}

func TestFullPipelineFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pipeline test in short mode")
	}
	p := startPipeline(t)
	mustSpec(t, p.store, "broken", "sh -c 'echo ERROR=disk full; exit 2'")

	jobID := p.submit(t, "broken", nil)
	job := p.waitForTerminal(t, jobID)

	if job.Status != state.JobFailed {
		t.Fatalf("job = %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Error("failed job has no error message")
	}
	p.waitForLog(t, job, "ERROR=disk full")
}

func TestFullPipelineKeywords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pipeline test in short mode")
	}
	p := startPipeline(t)
	mustSpec(t, p.store, "report", `sh -c 'echo PROGRESS=40; echo RESULT={"rows":12}'`)

	jobID := p.submit(t, "report", nil)
	job := p.waitForTerminal(t, jobID)

	if job.Status != state.JobCompleted {
		t.Fatalf("job = %s (%s)", job.Status, job.ErrorMessage)
	}
	// The result lands via the consumer, which can trail the callback.
	deadline := time.Now().Add(10 * time.Second)
	for {
		j, err := p.jobs.Get(t.Context(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if len(j.Result) > 0 {
			var result map[string]any
			if err := json.Unmarshal(j.Result, &result); err != nil {
				t.Fatalf("result %s: %v", j.Result, err)
			}
			if fmt.Sprint(result["rows"]) != "12" {
				t.Errorf("result = %s", j.Result)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("result never captured")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
