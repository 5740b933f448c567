package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/dispatch/internal/config"
	"github.com/ehrlich-b/dispatch/internal/engine"
	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
	"github.com/ehrlich-b/dispatch/internal/workers"
)

// nullAgent accepts every execution without doing anything.
type nullAgent struct{}

func (nullAgent) Execute(ctx context.Context, worker *storage.Worker, req protocol.ExecuteRequest) error {
	return nil
}

type testEnv struct {
	store  storage.Storage
	jobs   *jobs.Service
	engine *engine.Engine
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
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

	jobSvc := jobs.NewService(store, cfg.JobLogDir(), nil)
	eng := engine.New(store, jobSvc, nullAgent{}, cfg.QueueLogDir(), 0, nil)
	mgr := workers.NewManager(store, cfg, workers.NewAgentClient(time.Second), "secret", nil)

	s := New(store, jobSvc, eng, mgr, nil, nil, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{store: store, jobs: jobSvc, engine: eng, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (e *testEnv) mustSpec(t *testing.T, name, command string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/specs", map[string]string{
		"name": name, "command": command,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create spec: %d %s", resp.StatusCode, body)
	}
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "ok") {
		t.Errorf("body = %s", body)
	}
	if got := resp.Header.Get("X-Request-Id"); got == "" {
		t.Error("missing request id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "dispatch_jobs_created_total") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}

func TestSpecLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/specs", map[string]string{
		"name": "deploy", "command": "deploy.sh {{env}}", "description": "ship it",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	spec := decodeInto[storage.Spec](t, body)
	if !spec.IsActive {
		t.Error("new spec should be active")
	}

	// Missing command is rejected.
	resp, _ = env.do(t, http.MethodPost, "/api/specs", map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad create: %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPut, fmt.Sprintf("/api/specs/%d", spec.ID), map[string]string{
		"command": "deploy.sh --safe {{env}}",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	updated := decodeInto[storage.Spec](t, body)
	if updated.Command != "deploy.sh --safe {{env}}" {
		t.Errorf("command = %q", updated.Command)
	}

	// Delete is a soft delete: the spec vanishes from the API and frees
	// its name for reuse.
	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/specs/%d", spec.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/specs/%d", spec.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/specs", map[string]string{
		"name": "deploy", "command": "deploy.sh v2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("recreate after delete: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/specs/9999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown spec: %d", resp.StatusCode)
	}
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t)
	env.mustSpec(t, "build", "make {{target}}")

	resp, body := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"spec_name":    "build",
		"runtime_args": map[string]any{"target": "dist"},
		"created_by":   "ci",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	view := decodeInto[jobView](t, body)
	if view.Status != state.JobPending {
		t.Errorf("status = %s", view.Status)
	}
	if view.QueueName != storage.DefaultQueueName {
		t.Errorf("queue = %q", view.QueueName)
	}
	if env.engine.QueueLength(storage.DefaultQueueName) != 1 {
		t.Error("job not admitted to queue")
	}

	// Unknown spec is rejected before a row is written.
	resp, _ = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"spec_name": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown spec: %d", resp.StatusCode)
	}
}

func TestSubmitJobToStoppedQueue(t *testing.T) {
	env := newTestEnv(t)
	env.mustSpec(t, "build", "make")

	resp, body := env.do(t, http.MethodPost, "/api/queues", map[string]any{
		"name": "frozen", "priority": "low",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create queue: %d %s", resp.StatusCode, body)
	}
	q := decodeInto[storage.Queue](t, body)

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/queues/%d/stop", q.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop queue: %d", resp.StatusCode)
	}

	// The job row exists but cannot be queued: it comes back failed.
	resp, _ = env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"spec_name": "build", "queue_name": "frozen",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("submit to stopped queue: %d", resp.StatusCode)
	}
	list, err := env.jobs.List(t.Context(), storage.JobFilter{Status: state.JobFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("failed jobs = %d", len(list))
	}
}

func TestNodeStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mustSpec(t, "build", "make")

	submit := func() jobView {
		resp, body := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"spec_name": "build"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit: %d %s", resp.StatusCode, body)
		}
		return decodeInto[jobView](t, body)
	}
	callback := func(jobID int64, cb protocol.StatusCallback) *http.Response {
		cb.ExecutionID = protocol.ExecutionID(storage.DefaultQueueName, jobID)
		resp, _ := env.do(t, http.MethodPost, "/api/node/status", cb)
		return resp
	}
	jobStatus := func(id int64) state.JobStatus {
		j, err := env.jobs.Get(t.Context(), id)
		if err != nil {
			t.Fatal(err)
		}
		return j.Status
	}

	exit := func(n int) *int { return &n }

	// started then completed with exit 0.
	j := submit()
	if resp := callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackStarted}); resp.StatusCode != http.StatusOK {
		t.Fatalf("started callback: %d", resp.StatusCode)
	}
	if got := jobStatus(j.ID); got != state.JobRunning {
		t.Errorf("after started: %s", got)
	}
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackCompleted, ExitCode: exit(0)})
	if got := jobStatus(j.ID); got != state.JobCompleted {
		t.Errorf("after completed: %s", got)
	}

	// completed with a nonzero exit code fails the job with the code.
	j = submit()
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackStarted})
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackCompleted, ExitCode: exit(3)})
	got, err := env.jobs.Get(t.Context(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.JobFailed || !strings.Contains(got.ErrorMessage, "exited with code 3") {
		t.Errorf("job = %s %q", got.Status, got.ErrorMessage)
	}

	// failed callback keeps an error message already set in band.
	j = submit()
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackStarted})
	if err := env.jobs.UpdateError(t.Context(), j.ID, "out of memory"); err != nil {
		t.Fatal(err)
	}
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackFailed, Error: "Process exited with code 1"})
	got, _ = env.jobs.Get(t.Context(), j.ID)
	if got.ErrorMessage != "out of memory" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	// A completed/exit-0 callback after an in-band failure is a no-op.
	j = submit()
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackStarted})
	env.jobs.UpdateError(t.Context(), j.ID, "bad checksum")
	callback(j.ID, protocol.StatusCallback{Status: protocol.CallbackCompleted, ExitCode: exit(0)})
	if got := jobStatus(j.ID); got != state.JobFailed {
		t.Errorf("failed job overwritten: %s", got)
	}

	// Unknown callback status.
	if resp := callback(j.ID, protocol.StatusCallback{Status: "exploded"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status: %d", resp.StatusCode)
	}
}

func TestCancelAndRetry(t *testing.T) {
	env := newTestEnv(t)
	env.mustSpec(t, "build", "make")

	resp, body := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"spec_name": "build"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	j := decodeInto[jobView](t, body)

	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/cancel", j.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", resp.StatusCode, body)
	}
	if decodeInto[jobView](t, body).Status != state.JobCancelled {
		t.Error("job not cancelled")
	}
	if env.engine.QueueLength(storage.DefaultQueueName) != 0 {
		t.Error("cancelled job still queued")
	}

	// Cancelled jobs do not retry; failed jobs clone a new row.
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/retry", j.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry cancelled: %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"spec_name": "build"})
	failed := decodeInto[jobView](t, body)
	env.engine.RemoveJob(storage.DefaultQueueName, failed.ID)
	if _, err := env.jobs.UpdateStatus(t.Context(), failed.ID, state.JobFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/retry", failed.ID), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry failed job: %d %s", resp.StatusCode, body)
	}
	clone := decodeInto[jobView](t, body)
	if clone.ID == failed.ID || clone.Status != state.JobPending {
		t.Errorf("clone = %+v", clone)
	}
}

func TestQueueWorkerAssignment(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workers", map[string]any{
		"name": "runner-1", "worker_type": "local", "max_jobs": 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create worker: %d %s", resp.StatusCode, body)
	}
	w := decodeInto[storage.Worker](t, body)

	q, err := env.store.GetDefaultQueue(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/queues/%d/workers/%d", q.ID, w.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("assign: %d", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/queues/%d/workers", q.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	assigned := decodeInto[[]storage.Worker](t, body)
	found := false
	for _, a := range assigned {
		if a.Name == "runner-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("runner-1 not assigned: %s", body)
	}

	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/queues/%d/workers/%d", q.ID, w.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unassign: %d", resp.StatusCode)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/workers", map[string]any{
		"name": "runner-1", "worker_type": "local",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	w := decodeInto[storage.Worker](t, body)
	if w.MaxJobs != 1 {
		t.Errorf("default max_jobs = %d", w.MaxJobs)
	}
	if strings.Contains(string(body), "Password") || strings.Contains(string(body), "private") {
		t.Errorf("credentials leaked: %s", body)
	}

	resp, body = env.do(t, http.MethodPut, fmt.Sprintf("/api/workers/%d", w.ID), map[string]any{"max_jobs": 4})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	if decodeInto[storage.Worker](t, body).MaxJobs != 4 {
		t.Error("max_jobs not updated")
	}

	resp, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/workers/%d", w.ID), map[string]any{"max_jobs": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero max_jobs: %d", resp.StatusCode)
	}

	// Pause requires a started worker.
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/workers/%d/pause", w.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause stopped worker: %d", resp.StatusCode)
	}

	// The System worker never deletes.
	sys, err := env.store.GetWorkerByName(t.Context(), storage.SystemWorkerName)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/workers/%d", sys.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete System: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/workers/%d", w.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
}

func TestJobLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.mustSpec(t, "build", "make")

	resp, body := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"spec_name": "build"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	j := decodeInto[jobView](t, body)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d/logs", j.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(body), "Spec: build") {
		t.Errorf("log header missing:\n%s", body)
	}
}
