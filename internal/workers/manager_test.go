package workers

import (
	"testing"
	"time"

	"github.com/ehrlich-b/dispatch/internal/config"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Prefix: t.TempDir(), Listen: ":8080"}
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 6379
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return NewManager(store, cfg, NewAgentClient(time.Second), "secret", nil), store
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty name", CreateRequest{WorkerType: storage.WorkerTypeLocal}},
		{"reserved name", CreateRequest{Name: storage.SystemWorkerName, WorkerType: storage.WorkerTypeLocal}},
		{"bad type", CreateRequest{Name: "w", WorkerType: "container"}},
		{"remote without host", CreateRequest{Name: "w", WorkerType: storage.WorkerTypeRemote, SSHUser: "deploy"}},
		{"remote without user", CreateRequest{Name: "w", WorkerType: storage.WorkerTypeRemote, Hostname: "h"}},
	}
	for _, tc := range cases {
		if _, err := m.Create(ctx, tc.req); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestCreateLocalWorker(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	if w.MaxJobs != 1 {
		t.Errorf("max jobs defaulted to %d", w.MaxJobs)
	}
	if w.Port == 0 {
		t.Error("no port assigned")
	}
	if w.State != state.WorkerStopped || w.Status != state.WorkerOffline {
		t.Errorf("fresh worker is %s/%s", w.State, w.Status)
	}
	if w.LogFilePath == "" {
		t.Error("no log file path")
	}

	got, err := store.GetWorkerByName(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != w.ID {
		t.Errorf("lookup mismatch")
	}
}

func TestDeleteGuards(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	system, err := store.GetWorkerByName(ctx, storage.SystemWorkerName)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, system.ID); err == nil {
		t.Error("System worker deletion allowed")
	}

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	w.State = state.WorkerStarted
	if err := store.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, w.ID); err == nil {
		t.Error("started worker deletion allowed")
	}

	w.State = state.WorkerStopped
	if err := store.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPauseResume(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}

	// Only started workers pause.
	if _, err := m.Pause(ctx, w.ID); err == nil {
		t.Error("paused a stopped worker")
	}

	w.State = state.WorkerStarted
	w.Status = state.WorkerOnline
	if err := store.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	w, err = m.Pause(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.State != state.WorkerPaused {
		t.Errorf("state = %s", w.State)
	}
	// Pausing leaves the agent up.
	if w.Status != state.WorkerOnline {
		t.Errorf("status = %s", w.Status)
	}

	w, err = m.Resume(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.State != state.WorkerStarted {
		t.Errorf("state = %s", w.State)
	}
}

func TestResumeRejectsStopped(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := m.Create(t.Context(), CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resume(t.Context(), w.ID); err == nil {
		t.Error("resumed a stopped worker")
	}
}

func TestSetMaxJobs(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal, MaxJobs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetMaxJobs(ctx, w.ID, 0); err == nil {
		t.Error("accepted zero max_jobs")
	}
	w, err = m.SetMaxJobs(ctx, w.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if w.MaxJobs != 5 {
		t.Errorf("max jobs = %d", w.MaxJobs)
	}
}

func TestReapExitedLocalAgent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	w.State = state.WorkerStarted
	w.Status = state.WorkerOnline
	if err := store.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	// A tracked process whose reaper has already run.
	done := make(chan struct{})
	close(done)
	m.mu.Lock()
	m.procs[w.ID] = &localProc{done: done}
	m.mu.Unlock()

	if !m.reapLocal(ctx, w) {
		t.Fatal("exited agent not reaped")
	}
	got, err := store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != state.WorkerStopped || got.Status != state.WorkerOffline {
		t.Errorf("reaped worker is %s/%s", got.State, got.Status)
	}
	m.mu.Lock()
	_, stillTracked := m.procs[w.ID]
	m.mu.Unlock()
	if stillTracked {
		t.Error("reaped process still tracked")
	}
}

func TestReapLeavesLiveAgentAlone(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	w, err := m.Create(ctx, CreateRequest{Name: "w1", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	w.State = state.WorkerStarted
	w.Status = state.WorkerOnline
	if err := store.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	m.procs[w.ID] = &localProc{done: make(chan struct{})}
	m.mu.Unlock()

	if m.reapLocal(ctx, w) {
		t.Fatal("live agent reaped")
	}
	got, _ := store.GetWorker(ctx, w.ID)
	if got.State != state.WorkerStarted {
		t.Errorf("state = %s", got.State)
	}
}

func TestAdoptLocalWithoutMatchingProcess(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.Create(t.Context(), CreateRequest{Name: "no-such-agent", WorkerType: storage.WorkerTypeLocal})
	if err != nil {
		t.Fatal(err)
	}
	m.adoptLocal(w)
	m.mu.Lock()
	_, adopted := m.adopted[w.ID]
	m.mu.Unlock()
	if adopted {
		t.Error("adopted a worker with no agent process")
	}
}

func TestDeploymentTracker(t *testing.T) {
	tr := NewDeploymentTracker(time.Minute)

	key := tr.Begin("w1", []string{"a", "b", "c"})
	if _, ok := tr.Get("nope"); ok {
		t.Error("found unknown deployment")
	}

	tr.StartStep(key, 0)
	tr.CompleteStep(key, 0)
	tr.StartStep(key, 1)

	d, ok := tr.Get(key)
	if !ok {
		t.Fatal("deployment not found")
	}
	if d.Status != DeployRunning {
		t.Errorf("status = %s", d.Status)
	}
	if d.Steps[0].Status != StepCompleted || d.Steps[1].Status != StepRunning || d.Steps[2].Status != StepPending {
		t.Errorf("steps = %+v", d.Steps)
	}

	tr.Fail(key, 1, errSentinel)
	d, _ = tr.Get(key)
	if d.Status != DeployFailed || d.Steps[1].Error == "" {
		t.Errorf("after fail: %+v", d)
	}

	// Latest picks the newest run for the worker.
	key2 := tr.Begin("w1", []string{"a"})
	tr.Complete(key2)
	latest, ok := tr.Latest("w1")
	if !ok || latest.Key != key2 || latest.Status != DeployCompleted {
		t.Errorf("latest = %+v", latest)
	}
	if _, ok := tr.Latest("other"); ok {
		t.Error("found deployment for unknown worker")
	}
}

func TestDeploymentTimeout(t *testing.T) {
	tr := NewDeploymentTracker(time.Millisecond)
	key := tr.Begin("w1", []string{"a"})
	time.Sleep(5 * time.Millisecond)
	d, _ := tr.Get(key)
	if d.Status != DeployTimeout {
		t.Errorf("status = %s, want timeout", d.Status)
	}
}

var errSentinel = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
