package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ehrlich-b/dispatch/internal/broker"
	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want func(t *testing.T, ev LineEvents)
	}{
		{"plain", "building target", func(t *testing.T, ev LineEvents) {
			if ev.Progress != nil || ev.Result != nil || ev.HasError {
				t.Errorf("events on plain line: %+v", ev)
			}
		}},
		{"progress", "step 3 done PROGRESS=42", func(t *testing.T, ev LineEvents) {
			if ev.Progress == nil || *ev.Progress != 42 {
				t.Errorf("progress = %v", ev.Progress)
			}
		}},
		{"progress out of range", "PROGRESS=150", func(t *testing.T, ev LineEvents) {
			if ev.Progress != nil {
				t.Errorf("accepted out-of-range progress")
			}
		}},
		{"quoted result", "RESULT='all green'", func(t *testing.T, ev LineEvents) {
			if string(ev.Result) != `"all green"` {
				t.Errorf("result = %s", ev.Result)
			}
		}},
		{"json result", `RESULT={"artifacts":3}`, func(t *testing.T, ev LineEvents) {
			if string(ev.Result) != `{"artifacts":3}` {
				t.Errorf("result = %s", ev.Result)
			}
		}},
		{"malformed json result", `RESULT={broken`, func(t *testing.T, ev LineEvents) {
			if string(ev.Result) != `"{broken"` {
				t.Errorf("result = %s", ev.Result)
			}
		}},
		{"quoted error", "ERROR='disk full'", func(t *testing.T, ev LineEvents) {
			if !ev.HasError || ev.Error != "disk full" {
				t.Errorf("error = %q", ev.Error)
			}
		}},
		{"json error with message", `ERROR={"message":"boom","code":2}`, func(t *testing.T, ev LineEvents) {
			if ev.Error != "boom" {
				t.Errorf("error = %q", ev.Error)
			}
		}},
		{"json error without message", `ERROR={"code":2}`, func(t *testing.T, ev LineEvents) {
			if ev.Error != `{"code":2}` {
				t.Errorf("error = %q", ev.Error)
			}
		}},
		{"progress and result on one line", "PROGRESS=100 RESULT='done'", func(t *testing.T, ev LineEvents) {
			if ev.Progress == nil || *ev.Progress != 100 || string(ev.Result) != `"done"` {
				t.Errorf("events = %+v", ev)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, ParseLine(tt.line, nil))
		})
	}
}

type warnRecorder struct {
	msgs []string
}

func (r *warnRecorder) Warn(msg string, _ ...any) { r.msgs = append(r.msgs, msg) }

func TestParseLineWarnsOnOutOfRangeProgress(t *testing.T) {
	rec := &warnRecorder{}
	if ev := ParseLine("PROGRESS=150", rec); ev.Progress != nil {
		t.Errorf("accepted out-of-range progress")
	}
	if len(rec.msgs) != 1 {
		t.Errorf("warnings = %v", rec.msgs)
	}
	rec = &warnRecorder{}
	ParseLine("PROGRESS=80", rec)
	if len(rec.msgs) != 0 {
		t.Errorf("warned on valid progress: %v", rec.msgs)
	}
}

func TestFileSink(t *testing.T) {
	sink := newFileSink()
	defer sink.CloseAll()
	path := filepath.Join(t.TempDir(), "job_1.log")

	if err := sink.WriteLine(path, "one"); err != nil {
		t.Fatal(err)
	}
	sink.Close(path)
	sink.Close(path) // idempotent

	// Writes after close reopen transparently.
	if err := sink.WriteLine(path, "two"); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "one\ntwo\n" {
		t.Errorf("contents = %q", b)
	}
}

func newTestConsumer(t *testing.T) (*Consumer, *miniredis.Miniredis, *jobs.Service, storage.Storage, string) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	jobSvc := jobs.NewService(store, t.TempDir(), nil)
	workerLogDir := t.TempDir()
	opts := broker.Options{Host: srv.Host(), Port: srv.Server().Addr().Port}
	c := NewConsumer(opts, jobSvc, workerLogDir, nil, nil)
	return c, srv, jobSvc, store, workerLogDir
}

func push(t *testing.T, srv *miniredis.Miniredis, m protocol.LogMessage) {
	t.Helper()
	enc, err := protocol.EncodeLogMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	srv.Lpush(protocol.LogsKey, enc)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsumerFilesJobLines(t *testing.T) {
	c, srv, jobSvc, store, _ := newTestConsumer(t)
	ctx := t.Context()

	spec := &storage.Spec{Name: "build", Command: "make", IsActive: true}
	if err := store.CreateSpec(ctx, spec); err != nil {
		t.Fatal(err)
	}
	job, err := jobSvc.Create(ctx, jobs.CreateRequest{SpecName: "build"})
	if err != nil {
		t.Fatal(err)
	}

	execID := protocol.ExecutionID("default", job.ID)
	push(t, srv, protocol.NewExecutionLog(execID, "compiling"))
	push(t, srv, protocol.NewExecutionLog(execID, "PROGRESS=50"))

	c.Start()
	defer c.Stop()

	waitFor(t, "progress update", func() bool {
		got, err := jobSvc.Get(ctx, job.ID)
		return err == nil && got.Progress == 50
	})
	got, _ := jobSvc.Get(ctx, job.ID)
	// Progress implies the process is alive.
	if got.Status != state.JobRunning {
		t.Errorf("status = %s", got.Status)
	}

	// A result completes the job.
	push(t, srv, protocol.NewExecutionLog(execID, "RESULT='ok'"))
	waitFor(t, "result update", func() bool {
		got, err := jobSvc.Get(ctx, job.ID)
		return err == nil && string(got.Result) == `"ok"`
	})
	got, _ = jobSvc.Get(ctx, job.ID)
	if got.Status != state.JobCompleted || got.Progress != 100 {
		t.Errorf("status = %s progress = %d", got.Status, got.Progress)
	}

	b, err := os.ReadFile(got.LogFilePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"compiling", "PROGRESS=50", "RESULT='ok'"} {
		if !strings.Contains(string(b), line) {
			t.Errorf("log missing %q:\n%s", line, b)
		}
	}
}

func TestConsumerErrorKeywordFailsJob(t *testing.T) {
	c, srv, jobSvc, store, _ := newTestConsumer(t)
	ctx := t.Context()

	spec := &storage.Spec{Name: "build", Command: "make", IsActive: true}
	if err := store.CreateSpec(ctx, spec); err != nil {
		t.Fatal(err)
	}
	job, err := jobSvc.Create(ctx, jobs.CreateRequest{SpecName: "build"})
	if err != nil {
		t.Fatal(err)
	}

	push(t, srv, protocol.NewExecutionLog(protocol.ExecutionID("default", job.ID), "ERROR='out of memory'"))

	c.Start()
	defer c.Stop()

	waitFor(t, "job failure", func() bool {
		got, err := jobSvc.Get(ctx, job.ID)
		return err == nil && got.Status == state.JobFailed
	})
	got, _ := jobSvc.Get(ctx, job.ID)
	if got.ErrorMessage != "out of memory" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestConsumerWorkerLines(t *testing.T) {
	c, srv, _, _, workerLogDir := newTestConsumer(t)

	push(t, srv, protocol.NewWorkerLog("w1", "agent starting"))

	c.Start()
	defer c.Stop()

	path := filepath.Join(workerLogDir, "w1.log")
	waitFor(t, "worker log file", func() bool {
		_, err := os.Stat(path)
		return err == nil
	})

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(b))
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "] agent starting") {
		t.Errorf("worker line not stamped: %q", line)
	}
}

func TestConsumerDropsUnroutable(t *testing.T) {
	c, srv, _, _, _ := newTestConsumer(t)

	push(t, srv, protocol.LogMessage{Timestamp: "2026-01-01T00:00:00.000000", Message: "orphan"})
	push(t, srv, protocol.NewWorkerLog("w1", "after"))

	c.Start()
	defer c.Stop()

	// The consumer keeps going after a bad message.
	waitFor(t, "queue drained", func() bool {
		return !srv.Exists(protocol.LogsKey)
	})
}
