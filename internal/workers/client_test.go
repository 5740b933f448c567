package workers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// testWorker points a worker record at an httptest server.
func testWorker(t *testing.T, srv *httptest.Server) *storage.Worker {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return &storage.Worker{Name: "w1", IPAddress: u.Hostname(), Port: port}
}

func TestAgentExecute(t *testing.T) {
	var got protocol.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(protocol.ExecuteResponse{ExecutionID: got.ExecutionID, PID: 123, Status: protocol.ExecRunning})
	}))
	defer srv.Close()

	c := NewAgentClient(time.Second)
	req := protocol.ExecuteRequest{ExecutionID: "default:1", Command: protocol.EncodeCommand("true")}
	if err := c.Execute(t.Context(), testWorker(t, srv), req); err != nil {
		t.Fatal(err)
	}
	if got.ExecutionID != "default:1" {
		t.Errorf("agent saw %q", got.ExecutionID)
	}
}

func TestAgentExecuteRejections(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{http.StatusTooManyRequests, "rejected job"},
		{http.StatusConflict, "rejected job"},
		{http.StatusInternalServerError, "Server error"},
		{http.StatusBadRequest, "rejected job"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))
		c := NewAgentClient(time.Second)
		err := c.Execute(t.Context(), testWorker(t, srv), protocol.ExecuteRequest{ExecutionID: "q:1"})
		srv.Close()
		if err == nil {
			t.Errorf("status %d: expected error", tt.code)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("status %d: error %q does not mention %q", tt.code, err, tt.want)
		}
	}
}

func TestAgentHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(protocol.Health{Status: protocol.HealthOK, RunningJobs: 2, MaxJobs: 4})
	}))
	defer srv.Close()

	c := NewAgentClient(time.Second)
	h, err := c.Health(t.Context(), testWorker(t, srv))
	if err != nil {
		t.Fatal(err)
	}
	if h.RunningJobs != 2 || h.MaxJobs != 4 {
		t.Errorf("health = %+v", h)
	}
}

func TestAgentStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewAgentClient(time.Second)
	if _, err := c.Status(t.Context(), testWorker(t, srv), "q:1"); err != storage.ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAgentCancelToleratesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewAgentClient(time.Second)
	if err := c.Cancel(t.Context(), testWorker(t, srv), "q:1"); err != nil {
		t.Errorf("cancel of finished execution errored: %v", err)
	}
}

func TestAgentUnreachable(t *testing.T) {
	c := NewAgentClient(200 * time.Millisecond)
	w := &storage.Worker{Name: "w1", IPAddress: "127.0.0.1", Port: 1}
	if err := c.Execute(t.Context(), w, protocol.ExecuteRequest{ExecutionID: "q:1"}); err == nil {
		t.Error("expected error for unreachable agent")
	}
}
