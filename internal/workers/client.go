package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// AgentClient talks to worker agents over HTTP.
type AgentClient struct {
	client *http.Client
}

// NewAgentClient builds a client with the given per-request timeout.
func NewAgentClient(timeout time.Duration) *AgentClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AgentClient{client: &http.Client{Timeout: timeout}}
}

func agentURL(worker *storage.Worker, path string) string {
	return fmt.Sprintf("http://%s:%d%s", worker.Addr(), worker.Port, path)
}

// Execute submits a job to the agent. A 429 means the agent is at capacity,
// a 409 means the execution id is already running; both surface as errors
// carrying the agent's response body.
func (c *AgentClient) Execute(ctx context.Context, worker *storage.Worker, req protocol.ExecuteRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(worker, "/execute"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rejected job: agent at capacity")
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("rejected job: execution %s already running", req.ExecutionID)
	case resp.StatusCode >= 500:
		return fmt.Errorf("Server error: %s", readBody(resp.Body))
	default:
		return fmt.Errorf("rejected job: %s", readBody(resp.Body))
	}
}

// Status fetches the agent's view of one execution.
func (c *AgentClient) Status(ctx context.Context, worker *storage.Worker, executionID string) (*protocol.ExecutionStatus, error) {
	var out protocol.ExecutionStatus
	if err := c.getJSON(ctx, agentURL(worker, "/status/"+executionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the agent to terminate an execution.
func (c *AgentClient) Cancel(ctx context.Context, worker *storage.Worker, executionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, agentURL(worker, "/execute/"+executionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cancel execution: %s", readBody(resp.Body))
	}
	return nil
}

// Health probes the agent.
func (c *AgentClient) Health(ctx context.Context, worker *storage.Worker) (*protocol.Health, error) {
	var out protocol.Health
	if err := c.getJSON(ctx, agentURL(worker, "/health"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateConfig pushes a live settings change to the agent.
func (c *AgentClient) UpdateConfig(ctx context.Context, worker *storage.Worker, update protocol.ConfigUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, agentURL(worker, "/config"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update agent config: %s", readBody(resp.Body))
	}
	return nil
}

func (c *AgentClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(bytes.TrimSpace(b))
}
