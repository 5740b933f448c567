// Package cli implements the dispatch command line: an API client for the
// backend, terminal rendering, and the long-running server and agent
// entrypoints the subcommands hand off to.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the backend HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Job is the API shape of a job.
type Job struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	Status             string          `json:"status"`
	Progress           int             `json:"progress"`
	Result             json.RawMessage `json:"result,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	QueueName          string          `json:"queue_name,omitempty"`
	AssignedWorkerName string          `json:"assigned_worker_name,omitempty"`
	Retries            int             `json:"retries"`
	MaxRetries         int             `json:"max_retries"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Spec is the API shape of a specification.
type Spec struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Command     string `json:"command"`
	IsActive    bool   `json:"is_active"`
}

// Queue is the API shape of a queue.
type Queue struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Priority  string `json:"priority"`
	Strategy  string `json:"strategy"`
	IsDefault bool   `json:"is_default"`
}

// Worker is the API shape of a worker.
type Worker struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	WorkerType string `json:"worker_type"`
	Hostname   string `json:"hostname,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	Port       int    `json:"port,omitempty"`
	MaxJobs    int    `json:"max_jobs"`
	Status     string `json:"status"`
	State      string `json:"state"`
}

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	SpecName    string         `json:"spec_name"`
	QueueName   string         `json:"queue_name,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	RuntimeArgs map[string]any `json:"runtime_args,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
}

func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, status, queue string, limit int) ([]Job, error) {
	path := fmt.Sprintf("/api/jobs?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	if queue != "" {
		path += "&queue=" + queue
	}
	var jobs []Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%d", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/cancel", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) RetryJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/retry", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) DeleteJob(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/jobs/%d", id), nil, nil)
}

// JobLogs fetches the full log file of a job.
func (c *Client) JobLogs(ctx context.Context, id int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fmt.Sprintf("/api/jobs/%d/logs", id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Statistics(ctx context.Context, days int) (map[string]any, error) {
	var stats map[string]any
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/statistics?days=%d", days), nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) CreateSpec(ctx context.Context, name, command, description, createdBy string) (*Spec, error) {
	var spec Spec
	body := map[string]string{"name": name, "command": command, "description": description, "created_by": createdBy}
	if err := c.do(ctx, http.MethodPost, "/api/specs", body, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (c *Client) ListSpecs(ctx context.Context) ([]Spec, error) {
	var specs []Spec
	if err := c.do(ctx, http.MethodGet, "/api/specs", nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (c *Client) DeleteSpec(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/specs/%d", id), nil, nil)
}

func (c *Client) CreateQueue(ctx context.Context, name, priority, strategy string) (*Queue, error) {
	var queue Queue
	body := map[string]string{"name": name, "priority": priority, "strategy": strategy}
	if err := c.do(ctx, http.MethodPost, "/api/queues", body, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

func (c *Client) ListQueues(ctx context.Context) ([]Queue, error) {
	var queues []Queue
	if err := c.do(ctx, http.MethodGet, "/api/queues", nil, &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

func (c *Client) DeleteQueue(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/queues/%d", id), nil, nil)
}

// QueueAction posts a lifecycle action: start, stop or pause.
func (c *Client) QueueAction(ctx context.Context, id int64, action string) (*Queue, error) {
	var queue Queue
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/queues/%d/%s", id, action), nil, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

func (c *Client) AssignWorker(ctx context.Context, queueID, workerID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/queues/%d/workers/%d", queueID, workerID), nil, nil)
}

func (c *Client) UnassignWorker(ctx context.Context, queueID, workerID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/queues/%d/workers/%d", queueID, workerID), nil, nil)
}

// CreateWorkerRequest is the body of POST /api/workers.
type CreateWorkerRequest struct {
	Name       string `json:"name"`
	WorkerType string `json:"worker_type"`
	Hostname   string `json:"hostname,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	Port       int    `json:"port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
	Password   string `json:"password,omitempty"`
	Provision  bool   `json:"provision,omitempty"`
	MaxJobs    int    `json:"max_jobs,omitempty"`
}

func (c *Client) CreateWorker(ctx context.Context, req CreateWorkerRequest) (*Worker, error) {
	var worker Worker
	if err := c.do(ctx, http.MethodPost, "/api/workers", req, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	var list []Worker
	if err := c.do(ctx, http.MethodGet, "/api/workers", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) DeleteWorker(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/workers/%d", id), nil, nil)
}

// WorkerAction posts a lifecycle action: start, stop, pause or resume.
func (c *Client) WorkerAction(ctx context.Context, id int64, action string) (*Worker, error) {
	var worker Worker
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/workers/%d/%s", id, action), nil, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// WorkerDeployment fetches provisioning progress for a remote worker.
func (c *Client) WorkerDeployment(ctx context.Context, id int64) (map[string]any, error) {
	var d map[string]any
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workers/%d/deployment", id), nil, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
