// Package protocol defines the wire types shared by the backend, the worker
// agent and the log broker: the agent HTTP contract, the status callback,
// and the base64-wrapped JSON log message shipped through the broker.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogsKey is the broker list all log messages are pushed to.
const LogsKey = "logs"

// Execution statuses reported by the worker agent. ExecStarted appears only
// in the /execute response; from then on the execution shows as running.
const (
	ExecStarted   = "started"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// HealthOK is the status a live agent reports on GET /health.
const HealthOK = "healthy"

// Callback statuses accepted by the backend node-status ingress.
const (
	CallbackStarted   = "started"
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// timestampLayout is ISO-8601 with microseconds, the format carried inside
// every broker log message.
const timestampLayout = "2006-01-02T15:04:05.000000"

// ExecuteRequest is the body of POST /execute on the worker agent. Command
// and each arg are base64-encoded for transport.
type ExecuteRequest struct {
	ExecutionID string   `json:"execution_id"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
}

// EncodeCommand base64-encodes a command or argument for transport.
func EncodeCommand(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode command: %w", err)
	}
	return string(b), nil
}

// ExecuteResponse is returned by POST /execute.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	PID         int    `json:"pid"`
	Status      string `json:"status"`
}

// ExecutionStatus is returned by GET /status/{execution_id}.
type ExecutionStatus struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	PID         int    `json:"pid"`
}

// Health is returned by GET /health.
type Health struct {
	Status      string `json:"status"`
	RunningJobs int    `json:"running_jobs"`
	MaxJobs     int    `json:"max_jobs"`
}

// ConfigUpdate is the body of PUT /config.
type ConfigUpdate struct {
	MaxJobs int `json:"max_jobs"`
}

// StatusCallback is posted by the agent to the backend at
// POST /api/node/status. It is the authoritative terminal signal for a job.
type StatusCallback struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	PID         int    `json:"pid,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
}

// LogMessage is one element of the broker's logs list, before base64
// wrapping. Exactly one of ExecutionID and WorkerName is set: execution
// messages are job output lines, worker messages are agent self-logs.
type LogMessage struct {
	ExecutionID string `json:"execution_id,omitempty"`
	WorkerName  string `json:"worker_name,omitempty"`
	Timestamp   string `json:"timestamp"`
	Message     string `json:"message"`
}

// NewExecutionLog builds a log message for a job output line, stamped now.
func NewExecutionLog(executionID, message string) LogMessage {
	return LogMessage{
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC().Format(timestampLayout),
		Message:     message,
	}
}

// NewWorkerLog builds an agent self-log message, stamped now.
func NewWorkerLog(workerName, message string) LogMessage {
	return LogMessage{
		WorkerName: workerName,
		Timestamp:  time.Now().UTC().Format(timestampLayout),
		Message:    message,
	}
}

// EncodeLogMessage serializes a log message for the broker list:
// base64(JSON).
func EncodeLogMessage(m LogMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal log message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeLogMessage reverses EncodeLogMessage.
func DecodeLogMessage(s string) (LogMessage, error) {
	var m LogMessage
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return m, fmt.Errorf("decode log element: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("unmarshal log element: %w", err)
	}
	return m, nil
}

// ExecutionID builds the correlation key "<queue>:<jobID>" used across the
// agent, the broker and the backend.
func ExecutionID(queueName string, jobID int64) string {
	return queueName + ":" + strconv.FormatInt(jobID, 10)
}

// SplitExecutionID reverses ExecutionID. The job id is the text after the
// last colon, so queue names containing colons still parse.
func SplitExecutionID(executionID string) (queueName string, jobID int64, err error) {
	i := strings.LastIndex(executionID, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed execution id %q", executionID)
	}
	jobID, err = strconv.ParseInt(executionID[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed execution id %q: %w", executionID, err)
	}
	return executionID[:i], jobID, nil
}

// TaggedValue is a RESULT=/ERROR= payload: either structured JSON or a
// plain string.
type TaggedValue struct {
	Structured json.RawMessage
	Plain      string
}

// IsStructured reports whether the value carries JSON.
func (v TaggedValue) IsStructured() bool {
	return v.Structured != nil
}

// ErrorText extracts the human-readable error text: the "message" field of
// a structured value when present, else the whole serialized value, else
// the plain string.
func (v TaggedValue) ErrorText() string {
	if !v.IsStructured() {
		return v.Plain
	}
	var obj map[string]any
	if err := json.Unmarshal(v.Structured, &obj); err == nil {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return string(v.Structured)
}
