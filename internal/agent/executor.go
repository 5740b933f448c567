package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/shlex"

	"github.com/ehrlich-b/dispatch/internal/protocol"
)

// execution is one running (or finished) command.
type execution struct {
	id  string
	cmd *exec.Cmd

	mu       sync.Mutex
	status   string
	exitCode *int

	done chan struct{}
}

func (e *execution) snapshot() protocol.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := protocol.ExecutionStatus{ExecutionID: e.id, Status: e.status, ExitCode: e.exitCode}
	if e.cmd.Process != nil {
		st.PID = e.cmd.Process.Pid
	}
	return st
}

func (e *execution) setStatus(status string) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

// startExecution launches the command under a PTY and streams its output
// lines to the broker. The shell sees a terminal, so tools keep their
// line-buffered, colorized behavior.
func (a *Agent) startExecution(id, command string, args []string) (*execution, error) {
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("parse command: %v", err)
	}
	argv = append(argv, args...)

	cmd := exec.Command(argv[0], argv[1:]...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("Failed to start command: %w", err)
	}

	e := &execution{id: id, cmd: cmd, status: protocol.ExecRunning, done: make(chan struct{})}

	go func() {
		defer close(e.done)
		defer f.Close()

		a.pump(id, f)

		err := cmd.Wait()
		code := exitCode(err)
		e.mu.Lock()
		e.exitCode = &code
		// Cancelled executions keep their status; the kill signal is ours.
		if e.status == protocol.ExecRunning {
			if code == 0 {
				e.status = protocol.ExecCompleted
			} else {
				e.status = protocol.ExecFailed
			}
		}
		status := e.status
		e.mu.Unlock()

		a.finishExecution(e, status, code)
	}()

	return e, nil
}

// pump reads PTY output and ships complete lines. The read returns an error
// once the child exits and the slave side closes; everything buffered before
// that still gets shipped.
func (a *Agent) pump(id string, f io.Reader) {
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var lines []string
			lines, pending = splitLines(pending)
			for _, line := range lines {
				a.shipExecutionLine(id, line)
			}
		}
		if err != nil {
			break
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if line := sanitizeLine(pending); line != "" {
		a.shipExecutionLine(id, line)
	}
}

// splitLines returns the complete lines in buf and the trailing partial
// line. Carriage returns are stripped so PTY output looks like pipe output.
func splitLines(buf []byte) (lines []string, rest []byte) {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return lines, buf
		}
		lines = append(lines, sanitizeLine(buf[:i]))
		buf = buf[i+1:]
	}
}

// sanitizeLine strips carriage returns and replaces invalid UTF-8 so every
// shipped line is valid JSON string content.
func sanitizeLine(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return s
}

// cancel terminates the execution's process group: SIGTERM, a grace period,
// then SIGKILL.
func (e *execution) cancel() {
	e.setStatus(protocol.ExecCancelled)
	if e.cmd.Process == nil {
		return
	}
	pgid := e.cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-e.done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
