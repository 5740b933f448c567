package workers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// localProc is a spawned agent subprocess. done closes once the process has
// been reaped.
type localProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// startLocal spawns the worker agent as a detached subprocess with its
// merged output going to the worker log file.
func (m *Manager) startLocal(ctx context.Context, worker *storage.Worker) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logFile, err := os.OpenFile(worker.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(self, "agent",
		"--name", worker.Name,
		"--port", strconv.Itoa(worker.Port),
		"--max-jobs", strconv.Itoa(worker.MaxJobs),
		"--broker-host", m.cfg.Broker.Host,
		"--broker-port", strconv.Itoa(m.cfg.Broker.Port),
		"--backend", "http://127.0.0.1"+m.cfg.Listen,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "DISPATCH_BROKER_PASSWORD="+m.secret)
	// New session so the agent gets its own process group; stop signals
	// then land on the agent and everything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Failed to start command: %w", err)
	}

	// The tracking entry stays after exit; the monitor reaps it and flips
	// the worker record.
	proc := &localProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(proc.done)
	}()

	// Give it a moment; a bad port or broker password kills it instantly.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.done:
		return fmt.Errorf("agent for %s exited immediately, see %s", worker.Name, worker.LogFilePath)
	case <-time.After(500 * time.Millisecond):
	}

	m.mu.Lock()
	m.procs[worker.ID] = proc
	m.mu.Unlock()

	m.logger.Info("local agent started", "worker", worker.Name, "pid", cmd.Process.Pid)
	return nil
}

// stopLocal terminates the agent's process group: SIGTERM, a grace period,
// then SIGKILL. Covers both spawned and adopted agents.
func (m *Manager) stopLocal(worker *storage.Worker) error {
	m.mu.Lock()
	proc := m.procs[worker.ID]
	delete(m.procs, worker.ID)
	pid, adopted := m.adopted[worker.ID]
	delete(m.adopted, worker.ID)
	m.mu.Unlock()

	if proc != nil {
		pgid := proc.cmd.Process.Pid
		syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-proc.done:
		case <-time.After(5 * time.Second):
			syscall.Kill(-pgid, syscall.SIGKILL)
			<-proc.done
		}
		return nil
	}

	if adopted {
		syscall.Kill(-pid, syscall.SIGTERM)
		deadline := time.Now().Add(5 * time.Second)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				syscall.Kill(-pid, syscall.SIGKILL)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return nil
}

// reapLocal checks whether the worker's agent process is gone and, if so,
// flips the record to stopped/offline. Returns true when the worker was
// reaped.
func (m *Manager) reapLocal(ctx context.Context, worker *storage.Worker) bool {
	m.mu.Lock()
	proc := m.procs[worker.ID]
	pid, adopted := m.adopted[worker.ID]
	m.mu.Unlock()

	switch {
	case proc != nil:
		select {
		case <-proc.done:
		default:
			return false
		}
		m.mu.Lock()
		if m.procs[worker.ID] == proc {
			delete(m.procs, worker.ID)
		}
		m.mu.Unlock()
	case adopted:
		if processAlive(pid) {
			return false
		}
		m.mu.Lock()
		delete(m.adopted, worker.ID)
		m.mu.Unlock()
	default:
		return false
	}

	m.logger.Warn("local agent exited", "worker", worker.Name)
	worker.State = state.WorkerStopped
	worker.Status = state.WorkerOffline
	if err := m.store.SaveWorker(ctx, worker); err != nil {
		m.logger.Error("record agent exit", "worker", worker.Name, "error", err)
	}
	return true
}

// adoptLocal scans the process table for an agent serving this worker that
// the manager did not spawn, e.g. one surviving a backend restart, and
// starts supervising it.
func (m *Manager) adoptLocal(worker *storage.Worker) {
	m.mu.Lock()
	_, tracked := m.procs[worker.ID]
	_, adopted := m.adopted[worker.ID]
	m.mu.Unlock()
	if tracked || adopted {
		return
	}
	pid, ok := findAgentProcess(worker.Name)
	if !ok {
		return
	}
	m.mu.Lock()
	m.adopted[worker.ID] = pid
	m.mu.Unlock()
	m.logger.Info("adopted running agent", "worker", worker.Name, "pid", pid)
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// findAgentProcess walks /proc looking for an agent invocation carrying
// the worker's name.
func findAgentProcess(name string) (int, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		argv := strings.Split(string(raw), "\x00")
		var isAgent, matchesName bool
		for i, arg := range argv {
			if arg == "agent" {
				isAgent = true
			}
			if arg == "--name" && i+1 < len(argv) && argv[i+1] == name {
				matchesName = true
			}
		}
		if isAgent && matchesName {
			return pid, true
		}
	}
	return 0, false
}
