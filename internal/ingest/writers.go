package ingest

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/dispatch/internal/protocol"
)

// fileSink keeps append handles open across writes and fsyncs every line,
// so a crash never loses acknowledged log output. A closed path transparently
// reopens if more lines arrive, which happens when broker delivery races a
// job's terminal callback.
type fileSink struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func newFileSink() *fileSink {
	return &fileSink{files: make(map[string]*os.File)}
}

// WriteLine appends one line (newline added) to path and fsyncs it.
func (s *fileSink) WriteLine(path, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log %s: %w", path, err)
		}
		s.files[path] = f
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write log %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync log %s: %w", path, err)
	}
	return nil
}

// Close releases the handle for one path. Closing an unknown or already
// closed path is a no-op.
func (s *fileSink) Close(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[path]; ok {
		f.Close()
		delete(s.files, path)
	}
}

// CloseAll releases every handle.
func (s *fileSink) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, f := range s.files {
		f.Close()
		delete(s.files, path)
	}
}

// workerLinePrefix stamps a worker self-log line with the message's own
// timestamp, falling back to arrival time when it does not parse.
func workerLinePrefix(m protocol.LogMessage) string {
	ts, err := time.Parse("2006-01-02T15:04:05.000000", m.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("[%s] %s", ts.Format("2006-01-02 15:04:05"), m.Message)
}
