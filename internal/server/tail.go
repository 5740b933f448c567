package server

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/dispatch/internal/state"
)

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API has no browser origin of its own; CLI and dashboard clients
	// connect from anywhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	tailPollInterval = 500 * time.Millisecond
	tailWriteWait    = 10 * time.Second
	tailChunkSize    = 32 * 1024
)

// handleJobLogTail streams a job's log file over a websocket: everything
// written so far, then appended chunks as they land, until the job reaches
// a terminal status and the file stops growing.
func (s *Server) handleJobLogTail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := tailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reads only matter for detecting the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	f, err := os.Open(job.LogFilePath)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "log not available"),
			time.Now().Add(tailWriteWait))
		return
	}
	defer f.Close()

	buf := make([]byte, tailChunkSize)
	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	terminal := state.Terminal(job.Status)
	for {
		drained := false
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, buf[:n]); err != nil {
					return
				}
			}
			if rerr == io.EOF {
				drained = true
				break
			}
			if rerr != nil {
				return
			}
		}

		// Terminal status observed before this drain means the writer is
		// done and the file is complete.
		if terminal && drained {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
				time.Now().Add(tailWriteWait))
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		if !terminal {
			if job, err = s.jobs.Get(r.Context(), id); err != nil {
				return
			}
			terminal = state.Terminal(job.Status)
		}
	}
}
