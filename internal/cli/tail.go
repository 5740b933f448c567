package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// FollowJobLogs streams a job's log over the backend websocket endpoint,
// writing chunks to w until the stream closes or the context is cancelled.
func (c *Client) FollowJobLogs(ctx context.Context, id int64, w io.Writer) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/api/jobs/%d/logs/tail", id)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return apiError(resp)
		}
		return fmt.Errorf("connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if strings.Contains(err.Error(), "use of closed") {
				return nil
			}
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
}
