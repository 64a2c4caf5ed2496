package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/sling/internal/protocol"
	"github.com/gorilla/websocket"
)

// statusPollInterval paces the job status checks that end a follow once the
// job reaches a terminal state. The log stream itself carries no status.
const statusPollInterval = 2 * time.Second

// FollowLogs streams a job's log bursts to out: persisted history first,
// then live output. It returns when the job reaches a terminal state, the
// context is cancelled, or the connection drops.
func FollowLogs(ctx context.Context, client *Client, jobID int64, out io.Writer) error {
	ticket, err := client.WSTicket(ctx, "logs", jobID)
	if err != nil {
		return fmt.Errorf("request ticket: %w", err)
	}

	wsURL := strings.Replace(client.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/ws/logs/%d?ticket=%s", wsURL, jobID, ticket)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to log stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect to log stream: %w", err)
	}
	defer conn.Close()

	// Close the connection once the job finishes or the caller gives up;
	// ReadMessage below unblocks on close.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer conn.Close()
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				job, err := client.GetJob(watchCtx, jobID)
				if err != nil {
					continue
				}
				if job.Status == "success" || job.Status == "failure" {
					// Give in-flight frames a moment to land.
					time.Sleep(500 * time.Millisecond)
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "close") {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}

		var entry protocol.LogEvent
		if err := json.Unmarshal(message, &entry); err != nil {
			continue
		}
		fmt.Fprint(out, entry.Content)
	}
}
