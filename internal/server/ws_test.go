package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/sling/internal/protocol"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server, path, ticket string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?ticket=" + ticket
}

func readEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
}

func TestWSJobsReplayThenLive(t *testing.T) {
	env := newAPIEnv(t, true)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	jobID := env.seedJobVia(t)

	ticket, err := env.auth.IssueTicket("anonymous", protocol.UserGroup("anonymous"))
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/jobs", ticket), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Replay: the seeded job arrives first.
	var replayed protocol.JobEvent
	readEvent(t, conn, &replayed)
	if replayed.JobID != jobID || replayed.Status != "initial" {
		t.Errorf("replayed = %+v", replayed)
	}

	// Live: a status change is fanned out to the open connection.
	if _, err := env.store.UpdateJobStatus(context.Background(), jobID, storage.JobStatusSubmitted); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}
	env.hub.Publish(protocol.UserGroup("anonymous"), protocol.JobEvent{
		JobID:  jobID,
		Title:  "demo",
		Status: "submitted",
	})

	var live protocol.JobEvent
	readEvent(t, conn, &live)
	if live.JobID != jobID || live.Status != "submitted" {
		t.Errorf("live = %+v", live)
	}
}

func TestWSLogsReplay(t *testing.T) {
	env := newAPIEnv(t, true)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	jobID := env.seedJobVia(t)
	ctx := context.Background()
	for _, content := range []string{"line: 0\n", "line: 1\n"} {
		if _, err := env.store.AppendLog(ctx, jobID, "stdout", content, time.Now()); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
	}

	ticket, err := env.auth.IssueTicket("anonymous", protocol.JobGroup(jobID))
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(srv, "/ws/logs/"+strconv.FormatInt(jobID, 10), ticket), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var first, second protocol.LogEvent
	readEvent(t, conn, &first)
	readEvent(t, conn, &second)
	if first.Content != "line: 0\n" || second.Content != "line: 1\n" {
		t.Errorf("replay = %+v, %+v", first, second)
	}
	if first.Stream != "stdout" {
		t.Errorf("stream = %q", first.Stream)
	}
}

func TestWSRejectsInvalidTicket(t *testing.T) {
	env := newAPIEnv(t, true)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/jobs", "garbage"), nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestWSRejectsGroupMismatch(t *testing.T) {
	env := newAPIEnv(t, true)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	jobID := env.seedJobVia(t)

	// A logs ticket cannot open the jobs stream.
	ticket, err := env.auth.IssueTicket("anonymous", protocol.JobGroup(jobID))
	if err != nil {
		t.Fatalf("IssueTicket failed: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/jobs", ticket), nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Errorf("status = %v, want 403", resp)
	}
}
