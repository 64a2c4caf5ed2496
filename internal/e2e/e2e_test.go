package e2e

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/sling/internal/cli"
	"github.com/ehrlich-b/sling/internal/events"
	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/server"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
)

// env stands up the full server over a real HTTP listener: SQLite storage,
// filesystem media, dispatcher workers, and token auth. Jobs run through the
// local backend so no SSH target is needed.
type env struct {
	srv    *httptest.Server
	store  storage.Storage
	client *cli.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	dbFile := filepath.Join(t.TempDir(), "sling.db")
	store, err := storage.NewSQLite(dbFile, "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mediaStore, err := media.NewFilesystemStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFilesystemStore failed: %v", err)
	}

	log := slog.Default()
	hub := events.NewHub(log)
	submitter := submit.NewSubmitter(store, mediaStore, hub, log)
	auth := server.NewAuthenticator(store, []byte("e2e-jwt-secret"), false, log)

	api := server.NewAPIHandler(store, mediaStore, submitter, auth, log)
	ws := server.NewWSHandler(hub, store, auth, log)

	dispatcher := server.NewDispatcher(store, submitter, 2, log)
	submitter.SetDispatcher(dispatcher)
	api.SetQueue(dispatcher)
	if err := dispatcher.Start(); err != nil {
		t.Fatalf("Start dispatcher failed: %v", err)
	}
	t.Cleanup(dispatcher.Stop)

	srv := httptest.NewServer(server.NewMux(api, ws, auth))
	t.Cleanup(srv.Close)

	// Token auth is on; mint alice's credential directly.
	plaintext := "e2e-test-token"
	if err := store.CreateToken(ctx, &storage.Token{
		Name:     "e2e",
		Hash:     server.HashToken(plaintext),
		Username: "alice",
	}); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	return &env{
		srv:    srv,
		store:  store,
		client: cli.NewClient(srv.URL, plaintext),
	}
}

// seedTarget registers a /bin/sh interpreter on a localhost server and
// returns both ids.
func (e *env) seedTarget(t *testing.T, ctx context.Context) (serverID, interpID int64) {
	t.Helper()

	interp, err := e.client.CreateInterpreter(ctx, "sh", "/bin/sh", nil)
	if err != nil {
		t.Fatalf("CreateInterpreter failed: %v", err)
	}
	srv, err := e.client.CreateServer(ctx, "local", "localhost", 22)
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if err := e.client.AttachInterpreter(ctx, srv.ID, interp.ID); err != nil {
		t.Fatalf("AttachInterpreter failed: %v", err)
	}
	return srv.ID, interp.ID
}

func boolPtr(b bool) *bool { return &b }

func TestFullPipelineSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t)
	serverID, interpID := e.seedTarget(t, ctx)
	workDir := t.TempDir()

	job, err := e.client.CreateJob(ctx, cli.JobRequest{
		Title:           "full pipeline",
		Program:         "echo out line\necho err line >&2\necho payload > data.txt\n",
		ServerID:        serverID,
		InterpreterID:   interpID,
		RemoteDirectory: workDir,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Owner != "alice" {
		t.Errorf("owner = %q, want alice (from token)", job.Owner)
	}
	if job.Status != "initial" {
		t.Errorf("status = %q, want initial", job.Status)
	}

	resp, err := e.client.SubmitJob(ctx, job.ID, cli.SubmitRequest{
		Remote:       boolPtr(false),
		LogPolicy:    "live",
		StoreResults: []string{"*.txt"},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("status = %q, want success", resp.Status)
	}

	// The uploaded program ran in the requested directory.
	if _, err := os.Stat(filepath.Join(workDir, job.RemoteFilename)); err != nil {
		t.Errorf("uploaded program missing: %v", err)
	}

	logs, err := e.client.GetLogs(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	var stdout, stderr string
	for _, entry := range logs {
		switch entry.Stream {
		case "stdout":
			stdout += entry.Content
		case "stderr":
			stderr += entry.Content
		}
	}
	if !strings.Contains(stdout, "out line") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "err line") {
		t.Errorf("stderr = %q", stderr)
	}

	results, err := e.client.ListResults(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}
	if len(results) != 1 || results[0].RemoteFilename != "data.txt" {
		t.Fatalf("results = %+v", results)
	}

	var buf bytes.Buffer
	if err := e.client.DownloadResult(ctx, results[0].ID, &buf); err != nil {
		t.Fatalf("DownloadResult failed: %v", err)
	}
	if buf.String() != "payload\n" {
		t.Errorf("downloaded = %q", buf.String())
	}
}

func TestFullPipelineDeferred(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := newEnv(t)
	serverID, interpID := e.seedTarget(t, ctx)

	job, err := e.client.CreateJob(ctx, cli.JobRequest{
		Title:           "deferred pipeline",
		Program:         "echo deferred run\n",
		ServerID:        serverID,
		InterpreterID:   interpID,
		RemoteDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	resp, err := e.client.SubmitJob(ctx, job.ID, cli.SubmitRequest{
		Remote:    boolPtr(false),
		LogPolicy: "total",
		Deferred:  true,
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if resp.QueueID == 0 {
		t.Fatal("expected a queue id")
	}

	var sub *cli.QueueStatus
	for {
		sub, err = e.client.GetQueueStatus(ctx, resp.QueueID)
		if err != nil {
			t.Fatalf("GetQueueStatus failed: %v", err)
		}
		if sub.State == "done" || sub.State == "failed" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("queued submission never finished")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if sub.State != "done" {
		t.Fatalf("state = %q (%s), want done", sub.State, sub.Error)
	}

	got, err := e.client.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != "success" {
		t.Errorf("job status = %q, want success", got.Status)
	}

	// Following a finished job replays its history and returns once the
	// terminal status is observed.
	var followed bytes.Buffer
	if err := cli.FollowLogs(ctx, e.client, job.ID, &followed); err != nil {
		t.Fatalf("FollowLogs failed: %v", err)
	}
	if !strings.Contains(followed.String(), "deferred run") {
		t.Errorf("followed logs = %q", followed.String())
	}
}

func TestAuthRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := newEnv(t)

	anon := cli.NewClient(e.srv.URL, "")
	if _, err := anon.ListJobs(ctx, cli.JobFilter{}); err == nil {
		t.Error("expected unauthenticated request to fail")
	}

	if _, err := e.client.ListJobs(ctx, cli.JobFilter{}); err != nil {
		t.Errorf("authenticated request failed: %v", err)
	}
}
