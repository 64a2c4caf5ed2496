package server

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
)

func boolPtr(b bool) *bool { return &b }

func newDispatchEnv(t *testing.T) (*Dispatcher, storage.Storage, int64) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLite(":memory:", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mediaStore, err := media.NewFilesystemStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFilesystemStore failed: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	submitter := submit.NewSubmitter(store, mediaStore, nil, log)

	interp := &storage.Interpreter{Name: "sh", Path: "/bin/sh"}
	if err := store.CreateInterpreter(ctx, interp); err != nil {
		t.Fatalf("CreateInterpreter failed: %v", err)
	}
	server := &storage.Server{Title: "local", Hostname: "localhost"}
	if err := store.CreateServer(ctx, server); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if err := store.AttachInterpreter(ctx, server.ID, interp.ID); err != nil {
		t.Fatalf("AttachInterpreter failed: %v", err)
	}

	job := &storage.Job{
		Title:           "queued job",
		Program:         "echo line: 0\n",
		Owner:           "alice",
		ServerID:        server.ID,
		InterpreterID:   interp.ID,
		RemoteDirectory: t.TempDir(),
		RemoteFilename:  "run.sh",
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	d := NewDispatcher(store, submitter, 2, log)
	return d, store, job.ID
}

// waitForState polls the queue entry until it reaches a terminal state.
func waitForState(t *testing.T, store storage.Storage, queueID int64) *storage.QueuedSubmission {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sub, err := store.GetSubmission(context.Background(), queueID)
		if err != nil {
			t.Fatalf("GetSubmission failed: %v", err)
		}
		if sub.State == storage.QueueDone || sub.State == storage.QueueFailed {
			return sub
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queued submission never finished")
	return nil
}

func TestDispatcherRunsQueuedSubmission(t *testing.T) {
	d, store, jobID := newDispatchEnv(t)

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	queueID, err := d.Dispatch(context.Background(), submit.Task{
		JobID: jobID,
		Options: submit.Options{
			Remote:    boolPtr(false),
			LogPolicy: submit.LogTotal,
		},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	sub := waitForState(t, store, queueID)
	if sub.State != storage.QueueDone {
		t.Fatalf("state = %q (%s), want done", sub.State, sub.Error)
	}
	if sub.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != storage.JobStatusSuccess {
		t.Errorf("job status = %q, want success", job.Status)
	}

	logs, err := store.GetLogs(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 1 || !strings.Contains(logs[0].Content, "line: 0") {
		t.Errorf("logs = %+v", logs)
	}
}

func TestDispatcherRecordsFailure(t *testing.T) {
	d, store, jobID := newDispatchEnv(t)

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	// No credentials were supplied, so the SSH backend fails to connect,
	// leaving the job untouched and the queue entry failed.
	queueID, err := d.Dispatch(context.Background(), submit.Task{
		JobID:   jobID,
		Options: submit.Options{},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	sub := waitForState(t, store, queueID)
	if sub.State != storage.QueueFailed {
		t.Fatalf("state = %q, want failed", sub.State)
	}
	if sub.Error == "" {
		t.Error("expected an error message")
	}
}

func TestDispatcherRejectsCorruptOptions(t *testing.T) {
	d, store, jobID := newDispatchEnv(t)

	sub := &storage.QueuedSubmission{JobID: jobID, Options: "{not json"}
	if err := store.EnqueueSubmission(context.Background(), sub); err != nil {
		t.Fatalf("EnqueueSubmission failed: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	got := waitForState(t, store, sub.ID)
	if got.State != storage.QueueFailed || !strings.Contains(got.Error, "corrupt options") {
		t.Errorf("got %+v", got)
	}
}

func TestDispatcherRecoversOrphanedClaims(t *testing.T) {
	d, store, jobID := newDispatchEnv(t)
	ctx := context.Background()

	sub := &storage.QueuedSubmission{JobID: jobID, Options: `{"remote":false,"log_policy":"none"}`}
	if err := store.EnqueueSubmission(ctx, sub); err != nil {
		t.Fatalf("EnqueueSubmission failed: %v", err)
	}
	// Simulate a crash mid-run: claimed but never finished.
	if _, err := store.ClaimSubmission(ctx); err != nil {
		t.Fatalf("ClaimSubmission failed: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	got := waitForState(t, store, sub.ID)
	if got.State != storage.QueueDone {
		t.Errorf("state = %q (%s), want done", got.State, got.Error)
	}
}
