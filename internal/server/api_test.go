package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ehrlich-b/sling/internal/events"
	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
)

type apiEnv struct {
	store storage.Storage
	media media.Store
	hub   *events.Hub
	auth  *Authenticator
	api   *APIHandler
	mux   http.Handler
}

func newAPIEnv(t *testing.T, allowAnonymous bool) *apiEnv {
	t.Helper()

	store, err := storage.NewSQLite(":memory:", "")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mediaStore, err := media.NewFilesystemStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFilesystemStore failed: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(log)
	submitter := submit.NewSubmitter(store, mediaStore, hub, log)
	auth := NewAuthenticator(store, []byte("test-jwt-secret"), allowAnonymous, log)
	api := NewAPIHandler(store, mediaStore, submitter, auth, log)
	ws := NewWSHandler(hub, store, auth, log)

	return &apiEnv{
		store: store,
		media: mediaStore,
		hub:   hub,
		auth:  auth,
		api:   api,
		mux:   NewMux(api, ws, auth),
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// seedJobVia creates interpreter, server, membership, and a job through the
// API, returning the job id.
func (e *apiEnv) seedJobVia(t *testing.T) int64 {
	t.Helper()

	var interp interpreterResponse
	rec := e.do(t, http.MethodPost, "/api/interpreters", map[string]any{
		"name": "sh", "path": "/bin/sh",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create interpreter = %d: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &interp)

	var server serverResponse
	rec = e.do(t, http.MethodPost, "/api/servers", map[string]any{
		"title": "dev", "hostname": "dev.example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create server = %d: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &server)

	rec = e.do(t, http.MethodPut,
		fmt.Sprintf("/api/servers/%d/interpreters/%d", server.ID, interp.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("attach interpreter = %d: %s", rec.Code, rec.Body)
	}

	var job jobResponse
	rec = e.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"title":          "demo",
		"program":        "echo hello\n",
		"server_id":      server.ID,
		"interpreter_id": interp.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job = %d: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &job)
	return job.ID
}

func TestInterpreterEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	rec := env.do(t, http.MethodPost, "/api/interpreters", map[string]any{
		"name": "python3", "path": "/usr/bin/python3", "arguments": []string{"-u"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var created interpreterResponse
	decodeInto(t, rec, &created)
	if created.ID == 0 || created.Arguments[0] != "-u" {
		t.Errorf("created = %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/interpreters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var list []interpreterResponse
	decodeInto(t, rec, &list)
	if len(list) != 1 {
		t.Errorf("got %d interpreters, want 1", len(list))
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/interpreters/%d", created.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/interpreters/%d", created.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestInterpreterValidation(t *testing.T) {
	env := newAPIEnv(t, true)
	rec := env.do(t, http.MethodPost, "/api/interpreters", map[string]any{"name": "bad"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without path = %d, want 400", rec.Code)
	}
}

func TestServerMembershipEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	var interp interpreterResponse
	decodeInto(t, env.do(t, http.MethodPost, "/api/interpreters",
		map[string]any{"name": "sh", "path": "/bin/sh"}), &interp)
	var server serverResponse
	decodeInto(t, env.do(t, http.MethodPost, "/api/servers",
		map[string]any{"title": "dev", "hostname": "dev.example.com", "port": 2222}), &server)
	if server.Port != 2222 {
		t.Errorf("port = %d, want 2222", server.Port)
	}

	rec := env.do(t, http.MethodPut,
		fmt.Sprintf("/api/servers/%d/interpreters/%d", server.ID, interp.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("attach = %d: %s", rec.Code, rec.Body)
	}

	var offered []interpreterResponse
	decodeInto(t, env.do(t, http.MethodGet,
		fmt.Sprintf("/api/servers/%d/interpreters", server.ID), nil), &offered)
	if len(offered) != 1 || offered[0].ID != interp.ID {
		t.Errorf("offered = %+v", offered)
	}

	rec = env.do(t, http.MethodDelete,
		fmt.Sprintf("/api/servers/%d/interpreters/%d", server.ID, interp.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("detach = %d", rec.Code)
	}
	offered = nil
	decodeInto(t, env.do(t, http.MethodGet,
		fmt.Sprintf("/api/servers/%d/interpreters", server.ID), nil), &offered)
	if len(offered) != 0 {
		t.Errorf("offered after detach = %+v", offered)
	}
}

func TestCreateJobRejectsUnofferedInterpreter(t *testing.T) {
	env := newAPIEnv(t, true)

	var interp interpreterResponse
	decodeInto(t, env.do(t, http.MethodPost, "/api/interpreters",
		map[string]any{"name": "sh", "path": "/bin/sh"}), &interp)
	var server serverResponse
	decodeInto(t, env.do(t, http.MethodPost, "/api/servers",
		map[string]any{"title": "dev", "hostname": "dev.example.com"}), &server)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"title": "bad", "program": "true\n",
		"server_id": server.ID, "interpreter_id": interp.ID,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("create job = %d, want 409", rec.Code)
	}
}

func TestCreateJobDefaults(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)

	var job jobResponse
	decodeInto(t, env.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d", jobID), nil), &job)
	if job.Owner != "anonymous" {
		t.Errorf("owner = %q, want anonymous", job.Owner)
	}
	if !strings.HasPrefix(job.RemoteDirectory, "/tmp/sling/") {
		t.Errorf("remote_directory = %q", job.RemoteDirectory)
	}
	if job.RemoteFilename == "" || job.Status != "initial" {
		t.Errorf("job = %+v", job)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/jobs", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", rec.Code)
	}

	secret := "s3cr3t-token-value"
	token := &storage.Token{Name: "test", Hash: HashToken(secret), Username: "alice"}
	if err := env.store.CreateToken(context.Background(), token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	out := httptest.NewRecorder()
	env.mux.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", out.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	out = httptest.NewRecorder()
	env.mux.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", out.Code)
	}
}

func TestTokenEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	rec := env.do(t, http.MethodPost, "/api/tokens", map[string]any{
		"name": "ci", "username": "alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create token = %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		ID    int64  `json:"id"`
		Token string `json:"token"`
	}
	decodeInto(t, rec, &created)
	if created.Token == "" {
		t.Fatal("expected plaintext token in create response")
	}

	// The secret resolves to the username through the hash lookup.
	tok, err := env.store.GetTokenByHash(context.Background(), HashToken(created.Token))
	if err != nil || tok.Username != "alice" {
		t.Fatalf("GetTokenByHash = %+v, %v", tok, err)
	}

	var list []tokenResponse
	decodeInto(t, env.do(t, http.MethodGet, "/api/tokens", nil), &list)
	if len(list) != 1 {
		t.Fatalf("got %d tokens, want 1", len(list))
	}
	if strings.Contains(list[0].Name, created.Token) {
		t.Error("list response leaks the secret")
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/tokens/%d", created.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d", rec.Code)
	}
	if _, err := env.store.GetTokenByHash(context.Background(), HashToken(created.Token)); err == nil {
		t.Error("revoked token still resolves")
	}
}

type stubDispatcher struct {
	lastTask submit.Task
	id       int64
}

func (s *stubDispatcher) Dispatch(ctx context.Context, task submit.Task) (int64, error) {
	s.lastTask = task
	return s.id, nil
}

func TestDeferredSubmit(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)

	stub := &stubDispatcher{id: 42}
	env.api.SetQueue(stub)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/submit", jobID), map[string]any{
		"deferred":   true,
		"log_policy": "total",
		"password":   "hunter2",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deferred submit = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]int64
	decodeInto(t, rec, &resp)
	if resp["queue_id"] != 42 {
		t.Errorf("queue_id = %d, want 42", resp["queue_id"])
	}
	if stub.lastTask.JobID != jobID || stub.lastTask.Options.Password != "hunter2" {
		t.Errorf("task = %+v", stub.lastTask)
	}
}

func TestDeferredSubmitWithoutQueue(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/submit", jobID),
		map[string]any{"deferred": true})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("deferred without queue = %d, want 503", rec.Code)
	}
}

func TestSubmitRejectsUnknownLogPolicy(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/submit", jobID),
		map[string]any{"log_policy": "eager"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad log_policy = %d, want 400", rec.Code)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)

	sub := &storage.QueuedSubmission{JobID: jobID}
	if err := env.store.EnqueueSubmission(context.Background(), sub); err != nil {
		t.Fatalf("EnqueueSubmission failed: %v", err)
	}

	var resp queueResponse
	decodeInto(t, env.do(t, http.MethodGet, fmt.Sprintf("/api/queue/%d", sub.ID), nil), &resp)
	if resp.State != "pending" || resp.JobID != jobID {
		t.Errorf("queue status = %+v", resp)
	}

	rec := env.do(t, http.MethodGet, "/api/queue/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing queue entry = %d, want 404", rec.Code)
	}
}

func TestResultFileDownload(t *testing.T) {
	env := newAPIEnv(t, true)
	jobID := env.seedJobVia(t)
	ctx := context.Background()

	job, err := env.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}

	key := media.ResultKey(job.UUID, "out.txt")
	if err := env.media.Put(ctx, key, strings.NewReader("line: 0\n")); err != nil {
		t.Fatalf("media Put failed: %v", err)
	}
	result := &storage.Result{JobID: jobID, RemoteFilename: "out.txt", LocalFile: key}
	if err := env.store.CreateResult(ctx, result); err != nil {
		t.Fatalf("CreateResult failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/results/%d/file", result.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "line: 0\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "out.txt") {
		t.Errorf("content-disposition = %q", got)
	}

	var list []resultResponse
	decodeInto(t, env.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d/results", jobID), nil), &list)
	if len(list) != 1 || list[0].RemoteFilename != "out.txt" {
		t.Errorf("results = %+v", list)
	}
}

func TestWSTicketIssue(t *testing.T) {
	env := newAPIEnv(t, true)

	rec := env.do(t, http.MethodPost, "/api/ws-ticket", map[string]any{"kind": "jobs"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ws-ticket = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	decodeInto(t, rec, &resp)

	username, group, err := env.auth.ValidateTicket(resp["ticket"])
	if err != nil {
		t.Fatalf("ValidateTicket failed: %v", err)
	}
	if username != "anonymous" || group != "job-user-anonymous" {
		t.Errorf("ticket = %q %q", username, group)
	}

	// Tickets for logs require an existing job.
	rec = env.do(t, http.MethodPost, "/api/ws-ticket", map[string]any{"kind": "logs", "job_id": 999})
	if rec.Code != http.StatusNotFound {
		t.Errorf("logs ticket for missing job = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t, false) // healthz needs no auth

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}
