package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, wantToken string, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSendsBearerToken(t *testing.T) {
	srv := newTestServer(t, "secret123", map[string]http.HandlerFunc{
		"GET /api/jobs/7": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Job{ID: 7, Title: "demo", Status: "success"})
		},
	})

	client := NewClient(srv.URL, "secret123")
	job, err := client.GetJob(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.ID != 7 || job.Status != "success" {
		t.Errorf("job = %+v", job)
	}
}

func TestClientRejectedWithoutToken(t *testing.T) {
	srv := newTestServer(t, "secret123", nil)

	client := NewClient(srv.URL, "wrong")
	_, err := client.GetJob(context.Background(), 7)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.StatusCode)
	}
}

func TestClientCreateJob(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"POST /api/jobs": func(w http.ResponseWriter, r *http.Request) {
			var req JobRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Title != "demo" || req.ServerID != 3 {
				t.Errorf("request = %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Job{ID: 12, Title: req.Title, Status: "initial"})
		},
	})

	client := NewClient(srv.URL, "")
	job, err := client.CreateJob(context.Background(), JobRequest{
		Title:         "demo",
		Program:       "print('hi')\n",
		ServerID:      3,
		InterpreterID: 1,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.ID != 12 || job.Status != "initial" {
		t.Errorf("job = %+v", job)
	}
}

func TestClientSubmitDeferred(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"POST /api/jobs/5/submit": func(w http.ResponseWriter, r *http.Request) {
			var req SubmitRequest
			json.NewDecoder(r.Body).Decode(&req)
			if !req.Deferred || req.Password != "hunter2" {
				t.Errorf("request = %+v", req)
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]int64{"queue_id": 99})
		},
	})

	client := NewClient(srv.URL, "")
	resp, err := client.SubmitJob(context.Background(), 5, SubmitRequest{
		Deferred: true,
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if resp.QueueID != 99 {
		t.Errorf("queue id = %d, want 99", resp.QueueID)
	}
}

func TestClientListJobsQuery(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"GET /api/jobs": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("owner") != "alice" || q.Get("status") != "failure" || q.Get("limit") != "5" {
				t.Errorf("query = %v", q)
			}
			json.NewEncoder(w).Encode([]Job{{ID: 1, Owner: "alice", Status: "failure"}})
		},
	})

	client := NewClient(srv.URL, "")
	jobs, err := client.ListJobs(context.Background(), JobFilter{
		Owner: "alice", Status: "failure", Limit: 5,
	})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Owner != "alice" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestClientDownloadResult(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"GET /api/results/4/file": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("result payload"))
		},
	})

	client := NewClient(srv.URL, "")
	var buf bytes.Buffer
	if err := client.DownloadResult(context.Background(), 4, &buf); err != nil {
		t.Fatalf("DownloadResult failed: %v", err)
	}
	if buf.String() != "result payload" {
		t.Errorf("body = %q", buf.String())
	}
}

func TestClientCreateTokenShowsSecret(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"POST /api/tokens": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(CreatedToken{ID: 1, Name: "laptop", Username: "alice", Token: "deadbeef"})
		},
	})

	client := NewClient(srv.URL, "")
	tok, err := client.CreateToken(context.Background(), "laptop", "alice")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	if tok.Token != "deadbeef" {
		t.Errorf("token = %+v", tok)
	}
}

func TestClientErrorCarriesBody(t *testing.T) {
	srv := newTestServer(t, "", map[string]http.HandlerFunc{
		"POST /api/jobs/8/submit": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "interpreter not available on server", http.StatusConflict)
		},
	})

	client := NewClient(srv.URL, "")
	_, err := client.SubmitJob(context.Background(), 8, SubmitRequest{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", apiErr.StatusCode)
	}
	if apiErr.Message != "interpreter not available on server" {
		t.Errorf("message = %q", apiErr.Message)
	}
}
