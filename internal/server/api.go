package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/protocol"
	"github.com/ehrlich-b/sling/internal/storage"
	"github.com/ehrlich-b/sling/internal/submit"
	"github.com/google/uuid"
)

// APIHandler handles HTTP API requests.
type APIHandler struct {
	storage        storage.Storage
	media          media.Store
	submitter      *submit.Submitter
	queue          submit.Dispatcher // nil disables deferred submission
	auth           *Authenticator
	defaultTimeout time.Duration
	log            *slog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(store storage.Storage, mediaStore media.Store, submitter *submit.Submitter, auth *Authenticator, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		storage:   store,
		media:     mediaStore,
		submitter: submitter,
		auth:      auth,
		log:       log,
	}
}

// SetQueue enables deferred submission through the given dispatcher.
func (h *APIHandler) SetQueue(queue submit.Dispatcher) {
	h.queue = queue
}

// SetDefaultTimeout sets the run-time bound applied when a submission does
// not carry its own.
func (h *APIHandler) SetDefaultTimeout(d time.Duration) {
	h.defaultTimeout = d
}

// ServeHTTP routes API requests.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/api")
	p = strings.TrimSuffix(p, "/")

	switch {
	// Interpreters
	case p == "/interpreters" && r.Method == http.MethodGet:
		h.listInterpreters(w, r)
	case p == "/interpreters" && r.Method == http.MethodPost:
		h.createInterpreter(w, r)
	case strings.HasPrefix(p, "/interpreters/"):
		id, ok := parseID(w, strings.TrimPrefix(p, "/interpreters/"))
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.getInterpreter(w, r, id)
		case http.MethodDelete:
			h.deleteInterpreter(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	// Server interpreter membership
	case strings.HasPrefix(p, "/servers/") && strings.Contains(p, "/interpreters"):
		h.routeMembership(w, r, strings.TrimPrefix(p, "/servers/"))

	// Servers
	case p == "/servers" && r.Method == http.MethodGet:
		h.listServers(w, r)
	case p == "/servers" && r.Method == http.MethodPost:
		h.createServer(w, r)
	case strings.HasPrefix(p, "/servers/"):
		id, ok := parseID(w, strings.TrimPrefix(p, "/servers/"))
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.getServer(w, r, id)
		case http.MethodDelete:
			h.deleteServer(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	// Jobs
	case p == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)
	case p == "/jobs" && r.Method == http.MethodPost:
		h.createJob(w, r)
	case strings.HasPrefix(p, "/jobs/") && strings.HasSuffix(p, "/logs") && r.Method == http.MethodGet:
		id, ok := parseID(w, strings.TrimSuffix(strings.TrimPrefix(p, "/jobs/"), "/logs"))
		if !ok {
			return
		}
		h.getJobLogs(w, r, id)
	case strings.HasPrefix(p, "/jobs/") && strings.HasSuffix(p, "/results") && r.Method == http.MethodGet:
		id, ok := parseID(w, strings.TrimSuffix(strings.TrimPrefix(p, "/jobs/"), "/results"))
		if !ok {
			return
		}
		h.listJobResults(w, r, id)
	case strings.HasPrefix(p, "/jobs/") && strings.HasSuffix(p, "/submit") && r.Method == http.MethodPost:
		id, ok := parseID(w, strings.TrimSuffix(strings.TrimPrefix(p, "/jobs/"), "/submit"))
		if !ok {
			return
		}
		h.submitJob(w, r, id)
	case strings.HasPrefix(p, "/jobs/") && r.Method == http.MethodGet:
		id, ok := parseID(w, strings.TrimPrefix(p, "/jobs/"))
		if !ok {
			return
		}
		h.getJob(w, r, id)

	// Results
	case strings.HasPrefix(p, "/results/") && strings.HasSuffix(p, "/file") && r.Method == http.MethodGet:
		id, ok := parseID(w, strings.TrimSuffix(strings.TrimPrefix(p, "/results/"), "/file"))
		if !ok {
			return
		}
		h.getResultFile(w, r, id)

	// Deferred submission status
	case strings.HasPrefix(p, "/queue/") && r.Method == http.MethodGet:
		id, ok := parseID(w, strings.TrimPrefix(p, "/queue/"))
		if !ok {
			return
		}
		h.getQueuedSubmission(w, r, id)

	// Key management
	case p == "/keys/deploy" && r.Method == http.MethodPost:
		h.keyOperation(w, r, submit.CopyKeyToServer)
	case p == "/keys/remove" && r.Method == http.MethodPost:
		h.keyOperation(w, r, submit.DeleteKeyFromServer)

	// Tokens
	case p == "/tokens" && r.Method == http.MethodGet:
		h.listTokens(w, r)
	case p == "/tokens" && r.Method == http.MethodPost:
		h.createToken(w, r)
	case strings.HasPrefix(p, "/tokens/") && r.Method == http.MethodDelete:
		id, ok := parseID(w, strings.TrimPrefix(p, "/tokens/"))
		if !ok {
			return
		}
		h.revokeToken(w, r, id)

	// Websocket tickets
	case p == "/ws-ticket" && r.Method == http.MethodPost:
		h.issueWSTicket(w, r)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func parseID(w http.ResponseWriter, s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// --- Interpreters ---

type interpreterResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Arguments []string  `json:"arguments"`
	CreatedAt time.Time `json:"created_at"`
}

func interpreterToResponse(i *storage.Interpreter) interpreterResponse {
	args := i.Arguments
	if args == nil {
		args = []string{}
	}
	return interpreterResponse{
		ID:        i.ID,
		Name:      i.Name,
		Path:      i.Path,
		Arguments: args,
		CreatedAt: i.CreatedAt,
	}
}

func (h *APIHandler) listInterpreters(w http.ResponseWriter, r *http.Request) {
	interps, err := h.storage.ListInterpreters(r.Context())
	if err != nil {
		h.internalError(w, "failed to list interpreters", err)
		return
	}
	resp := make([]interpreterResponse, len(interps))
	for i, interp := range interps {
		resp[i] = interpreterToResponse(interp)
	}
	h.writeJSON(w, resp)
}

func (h *APIHandler) createInterpreter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		Path      string   `json:"path"`
		Arguments []string `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Path == "" {
		http.Error(w, "name and path are required", http.StatusBadRequest)
		return
	}

	interp := &storage.Interpreter{Name: req.Name, Path: req.Path, Arguments: req.Arguments}
	if err := h.storage.CreateInterpreter(r.Context(), interp); err != nil {
		h.internalError(w, "failed to create interpreter", err)
		return
	}
	h.log.Info("interpreter created", "interpreter_id", interp.ID, "name", interp.Name)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, interpreterToResponse(interp))
}

func (h *APIHandler) getInterpreter(w http.ResponseWriter, r *http.Request, id int64) {
	interp, err := h.storage.GetInterpreter(r.Context(), id)
	if err != nil {
		h.storageError(w, "interpreter", err)
		return
	}
	h.writeJSON(w, interpreterToResponse(interp))
}

func (h *APIHandler) deleteInterpreter(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.storage.DeleteInterpreter(r.Context(), id); err != nil {
		h.storageError(w, "interpreter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Servers ---

type serverResponse struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Hostname  string    `json:"hostname"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

func serverToResponse(s *storage.Server) serverResponse {
	return serverResponse{
		ID:        s.ID,
		Title:     s.Title,
		Hostname:  s.Hostname,
		Port:      s.Port,
		CreatedAt: s.CreatedAt,
	}
}

func (h *APIHandler) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.storage.ListServers(r.Context())
	if err != nil {
		h.internalError(w, "failed to list servers", err)
		return
	}
	resp := make([]serverResponse, len(servers))
	for i, s := range servers {
		resp[i] = serverToResponse(s)
	}
	h.writeJSON(w, resp)
}

func (h *APIHandler) createServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Hostname string `json:"hostname"`
		Port     int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Hostname == "" {
		http.Error(w, "title and hostname are required", http.StatusBadRequest)
		return
	}

	server := &storage.Server{Title: req.Title, Hostname: req.Hostname, Port: req.Port}
	if err := h.storage.CreateServer(r.Context(), server); err != nil {
		h.internalError(w, "failed to create server", err)
		return
	}
	h.log.Info("server created", "server_id", server.ID, "hostname", server.Hostname)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, serverToResponse(server))
}

func (h *APIHandler) getServer(w http.ResponseWriter, r *http.Request, id int64) {
	server, err := h.storage.GetServer(r.Context(), id)
	if err != nil {
		h.storageError(w, "server", err)
		return
	}
	h.writeJSON(w, serverToResponse(server))
}

func (h *APIHandler) deleteServer(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.storage.DeleteServer(r.Context(), id); err != nil {
		h.storageError(w, "server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// routeMembership handles /servers/{id}/interpreters and
// /servers/{id}/interpreters/{iid}.
func (h *APIHandler) routeMembership(w http.ResponseWriter, r *http.Request, rest string) {
	serverPart, tail, _ := strings.Cut(rest, "/interpreters")
	serverID, ok := parseID(w, serverPart)
	if !ok {
		return
	}

	if tail == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		interps, err := h.storage.ListServerInterpreters(r.Context(), serverID)
		if err != nil {
			h.internalError(w, "failed to list server interpreters", err)
			return
		}
		resp := make([]interpreterResponse, len(interps))
		for i, interp := range interps {
			resp[i] = interpreterToResponse(interp)
		}
		h.writeJSON(w, resp)
		return
	}

	interpID, ok := parseID(w, strings.TrimPrefix(tail, "/"))
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		if err := h.storage.AttachInterpreter(r.Context(), serverID, interpID); err != nil {
			h.internalError(w, "failed to attach interpreter", err)
			return
		}
		h.log.Info("interpreter attached", "server_id", serverID, "interpreter_id", interpID)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.storage.DetachInterpreter(r.Context(), serverID, interpID); err != nil {
			h.internalError(w, "failed to detach interpreter", err)
			return
		}
		h.log.Info("interpreter detached", "server_id", serverID, "interpreter_id", interpID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Jobs ---

type jobResponse struct {
	ID              int64     `json:"id"`
	UUID            string    `json:"uuid"`
	Title           string    `json:"title"`
	Status          string    `json:"status"`
	Owner           string    `json:"owner"`
	ServerID        int64     `json:"server_id"`
	InterpreterID   int64     `json:"interpreter_id"`
	RemoteDirectory string    `json:"remote_directory"`
	RemoteFilename  string    `json:"remote_filename"`
	CreatedAt       time.Time `json:"created_at"`
	ModifiedAt      time.Time `json:"modified_at"`
}

func jobToResponse(j *storage.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		UUID:            j.UUID,
		Title:           j.Title,
		Status:          string(j.Status),
		Owner:           j.Owner,
		ServerID:        j.ServerID,
		InterpreterID:   j.InterpreterID,
		RemoteDirectory: j.RemoteDirectory,
		RemoteFilename:  j.RemoteFilename,
		CreatedAt:       j.CreatedAt,
		ModifiedAt:      j.ModifiedAt,
	}
}

func (h *APIHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.JobFilter{
		Owner:  q.Get("owner"),
		Status: storage.JobStatus(q.Get("status")),
		Limit:  50, // default
	}
	if serverID := q.Get("server_id"); serverID != "" {
		if n, err := strconv.ParseInt(serverID, 10, 64); err == nil {
			filter.ServerID = n
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 100 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	jobs, err := h.storage.ListJobs(r.Context(), filter)
	if err != nil {
		h.internalError(w, "failed to list jobs", err)
		return
	}

	resp := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		resp[i] = jobToResponse(j)
	}
	h.writeJSON(w, resp)
}

func (h *APIHandler) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title           string `json:"title"`
		Program         string `json:"program"`
		ServerID        int64  `json:"server_id"`
		InterpreterID   int64  `json:"interpreter_id"`
		RemoteDirectory string `json:"remote_directory"`
		RemoteFilename  string `json:"remote_filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Program == "" || req.ServerID == 0 || req.InterpreterID == 0 {
		http.Error(w, "title, program, server_id, and interpreter_id are required", http.StatusBadRequest)
		return
	}

	jobUUID := uuid.NewString()
	if req.RemoteDirectory == "" {
		req.RemoteDirectory = path.Join("/tmp/sling", jobUUID)
	}
	if req.RemoteFilename == "" {
		req.RemoteFilename = "script-" + jobUUID[:8]
	}

	job := &storage.Job{
		UUID:            jobUUID,
		Title:           req.Title,
		Program:         req.Program,
		Owner:           UsernameFromContext(r.Context()),
		ServerID:        req.ServerID,
		InterpreterID:   req.InterpreterID,
		RemoteDirectory: req.RemoteDirectory,
		RemoteFilename:  req.RemoteFilename,
	}
	if err := h.storage.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, storage.ErrInterpreterNotAllowed) {
			http.Error(w, "interpreter not available on server", http.StatusConflict)
			return
		}
		h.internalError(w, "failed to create job", err)
		return
	}
	h.log.Info("job created", "job_id", job.ID, "owner", job.Owner, "server_id", job.ServerID)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, jobToResponse(job))
}

func (h *APIHandler) getJob(w http.ResponseWriter, r *http.Request, id int64) {
	job, err := h.storage.GetJob(r.Context(), id)
	if err != nil {
		h.storageError(w, "job", err)
		return
	}
	h.writeJSON(w, jobToResponse(job))
}

func (h *APIHandler) getJobLogs(w http.ResponseWriter, r *http.Request, id int64) {
	logs, err := h.storage.GetLogs(r.Context(), id)
	if err != nil {
		h.internalError(w, "failed to get logs", err)
		return
	}

	type logResponse struct {
		ID      int64     `json:"id"`
		Time    time.Time `json:"time"`
		Stream  string    `json:"stream"`
		Content string    `json:"content"`
	}

	resp := make([]logResponse, len(logs))
	for i, l := range logs {
		resp[i] = logResponse{ID: l.ID, Time: l.Time, Stream: l.Stream, Content: l.Content}
	}
	h.writeJSON(w, resp)
}

type resultResponse struct {
	ID             int64     `json:"id"`
	JobID          int64     `json:"job_id"`
	RemoteFilename string    `json:"remote_filename"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *APIHandler) listJobResults(w http.ResponseWriter, r *http.Request, id int64) {
	results, err := h.storage.ListResults(r.Context(), id)
	if err != nil {
		h.internalError(w, "failed to list results", err)
		return
	}

	resp := make([]resultResponse, len(results))
	for i, res := range results {
		resp[i] = resultResponse{
			ID:             res.ID,
			JobID:          res.JobID,
			RemoteFilename: res.RemoteFilename,
			CreatedAt:      res.CreatedAt,
		}
	}
	h.writeJSON(w, resp)
}

func (h *APIHandler) getResultFile(w http.ResponseWriter, r *http.Request, id int64) {
	result, err := h.storage.GetResult(r.Context(), id)
	if err != nil {
		h.storageError(w, "result", err)
		return
	}

	f, err := h.media.Get(r.Context(), result.LocalFile)
	if err != nil {
		h.internalError(w, "failed to open result file", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(result.RemoteFilename)))
	if _, err := io.Copy(w, f); err != nil {
		h.log.Warn("failed to stream result file", "result_id", id, "error", err)
	}
}

// --- Submission ---

type submitRequest struct {
	Remote        *bool    `json:"remote"`
	LogPolicy     string   `json:"log_policy"`
	Timeout       string   `json:"timeout"`
	StoreResults  []string `json:"store_results"`
	PublicKeyPath string   `json:"public_key_path"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	Deferred      bool     `json:"deferred"`
}

func (h *APIHandler) submitJob(w http.ResponseWriter, r *http.Request, id int64) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	policy := submit.LogPolicy(req.LogPolicy)
	if req.LogPolicy != "" && !policy.Valid() {
		http.Error(w, "log_policy must be none, live, or total", http.StatusBadRequest)
		return
	}

	timeout := h.defaultTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	opts := submit.Options{
		Remote:        req.Remote,
		LogPolicy:     policy,
		Timeout:       timeout,
		StoreResults:  req.StoreResults,
		PublicKeyPath: req.PublicKeyPath,
		Username:      req.Username,
		Password:      req.Password,
	}

	if req.Deferred {
		if h.queue == nil {
			http.Error(w, "deferred submission not available", http.StatusServiceUnavailable)
			return
		}
		queueID, err := h.queue.Dispatch(r.Context(), submit.Task{JobID: id, Options: opts})
		if err != nil {
			h.internalError(w, "failed to enqueue submission", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.writeJSON(w, map[string]int64{"queue_id": queueID})
		return
	}

	results, err := h.submitter.Submit(r.Context(), id, opts)
	if err != nil {
		h.submitError(w, id, err)
		return
	}

	job, err := h.storage.GetJob(r.Context(), id)
	if err != nil {
		h.storageError(w, "job", err)
		return
	}
	h.writeJSON(w, map[string]any{
		"status":  job.Status,
		"results": results,
	})
}

// submitError maps pipeline failures onto HTTP statuses.
func (h *APIHandler) submitError(w http.ResponseWriter, jobID int64, err error) {
	h.log.Error("submission failed", "job_id", jobID, "error", err)
	switch {
	case errors.Is(err, submit.ErrValidation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, submit.ErrAuth):
		http.Error(w, "authentication failed on target host", http.StatusUnauthorized)
	case errors.Is(err, submit.ErrUpload), errors.Is(err, submit.ErrTransport):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type queueResponse struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"job_id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (h *APIHandler) getQueuedSubmission(w http.ResponseWriter, r *http.Request, id int64) {
	sub, err := h.storage.GetSubmission(r.Context(), id)
	if err != nil {
		h.storageError(w, "queued submission", err)
		return
	}
	h.writeJSON(w, queueResponse{
		ID:         sub.ID,
		JobID:      sub.JobID,
		State:      string(sub.State),
		Error:      sub.Error,
		CreatedAt:  sub.CreatedAt,
		StartedAt:  sub.StartedAt,
		FinishedAt: sub.FinishedAt,
	})
}

// --- Key management ---

type keyOperationFunc func(ctx context.Context, username, password, hostname string, port int, publicKeyPath string, remote bool) error

func (h *APIHandler) keyOperation(w http.ResponseWriter, r *http.Request, op keyOperationFunc) {
	var req struct {
		Hostname      string `json:"hostname"`
		Port          int    `json:"port"`
		Username      string `json:"username"`
		Password      string `json:"password"`
		PublicKeyPath string `json:"public_key_path"`
		Remote        *bool  `json:"remote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Hostname == "" || req.Username == "" {
		http.Error(w, "hostname and username are required", http.StatusBadRequest)
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	remote := req.Remote == nil || *req.Remote

	if err := op(r.Context(), req.Username, req.Password, req.Hostname, req.Port, req.PublicKeyPath, remote); err != nil {
		h.log.Error("key operation failed", "hostname", req.Hostname, "error", err)
		if errors.Is(err, submit.ErrAuth) {
			http.Error(w, "authentication failed on target host", http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tokens ---

type tokenResponse struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (h *APIHandler) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.storage.ListTokens(r.Context())
	if err != nil {
		h.internalError(w, "failed to list tokens", err)
		return
	}

	resp := make([]tokenResponse, len(tokens))
	for i, t := range tokens {
		resp[i] = tokenResponse{
			ID:        t.ID,
			Name:      t.Name,
			Username:  t.Username,
			CreatedAt: t.CreatedAt,
			RevokedAt: t.RevokedAt,
		}
	}
	h.writeJSON(w, resp)
}

func (h *APIHandler) createToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Username == "" {
		http.Error(w, "name and username are required", http.StatusBadRequest)
		return
	}

	plainToken, err := generateSecret(32)
	if err != nil {
		h.internalError(w, "failed to generate token", err)
		return
	}

	token := &storage.Token{
		Name:     req.Name,
		Hash:     HashToken(plainToken),
		Username: req.Username,
	}
	if err := h.storage.CreateToken(r.Context(), token); err != nil {
		h.internalError(w, "failed to create token", err)
		return
	}
	h.log.Info("token created", "token_id", token.ID, "name", token.Name, "username", token.Username)

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]any{
		"id":         token.ID,
		"name":       token.Name,
		"username":   token.Username,
		"token":      plainToken, // only shown once
		"created_at": token.CreatedAt,
	})
}

func (h *APIHandler) revokeToken(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.storage.RevokeToken(r.Context(), id); err != nil {
		h.storageError(w, "token", err)
		return
	}
	h.log.Info("token revoked", "token_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Websocket tickets ---

func (h *APIHandler) issueWSTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind  string `json:"kind"` // "jobs" or "logs"
		JobID int64  `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	username := UsernameFromContext(r.Context())
	var group string
	switch req.Kind {
	case "jobs":
		group = protocol.UserGroup(username)
	case "logs":
		if req.JobID == 0 {
			http.Error(w, "job_id is required for kind logs", http.StatusBadRequest)
			return
		}
		if _, err := h.storage.GetJob(r.Context(), req.JobID); err != nil {
			h.storageError(w, "job", err)
			return
		}
		group = protocol.JobGroup(req.JobID)
	default:
		http.Error(w, "kind must be jobs or logs", http.StatusBadRequest)
		return
	}

	ticket, err := h.auth.IssueTicket(username, group)
	if err != nil {
		h.internalError(w, "failed to issue ticket", err)
		return
	}
	h.writeJSON(w, map[string]string{"ticket": ticket, "group": group})
}

// --- Helpers ---

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *APIHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *APIHandler) storageError(w http.ResponseWriter, entity string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, entity+" not found", http.StatusNotFound)
		return
	}
	h.internalError(w, "failed to load "+entity, err)
}

func generateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
