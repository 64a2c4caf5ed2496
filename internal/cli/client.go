package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to a sling server's REST API.
type Client struct {
	BaseURL string
	Token   string

	httpClient *http.Client
}

// NewClient creates an API client. The base URL must not have a trailing
// slash.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// do issues one request and decodes the JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Interpreter mirrors the API's interpreter representation.
type Interpreter struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Arguments []string  `json:"arguments"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) ListInterpreters(ctx context.Context) ([]Interpreter, error) {
	var out []Interpreter
	return out, c.do(ctx, http.MethodGet, "/api/interpreters", nil, &out)
}

func (c *Client) CreateInterpreter(ctx context.Context, name, path string, args []string) (*Interpreter, error) {
	var out Interpreter
	body := map[string]any{"name": name, "path": path, "arguments": args}
	return &out, c.do(ctx, http.MethodPost, "/api/interpreters", body, &out)
}

func (c *Client) DeleteInterpreter(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/interpreters/"+formatID(id), nil, nil)
}

// Server mirrors the API's server representation.
type Server struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Hostname  string    `json:"hostname"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out []Server
	return out, c.do(ctx, http.MethodGet, "/api/servers", nil, &out)
}

func (c *Client) CreateServer(ctx context.Context, title, hostname string, port int) (*Server, error) {
	var out Server
	body := map[string]any{"title": title, "hostname": hostname, "port": port}
	return &out, c.do(ctx, http.MethodPost, "/api/servers", body, &out)
}

func (c *Client) DeleteServer(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/servers/"+formatID(id), nil, nil)
}

func (c *Client) AttachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	p := "/api/servers/" + formatID(serverID) + "/interpreters/" + formatID(interpreterID)
	return c.do(ctx, http.MethodPut, p, nil, nil)
}

func (c *Client) DetachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	p := "/api/servers/" + formatID(serverID) + "/interpreters/" + formatID(interpreterID)
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

func (c *Client) ListServerInterpreters(ctx context.Context, serverID int64) ([]Interpreter, error) {
	var out []Interpreter
	return out, c.do(ctx, http.MethodGet, "/api/servers/"+formatID(serverID)+"/interpreters", nil, &out)
}

// Job mirrors the API's job representation.
type Job struct {
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

// JobRequest carries the fields for creating a job.
type JobRequest struct {
	Title           string `json:"title"`
	Program         string `json:"program"`
	ServerID        int64  `json:"server_id"`
	InterpreterID   int64  `json:"interpreter_id"`
	RemoteDirectory string `json:"remote_directory,omitempty"`
	RemoteFilename  string `json:"remote_filename,omitempty"`
}

func (c *Client) CreateJob(ctx context.Context, req JobRequest) (*Job, error) {
	var out Job
	return &out, c.do(ctx, http.MethodPost, "/api/jobs", req, &out)
}

func (c *Client) GetJob(ctx context.Context, id int64) (*Job, error) {
	var out Job
	return &out, c.do(ctx, http.MethodGet, "/api/jobs/"+formatID(id), nil, &out)
}

// JobFilter narrows ListJobs. Zero values are omitted from the query.
type JobFilter struct {
	Owner  string
	Status string
	Limit  int
}

func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	q := make([]string, 0, 3)
	if filter.Owner != "" {
		q = append(q, "owner="+filter.Owner)
	}
	if filter.Status != "" {
		q = append(q, "status="+filter.Status)
	}
	if filter.Limit > 0 {
		q = append(q, "limit="+strconv.Itoa(filter.Limit))
	}
	p := "/api/jobs"
	if len(q) > 0 {
		p += "?" + strings.Join(q, "&")
	}
	var out []Job
	return out, c.do(ctx, http.MethodGet, p, nil, &out)
}

// SubmitRequest carries the per-submission options.
type SubmitRequest struct {
	Remote        *bool    `json:"remote,omitempty"`
	LogPolicy     string   `json:"log_policy,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	StoreResults  []string `json:"store_results,omitempty"`
	PublicKeyPath string   `json:"public_key_path,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Deferred      bool     `json:"deferred,omitempty"`
}

// SubmitResponse is the synchronous submission outcome. QueueID is set only
// for deferred submissions.
type SubmitResponse struct {
	Status  string           `json:"status"`
	Results map[string]int64 `json:"results"`
	QueueID int64            `json:"queue_id"`
}

func (c *Client) SubmitJob(ctx context.Context, id int64, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	return &out, c.do(ctx, http.MethodPost, "/api/jobs/"+formatID(id)+"/submit", req, &out)
}

// LogEntry is one persisted burst of output.
type LogEntry struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Content string    `json:"content"`
}

func (c *Client) GetLogs(ctx context.Context, jobID int64) ([]LogEntry, error) {
	var out []LogEntry
	return out, c.do(ctx, http.MethodGet, "/api/jobs/"+formatID(jobID)+"/logs", nil, &out)
}

// Result is one captured output file.
type Result struct {
	ID             int64     `json:"id"`
	JobID          int64     `json:"job_id"`
	RemoteFilename string    `json:"remote_filename"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *Client) ListResults(ctx context.Context, jobID int64) ([]Result, error) {
	var out []Result
	return out, c.do(ctx, http.MethodGet, "/api/jobs/"+formatID(jobID)+"/results", nil, &out)
}

// DownloadResult streams one result file into w.
func (c *Client) DownloadResult(ctx context.Context, resultID int64, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/results/"+formatID(resultID)+"/file", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download result: %w", err)
	}
	return nil
}

// QueueStatus is the state of a deferred submission.
type QueueStatus struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"job_id"`
	State      string     `json:"state"`
	Error      string     `json:"error"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (c *Client) GetQueueStatus(ctx context.Context, id int64) (*QueueStatus, error) {
	var out QueueStatus
	return &out, c.do(ctx, http.MethodGet, "/api/queue/"+formatID(id), nil, &out)
}

// KeyRequest carries the credentials for installing or removing an SSH key.
type KeyRequest struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username"`
	Password      string `json:"password,omitempty"`
	PublicKeyPath string `json:"public_key_path,omitempty"`
	Remote        *bool  `json:"remote,omitempty"`
}

func (c *Client) DeployKey(ctx context.Context, req KeyRequest) error {
	return c.do(ctx, http.MethodPost, "/api/keys/deploy", req, nil)
}

func (c *Client) RemoveKey(ctx context.Context, req KeyRequest) error {
	return c.do(ctx, http.MethodPost, "/api/keys/remove", req, nil)
}

// Token mirrors the API's token listing.
type Token struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at"`
}

// CreatedToken includes the plaintext secret, shown exactly once.
type CreatedToken struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (c *Client) ListTokens(ctx context.Context) ([]Token, error) {
	var out []Token
	return out, c.do(ctx, http.MethodGet, "/api/tokens", nil, &out)
}

func (c *Client) CreateToken(ctx context.Context, name, username string) (*CreatedToken, error) {
	var out CreatedToken
	body := map[string]string{"name": name, "username": username}
	return &out, c.do(ctx, http.MethodPost, "/api/tokens", body, &out)
}

func (c *Client) RevokeToken(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/tokens/"+formatID(id), nil, nil)
}

// WSTicket requests a short-lived websocket ticket. Kind is "jobs" or
// "logs"; jobID applies to "logs" only.
func (c *Client) WSTicket(ctx context.Context, kind string, jobID int64) (string, error) {
	var out struct {
		Ticket string `json:"ticket"`
	}
	body := map[string]any{"kind": kind, "job_id": jobID}
	if err := c.do(ctx, http.MethodPost, "/api/ws-ticket", body, &out); err != nil {
		return "", err
	}
	return out.Ticket, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
