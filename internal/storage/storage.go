package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInterpreterNotAllowed = errors.New("interpreter not available on server")
	ErrInvalidTransition     = errors.New("invalid job status transition")
)

// Storage defines the interface for all database operations.
type Storage interface {
	// Interpreters
	CreateInterpreter(ctx context.Context, interp *Interpreter) error
	GetInterpreter(ctx context.Context, id int64) (*Interpreter, error)
	ListInterpreters(ctx context.Context) ([]*Interpreter, error)
	DeleteInterpreter(ctx context.Context, id int64) error

	// Servers
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id int64) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	DeleteServer(ctx context.Context, id int64) error
	AttachInterpreter(ctx context.Context, serverID, interpreterID int64) error
	DetachInterpreter(ctx context.Context, serverID, interpreterID int64) error
	ServerHasInterpreter(ctx context.Context, serverID, interpreterID int64) (bool, error)
	ListServerInterpreters(ctx context.Context, serverID int64) ([]*Interpreter, error)

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	ListRecentJobsByOwner(ctx context.Context, owner string, limit int) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status JobStatus) (*Job, error)

	// Logs
	AppendLog(ctx context.Context, jobID int64, stream, content string, at time.Time) (*LogEntry, error)
	GetLogs(ctx context.Context, jobID int64) ([]*LogEntry, error)

	// Results
	CreateResult(ctx context.Context, result *Result) error
	GetResult(ctx context.Context, id int64) (*Result, error)
	ListResults(ctx context.Context, jobID int64) ([]*Result, error)

	// Tokens
	CreateToken(ctx context.Context, token *Token) error
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)
	ListTokens(ctx context.Context) ([]*Token, error)
	RevokeToken(ctx context.Context, id int64) error

	// Submission queue
	EnqueueSubmission(ctx context.Context, sub *QueuedSubmission) error
	GetSubmission(ctx context.Context, id int64) (*QueuedSubmission, error)
	ClaimSubmission(ctx context.Context) (*QueuedSubmission, error)
	FinishSubmission(ctx context.Context, id int64, state QueueState, errMsg string) error
	ResetRunningSubmissions(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusInitial   JobStatus = "initial"   // created, program not yet on the target host
	JobStatusSubmitted JobStatus = "submitted" // program uploaded, command running
	JobStatusSuccess   JobStatus = "success"   // exit status zero within the deadline
	JobStatusFailure   JobStatus = "failure"   // non-zero exit, timeout, transport or upload failure
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// Interpreter is a runtime installed on one or more servers, e.g. "Python 3"
// at /usr/bin/python3 with arguments ["-u"]. The arguments are placed between
// the interpreter path and the program filename when a job runs.
type Interpreter struct {
	ID         int64
	Name       string
	Path       string // full path of the executable on the target host
	Arguments  []string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Server is a host that jobs can be submitted to. Which interpreters a
// server offers is tracked as a many-to-many relation.
type Server struct {
	ID         int64
	Title      string
	Hostname   string
	Port       int // SSH port, usually 22
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Job is one user-supplied program together with where and how to run it.
type Job struct {
	ID              int64
	UUID            string // stable identity, used in result storage keys
	Title           string
	Program         string
	Status          JobStatus
	Owner           string // username; accounts are managed outside this system
	ServerID        int64
	InterpreterID   int64
	RemoteDirectory string
	RemoteFilename  string
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// JobFilter for listing jobs.
type JobFilter struct {
	Owner    string
	Status   JobStatus
	ServerID int64
	Limit    int
	Offset   int
}

// LogEntry is one persisted burst of job output.
type LogEntry struct {
	ID      int64
	JobID   int64
	Time    time.Time // when the burst was ingested
	Stream  string    // "stdout" or "stderr"
	Content string
}

// Result records one output file captured from a job's remote directory.
type Result struct {
	ID             int64
	JobID          int64
	RemoteFilename string // relative to the job's remote directory
	LocalFile      string // media store key, results/<job uuid>/<filename>
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// Token is an API credential.
type Token struct {
	ID        int64
	Name      string
	Hash      string // SHA3-256 hex of the secret
	Username  string // identity the token acts as
	CreatedAt time.Time
	RevokedAt *time.Time
}

// QueueState represents the state of a queued submission.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueRunning QueueState = "running"
	QueueDone    QueueState = "done"
	QueueFailed  QueueState = "failed"
)

// QueuedSubmission is a deferred submission awaiting a dispatcher slot.
// Options holds the submission options as JSON with the password stripped;
// the password travels in its own column, encrypted at rest.
type QueuedSubmission struct {
	ID         int64
	JobID      int64
	Options    string
	Password   string
	State      QueueState
	Error      string
	CreatedAt  time.Time
	ModifiedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
