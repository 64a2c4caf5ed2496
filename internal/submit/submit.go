// Package submit drives the end-to-end pipeline for one job: connect to the
// target, upload the program, execute it with streamed output, persist logs
// and the terminal status, then capture produced files. One Submitter serves
// the whole process; each Submit call owns its own backend and log buffer.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ehrlich-b/sling/internal/backend"
	"github.com/ehrlich-b/sling/internal/events"
	"github.com/ehrlich-b/sling/internal/media"
	"github.com/ehrlich-b/sling/internal/metrics"
	"github.com/ehrlich-b/sling/internal/protocol"
	"github.com/ehrlich-b/sling/internal/storage"
)

var (
	// ErrAuth is returned when the backend rejects every supplied
	// credential. It surfaces before any job mutation.
	ErrAuth = backend.ErrAuth

	// ErrUpload is returned when the program file cannot be written to,
	// or is not visible in, the job's working directory. The job is
	// marked failed.
	ErrUpload = errors.New("program upload failed")

	// ErrTransport is returned when the session fails after the job was
	// marked submitted. The job is marked failed.
	ErrTransport = errors.New("transport failure")

	// ErrValidation is returned when the job's interpreter is not
	// available on its server. Checked at job creation, rechecked here.
	ErrValidation = errors.New("interpreter not available on job's server")

	// ErrIngest is returned when capturing result files partially or
	// wholly failed. The job keeps its terminal status; the returned
	// manifest holds the files that were captured.
	ErrIngest = errors.New("result capture failed")
)

// Options is the full set of caller-tunable submission knobs.
type Options struct {
	// Remote selects the backend; nil means true (SSH).
	Remote *bool `json:"remote,omitempty"`
	// LogPolicy defaults to LogLive when empty.
	LogPolicy LogPolicy `json:"log_policy,omitempty"`
	// Timeout bounds the command's wall-clock run time; zero means none.
	Timeout time.Duration `json:"timeout,omitempty"`
	// StoreResults filters produced files; nil captures everything.
	StoreResults []string `json:"store_results,omitempty"`
	// PublicKeyPath names the public key for key auth.
	PublicKeyPath string `json:"public_key_path,omitempty"`
	// Username overrides the job owner's username on the target host.
	Username string `json:"username,omitempty"`
	// Password is never serialized; queued submissions carry it in a
	// separate column, encrypted at rest.
	Password string `json:"-"`
}

func (o Options) remote() bool {
	return o.Remote == nil || *o.Remote
}

func (o Options) policy() LogPolicy {
	if o.LogPolicy == "" {
		return LogLive
	}
	return o.LogPolicy
}

// BackendFactory builds the execution backend for one submission.
type BackendFactory func(remote bool, hostname string, port int, username string) backend.Backend

// Submitter runs submission pipelines against shared storage, media, and
// event infrastructure.
type Submitter struct {
	store      storage.Storage
	media      media.Store
	hub        *events.Hub
	log        *slog.Logger
	dispatcher Dispatcher
	newBackend BackendFactory
}

// NewSubmitter creates a submitter. hub may be nil to disable fan-out.
func NewSubmitter(store storage.Storage, mediaStore media.Store, hub *events.Hub, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{
		store:      store,
		media:      mediaStore,
		hub:        hub,
		log:        log,
		newBackend: backend.New,
	}
}

// SetBackendFactory replaces how backends are built. Tests substitute fakes.
func (s *Submitter) SetBackendFactory(f BackendFactory) {
	s.newBackend = f
}

// Submit runs the full pipeline for one job and returns a map from captured
// remote filename to result id.
//
// Ordering: the submitted status is persisted strictly before the command
// starts, the terminal status strictly before result capture. A timeout is
// an ordinary failure outcome, not an error.
func (s *Submitter) Submit(ctx context.Context, jobID int64, opts Options) (results map[string]int64, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveSubmission(outcome, time.Since(start))
	}()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}
	server, err := s.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load server %d: %w", job.ServerID, err)
	}
	interp, err := s.store.GetInterpreter(ctx, job.InterpreterID)
	if err != nil {
		return nil, fmt.Errorf("load interpreter %d: %w", job.InterpreterID, err)
	}

	allowed, err := s.store.ServerHasInterpreter(ctx, job.ServerID, job.InterpreterID)
	if err != nil {
		return nil, fmt.Errorf("check interpreter membership: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s on %s", ErrValidation, interp.Name, server.Title)
	}

	username := opts.Username
	if username == "" {
		username = job.Owner
	}

	be := s.newBackend(opts.remote(), server.Hostname, server.Port, username)
	buf := NewLogBuffer(job.ID, opts.policy(), s.saveLog)

	// Auth failures surface here, before any job mutation.
	if err := be.Connect(ctx, backend.Credentials{
		Password:      opts.Password,
		PublicKeyPath: opts.PublicKeyPath,
	}); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server.Hostname, err)
	}
	defer func() {
		if cerr := be.Close(); cerr != nil {
			s.log.Warn("failed to close backend", "job_id", job.ID, "error", cerr)
		}
	}()

	if err := be.Chdir(job.RemoteDirectory); err != nil {
		s.markFailure(ctx, job)
		return nil, fmt.Errorf("%w: enter %s: %v", ErrUpload, job.RemoteDirectory, err)
	}
	if err := s.uploadProgram(be, job); err != nil {
		s.markFailure(ctx, job)
		return nil, err
	}

	job, err = s.saveStatus(ctx, job, storage.JobStatusSubmitted)
	if err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	s.log.Info("job submitted", "job_id", job.ID, "server", server.Hostname,
		"remote", opts.remote())

	argv := append([]string{interp.Path}, interp.Arguments...)
	argv = append(argv, job.RemoteFilename)

	ok, execErr := be.ExecCommand(ctx, argv, job.RemoteDirectory, opts.Timeout,
		buf.WriteStdout, buf.WriteStderr)

	// Flush runs regardless of policy and outcome so buffered output is
	// never lost.
	if err := buf.Flush(); err != nil {
		s.markFailure(ctx, job)
		return nil, fmt.Errorf("flush logs: %w", err)
	}

	if execErr != nil {
		s.markFailure(ctx, job)
		return nil, fmt.Errorf("%w: %v", ErrTransport, execErr)
	}

	status := storage.JobStatusFailure
	if ok {
		status = storage.JobStatusSuccess
	}
	job, err = s.saveStatus(ctx, job, status)
	if err != nil {
		return nil, fmt.Errorf("mark %s: %w", status, err)
	}
	s.log.Info("job finished", "job_id", job.ID, "status", status)

	results, ingestErr := s.captureResults(ctx, be, job, opts.StoreResults)
	if ingestErr != nil {
		return results, fmt.Errorf("%w: %v", ErrIngest, ingestErr)
	}
	return results, nil
}

// uploadProgram writes the program text and confirms it is visible in the
// working directory. The listing round-trip replaces a fixed settle delay
// for slow file-transfer backends.
func (s *Submitter) uploadProgram(be backend.Backend, job *storage.Job) error {
	f, err := be.Create(job.RemoteFilename)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrUpload, job.RemoteFilename, err)
	}
	if _, err := f.Write([]byte(job.Program)); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrUpload, job.RemoteFilename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrUpload, job.RemoteFilename, err)
	}

	attrs, err := be.ListDirAttr()
	if err != nil {
		return fmt.Errorf("%w: list working directory: %v", ErrUpload, err)
	}
	for _, attr := range attrs {
		if attr.Filename == job.RemoteFilename {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not visible after upload", ErrUpload, job.RemoteFilename)
}

// saveStatus persists a guarded status transition and publishes the job
// event to the owner's group.
func (s *Submitter) saveStatus(ctx context.Context, job *storage.Job, status storage.JobStatus) (*storage.Job, error) {
	updated, err := s.store.UpdateJobStatus(ctx, job.ID, status)
	if err != nil {
		return job, err
	}
	if s.hub != nil {
		s.hub.Publish(protocol.UserGroup(updated.Owner), protocol.JobEvent{
			JobID:    updated.ID,
			Title:    updated.Title,
			Status:   string(updated.Status),
			Modified: updated.ModifiedAt,
		})
	}
	return updated, nil
}

// markFailure is the error-path variant of saveStatus; its own failure is
// only logged because the original error is about to propagate.
func (s *Submitter) markFailure(ctx context.Context, job *storage.Job) {
	if _, err := s.saveStatus(ctx, job, storage.JobStatusFailure); err != nil {
		s.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

// saveLog persists one log burst and publishes it to the job's log group.
func (s *Submitter) saveLog(jobID int64, stream, content string, at time.Time) error {
	entry, err := s.store.AppendLog(context.Background(), jobID, stream, content, at)
	if err != nil {
		return err
	}
	metrics.ObserveLogBurst(stream)
	if s.hub != nil {
		s.hub.Publish(protocol.JobGroup(jobID), protocol.LogEvent{
			LogID:   entry.ID,
			Time:    entry.Time,
			Content: entry.Content,
			Stream:  entry.Stream,
		})
	}
	return nil
}
