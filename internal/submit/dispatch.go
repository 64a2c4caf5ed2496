package submit

import "context"

// Task is one deferred submission request.
type Task struct {
	JobID   int64
	Options Options
}

// Dispatcher accepts tasks for later execution and returns a queue id the
// caller can poll.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) (int64, error)
}

// SetDispatcher installs the deferred execution path. Without one, Dispatch
// degrades to a synchronous Submit.
func (s *Submitter) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Dispatch hands the job to the configured dispatcher, or runs it inline
// when none is configured. The returned id is the queue id, or zero for an
// inline run.
func (s *Submitter) Dispatch(ctx context.Context, jobID int64, opts Options) (int64, error) {
	if s.dispatcher == nil {
		_, err := s.Submit(ctx, jobID, opts)
		return 0, err
	}
	return s.dispatcher.Dispatch(ctx, Task{JobID: jobID, Options: opts})
}
