// Package protocol defines the JSON frames delivered to event subscribers.
//
// Subscriber channels are homogeneous: a job-user group carries only
// JobEvent frames, a job-log group only LogEvent frames, so frames are sent
// bare with no type envelope.
package protocol

import (
	"strconv"
	"time"
)

// Log stream names, shared by backends, the log buffer, and storage.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// JobEvent is published to job-user-<username> whenever a job row is saved.
type JobEvent struct {
	JobID    int64     `json:"job_id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Modified time.Time `json:"modified"`
}

// LogEvent is published to job-log-<job_id> whenever a log row is saved.
type LogEvent struct {
	LogID   int64     `json:"log_id"`
	Time    time.Time `json:"time"`
	Content string    `json:"content"`
	Stream  string    `json:"stream"`
}

// UserGroup returns the subscriber group name for a user's job dashboard.
func UserGroup(username string) string {
	return "job-user-" + username
}

// JobGroup returns the subscriber group name for a single job's live log.
func JobGroup(jobID int64) string {
	return "job-log-" + strconv.FormatInt(jobID, 10)
}
