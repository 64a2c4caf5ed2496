package submit

import (
	"time"

	"github.com/ehrlich-b/sling/internal/protocol"
)

// LogPolicy selects how command output becomes persisted log records.
type LogPolicy string

const (
	// LogNone discards all output.
	LogNone LogPolicy = "none"
	// LogLive persists every chunk as its own record, immediately.
	LogLive LogPolicy = "live"
	// LogTotal accumulates everything and persists one record per stream
	// at the end of the run.
	LogTotal LogPolicy = "total"
)

// Valid reports whether p names a known policy.
func (p LogPolicy) Valid() bool {
	return p == LogNone || p == LogLive || p == LogTotal
}

// SaveLogFunc persists one log burst. The orchestrator supplies an
// implementation that writes the row and publishes the fan-out event.
type SaveLogFunc func(jobID int64, stream, content string, at time.Time) error

type logChunk struct {
	at   time.Time
	text string
}

// LogBuffer converts raw output chunks into log bursts under a policy. One
// buffer is owned by one orchestrator invocation and bound to one job; its
// state is reachable from nowhere else. Not safe for concurrent use; the
// backend serializes chunk delivery.
type LogBuffer struct {
	jobID  int64
	policy LogPolicy
	save   SaveLogFunc

	stdout []logChunk
	stderr []logChunk
}

// NewLogBuffer creates a buffer for one job under the given policy.
func NewLogBuffer(jobID int64, policy LogPolicy, save SaveLogFunc) *LogBuffer {
	return &LogBuffer{jobID: jobID, policy: policy, save: save}
}

// WriteStdout accepts one chunk of stdout. Under LogLive the chunk is
// persisted before returning.
func (b *LogBuffer) WriteStdout(now time.Time, text string) error {
	return b.write(&b.stdout, now, text)
}

// WriteStderr accepts one chunk of stderr.
func (b *LogBuffer) WriteStderr(now time.Time, text string) error {
	return b.write(&b.stderr, now, text)
}

// write buffers one chunk. Empty chunks are dropped here so Flush can never
// persist a record with empty content, whatever the backend delivers.
func (b *LogBuffer) write(stream *[]logChunk, now time.Time, text string) error {
	if b.policy == LogNone || text == "" {
		return nil
	}
	*stream = append(*stream, logChunk{at: now, text: text})
	if b.policy == LogLive {
		return b.Flush()
	}
	return nil
}

// Flush persists each non-empty stream as exactly one burst and empties it.
// The burst's time is the last chunk's time and its content the in-order
// concatenation, so no record is ever written with empty content. Calling
// Flush with nothing buffered is a no-op; the orchestrator calls it once
// after the command finishes regardless of policy.
func (b *LogBuffer) Flush() error {
	if err := b.flushStream(&b.stdout, protocol.StreamStdout); err != nil {
		return err
	}
	return b.flushStream(&b.stderr, protocol.StreamStderr)
}

func (b *LogBuffer) flushStream(stream *[]logChunk, name string) error {
	chunks := *stream
	if len(chunks) == 0 {
		return nil
	}

	var content string
	for _, c := range chunks {
		content += c.text
	}

	if err := b.save(b.jobID, name, content, chunks[len(chunks)-1].at); err != nil {
		return err
	}
	*stream = nil
	return nil
}
