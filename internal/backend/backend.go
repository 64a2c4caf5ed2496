// Package backend abstracts where a job's program runs. The orchestrator
// programs against the Backend interface only; the remote implementation
// drives an SSH session with an SFTP subchannel, the local one spawns a
// child process against the local filesystem.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrAuth is returned by Connect when no supplied credential is accepted.
var ErrAuth = errors.New("authentication failed")

// FileAttr describes one entry of the current working directory.
type FileAttr struct {
	Filename string
	ModTime  time.Time
}

// ChunkHandler receives one chunk of command output. now is sampled when the
// chunk is delivered, not when the process wrote it. A non-nil error aborts
// the running command.
type ChunkHandler func(now time.Time, chunk string) error

// Credentials selects how Connect authenticates. A non-empty Password wins;
// otherwise PublicKeyPath names the public key file (the private key is the
// same path without the ".pub" suffix), defaulting to ~/.ssh/id_rsa.pub.
type Credentials struct {
	Password      string
	PublicKeyPath string
}

// Backend is the capability set the submission orchestrator needs from a
// target host.
type Backend interface {
	// Connect establishes the session. It fails with an ErrAuth-wrapped
	// error when no valid credential is available.
	Connect(ctx context.Context, creds Credentials) error

	// Close releases the session. Idempotent.
	Close() error

	// Chdir sets the working directory for subsequent file operations,
	// creating it and any missing parents.
	Chdir(dir string) error

	// Create opens the named file for writing, rooted in the working
	// directory.
	Create(name string) (io.WriteCloser, error)

	// Open opens the named file for reading, rooted in the working
	// directory.
	Open(name string) (io.ReadCloser, error)

	// ListDirAttr lists the working directory.
	ListDirAttr() ([]FileAttr, error)

	// ExecCommand runs argv in workdir, delivering output to the handlers
	// as it arrives. It returns true iff the exit status is zero. A
	// positive timeout is enforced by wrapping the command with timeout(1),
	// so exceeding the deadline yields (false, nil) like any other
	// non-zero exit.
	ExecCommand(ctx context.Context, argv []string, workdir string, timeout time.Duration, onStdout, onStderr ChunkHandler) (bool, error)

	// DeployKey installs the local public key into the target's
	// authorized_keys file. Idempotent.
	DeployKey(publicKeyPath string) error

	// DeleteKey removes the local public key from the target's
	// authorized_keys file.
	DeleteKey(publicKeyPath string) error
}

// New selects a backend. Remote jobs run over SSH against
// hostname:port as username; local jobs ignore all three.
func New(remote bool, hostname string, port int, username string) Backend {
	if remote {
		return NewRemote(hostname, port, username)
	}
	return NewLocal()
}
