package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Local runs jobs on this host. It never calls os.Chdir; the working
// directory is a field composed by Chdir, so concurrent Local backends do
// not interfere. Connect, Close, and the key operations are no-ops.
type Local struct {
	workdir string
}

// NewLocal creates a local backend rooted at the process working directory.
func NewLocal() *Local {
	return &Local{workdir: "."}
}

func (l *Local) Connect(ctx context.Context, creds Credentials) error { return nil }
func (l *Local) Close() error                                         { return nil }
func (l *Local) DeployKey(publicKeyPath string) error                 { return nil }
func (l *Local) DeleteKey(publicKeyPath string) error                 { return nil }

// Chdir composes dir onto the tracked working directory; an absolute dir
// replaces it. The directory is created lazily by Create.
func (l *Local) Chdir(dir string) error {
	if filepath.IsAbs(dir) {
		l.workdir = dir
	} else {
		l.workdir = filepath.Join(l.workdir, dir)
	}
	return nil
}

// Create ensures the working directory exists and creates the named file in
// it.
func (l *Local) Create(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(l.workdir, 0755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return os.Create(filepath.Join(l.workdir, name))
}

func (l *Local) Open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(l.workdir, name))
}

func (l *Local) ListDirAttr() ([]FileAttr, error) {
	entries, err := os.ReadDir(l.workdir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.workdir, err)
	}
	attrs := make([]FileAttr, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		attrs = append(attrs, FileAttr{Filename: info.Name(), ModTime: info.ModTime()})
	}
	return attrs, nil
}

// ExecCommand spawns argv as a child process with both streams captured,
// then replays each non-empty line to the handlers with a fresh timestamp.
// Delivery is not real-time; stream partitioning and within-stream order are
// preserved. A positive timeout prepends timeout(1), so a deadline overrun
// is an ordinary non-zero exit.
func (l *Local) ExecCommand(ctx context.Context, argv []string, workdir string, timeout time.Duration, onStdout, onStderr ChunkHandler) (bool, error) {
	if timeout > 0 {
		argv = append([]string{"timeout", fmt.Sprintf("%vs", timeout.Seconds())}, argv...)
	}
	if workdir == "" {
		workdir = l.workdir
	}

	// Cancellation is handled below with process groups, not CommandContext,
	// so grandchildren die with the child.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return false, ctx.Err()
	}

	if err := replayLines(stdout.String(), onStdout); err != nil {
		return false, fmt.Errorf("stdout handler: %w", err)
	}
	if err := replayLines(stderr.String(), onStderr); err != nil {
		return false, fmt.Errorf("stderr handler: %w", err)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return false, nil
	}
	if runErr != nil {
		return false, fmt.Errorf("run command: %w", runErr)
	}
	return true, nil
}

// replayLines delivers each non-empty line of captured output as one chunk.
func replayLines(output string, handler ChunkHandler) error {
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if err := handler(time.Now(), line+"\n"); err != nil {
			return err
		}
	}
	return nil
}
