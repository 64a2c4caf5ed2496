package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// Output is delivered to handlers in chunks of at most this many bytes.
	maxChunk = 1024

	connectTimeout = 5 * time.Second
)

// Remote runs jobs on another host over SSH. File operations go through an
// SFTP subchannel; SFTP has no session working directory, so the current
// directory is tracked client-side.
type Remote struct {
	hostname string
	port     int
	username string

	// KnownHostsFile overrides ~/.ssh/known_hosts. Host keys are trusted
	// on first use: an unknown host is recorded and accepted, a changed
	// key is rejected.
	KnownHostsFile string

	log *slog.Logger

	client *ssh.Client
	sftp   *sftp.Client
	cwd    string
}

// NewRemote creates a remote backend for hostname:port as username. No
// connection is made until Connect.
func NewRemote(hostname string, port int, username string) *Remote {
	if port == 0 {
		port = 22
	}
	return &Remote{
		hostname: hostname,
		port:     port,
		username: username,
		log:      slog.Default(),
	}
}

// Connect dials the host and opens the SFTP subchannel. A supplied password
// is tried alone; otherwise the public key named by creds.PublicKeyPath
// (default ~/.ssh/id_rsa.pub) selects the private key next to it.
func (r *Remote) Connect(ctx context.Context, creds Credentials) error {
	hostKeys, err := r.hostKeyCallback()
	if err != nil {
		return fmt.Errorf("host key policy: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            r.username,
		HostKeyCallback: hostKeys,
		Timeout:         connectTimeout,
	}

	var authLabel string
	if creds.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(creds.Password)}
		authLabel = "incorrect password"
	} else {
		keyPath := creds.PublicKeyPath
		if keyPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("%w: missing credential", ErrAuth)
			}
			keyPath = filepath.Join(home, ".ssh", "id_rsa.pub")
		}
		signer, err := loadSigner(keyPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: missing credential", ErrAuth)
			}
			return fmt.Errorf("%w: incorrect public key: %v", ErrAuth, err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
		authLabel = "incorrect public key"
	}

	addr := net.JoinHostPort(r.hostname, fmt.Sprint(r.port))
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%w: %s", ErrAuth, authLabel)
		}
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	r.client = ssh.NewClient(sshConn, chans, reqs)

	r.sftp, err = sftp.NewClient(r.client)
	if err != nil {
		r.client.Close()
		r.client = nil
		return fmt.Errorf("open sftp channel: %w", err)
	}

	r.cwd = "."
	r.log.Debug("connected", "host", addr, "user", r.username)
	return nil
}

// loadSigner reads the private key paired with a public key path.
func loadSigner(publicKeyPath string) (ssh.Signer, error) {
	privatePath := strings.TrimSuffix(publicKeyPath, ".pub")
	data, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// hostKeyCallback builds a trust-on-first-use callback over the known-hosts
// file, creating the file if absent.
func (r *Remote) hostKeyCallback() (ssh.HostKeyCallback, error) {
	file := r.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	f.Close()

	check, err := knownhosts.New(file)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// First contact: record the key and accept.
			f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0600)
			if err != nil {
				return err
			}
			defer f.Close()
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			if _, err := fmt.Fprintln(f, line); err != nil {
				return err
			}
			r.log.Info("trusting new host key", "host", hostname)
			return nil
		}
		return err
	}, nil
}

// Close releases the SFTP channel and the SSH connection. Idempotent.
func (r *Remote) Close() error {
	var errs []error
	if r.sftp != nil {
		errs = append(errs, r.sftp.Close())
		r.sftp = nil
	}
	if r.client != nil {
		errs = append(errs, r.client.Close())
		r.client = nil
	}
	return errors.Join(errs...)
}

// Chdir walks dir from the root, creating any segment that does not exist,
// and leaves the client-side working directory at the final segment.
func (r *Remote) Chdir(dir string) error {
	current := ""
	if !path.IsAbs(dir) {
		current = r.cwd
	}
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" {
			current = "/"
			continue
		}
		current = path.Join(current, segment)
		if _, err := r.sftp.Stat(current); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat %s: %w", current, err)
			}
			if err := r.sftp.Mkdir(current); err != nil {
				return fmt.Errorf("mkdir %s: %w", current, err)
			}
		}
	}
	r.cwd = current
	return nil
}

func (r *Remote) Create(name string) (io.WriteCloser, error) {
	return r.sftp.Create(path.Join(r.cwd, name))
}

func (r *Remote) Open(name string) (io.ReadCloser, error) {
	return r.sftp.Open(path.Join(r.cwd, name))
}

func (r *Remote) ListDirAttr() ([]FileAttr, error) {
	infos, err := r.sftp.ReadDir(r.cwd)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.cwd, err)
	}
	attrs := make([]FileAttr, len(infos))
	for i, info := range infos {
		attrs[i] = FileAttr{Filename: info.Name(), ModTime: info.ModTime()}
	}
	return attrs, nil
}

// ExecCommand composes one shell line, cd into workdir then the quoted argv,
// and runs it on a fresh session channel. Output is sliced into chunks of at
// most maxChunk bytes before reaching the handlers. The ssh library copies
// each stream on its own goroutine, so both writers share one delivery lock;
// handlers see one chunk at a time, ordering across streams best-effort,
// order within a stream exact. The session's exit status is only observed
// after both streams reach EOF.
func (r *Remote) ExecCommand(ctx context.Context, argv []string, workdir string, timeout time.Duration, onStdout, onStderr ChunkHandler) (bool, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return false, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	run := shellJoin(argv)
	if timeout > 0 {
		run = fmt.Sprintf("timeout %vs %s", timeout.Seconds(), run)
	}
	command := fmt.Sprintf("cd %s && %s", shellQuote(workdir), run)

	delivery := &sync.Mutex{}
	stdout := &chunkWriter{handler: onStdout, mu: delivery}
	stderr := &chunkWriter{handler: onStderr, mu: delivery}
	session.Stdout = stdout
	session.Stderr = stderr

	r.log.Debug("exec", "command", command)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		return false, ctx.Err()
	}

	if herr := errors.Join(stdout.err, stderr.err); herr != nil {
		return false, fmt.Errorf("output handler: %w", herr)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("run command: %w", err)
	}
	return true, nil
}

// chunkWriter feeds session output to a ChunkHandler in bounded chunks. now
// is captured once per delivery from the transport. Writers for the two
// streams of one session share mu, so a handler that is not itself
// thread-safe still sees strictly serial delivery.
type chunkWriter struct {
	handler ChunkHandler
	mu      *sync.Mutex
	err     error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}

	now := time.Now()
	for rest := p; len(rest) > 0; {
		n := len(rest)
		if n > maxChunk {
			n = maxChunk
		}
		if err := w.handler(now, string(rest[:n])); err != nil {
			w.err = err
			return 0, err
		}
		rest = rest[n:]
	}
	return len(p), nil
}
