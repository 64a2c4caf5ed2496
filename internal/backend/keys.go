package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeployKey appends the local public key to the target's
// ~/.ssh/authorized_keys. The append is guarded by an exact-line grep, so
// running it twice leaves the key in place exactly once.
func (r *Remote) DeployKey(publicKeyPath string) error {
	key, err := readPublicKey(publicKeyPath)
	if err != nil {
		return err
	}

	script := strings.Join([]string{
		"mkdir -p ~/.ssh",
		"chmod 700 ~/.ssh",
		"touch ~/.ssh/authorized_keys",
		fmt.Sprintf("KEY=%s", shellQuote(key)),
		`grep -qxF "$KEY" ~/.ssh/authorized_keys || printf '%s\n' "$KEY" >> ~/.ssh/authorized_keys`,
		"chmod 644 ~/.ssh/authorized_keys",
	}, " && ")

	session, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if err := session.Run(script); err != nil {
		return fmt.Errorf("deploy key: %w", err)
	}
	r.log.Info("public key deployed", "host", r.hostname)
	return nil
}

// DeleteKey removes the local public key from the target's authorized_keys
// by uploading a small sed script to /tmp, running it, and cleaning it up.
func (r *Remote) DeleteKey(publicKeyPath string) error {
	key, err := readPublicKey(publicKeyPath)
	if err != nil {
		return err
	}

	// sed's expression delimiter is /, so the key's slashes are escaped.
	escaped := strings.ReplaceAll(key, "/", `\/`)
	program := fmt.Sprintf("sed -i.bak -e /%s/d $HOME/.ssh/authorized_keys\n", shellQuote(escaped))

	scriptPath := "/tmp/sling-delete-key-" + uuid.NewString()
	f, err := r.sftp.Create(scriptPath)
	if err != nil {
		return fmt.Errorf("upload key removal script: %w", err)
	}
	if _, err := f.Write([]byte(program)); err != nil {
		f.Close()
		return fmt.Errorf("write key removal script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close key removal script: %w", err)
	}

	session, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if err := session.Run(shellJoin([]string{"bash", scriptPath})); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	if err := r.sftp.Remove(scriptPath); err != nil {
		r.log.Warn("failed to remove key removal script", "path", scriptPath, "error", err)
	}
	r.log.Info("public key removed", "host", r.hostname)
	return nil
}

// readPublicKey reads and trims a local public key file, defaulting to
// ~/.ssh/id_rsa.pub.
func readPublicKey(publicKeyPath string) (string, error) {
	if publicKeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		publicKeyPath = filepath.Join(home, ".ssh", "id_rsa.pub")
	}
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
