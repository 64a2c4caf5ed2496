package submit

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/sling/internal/backend"
)

// CopyKeyToServer installs the public key into the remote user's
// authorized_keys, authenticating with the password. Idempotent on the
// remote side.
func CopyKeyToServer(ctx context.Context, username, password, hostname string, port int, publicKeyPath string, remote bool) error {
	be := backend.New(remote, hostname, port, username)
	if err := be.Connect(ctx, backend.Credentials{Password: password}); err != nil {
		return fmt.Errorf("connect to %s: %w", hostname, err)
	}
	defer be.Close()

	if err := be.DeployKey(publicKeyPath); err != nil {
		return fmt.Errorf("deploy key on %s: %w", hostname, err)
	}
	return nil
}

// DeleteKeyFromServer removes the public key from the remote user's
// authorized_keys.
func DeleteKeyFromServer(ctx context.Context, username, password, hostname string, port int, publicKeyPath string, remote bool) error {
	be := backend.New(remote, hostname, port, username)
	if err := be.Connect(ctx, backend.Credentials{Password: password}); err != nil {
		return fmt.Errorf("connect to %s: %w", hostname, err)
	}
	defer be.Close()

	if err := be.DeleteKey(publicKeyPath); err != nil {
		return fmt.Errorf("delete key on %s: %w", hostname, err)
	}
	return nil
}
