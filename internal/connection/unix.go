//go:build !windows

package connection

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ResolveAddress returns the socket path: SocketPath if set, otherwise the
// service name under $XDG_RUNTIME_DIR, falling back to the temp directory.
func ResolveAddress(o Options) string {
	if o.SocketPath != "" {
		return o.SocketPath
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, o.service())
}

func dial(ctx context.Context, o Options) (net.Conn, error) {
	sockPath := ResolveAddress(o)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to local socket: %w", err)
	}

	if o.VerifyPeer {
		if err := verifyPeer(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("verifying %s: %w", sockPath, err)
		}
	}
	return conn, nil
}
