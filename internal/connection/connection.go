// Package connection opens the local IPC channel to the listening service:
// a Unix domain socket everywhere except Windows, where it is a named pipe.
// Which implementation is compiled is decided by build tags.
package connection

import (
	"context"
	"errors"
	"net"
	"time"
)

const (
	// DefaultService is the well-known name of the KeePassXC browser
	// integration socket and pipe.
	DefaultService = "kpxc_server"
	// DefaultPipeNamespace is the first pipe path component on Windows.
	DefaultPipeNamespace = "keepassxc"
	// DefaultReadTimeout bounds every read on the returned connection.
	DefaultReadTimeout = time.Second
)

// ErrPeerMismatch is returned when VerifyPeer is set and the listening
// process belongs to another user.
var ErrPeerMismatch = errors.New("socket peer is owned by another user")

// Options selects and tunes the transport.
type Options struct {
	// Service is the socket or pipe base name. Empty means DefaultService.
	Service string
	// SocketPath overrides address resolution entirely.
	SocketPath string
	// PipeNamespace is used on Windows only. Empty means DefaultPipeNamespace.
	PipeNamespace string
	// ReadTimeout and WriteTimeout are applied as deadlines before every
	// read and write. Zero disables them.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// VerifyPeer checks the credentials of the listening process (Unix
	// only; pipe ACLs cover this on Windows).
	VerifyPeer bool
}

func (o Options) service() string {
	if o.Service != "" {
		return o.Service
	}
	return DefaultService
}

func (o Options) pipeNamespace() string {
	if o.PipeNamespace != "" {
		return o.PipeNamespace
	}
	return DefaultPipeNamespace
}

// Dial resolves the platform address and connects to it. The connection
// is opened once and never reopened by the caller.
func Dial(ctx context.Context, o Options) (net.Conn, error) {
	conn, err := dial(ctx, o)
	if err != nil {
		return nil, err
	}
	if o.ReadTimeout > 0 || o.WriteTimeout > 0 {
		conn = &deadlineConn{Conn: conn, read: o.ReadTimeout, write: o.WriteTimeout}
	}
	return conn, nil
}

// deadlineConn arms a fresh deadline before each call so that a silent
// peer turns into a timeout error rather than a hung reader.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
