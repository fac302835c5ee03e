package connection

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/Microsoft/go-winio"
)

// ResolveAddress returns the pipe path: SocketPath if set, otherwise
// \\.\pipe\<namespace>\<USERNAME>\<service>.
func ResolveAddress(o Options) string {
	if o.SocketPath != "" {
		return o.SocketPath
	}
	return fmt.Sprintf(`\\.\pipe\%s\%s\%s`, o.pipeNamespace(), os.Getenv("USERNAME"), o.service())
}

func dial(ctx context.Context, o Options) (net.Conn, error) {
	pipePath := ResolveAddress(o)
	conn, err := winio.DialPipeContext(ctx, pipePath)
	if err != nil {
		return nil, fmt.Errorf("connecting to named pipe: %w", err)
	}
	return conn, nil
}
