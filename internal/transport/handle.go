// Package transport owns the connection to the local service. A single
// goroutine (Handle.Run) performs every read and write; other goroutines
// submit operations over channels and wait for the result.
//
// The owner enforces strict request/response alternation: once a write
// succeeds it accepts only a read, and further writes stay queued until
// that read attempt has finished. A failed write leaves it accepting
// writes again. At most one request is ever outstanding on the wire.
//
// A write that times out may already have put part of the request on the
// wire. If the peer answers that fragment, the answer is returned by the
// read paired with the next successful write, so responses can slip one
// request out of step until a read times out again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/codewiresh/nmbridge/internal/protocol"
)

var (
	// ErrClosed reports that the connection is gone (peer hung up, broken
	// pipe, or the owner has stopped). It is not recoverable.
	ErrClosed = errors.New("transport closed")

	// ErrNoResponse reports a read that timed out or returned no bytes.
	// The exchange is abandoned; the owner accepts writes again.
	ErrNoResponse = errors.New("no response from transport")
)

type result struct {
	data []byte
	err  error
}

type op struct {
	data  []byte
	reply chan result
}

// Handle serialises access to one duplex connection.
type Handle struct {
	conn   io.ReadWriteCloser
	writes chan op
	reads  chan op
	done   chan struct{}
	buf    []byte
}

// New returns a Handle for conn. Run must be called for operations to
// make progress. The Handle takes ownership of conn and closes it when
// Run returns.
func New(conn io.ReadWriteCloser) *Handle {
	return &Handle{
		conn:   conn,
		writes: make(chan op),
		reads:  make(chan op),
		done:   make(chan struct{}),
		buf:    make([]byte, protocol.MaxPayload),
	}
}

// Run serves operations until ctx is cancelled (returning nil) or the
// connection fails unrecoverably (returning an error wrapping ErrClosed).
func (h *Handle) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.conn.Close()

	// Closing the connection is the only way to unblock an in-flight
	// read or write when the context goes away.
	stop := context.AfterFunc(ctx, func() { h.conn.Close() })
	defer stop()

	awaitingRead := false
	for {
		queue := h.writes
		if awaitingRead {
			queue = h.reads
		}

		select {
		case <-ctx.Done():
			return nil
		case o := <-queue:
			var res result
			if awaitingRead {
				res.data, res.err = h.read()
				awaitingRead = false
			} else {
				res.err = h.write(o.data)
				awaitingRead = res.err == nil
			}
			o.reply <- res

			if errors.Is(res.err, ErrClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return res.err
			}
		}
	}
}

// Write sends p to the peer as raw bytes. It blocks while a previous
// successful write is still waiting for its read.
func (h *Handle) Write(ctx context.Context, p []byte) error {
	_, err := h.submit(ctx, h.writes, p)
	return err
}

// Read performs one read of up to protocol.MaxPayload bytes for the
// outstanding write. The returned slice is owned by the caller.
func (h *Handle) Read(ctx context.Context) ([]byte, error) {
	return h.submit(ctx, h.reads, nil)
}

func (h *Handle) submit(ctx context.Context, queue chan op, p []byte) ([]byte, error) {
	o := op{data: p, reply: make(chan result, 1)}
	select {
	case queue <- o:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrClosed
	}

	select {
	case res := <-o.reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) write(p []byte) error {
	if _, err := h.conn.Write(p); err != nil {
		return classify("write", err)
	}
	return nil
}

func (h *Handle) read() ([]byte, error) {
	n, err := h.conn.Read(h.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, h.buf[:n])
		return data, nil
	}
	if err == nil {
		return nil, ErrNoResponse
	}
	return nil, classify("read", err)
}

func classify(operation string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %s: %v", ErrClosed, operation, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		if operation == "read" {
			return fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
		return fmt.Errorf("%s timed out: %w", operation, err)
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
