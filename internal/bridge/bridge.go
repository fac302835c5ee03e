package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/nmbridge/internal/mailbox"
	"github.com/codewiresh/nmbridge/internal/protocol"
	"github.com/codewiresh/nmbridge/internal/trafficlog"
	"github.com/codewiresh/nmbridge/internal/transport"
)

// ErrHostClosed is returned by the stdin reader when the host closes its
// end of the stream. Run treats it as a clean shutdown.
var ErrHostClosed = errors.New("host closed stdin")

// Bridge wires host stdio to a transport connection.
type Bridge struct {
	// Stdin carries length-prefixed requests from the host.
	Stdin io.Reader

	// Stdout receives length-prefixed responses for the host.
	Stdout io.Writer

	// Conn is the open connection to the local service. Run takes
	// ownership of it and closes it on return.
	Conn io.ReadWriteCloser

	// Journal records every forwarded payload. If nil, nothing is
	// recorded. Run closes it on return.
	Journal trafficlog.Sink

	// Resync enables stream resynchronisation after a bad length prefix
	// (see protocol.Decoder). Off by default.
	Resync bool

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Dropped frames are logged at Warn, abandoned exchanges at Debug.
	Logger *slog.Logger

	stats counters
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Bridge) journal() trafficlog.Sink {
	if b.Journal != nil {
		return b.Journal
	}
	return trafficlog.Discard
}

// Run starts every actor and blocks until they have all stopped. It
// returns nil when ctx is cancelled or the host closes stdin, and the
// first fatal error otherwise (stdout closed, transport gone, journal
// write failure). Events queued for the journal are written before Run
// returns.
//
// The stdin reader's blocking read cannot be interrupted; if the host
// never closes stdin, that one goroutine outlives Run until the process
// exits.
func (b *Bridge) Run(ctx context.Context) error {
	if b.Stdin == nil || b.Stdout == nil || b.Conn == nil {
		return fmt.Errorf("bridge: Stdin, Stdout and Conn are required")
	}

	requests := mailbox.New[[]byte]()
	responses := mailbox.New[[]byte]()
	events := mailbox.New[trafficlog.Event]()
	// Capacity 1 is enough: the transport owner refuses a second write
	// until the read paired with the first has been attempted.
	signal := make(chan struct{}, 1)

	pipelineCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	journalErr := make(chan error, 1)
	go func() {
		err := b.runJournal(events)
		if err != nil {
			cancel(err)
		}
		journalErr <- err
	}()

	handle := transport.New(b.Conn)
	g, gctx := errgroup.WithContext(pipelineCtx)
	g.Go(func() error { return handle.Run(gctx) })
	g.Go(func() error { return b.readStdin(gctx, requests, events) })
	g.Go(func() error { return b.writeStdout(gctx, responses) })
	g.Go(func() error { return b.writeSocket(gctx, handle, requests, signal) })
	g.Go(func() error { return b.readSocket(gctx, handle, signal, responses, events) })

	b.logger().Info("bridge started")
	err := g.Wait()

	// Every producer has stopped; let the journal drain and finish.
	events.Close()
	if jErr := <-journalErr; err == nil {
		err = jErr
	}
	if closeErr := b.journal().Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing journal: %w", closeErr)
	}

	if errors.Is(err, ErrHostClosed) {
		err = nil
	}

	s := b.Stats()
	b.logger().Info("bridge stopped",
		"requests", s.Requests,
		"responses", s.Responses,
		"invalid_frames", s.InvalidFrames,
		"skipped_bytes", s.SkippedBytes,
		"failed_writes", s.FailedWrites,
		"unanswered", s.Unanswered,
		"err", err,
	)
	return err
}

// readStdin decodes frames from the host and forwards each payload to the
// socket writer and the journal. Invalid frames are dropped.
func (b *Bridge) readStdin(ctx context.Context, requests *mailbox.Mailbox[[]byte], events *mailbox.Mailbox[trafficlog.Event]) error {
	type decoded struct {
		payload []byte
		skipped uint64
		err     error
	}

	dec := protocol.NewDecoder(b.Stdin)
	dec.Resync = b.Resync

	frames := make(chan decoded)
	go func() {
		for {
			var d decoded
			before := dec.Skipped
			d.payload, d.err = dec.Next()
			d.skipped = dec.Skipped - before

			select {
			case frames <- d:
			case <-ctx.Done():
				return
			}
			if d.err != nil && !errors.Is(d.err, protocol.ErrInvalidLength) {
				return
			}
		}
	}()

	for {
		var d decoded
		select {
		case <-ctx.Done():
			return nil
		case d = <-frames:
		}

		if d.skipped > 0 {
			b.stats.skippedBytes.Add(d.skipped)
			b.logger().Warn("resynchronised host stream", "skipped_bytes", d.skipped)
		}

		switch {
		case d.err == nil:
			b.stats.requests.Add(1)
			events.Push(trafficlog.NewEvent(trafficlog.LabelHostRead, d.payload))
			requests.Push(d.payload)
		case errors.Is(d.err, protocol.ErrInvalidLength):
			b.stats.invalidFrames.Add(1)
			b.logger().Warn("dropping frame from host", "err", d.err)
		case errors.Is(d.err, io.EOF), errors.Is(d.err, io.ErrUnexpectedEOF):
			return ErrHostClosed
		default:
			return fmt.Errorf("reading stdin: %w", d.err)
		}
	}
}

// writeStdout frames each response for the host. One payload, one frame.
func (b *Bridge) writeStdout(ctx context.Context, responses *mailbox.Mailbox[[]byte]) error {
	for {
		payload, err := responses.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := protocol.WriteFrame(b.Stdout, payload); err != nil {
			return fmt.Errorf("writing stdout: %w", err)
		}
		b.stats.responses.Add(1)
	}
}

// writeSocket sends each request to the transport and, once the write has
// succeeded, signals the socket reader to collect the response.
func (b *Bridge) writeSocket(ctx context.Context, h *transport.Handle, requests *mailbox.Mailbox[[]byte], signal chan<- struct{}) error {
	for {
		payload, err := requests.Pop(ctx)
		if err != nil {
			return nil
		}

		if err := h.Write(ctx, payload); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrClosed):
				return fmt.Errorf("writing transport: %w", err)
			}
			b.stats.failedWrites.Add(1)
			b.logger().Warn("dropping request, transport write failed", "err", err, "bytes", len(payload))
			continue
		}

		select {
		case signal <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
	}
}

// readSocket waits for a completed write, then reads one response chunk
// and forwards it to stdout and the journal.
func (b *Bridge) readSocket(ctx context.Context, h *transport.Handle, signal <-chan struct{}, responses *mailbox.Mailbox[[]byte], events *mailbox.Mailbox[trafficlog.Event]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-signal:
		}

		data, err := h.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrClosed):
				return fmt.Errorf("reading transport: %w", err)
			}
			b.stats.unanswered.Add(1)
			b.logger().Debug("no response from transport", "err", err)
			continue
		}

		events.Push(trafficlog.NewEvent(trafficlog.LabelTransportRead, data))
		responses.Push(data)
	}
}

// runJournal writes events in arrival order until the mailbox is closed
// and drained.
func (b *Bridge) runJournal(events *mailbox.Mailbox[trafficlog.Event]) error {
	sink := b.journal()
	for {
		ev, err := events.Pop(context.Background())
		if err != nil {
			return nil
		}
		if err := sink.Write(ev); err != nil {
			return fmt.Errorf("writing journal: %w", err)
		}
	}
}
