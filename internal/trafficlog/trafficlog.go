// Package trafficlog records the payloads relayed by the bridge. It is a
// diagnostic journal: append-only and never read back by the bridge.
package trafficlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Labels used by the bridge for the two directions.
const (
	LabelHostRead      = "read_stdin"
	LabelTransportRead = "read_socket"
)

// Event is one journal entry. Payload is a private copy.
type Event struct {
	Label   string
	Payload []byte
	Time    time.Time
}

// NewEvent copies payload into a new Event stamped with the current time.
func NewEvent(label string, payload []byte) Event {
	return Event{
		Label:   label,
		Payload: append([]byte(nil), payload...),
		Time:    time.Now().UTC(),
	}
}

// Sink receives journal events from a single writer.
type Sink interface {
	Write(ev Event) error
	Close() error
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(Event) error { return nil }
func (discard) Close() error      { return nil }

// FileSink appends events to a plain file. Each event is written as a
// blank line, the label followed by a colon, the raw payload bytes and a
// newline, and is flushed before Write returns.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenFile opens (or creates) the journal at path in append mode. The
// file is private to the user since payloads may carry secrets.
func OpenFile(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Write appends ev and flushes it to the file.
func (s *FileSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.WriteString("\n" + ev.Label + ":\n")
	s.w.Write(ev.Payload)
	s.w.WriteByte('\n')
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushErr := s.w.Flush()
	if err := s.file.Close(); err != nil {
		return err
	}
	return flushErr
}
