package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the frame prefix in bytes.
	HeaderSize = 4
	// MaxPayload is the largest payload accepted in either direction.
	MaxPayload uint32 = 16 * 1024 // 16 KiB
)

// ErrInvalidLength reports a length prefix outside (0, MaxPayload]. The
// frame is dropped; it is never an I/O failure.
var ErrInvalidLength = errors.New("invalid frame length")

// ValidLength reports whether n is an acceptable payload length.
func ValidLength(n uint32) bool {
	return n > 0 && n <= MaxPayload
}

// Decoder reads native messaging frames from a stream.
// Wire format: [length:u32 native-endian][payload]
type Decoder struct {
	r io.Reader

	// Resync makes the decoder slide over the stream one byte at a time
	// after an oversize length prefix until a plausible prefix appears,
	// instead of discarding the declared length. Off by default.
	Resync bool

	// Skipped counts bytes thrown away while resynchronising.
	Skipped uint64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame reads a single frame from r without resynchronisation.
func ReadFrame(r io.Reader) ([]byte, error) {
	return NewDecoder(r).Next()
}

// Next reads the next frame and returns its payload.
//
// It returns io.EOF when the stream ends cleanly before a header and
// io.ErrUnexpectedEOF when it ends inside a frame. A prefix outside
// (0, MaxPayload] yields an error wrapping ErrInvalidLength; in that case
// the declared number of bytes has already been consumed so the caller can
// simply try again. With Resync set, an oversize prefix is skipped instead
// and the next frame found is returned.
func (d *Decoder) Next() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.NativeEndian.Uint32(header[:])

	// A zero-length frame is only its header, so the stream is still
	// aligned and there is nothing to resynchronise.
	if length == 0 {
		return nil, fmt.Errorf("%w: 0 bytes", ErrInvalidLength)
	}

	if !ValidLength(length) {
		if !d.Resync {
			if err := d.discard(length); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, length)
		}
		var err error
		if length, err = d.resync(&header); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, unexpected(err)
	}
	return payload, nil
}

// discard consumes the body of a rejected frame without buffering it.
func (d *Decoder) discard(length uint32) error {
	if _, err := io.CopyN(io.Discard, d.r, int64(length)); err != nil {
		return unexpected(err)
	}
	return nil
}

func (d *Decoder) resync(header *[HeaderSize]byte) (uint32, error) {
	for {
		copy(header[:], header[1:])
		if _, err := io.ReadFull(d.r, header[HeaderSize-1:]); err != nil {
			return 0, unexpected(err)
		}
		d.Skipped++
		if length := binary.NativeEndian.Uint32(header[:]); ValidLength(length) {
			return length, nil
		}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type flusher interface {
	Flush() error
}

// WriteFrame writes payload as a single frame and flushes w if it buffers.
// Header and payload go out in one Write so a concurrent reader on the
// other side never observes a header without its body.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > int(MaxPayload) {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.NativeEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing frame: %w", err)
		}
	}
	return nil
}
