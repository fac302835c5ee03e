package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func header(n uint32) []byte {
	var h [HeaderSize]byte
	binary.NativeEndian.PutUint32(h[:], n)
	return h[:]
}

func frame(payload []byte) []byte {
	return append(header(uint32(len(payload))), payload...)
}

func littleEndianHost() bool {
	return binary.NativeEndian.Uint16([]byte{1, 0}) == 1
}

// ---------------------------------------------------------------------------
// Round trip and wire format
// ---------------------------------------------------------------------------

func TestFrameRoundTrip(t *testing.T) {
	original := []byte(`{"action":"get-databasehash"}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("Payload = %q, want %q", decoded, original)
	}
}

func TestFrameWireFormat(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	wire := buf.Bytes()
	if len(wire) != HeaderSize+len(payload) {
		t.Fatalf("wire length = %d, want %d", len(wire), HeaderSize+len(payload))
	}
	if got := binary.NativeEndian.Uint32(wire[:HeaderSize]); got != 3 {
		t.Errorf("length field = %d, want 3", got)
	}
	if littleEndianHost() {
		want := []byte{0x03, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}
		if !bytes.Equal(wire, want) {
			t.Errorf("wire = % x, want % x", wire, want)
		}
	}
}

func TestWriteFrameFlushes(t *testing.T) {
	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	if err := WriteFrame(w, []byte("ping")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if out.Len() != HeaderSize+4 {
		t.Errorf("underlying writer has %d bytes, want %d (frame not flushed)", out.Len(), HeaderSize+4)
	}
}

func TestWriteFrameRejectsInvalidLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("empty payload: err = %v, want ErrInvalidLength", err)
	}
	if err := WriteFrame(&buf, make([]byte, MaxPayload+1)); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("oversize payload: err = %v, want ErrInvalidLength", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected frames wrote %d bytes", buf.Len())
	}
}

func TestMaxPayloadAccepted(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, int(MaxPayload))
	got, err := ReadFrame(bytes.NewReader(frame(payload)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != int(MaxPayload) {
		t.Errorf("len = %d, want %d", len(got), MaxPayload)
	}
}

// ---------------------------------------------------------------------------
// Rejection
// ---------------------------------------------------------------------------

func TestZeroLengthRejected(t *testing.T) {
	stream := append(header(0), frame([]byte("next"))...)
	d := NewDecoder(bytes.NewReader(stream))

	_, err := d.Next()
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}

	got, err := d.Next()
	if err != nil {
		t.Fatalf("Next after zero frame: %v", err)
	}
	if string(got) != "next" {
		t.Errorf("payload = %q, want %q", got, "next")
	}
}

func TestOversizeRejectedEvenWhenBodyPresent(t *testing.T) {
	body := bytes.Repeat([]byte{'a'}, int(MaxPayload)+1)
	stream := append(header(MaxPayload+1), body...)
	stream = append(stream, frame([]byte("after"))...)
	d := NewDecoder(bytes.NewReader(stream))

	_, err := d.Next()
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}
	if !strings.Contains(err.Error(), "16385") {
		t.Errorf("error = %q, want it to mention the declared length", err)
	}

	got, err := d.Next()
	if err != nil {
		t.Fatalf("Next after oversize frame: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("payload = %q, want %q", got, "after")
	}
}

func TestOversizeTruncatedBody(t *testing.T) {
	stream := append(header(MaxPayload+10), []byte("short")...)
	_, err := ReadFrame(bytes.NewReader(stream))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

// ---------------------------------------------------------------------------
// EOF handling
// ---------------------------------------------------------------------------

func TestCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestPartialHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x03, 0x00}))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestTruncatedPayload(t *testing.T) {
	stream := append(header(10), []byte("abc")...)
	_, err := ReadFrame(bytes.NewReader(stream))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

// ---------------------------------------------------------------------------
// Multiple frames and resync
// ---------------------------------------------------------------------------

func TestMultipleFrames(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two two"), {0x00, 0xff}}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	d := NewDecoder(&buf)
	for i, want := range payloads {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("Next[%d]: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame[%d] = %q, want %q", i, got, want)
		}
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after all frames, got %v", err)
	}
}

func TestResyncSkipsGarbage(t *testing.T) {
	if !littleEndianHost() {
		t.Skip("garbage layout below assumes a little-endian host")
	}
	// A 256-byte payload has the prefix 00 01 00 00; none of the windows
	// straddling the garbage and that prefix decode to a valid length.
	payload := bytes.Repeat([]byte{'k'}, 256)
	stream := []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	stream = append(stream, frame(payload)...)

	d := NewDecoder(bytes.NewReader(stream))
	d.Resync = true

	got, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload length = %d, want %d", len(got), len(payload))
	}
	if d.Skipped != 5 {
		t.Errorf("Skipped = %d, want 5", d.Skipped)
	}
}

func TestResyncZeroLengthKeepsAlignment(t *testing.T) {
	stream := header(0)
	stream = append(stream, frame([]byte{0x01, 0x02, 0x03})...)
	stream = append(stream, frame([]byte("tail"))...)

	d := NewDecoder(bytes.NewReader(stream))
	d.Resync = true

	if _, err := d.Next(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}
	got, err := d.Next()
	if err != nil {
		t.Fatalf("Next after zero frame: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("payload = % x, want 01 02 03", got)
	}
	if got, err = d.Next(); err != nil || string(got) != "tail" {
		t.Errorf("Next = %q, %v, want %q", got, err, "tail")
	}
	if d.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", d.Skipped)
	}
}

func TestResyncEOF(t *testing.T) {
	d := NewDecoder(bytes.NewReader(header(MaxPayload + 1)))
	d.Resync = true
	if _, err := d.Next(); err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}
