//go:build !windows

package connection

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// listen starts a unix listener in a fresh temp dir and returns its path.
func listen(t *testing.T) (string, net.Listener) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "bridge.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return sockPath, ln
}

func TestResolveAddressXDG(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	got := ResolveAddress(Options{})
	if got != "/run/user/1000/kpxc_server" {
		t.Errorf("ResolveAddress = %q, want /run/user/1000/kpxc_server", got)
	}

	got = ResolveAddress(Options{Service: "other"})
	if got != "/run/user/1000/other" {
		t.Errorf("ResolveAddress = %q, want /run/user/1000/other", got)
	}
}

func TestResolveAddressTempFallback(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	got := ResolveAddress(Options{})
	want := filepath.Join(os.TempDir(), DefaultService)
	if got != want {
		t.Errorf("ResolveAddress = %q, want %q", got, want)
	}
}

func TestResolveAddressOverride(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	got := ResolveAddress(Options{SocketPath: "/custom/path.sock"})
	if got != "/custom/path.sock" {
		t.Errorf("ResolveAddress = %q, want /custom/path.sock", got)
	}
}

func TestDialRoundTrip(t *testing.T) {
	sockPath, ln := listen(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	conn, err := Dial(context.Background(), Options{SocketPath: sockPath, ReadTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Read = %q, want %q", buf[:n], "hello")
	}
}

func TestDialReadTimeout(t *testing.T) {
	sockPath, ln := listen(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := Dial(context.Background(), Options{SocketPath: sockPath, ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	defer func() {
		select {
		case c := <-accepted:
			c.Close()
		default:
		}
	}()

	start := time.Now()
	_, err = conn.Read(make([]byte, 8))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read took %v, deadline not applied", elapsed)
	}
}

func TestDialMissingSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "absent.sock")

	_, err := Dial(context.Background(), Options{SocketPath: sockPath})
	if err == nil {
		t.Fatal("expected error dialing a missing socket")
	}
	if !strings.Contains(err.Error(), "connecting to local socket") {
		t.Errorf("error = %q, want it to contain 'connecting to local socket'", err)
	}
}
