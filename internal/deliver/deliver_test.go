//go:build linux

package deliver

import (
	"io"
	"os"
	"testing"

	"github.com/creack/pty"

	"github.com/postalsys/memento/internal/tty"
)

func TestReadAllDrainsUntilEOF(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	want := []byte("hunter2")
	go func() {
		w.Write(want)
		w.Close()
	}()

	got, err := readAll(r)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("readAll = %q, want %q", got, want)
	}
}

func TestDeliverFramedWritesPlaintextAndNewline(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	memento := []byte("s3cr3t")
	if err := deliverFramed(w, memento); err != nil {
		t.Fatalf("deliverFramed: %v", err)
	}
	w.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := "s3cr3t\n"
	if string(got) != want {
		t.Errorf("deliverFramed wrote %q, want %q", got, want)
	}
}

func TestDeliverFramedSwallowsBrokenPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	r.Close() // target exited without ever reading fd 3

	if err := deliverFramed(w, []byte("s3cr3t")); err != nil {
		t.Fatalf("deliverFramed with no reader: err = %v, want nil (EPIPE swallowed)", err)
	}
}

func TestDeliverPipeOneLineSkipsForwarding(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := deliverPipe(w, nil, []byte("hunter2"), true); err != nil {
		t.Fatalf("deliverPipe: %v", err)
	}
}

func TestDeliverTTYInjectsIntoPTY(t *testing.T) {
	ptmx, ttyFile, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer ptmx.Close()
	defer ttyFile.Close()

	c := tty.New(int(ttyFile.Fd()))

	// A fresh pty has ECHO on, and deliverTTY waits for it to go off.
	err = c.WithEchoOff(func() error { return deliverTTY(c, []byte("x")) })
	if err != nil {
		t.Skipf("TIOCSTI unavailable in this environment: %v", err)
	}
}
