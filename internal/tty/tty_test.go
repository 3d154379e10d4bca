//go:build linux

package tty

import (
	"testing"

	"github.com/creack/pty"
)

func openTestPTY(t *testing.T) (*Controller, func()) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	return New(int(tty.Fd())), func() {
		ptmx.Close()
		tty.Close()
	}
}

func TestEchoEnabledReflectsTermios(t *testing.T) {
	c, cleanup := openTestPTY(t)
	defer cleanup()

	enabled, err := c.EchoEnabled()
	if err != nil {
		t.Fatalf("EchoEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("freshly opened pty should have ECHO enabled by default")
	}
}

func TestWithEchoOffRestoresState(t *testing.T) {
	c, cleanup := openTestPTY(t)
	defer cleanup()

	before, err := c.EchoEnabled()
	if err != nil {
		t.Fatalf("EchoEnabled: %v", err)
	}

	var duringEcho bool
	err = c.WithEchoOff(func() error {
		var err error
		duringEcho, err = c.EchoEnabled()
		return err
	})
	if err != nil {
		t.Fatalf("WithEchoOff: %v", err)
	}
	if duringEcho {
		t.Error("ECHO still enabled inside WithEchoOff")
	}

	after, err := c.EchoEnabled()
	if err != nil {
		t.Fatalf("EchoEnabled after: %v", err)
	}
	if after != before {
		t.Errorf("EchoEnabled after WithEchoOff = %v, want restored %v", after, before)
	}
}

func TestInjectAndReadable(t *testing.T) {
	c, cleanup := openTestPTY(t)
	defer cleanup()

	// In canonical mode FIONREAD only counts completed lines, so end the
	// injected input with a newline.
	for _, b := range []byte("x\n") {
		if err := c.Inject(b); err != nil {
			t.Skipf("TIOCSTI unavailable in this environment: %v", err)
		}
	}

	n, err := c.Readable()
	if err != nil {
		t.Fatalf("Readable: %v", err)
	}
	if n < 1 {
		t.Errorf("Readable() = %d, want >= 1 after Inject", n)
	}
}
