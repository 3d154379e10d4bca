//go:build linux

// Package tty implements the Terminal Controller: scoped echo gating,
// input-flow suspension, character injection, and the readable-byte
// probe spec.md §4.3 requires, all restored on every exit path.
package tty

import (
	"time"

	"golang.org/x/sys/unix"
)

// Controller wraps a single open terminal file descriptor.
type Controller struct {
	fd int
}

// New wraps fd, which must refer to a terminal (typically /dev/tty or a
// duplicate of stdin when stdin is itself a tty).
func New(fd int) *Controller {
	return &Controller{fd: fd}
}

// EchoEnabled reports whether ECHO is currently set on the terminal.
func (c *Controller) EchoEnabled() (bool, error) {
	term, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return false, err
	}
	return term.Lflag&unix.ECHO != 0, nil
}

// WithEchoOff clears ECHO for the duration of fn, restoring the prior
// terminal attributes on every exit path including panics.
func (c *Controller) WithEchoOff(fn func() error) error {
	term, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return err
	}

	snapshot := *term
	modified := *term
	modified.Lflag &^= unix.ECHO

	if err := unix.IoctlSetTermios(c.fd, unix.TCSETS, &modified); err != nil {
		return err
	}
	defer unix.IoctlSetTermios(c.fd, unix.TCSETS, &snapshot)

	return fn()
}

// WithInputSuspended issues TCIOFF on entry and TCION on exit, freezing
// any keystrokes the operator might type while the tool injects its own
// characters via Inject.
func (c *Controller) WithInputSuspended(fn func() error) error {
	if err := unix.IoctlSetInt(c.fd, unix.TCXONC, unix.TCIOFF); err != nil {
		return err
	}
	defer unix.IoctlSetInt(c.fd, unix.TCXONC, unix.TCION)

	return fn()
}

// Flush discards unread terminal input, equivalent to termios.TCIFLUSH.
func (c *Controller) Flush() error {
	return unix.IoctlSetInt(c.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// Inject pushes a single byte into the terminal driver's input queue as
// if it had been typed, via TIOCSTI.
func (c *Controller) Inject(b byte) error {
	return unix.IoctlSetPointerInt(c.fd, unix.TIOCSTI, int(b))
}

// Readable reports the number of bytes currently buffered and unread on
// the terminal, via FIONREAD.
func (c *Controller) Readable() (int, error) {
	return unix.IoctlGetInt(c.fd, unix.FIONREAD)
}

// TypeDelivery injects each byte of payload followed by a trailing
// newline, gating on EchoEnabled between every byte. While echo is on it
// backs off exponentially starting at 100ms and capped at 2s, and only
// injects once echo is confirmed off - this avoids injecting a secret
// into a shell prompt that is still echoing keystrokes back.
func (c *Controller) TypeDelivery(payload []byte) error {
	for _, b := range append(append([]byte{}, payload...), '\n') {
		delay := 100 * time.Millisecond
		for {
			enabled, err := c.EchoEnabled()
			if err != nil {
				return err
			}
			if !enabled {
				break
			}
			time.Sleep(delay)
			delay *= 2
			if delay > 2*time.Second {
				delay = 2 * time.Second
			}
		}
		if err := c.Inject(b); err != nil {
			return err
		}
	}
	return nil
}
