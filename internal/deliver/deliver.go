// Package deliver implements the delivery process's write phase: the
// code that runs after orchestrator.SpawnDelivery has re-exec'd this
// binary's hidden entrypoint. It reads the plaintext memento once from
// its inherited fd 3, scrubs that descriptor, and then writes the
// memento into the chosen transport (spec.md §4.6 DELIVER state).
package deliver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/postalsys/memento/internal/dispatch"
	"github.com/postalsys/memento/internal/pipeline"
	"github.com/postalsys/memento/internal/tty"
)

const (
	mementoFD = 3
	extraFD   = 4
)

// Run executes the delivery process body for the given mode. Go's
// os/exec already gives every inherited descriptor close-on-exec by
// default; only fds explicitly attached via Stdin/Stdout/Stderr/
// ExtraFiles survive into this process, which is the Go-native
// equivalent of spec.md §4.4 step 4's manual fd-scrubbing loop.
func Run(mode dispatch.Mode, oneLine bool) error {
	mementoFile := os.NewFile(mementoFD, "memento")
	if mementoFile == nil {
		return fmt.Errorf("deliver: fd %d not inherited", mementoFD)
	}

	memento, err := readAll(mementoFile)
	mementoFile.Close()
	if err != nil {
		return fmt.Errorf("deliver: read memento: %w", err)
	}

	switch mode {
	case dispatch.ModeTTY:
		ttyFile := os.NewFile(extraFD, "tty")
		if ttyFile == nil {
			return fmt.Errorf("deliver: fd %d (tty) not inherited", extraFD)
		}
		defer ttyFile.Close()
		return deliverTTY(tty.New(int(ttyFile.Fd())), memento)
	case dispatch.ModeFile, dispatch.ModeArg:
		return deliverFramed(os.Stdout, memento)
	case dispatch.ModePipe:
		var forward *os.File
		if !oneLine {
			forward = os.NewFile(extraFD, "stdin-forward")
		}
		return deliverPipe(os.Stdout, forward, memento, oneLine)
	default:
		return fmt.Errorf("deliver: unknown mode %v", mode)
	}
}

func readAll(f *os.File) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
		if n == 0 {
			return buf, nil
		}
	}
}

// writeMemento writes plaintext followed by a newline to out, matching
// spec.md §4.2/§4.6's framed-write contract. A broken pipe here - the
// target exited or closed its read end before reading fd 3/stdin - is
// swallowed rather than reported, matching spec.md §4.7/§7: only a
// non-EPIPE write failure is fatal.
func writeMemento(out *os.File, plaintext []byte) error {
	if _, err := out.Write(append(append([]byte{}, plaintext...), '\n')); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			return nil
		}
		return err
	}
	return nil
}

// deliverFramed handles ModeFile and ModeArg: a single framed write to
// out (the pipe's write end), then EOF so the target sees the whole
// memento and nothing more.
func deliverFramed(out *os.File, memento []byte) error {
	return writeMemento(out, memento)
}

// deliverPipe handles ModePipe: the framed write, then - unless the
// caller asked for oneline close or gave no forwarding descriptor - a
// zero-copy splice of the tool's original stdin onward to the child's
// stdin, until EOF or the child closes its read end (spec.md §4.6,
// §4.7: broken pipe here is not an error).
func deliverPipe(out *os.File, forward *os.File, memento []byte, oneLine bool) error {
	if err := writeMemento(out, memento); err != nil {
		return err
	}
	if oneLine || forward == nil {
		return nil
	}
	defer forward.Close()

	p := pipeline.New(forward, out)
	defer p.Close()

	for {
		n, err := p.Splice(8192)
		if err != nil {
			if err == pipeline.ErrBrokenPipe {
				return nil
			}
			return fmt.Errorf("deliver: splice: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// deliverTTY handles ModeTTY: typing the memento into the controlling
// terminal, gated on echo-off, via a controller bound to an fd passed
// explicitly by the caller since the delivery process has no
// controlling terminal of its own once detached into a new session.
func deliverTTY(controller *tty.Controller, memento []byte) error {
	return controller.TypeDelivery(memento)
}
