// Package pipeline implements the Splice Pipeline: a zero-copy
// kernel-to-kernel byte pump between two file descriptors, gated by
// poll(2) so it never blocks indefinitely when the sink has hung up.
package pipeline

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrBrokenPipe is returned by Splice when the sink side has hung up or
// errored. Callers treat this as a non-fatal end of transfer (spec.md
// §4.7): the child may simply have closed its read end early.
var ErrBrokenPipe = errors.New("pipeline: broken pipe")

// Pipeline transfers bytes from a source fd to a sink fd using splice(2),
// and provides passthrough Write/Flush on the sink so an initial framed
// write (the memento plus newline) can be mixed with subsequent raw
// forwarding.
type Pipeline struct {
	src  *os.File
	sink *os.File
}

// New wraps an already-open source and sink. Both must be non-nil; the
// caller retains ownership until Close.
func New(src, sink *os.File) *Pipeline {
	return &Pipeline{src: src, sink: sink}
}

// Write passes buf through to the sink, used for the initial framed
// memento write before the raw splice forwarding begins.
func (p *Pipeline) Write(buf []byte) (int, error) {
	return p.sink.Write(buf)
}

// Flush is a no-op retained for symmetry with the teacher's buffered
// writer call sites; os.File has no internal buffer to flush.
func (p *Pipeline) Flush() error {
	return nil
}

// Splice transfers up to maxBytes from source to sink in a single
// non-blocking splice(2) call, after blocking on poll(2) for readability
// on the source or hangup/error on the sink. It returns (0, nil) on EOF.
// A hangup observed on the sink returns ErrBrokenPipe. EINTR is retried
// transparently.
func (p *Pipeline) Splice(maxBytes int) (int, error) {
	srcFD := int(p.src.Fd())
	sinkFD := int(p.sink.Fd())

	for {
		fds := []unix.PollFd{
			{Fd: int32(sinkFD), Events: unix.POLLHUP | unix.POLLERR},
			{Fd: int32(srcFD), Events: unix.POLLIN | unix.POLLHUP | unix.POLLERR},
		}

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, err
		}

		if fds[0].Revents != 0 {
			return 0, ErrBrokenPipe
		}
		if fds[1].Revents == 0 {
			continue
		}
		break
	}

	for {
		n, err := unix.Splice(srcFD, nil, sinkFD, nil, maxBytes,
			unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EPIPE) {
				return 0, ErrBrokenPipe
			}
			return 0, err
		}
		return int(n), nil
	}
}

// Close replaces both endpoints with /dev/null via dup2, so that
// subsequent writes silently drop and the descriptor numbers are never
// recycled out from under the caller.
func (p *Pipeline) Close() error {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer null.Close()

	if err := unix.Dup2(int(null.Fd()), int(p.src.Fd())); err != nil {
		return err
	}
	return unix.Dup2(int(null.Fd()), int(p.sink.Fd()))
}
