// Package orchestrator implements the Fork/Exec Orchestrator of
// spec.md §4.4: it wires the anonymous pipe between the target command
// and the delivery process, and arranges for delivery to run detached
// so it neither blocks nor is blocked by the target command.
//
// A literal second fork() that keeps running Go code in the child, as
// the original tool does, is not reproducible safely in a multi-threaded
// Go runtime (only a fork immediately followed by execve, which is what
// os/exec already guarantees, is safe). The observable contract - the
// delivery process runs detached, is never waited on by the main
// process, and the target command's argv/stdio are wired to the chosen
// transport - is instead realized with two ordinary child processes: the
// target command, and a re-exec of this same binary's hidden "deliver"
// entrypoint, started in its own session and released immediately.
package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/postalsys/memento/internal/dispatch"
)

// DeliverSubcommand is the hidden first argument the delivery process
// re-execs itself with. main intercepts it before cobra parses the
// command line, so it is not listed in --help.
const DeliverSubcommand = "__deliver__"

// Pipe is the anonymous pipe connecting the delivery process (writer)
// to the target command (reader), per spec.md §4.4 step 1.
type Pipe struct {
	Rd *os.File
	Wr *os.File
}

// NewPipe creates the anonymous pipe.
func NewPipe() (*Pipe, error) {
	rd, wr, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: pipe: %w", err)
	}
	return &Pipe{Rd: rd, Wr: wr}, nil
}

func (p *Pipe) Close() {
	if p.Rd != nil {
		p.Rd.Close()
	}
	if p.Wr != nil {
		p.Wr.Close()
	}
}

// TargetSpec describes the command the operator asked to run.
type TargetSpec struct {
	Argv []string // Argv[0] is the executable path/name
	Env  []string // extra environment assignments, appended to os.Environ()

	// Mode selects how the pipe is wired into the target, if at all.
	Mode dispatch.Mode

	// Pipe is non-nil for ModeFile, ModePipe, and ModeArg. It is unused
	// for ModeTTY, since the target simply inherits the real terminal.
	Pipe *Pipe
}

// SpawnTarget starts the target command. For ModeFile and ModeArg, the
// pipe's read end is inherited as fd 3 (spec.md §4.4 step 3: Argv must
// already reference "/dev/fd/3" for ModeFile). For ModePipe, the read
// end is dup'd directly onto the child's stdin. For ModeTTY, the child
// inherits the real stdio unmodified.
func SpawnTarget(spec TargetSpec) (*exec.Cmd, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...), spec.Env...)
	cmd.Stderr = os.Stderr

	switch spec.Mode {
	case dispatch.ModeFile, dispatch.ModeArg:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.ExtraFiles = []*os.File{spec.Pipe.Rd}
	case dispatch.ModePipe:
		cmd.Stdin = spec.Pipe.Rd
		cmd.Stdout = os.Stdout
	case dispatch.ModeTTY:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: spawn target: %w", err)
	}
	return cmd, nil
}

// DeliverySpec describes the detached delivery process's inherited file
// descriptors. MementoR (fd 3) always carries the plaintext memento,
// read once at startup and then closed - it never appears in argv or
// environ, preserving invariant I1. Sink (fd 1 / stdout) is the pipe's
// write end for ModeFile/ModePipe/ModeArg. Extra (fd 4) is the tool's
// original stdin for ModePipe forwarding, or an open /dev/tty fd for
// ModeTTY character injection; it is nil otherwise.
type DeliverySpec struct {
	Mode     dispatch.Mode
	OneLine  bool
	MementoR *os.File
	Sink     *os.File
	Extra    *os.File
}

// SpawnDelivery re-execs this binary into its hidden deliver entrypoint,
// detached into its own session via Setsid, and releases the handle
// immediately so the main process never waits on it - the Go-idiomatic
// analogue of orphaning a grandchild to init.
func SpawnDelivery(spec DeliverySpec) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("orchestrator: resolve self: %w", err)
	}

	args := []string{DeliverSubcommand, spec.Mode.String()}
	if spec.OneLine {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: open /dev/null: %w", err)
	}
	defer devNull.Close()

	cmd := exec.Command(self, args...)
	cmd.Stdin = devNull
	cmd.Stderr = os.Stderr

	sink := spec.Sink
	if sink == nil {
		sink = devNull
	}
	cmd.Stdout = sink

	extraFiles := []*os.File{spec.MementoR} // fd 3
	if spec.Extra != nil {
		extraFiles = append(extraFiles, spec.Extra) // fd 4
	}
	cmd.ExtraFiles = extraFiles

	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("orchestrator: spawn delivery: %w", err)
	}
	return cmd.Process.Release()
}

// Wait blocks for the target command to exit and translates its result
// into the tool's own exit code: the exit status if the process exited
// normally, or 128+signal if it was killed by a signal (spec.md §6, §7).
func Wait(cmd *exec.Cmd) (int, error) {
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, fmt.Errorf("orchestrator: wait: %w", err)
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), nil
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return status.ExitStatus(), nil
}
