// Package challenge implements the two-pass salt binding protocol of
// spec.md §4.5: when a key name is given without an explicit salt, the
// tool generates one, smuggles it to the operator's shell through a
// pipe exposed under /proc/<pid>/fd/N, types a reconstructed invocation
// of itself into the controlling terminal, and suspends itself so the
// shell can carry the resumed process forward with a valid --salt.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/memento/internal/tty"
)

// SideChannelPrefix is the per-process shell variable prefix the salt is
// smuggled through, mirroring the original tool's "_<NAME>_" convention.
const SideChannelPrefix = "_MEMENTO_"

const suffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrKeyUnread is returned when the side-channel pipe still has unread
// bytes after the tool resumes - a sign the operator's shell did not run
// the injected script to completion.
var ErrKeyUnread = errors.New("challenge: key unread")

// ErrNotATTY describes a missing controlling terminal to inject into.
// Nothing in this package returns it: Run takes a controller that is
// already bound to a terminal.
var ErrNotATTY = errors.New("challenge: controlling terminal required")

// ResumeExitCode is the exit code the first pass of the protocol always
// returns, distinguishing "challenged, expect shell resume" from a
// completed invocation (spec.md §6).
const ResumeExitCode = 127

// Uptime reads the system uptime in seconds, as printed by the kernel in
// /proc/uptime, and returns it verbatim as the string before the first
// whitespace run.
func Uptime() (string, error) {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return "", fmt.Errorf("challenge: read uptime: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", fmt.Errorf("challenge: malformed /proc/uptime")
	}
	return fields[0], nil
}

// NextSuffix derives a short, highly-likely-unique suffix from system
// uptime, base62-encoded. It sleeps for one tick at the uptime file's
// own resolution so that two calls in quick succession never collide.
func NextSuffix() (string, error) {
	raw, err := Uptime()
	if err != nil {
		return "", err
	}

	resolution := 0
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		resolution = len(raw) - dot - 1
	}

	time.Sleep(time.Duration(math.Pow(10, float64(-resolution)) * float64(time.Second)))

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", fmt.Errorf("challenge: parse uptime: %w", err)
	}
	scale := math.Pow(10, float64(resolution))
	n := int64(seconds * scale)

	if n == 0 {
		return string(suffixAlphabet[0]), nil
	}

	var b strings.Builder
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append(digits, suffixAlphabet[n%int64(len(suffixAlphabet))])
		n /= int64(len(suffixAlphabet))
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String(), nil
}

// GenerateSalt returns a fresh random salt: 3 bytes, hex-encoded, as
// spec.md §4.5 step 2 requires.
func GenerateSalt() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge: generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// quoteWord prepares s for safe inclusion in an injected shell command
// line: a non-empty word with no shell metacharacters is returned as is;
// anything else is wrapped in single quotes, escaping any embedded single
// quotes the POSIX way.
func quoteWord(s string) string {
	if s != "" && !strings.ContainsAny(s, "\t\n \"'`$&|;()<>*?[]#~=%!{}\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Invocation is the subset of the parsed CLI invocation the challenge
// protocol needs to rebuild as a shell command line. PlaceholderIndex is
// the index within Command holding the placeholder token, or -1 when
// Mode doesn't rewrite argv (pipe/tty).
type Invocation struct {
	ProgramName      string
	File             string
	HasFile          bool
	TTY              bool
	Pipe             bool
	OneLine          bool
	Arg              bool
	Timeout          *int
	Key              string
	Command          []string
	PlaceholderIndex int
}

// BuildCommand reconstructs the full shell command line that re-invokes
// the tool with a valid --salt argument sourced from saltVar, preserving
// every other flag and the target command line (spec.md §4.5 step 3).
func BuildCommand(inv Invocation, saltVar string) []string {
	argv := []string{inv.ProgramName}

	if inv.HasFile {
		argv = append(argv, "-f", quoteWord(inv.File))
	}
	if inv.TTY {
		argv = append(argv, "-t")
	}
	if inv.Pipe {
		if inv.OneLine {
			argv = append(argv, "-p1")
		} else {
			argv = append(argv, "-p")
		}
	}
	if inv.Arg {
		argv = append(argv, "-a")
	}
	if inv.Timeout != nil {
		argv = append(argv, "-T", strconv.Itoa(*inv.Timeout))
	}
	argv = append(argv, "-s", fmt.Sprintf("<(%s)", saltVar))
	argv = append(argv, quoteWord(inv.Key))
	argv = append(argv, "--")

	for i, word := range inv.Command {
		if i == inv.PlaceholderIndex {
			if inv.HasFile {
				argv = append(argv, quoteWord(inv.File))
			} else {
				argv = append(argv, "@@")
			}
			continue
		}
		argv = append(argv, quoteWord(word))
	}

	return argv
}

// ReflectRedirections inspects stdin/stdout/stderr and returns the shell
// redirection tokens needed so the re-invoked, re-exec'd tool sees the
// same file streams as the original invocation, rather than whatever the
// injecting shell happens to have open at the time (spec.md §4.5 step 3,
// "preserving shell quoting"; original_source's keysafe buildCommand
// _redirect helper).
func ReflectRedirections(stdin, stdout, stderr *os.File) ([]string, error) {
	var tokens []string

	sameStream := func(a, b *os.File) (bool, error) {
		sa, err := a.Stat()
		if err != nil {
			return false, err
		}
		sb, err := b.Stat()
		if err != nil {
			return false, err
		}
		return os.SameFile(sa, sb), nil
	}

	redirect := func(direction string, f *os.File) ([]string, error) {
		if isReflectable, err := isRegularOrBlockFile(f); err != nil {
			return nil, err
		} else if !isReflectable {
			return nil, nil
		}
		link, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd()))
		if err != nil {
			return nil, err
		}
		return []string{direction + quoteWord(link)}, nil
	}

	same, err := sameStream(stdin, stdout)
	if err != nil {
		return nil, err
	}
	if same {
		redirected, err := redirect("<>", stdin)
		if err != nil {
			return nil, err
		}
		if len(redirected) > 0 {
			tokens = append(tokens, redirected...)
			tokens = append(tokens, ">&0")
		}
	} else {
		in, err := redirect("<", stdin)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, in...)

		direction := ">"
		if flags, err := unix.FcntlInt(stdout.Fd(), unix.F_GETFL, 0); err == nil && flags&unix.O_APPEND != 0 {
			direction = ">>"
		}
		out, err := redirect(direction, stdout)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, out...)
	}

	same, err = sameStream(stdout, stderr)
	if err != nil {
		return nil, err
	}
	if same {
		redirected, err := redirect(">", stdout)
		if err != nil {
			return nil, err
		}
		if len(redirected) > 0 {
			tokens = append(tokens, "2>&1")
		}
	}

	return tokens, nil
}

// isRegularOrBlockFile reports whether f is something worth reflecting
// as an explicit shell redirection: anything other than a tty, a fifo,
// or a socket, all of which the shell already wires up on its own.
func isRegularOrBlockFile(f *os.File) (bool, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return false, err
	}
	if isTTY(f) {
		return false, nil
	}
	mode := stat.Mode & unix.S_IFMT
	if mode == unix.S_IFIFO || mode == unix.S_IFSOCK {
		return false, nil
	}
	return true, nil
}

func isTTY(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

// Result describes the outcome of running the challenge protocol.
type Result struct {
	SaltVar string
	Command []string
}

// Run executes the full challenge protocol against an already-validated
// tty controller: it generates a side-channel variable name, writes the
// caller-supplied salt into a pipe whose read end will be exposed to the
// shell at /proc/<pid>/fd/N, injects the reconstructed invocation into
// the terminal, suspends the process with SIGSTOP, and on resume
// verifies the shell actually drained the pipe.
//
// The salt is written into the pipe before suspension rather than by a
// forked helper process: once SIGSTOP lands, every thread in this
// process (Go's runtime included) stops together, so nothing here could
// run a helper concurrently anyway. The kernel pipe buffer holds the
// already-written bytes for the shell to read regardless.
func Run(controller *tty.Controller, inv Invocation, salt string) (Result, error) {
	suffix, err := NextSuffix()
	if err != nil {
		return Result{}, err
	}
	saltVar := SideChannelPrefix + suffix

	rd, wr, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("challenge: open side channel: %w", err)
	}
	defer rd.Close()

	if _, err := wr.WriteString(salt + "\n"); err != nil {
		wr.Close()
		return Result{}, fmt.Errorf("challenge: write salt: %w", err)
	}
	wr.Close()

	argv := BuildCommand(inv, saltVar)
	redirections, err := ReflectRedirections(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return Result{}, fmt.Errorf("challenge: reflect redirections: %w", err)
	}
	argv = append(argv, redirections...)

	script := fmt.Sprintf(
		" unset %s ; read -r %s </proc/%d/fd/%d ; fg\n\n%s",
		saltVar, saltVar, os.Getpid(), rd.Fd(), strings.Join(argv, " "))

	if err := injectScript(controller, script); err != nil {
		return Result{}, fmt.Errorf("challenge: inject: %w", err)
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGSTOP); err != nil {
		return Result{}, fmt.Errorf("challenge: self-stop: %w", err)
	}

	unread, err := unix.IoctlGetInt(int(rd.Fd()), unix.FIONREAD)
	if err != nil {
		return Result{}, fmt.Errorf("challenge: probe side channel: %w", err)
	}
	if unread != 0 {
		return Result{}, ErrKeyUnread
	}

	return Result{SaltVar: saltVar, Command: argv}, nil
}

// injectScript types script into the terminal character by character via
// TIOCSTI, with echo and input flow suspended and pending input flushed
// first, matching the original tool's typeCommand (as opposed to
// typeMemento, which backs off while echo stays on - the operator's
// shell prompt has already stopped echoing by the time this runs).
func injectScript(controller *tty.Controller, script string) error {
	return controller.WithEchoOff(func() error {
		return controller.WithInputSuspended(func() error {
			if err := controller.Flush(); err != nil {
				return err
			}
			for i := 0; i < len(script); i++ {
				if err := controller.Inject(script[i]); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
