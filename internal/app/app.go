// Package app hosts memento's top-level PARSE -> CHALLENGE/OPEN_STORE ->
// DELIVER state machine (spec.md §4.6), wiring the dispatch, keyring,
// challenge, orchestrator, and deliver packages together behind the
// single entrypoint the CLI layer calls.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/postalsys/memento/internal/challenge"
	"github.com/postalsys/memento/internal/dispatch"
	"github.com/postalsys/memento/internal/keyring"
	"github.com/postalsys/memento/internal/logging"
	"github.com/postalsys/memento/internal/orchestrator"
	"github.com/postalsys/memento/internal/tty"
)

// Owner names this tool's entries in the session keyring.
const Owner = "memento"

// ErrCallerError covers bad flag combinations: placeholder count, empty
// placeholder, salt/unsalted contradictions (spec.md §7).
var ErrCallerError = errors.New("app: invalid invocation")

// ErrEnvironment covers missing prerequisites: no controlling tty when
// tty mode is required, no keyring available (spec.md §7).
var ErrEnvironment = errors.New("app: environment error")

// ErrUndecipherable is returned when a cached entry exists but fails
// authentication - a salt or key mismatch, never a cache miss.
var ErrUndecipherable = errors.New("app: undecipherable cached memento")

// Invocation is the fully parsed and validated set of inputs the CLI
// layer hands to Run. It is the Go analogue of keysafe's argparse
// Namespace, assembled once up front rather than threaded through as
// loose flags.
type Invocation struct {
	Revoke bool

	Mode             dispatch.Mode
	Placeholder      string
	HasFile          bool     // true when --file was given an explicit value
	Command          []string // Command[0] is the executable; PlaceholderIndex marks the placeholder word
	PlaceholderIndex int      // -1 when Mode doesn't rewrite argv (pipe/tty)
	OneLine          bool
	Arg              bool

	SaltPath string
	HasSalt  bool
	Unsalted bool

	Timeout *time.Duration

	Key         string
	ParentPID   int
	ProgramName string
}

// suffixedKey appends the parent PID to key, the way original_source's
// keysafe only does inside its automatic-challenge branch
// (__main__.py's "args.key += _KEYSEP + str(os.getppid())"): explicit
// --salt, --unsalted, and --revoke all keep the bare key so that they
// keep addressing the same keyring entry regardless of which shell
// invoked them. The suffix only needs to be computed once, here, because
// it is baked into the reconstructed command line the challenge protocol
// types back at the shell; the resumed invocation then carries the
// suffixed string as its own Key and uses it unchanged.
func suffixedKey(key string, parentPID int) string {
	if parentPID != 0 {
		return fmt.Sprintf("%s-%d", key, parentPID)
	}
	return key
}

// Run executes one invocation of the tool and returns the process exit
// code, matching spec.md §6's contract (0 success, 1 generic failure,
// 127 challenge-emitted, 128+n child signaled).
func Run(inv Invocation, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With("correlation_id", uuid.NewString())

	if err := validate(inv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}

	if inv.Revoke {
		store, err := keyring.New(Owner, inv.Key, nil, inv.Timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, nil
		}
		if err := store.Forget(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, nil
		}
		return 0, nil
	}

	salt, rc, err := resolveSalt(inv, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}
	if rc != nil {
		return *rc, nil
	}

	store, err := keyring.New(Owner, inv.Key, salt, inv.Timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}

	var memento []byte
	if len(inv.Command) > 0 {
		result, err := store.Recall()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, nil
		}
		switch {
		case result.Undecipherable:
			fmt.Fprintf(os.Stderr, "memento: %v - %s\n", ErrUndecipherable, inv.Key)
			return 1, nil
		case !result.Absent:
			memento = result.Plaintext
		}
	}

	if memento == nil {
		prompted, err := promptMemento(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, nil
		}
		memento = prompted
		if err := store.Memorise(memento); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, nil
		}
		logger.Info("memento memorised", logging.KeyKeyName, inv.Key, logging.KeyTimeout, keepaliveDescription(inv.Timeout))
	}

	if len(inv.Command) == 0 {
		return 0, nil
	}

	code, err := deliver(inv, memento, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}
	return code, nil
}

func validate(inv Invocation) error {
	if inv.Revoke {
		if len(inv.Command) > 0 || inv.Mode == dispatch.ModeTTY || inv.Mode == dispatch.ModePipe || inv.OneLine {
			return fmt.Errorf("%w: revocation conflicts with other options", ErrCallerError)
		}
		return nil
	}
	if inv.OneLine && inv.Mode != dispatch.ModePipe {
		return fmt.Errorf("%w: --oneline is irrelevant without --pipe", ErrCallerError)
	}
	if inv.Arg && (inv.Mode == dispatch.ModeTTY || inv.Mode == dispatch.ModePipe) {
		return fmt.Errorf("%w: --arg is irrelevant without --file", ErrCallerError)
	}
	if inv.HasSalt && inv.Unsalted {
		return fmt.Errorf("%w: salt provided for unsalted key", ErrCallerError)
	}
	if inv.Placeholder == "" && inv.Mode == dispatch.ModeFile {
		return fmt.Errorf("%w: file replacement text must not be empty", ErrCallerError)
	}
	return nil
}

// resolveSalt implements spec.md §4.6's OPEN_STORE precondition: either
// an explicit --salt file is present, --unsalted was requested, or the
// Challenge Protocol must run and the caller should exit 127.
func resolveSalt(inv Invocation, logger *slog.Logger) (salt []byte, exitCode *int, err error) {
	if inv.HasSalt {
		raw, err := os.ReadFile(inv.SaltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading salt file: %v", ErrEnvironment, err)
		}
		return firstLine(raw), nil, nil
	}

	if inv.Unsalted || inv.Revoke {
		return nil, nil, nil
	}

	ttyFile, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unable to find salt in key - %s", ErrEnvironment, inv.Key)
	}
	defer ttyFile.Close()

	if !term.IsTerminal(int(ttyFile.Fd())) {
		return nil, nil, fmt.Errorf("%w: unable to find salt in key - %s", ErrEnvironment, inv.Key)
	}

	challengeInv := challenge.Invocation{
		ProgramName:      inv.ProgramName,
		HasFile:          inv.HasFile,
		File:             inv.Placeholder,
		TTY:              inv.Mode == dispatch.ModeTTY,
		Pipe:             inv.Mode == dispatch.ModePipe,
		OneLine:          inv.OneLine,
		Arg:              inv.Arg,
		Timeout:          durationMinutes(inv.Timeout),
		Key:              suffixedKey(inv.Key, inv.ParentPID),
		Command:          inv.Command,
		PlaceholderIndex: inv.PlaceholderIndex,
	}

	salt2, err := challenge.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	controller := tty.New(int(ttyFile.Fd()))
	if _, err := challenge.Run(controller, challengeInv, salt2); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEnvironment, err)
	}

	logger.Info("challenge emitted, expecting shell resume", logging.KeyKeyName, inv.Key)
	code := challenge.ResumeExitCode
	return nil, &code, nil
}

// keepaliveDescription renders the configured keepalive for a log line,
// the way an operator reading the log would want to see it rather than
// a raw duration.
func keepaliveDescription(d *time.Duration) string {
	if d == nil {
		return "12h0m0s (default)"
	}
	if *d <= 0 {
		return "indefinite"
	}
	return humanize.RelTime(time.Now(), time.Now().Add(*d), "ago", "from now")
}

func durationMinutes(d *time.Duration) *int {
	if d == nil {
		return nil
	}
	minutes := int(d.Minutes())
	return &minutes
}

func firstLine(raw []byte) []byte {
	for i, b := range raw {
		if b == '\n' {
			return raw[:i+1]
		}
	}
	return raw
}

// promptMemento reads the memento from the controlling terminal with
// echo disabled, matching the original tool's getpass-based prompt.
func promptMemento(stdin *os.File) ([]byte, error) {
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		ttyFile, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to open /dev/tty for prompt: %v", ErrEnvironment, err)
		}
		defer ttyFile.Close()
		fd = int(ttyFile.Fd())
	}

	fmt.Fprint(os.Stderr, "Memento: ")
	memento, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: reading memento: %v", ErrEnvironment, err)
	}
	return memento, nil
}

// deliver runs the DELIVER state: it wires the anonymous pipe, spawns
// the target command and the detached delivery process, writes the
// memento across, and waits for the target's exit code.
func deliver(inv Invocation, memento []byte, logger *slog.Logger) (int, error) {
	argv := append([]string{}, inv.Command...)
	var pipe *orchestrator.Pipe
	var extra *os.File

	if inv.Mode == dispatch.ModeFile || inv.Mode == dispatch.ModeArg {
		p, err := orchestrator.NewPipe()
		if err != nil {
			return 1, err
		}
		pipe = p
		defer pipe.Close()

		replacement := fmt.Sprintf("/dev/fd/%d", 3)
		if inv.Mode == dispatch.ModeArg {
			replacement = inv.Placeholder
		}
		rewritten, err := dispatch.RewriteArgv(argv, inv.Placeholder, replacement)
		if err != nil {
			return 1, err
		}
		argv = rewritten
	} else if inv.Mode == dispatch.ModePipe {
		p, err := orchestrator.NewPipe()
		if err != nil {
			return 1, err
		}
		pipe = p
		defer pipe.Close()

		if !inv.OneLine {
			extra = os.Stdin
		}
	} else if inv.Mode == dispatch.ModeTTY {
		ttyFile, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return 1, fmt.Errorf("%w: tty mode requires a controlling terminal: %v", ErrEnvironment, err)
		}
		defer ttyFile.Close()
		extra = ttyFile
	}

	var env []string
	if inv.Mode == dispatch.ModeArg {
		env = dispatch.PreloadEnv("/usr/lib/memento/libmemento.so", fmt.Sprintf("/dev/fd/%d", 3), inv.PlaceholderIndex, os.Getenv("LD_PRELOAD"))
	}

	targetSpec := orchestrator.TargetSpec{
		Argv: argv,
		Env:  env,
		Mode: inv.Mode,
		Pipe: pipe,
	}
	cmd, err := orchestrator.SpawnTarget(targetSpec)
	if err != nil {
		return 1, err
	}

	mementoR, mementoW, err := os.Pipe()
	if err != nil {
		return 1, err
	}
	defer mementoR.Close()

	go func() {
		defer mementoW.Close()
		mementoW.Write(memento)
	}()

	var sink *os.File
	if pipe != nil {
		sink = pipe.Wr
	}

	deliverySpec := orchestrator.DeliverySpec{
		Mode:     inv.Mode,
		OneLine:  inv.OneLine,
		MementoR: mementoR,
		Sink:     sink,
		Extra:    extra,
	}
	if err := orchestrator.SpawnDelivery(deliverySpec); err != nil {
		return 1, err
	}
	if pipe != nil {
		pipe.Wr.Close()
	}

	logger.Info("delivery dispatched", logging.KeyMode, inv.Mode.String())

	code, err := orchestrator.Wait(cmd)
	if err != nil {
		return 1, err
	}
	return code, nil
}
