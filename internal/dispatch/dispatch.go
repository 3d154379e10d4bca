// Package dispatch implements the Delivery Dispatcher: the tagged-union
// mode selection (file / tty / pipe / arg) described in spec.md §4.6 and
// §9 ("Dynamic dispatch" - a sum type with explicit dispatch, never
// polymorphism), plus the placeholder-substitution discipline that
// guards every mode.
package dispatch

import (
	"errors"
	"fmt"
)

// Mode is the tagged variant selecting how the spawned command receives
// its memento. There is deliberately no interface/polymorphism here -
// callers switch on Mode explicitly, per spec.md §9.
type Mode int

const (
	// ModeFile substitutes the placeholder argument with /dev/fd/N,
	// where N is the read end of the anonymous pipe.
	ModeFile Mode = iota
	// ModeTTY types the memento into the controlling terminal.
	ModeTTY
	// ModePipe dups the read end of the anonymous pipe over the
	// child's stdin.
	ModePipe
	// ModeArg rewrites a command-line argument inside the child's own
	// address space via a preload shim (spec.md §6; the shim itself is
	// out of scope - this mode only wires the environment variables
	// the shim expects).
	ModeArg
)

func (m Mode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeTTY:
		return "tty"
	case ModePipe:
		return "pipe"
	case ModeArg:
		return "arg"
	default:
		return "unknown"
	}
}

// ParseMode parses the textual mode name emitted by Mode.String(), used
// to pass the chosen mode across the re-exec boundary into the hidden
// delivery subcommand (orchestrator.SpawnDelivery).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "file":
		return ModeFile, nil
	case "tty":
		return ModeTTY, nil
	case "pipe":
		return ModePipe, nil
	case "arg":
		return ModeArg, nil
	default:
		return 0, fmt.Errorf("dispatch: unknown mode %q", s)
	}
}

// DefaultPlaceholder is the literal token substituted into argv, unless
// --file gives an explicit replacement word (spec.md §6).
const DefaultPlaceholder = "@@"

// ErrPlaceholderCount is returned when the command line contains zero or
// more than one occurrence of the placeholder token.
var ErrPlaceholderCount = errors.New("dispatch: exactly one placeholder expected")

// ErrEmptyPlaceholder is returned when the placeholder token is the
// empty string.
var ErrEmptyPlaceholder = errors.New("dispatch: placeholder must not be empty")

// RewriteArgv validates that command contains exactly one occurrence of
// placeholder and returns a copy of command with that occurrence
// replaced by replacement. ModePipe and ModeTTY do not rewrite argv at
// all and should not call this.
func RewriteArgv(command []string, placeholder, replacement string) ([]string, error) {
	if placeholder == "" {
		return nil, ErrEmptyPlaceholder
	}

	count := 0
	for _, word := range command {
		if word == placeholder {
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: found %d occurrences of %q", ErrPlaceholderCount, count, placeholder)
	}

	out := make([]string, len(command))
	for i, word := range command {
		if word == placeholder {
			out[i] = replacement
		} else {
			out[i] = word
		}
	}
	return out, nil
}

// PreloadEnv returns the environment variable assignments ModeArg must
// add to the spawned command's environment so the out-of-scope preload
// shim (spec.md §6) can find the argument it is meant to rewrite.
// ldPreloadExisting is the caller's current LD_PRELOAD value, if any.
func PreloadEnv(libPath, devFDPath string, argIndex int, ldPreloadExisting string) []string {
	ldPreload := libPath
	if ldPreloadExisting != "" {
		ldPreload = libPath + ":" + ldPreloadExisting
	}
	return []string{
		"_MEMENTO_PRELOAD=" + libPath,
		"_MEMENTO_ARGFILE=" + devFDPath,
		fmt.Sprintf("_MEMENTO_ARGINDEX=%d", argIndex),
		"LD_PRELOAD=" + ldPreload,
	}
}
