package app

import (
	"errors"
	"testing"
	"time"

	"github.com/postalsys/memento/internal/dispatch"
)

func TestValidateRejectsOneLineWithoutPipe(t *testing.T) {
	err := validate(Invocation{OneLine: true, Mode: dispatch.ModeFile})
	if !errors.Is(err, ErrCallerError) {
		t.Fatalf("validate() = %v, want ErrCallerError", err)
	}
}

func TestValidateRejectsArgWithTTY(t *testing.T) {
	err := validate(Invocation{Arg: true, Mode: dispatch.ModeTTY})
	if !errors.Is(err, ErrCallerError) {
		t.Fatalf("validate() = %v, want ErrCallerError", err)
	}
}

func TestValidateRejectsSaltWithUnsalted(t *testing.T) {
	err := validate(Invocation{HasSalt: true, Unsalted: true, Mode: dispatch.ModePipe})
	if !errors.Is(err, ErrCallerError) {
		t.Fatalf("validate() = %v, want ErrCallerError", err)
	}
}

func TestValidateRejectsRevokeWithCommand(t *testing.T) {
	err := validate(Invocation{Revoke: true, Command: []string{"echo"}})
	if !errors.Is(err, ErrCallerError) {
		t.Fatalf("validate() = %v, want ErrCallerError", err)
	}
}

func TestValidateAcceptsPlainFileMode(t *testing.T) {
	err := validate(Invocation{Mode: dispatch.ModeFile, Placeholder: "@@"})
	if err != nil {
		t.Fatalf("validate() = %v, want nil", err)
	}
}

func TestSuffixedKeyIncludesParentPID(t *testing.T) {
	if got, want := suffixedKey("demo", 4242), "demo-4242"; got != want {
		t.Errorf("suffixedKey() = %q, want %q", got, want)
	}
}

func TestSuffixedKeyOmitsZeroParentPID(t *testing.T) {
	if got, want := suffixedKey("demo", 0), "demo"; got != want {
		t.Errorf("suffixedKey() = %q, want %q", got, want)
	}
}

func TestFirstLineStopsAtNewline(t *testing.T) {
	got := firstLine([]byte("abc123\nsomething-else\n"))
	if string(got) != "abc123\n" {
		t.Errorf("firstLine() = %q, want %q", got, "abc123\n")
	}
}

func TestFirstLineReturnsWholeBufferWithoutNewline(t *testing.T) {
	got := firstLine([]byte("abc123"))
	if string(got) != "abc123" {
		t.Errorf("firstLine() = %q, want %q", got, "abc123")
	}
}

func TestDurationMinutesRoundsDown(t *testing.T) {
	d := 90 * time.Second
	got := durationMinutes(&d)
	if got == nil || *got != 1 {
		t.Errorf("durationMinutes(90s) = %v, want 1", got)
	}
}

func TestDurationMinutesNilForNil(t *testing.T) {
	if got := durationMinutes(nil); got != nil {
		t.Errorf("durationMinutes(nil) = %v, want nil", got)
	}
}

func TestKeepaliveDescriptionIndefiniteForNonPositive(t *testing.T) {
	d := time.Duration(0)
	if got := keepaliveDescription(&d); got != "indefinite" {
		t.Errorf("keepaliveDescription(0) = %q, want %q", got, "indefinite")
	}
}

func TestKeepaliveDescriptionDefaultForNil(t *testing.T) {
	if got := keepaliveDescription(nil); got != "12h0m0s (default)" {
		t.Errorf("keepaliveDescription(nil) = %q, want default description", got)
	}
}
