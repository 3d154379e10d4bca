package dispatch

import (
	"errors"
	"reflect"
	"testing"
)

func TestRewriteArgvSubstitutesSingleOccurrence(t *testing.T) {
	got, err := RewriteArgv([]string{"/bin/cat", "@@"}, "@@", "/dev/fd/5")
	if err != nil {
		t.Fatalf("RewriteArgv: %v", err)
	}
	want := []string{"/bin/cat", "/dev/fd/5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RewriteArgv = %v, want %v", got, want)
	}
}

func TestRewriteArgvRejectsZeroOccurrences(t *testing.T) {
	_, err := RewriteArgv([]string{"/bin/cat"}, "@@", "/dev/fd/5")
	if !errors.Is(err, ErrPlaceholderCount) {
		t.Fatalf("err = %v, want ErrPlaceholderCount", err)
	}
}

func TestRewriteArgvRejectsMultipleOccurrences(t *testing.T) {
	_, err := RewriteArgv([]string{"/bin/cat", "@@", "@@"}, "@@", "/dev/fd/5")
	if !errors.Is(err, ErrPlaceholderCount) {
		t.Fatalf("err = %v, want ErrPlaceholderCount", err)
	}
}

func TestRewriteArgvRejectsEmptyPlaceholder(t *testing.T) {
	_, err := RewriteArgv([]string{"/bin/cat", ""}, "", "/dev/fd/5")
	if !errors.Is(err, ErrEmptyPlaceholder) {
		t.Fatalf("err = %v, want ErrEmptyPlaceholder", err)
	}
}

func TestModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeFile: "file",
		ModeTTY:  "tty",
		ModePipe: "pipe",
		ModeArg:  "arg",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}

func TestParseModeRoundTrips(t *testing.T) {
	for _, mode := range []Mode{ModeFile, ModeTTY, ModePipe, ModeArg} {
		got, err := ParseMode(mode.String())
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", mode.String(), err)
		}
		if got != mode {
			t.Errorf("ParseMode(%q) = %v, want %v", mode.String(), got, mode)
		}
	}
}

func TestParseModeRejectsUnknown(t *testing.T) {
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("ParseMode(bogus) succeeded, want error")
	}
}

func TestPreloadEnv(t *testing.T) {
	env := PreloadEnv("/usr/lib/memento/libmemento.so", "/dev/fd/5", 2, "")
	want := []string{
		"_MEMENTO_PRELOAD=/usr/lib/memento/libmemento.so",
		"_MEMENTO_ARGFILE=/dev/fd/5",
		"_MEMENTO_ARGINDEX=2",
		"LD_PRELOAD=/usr/lib/memento/libmemento.so",
	}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("PreloadEnv = %v, want %v", env, want)
	}
}

func TestPreloadEnvAppendsExistingLDPreload(t *testing.T) {
	env := PreloadEnv("/usr/lib/memento/libmemento.so", "/dev/fd/5", 2, "/usr/lib/other.so")
	last := env[len(env)-1]
	want := "LD_PRELOAD=/usr/lib/memento/libmemento.so:/usr/lib/other.so"
	if last != want {
		t.Errorf("LD_PRELOAD entry = %q, want %q", last, want)
	}
}
