//go:build linux

package keyring

import (
	"fmt"
	"testing"
	"time"
)

// newTestStore builds a Store scoped to a unique logical key per test so
// parallel runs never collide in the real session keyring, skipping the
// test outright on kernels/containers where the session keyring facility
// itself is unavailable (e.g. no CAP_SYS_ADMIN inside some sandboxes).
func newTestStore(t *testing.T, logicalKey string, salt []byte) *Store {
	t.Helper()
	indefinite := -1 * time.Second
	store, err := New("memento-test", logicalKey, salt, &indefinite)
	if err != nil {
		t.Skipf("session keyring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Forget() })
	return store
}

func uniqueKey(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestStoreMemoriseThenRecall(t *testing.T) {
	store := newTestStore(t, uniqueKey(t), []byte("salt1"))

	if err := store.Memorise([]byte("hunter2")); err != nil {
		t.Fatalf("Memorise: %v", err)
	}

	result, err := store.Recall()
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if result.Absent || result.Undecipherable {
		t.Fatalf("Recall returned Absent=%v Undecipherable=%v, want Plaintext", result.Absent, result.Undecipherable)
	}
	if string(result.Plaintext) != "hunter2" {
		t.Errorf("Recall = %q, want %q", result.Plaintext, "hunter2")
	}
}

func TestStoreMemoriseTwiceKeepsLatest(t *testing.T) {
	store := newTestStore(t, uniqueKey(t), []byte("salt1"))

	if err := store.Memorise([]byte("first")); err != nil {
		t.Fatalf("Memorise(first): %v", err)
	}
	if err := store.Memorise([]byte("second")); err != nil {
		t.Fatalf("Memorise(second): %v", err)
	}

	result, err := store.Recall()
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if string(result.Plaintext) != "second" {
		t.Errorf("Recall = %q, want %q", result.Plaintext, "second")
	}
}

func TestStoreRecallWrongSaltIsUndecipherable(t *testing.T) {
	logicalKey := uniqueKey(t)
	store := newTestStore(t, logicalKey, []byte("salt1"))
	if err := store.Memorise([]byte("hunter2")); err != nil {
		t.Fatalf("Memorise: %v", err)
	}

	indefinite := -1 * time.Second
	wrongSalt, err := New("memento-test", logicalKey, []byte("salt2"), &indefinite)
	if err != nil {
		t.Skipf("session keyring unavailable: %v", err)
	}

	result, err := wrongSalt.Recall()
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !result.Undecipherable {
		t.Fatalf("Recall with wrong salt: Undecipherable=%v, want true", result.Undecipherable)
	}
	if result.Absent {
		t.Error("Recall with wrong salt reported Absent, want Undecipherable distinct from Absent")
	}
}

func TestStoreForgetIsIdempotent(t *testing.T) {
	store := newTestStore(t, uniqueKey(t), nil)
	if err := store.Memorise([]byte("hunter2")); err != nil {
		t.Fatalf("Memorise: %v", err)
	}

	if err := store.Forget(); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := store.Forget(); err != nil {
		t.Fatalf("second Forget: %v", err)
	}

	result, err := store.Recall()
	if err != nil {
		t.Fatalf("Recall after Forget: %v", err)
	}
	if !result.Absent {
		t.Errorf("Recall after Forget: Absent=%v, want true", result.Absent)
	}
}

func TestStoreMemoriseRejectsOversizedMemento(t *testing.T) {
	store := newTestStore(t, uniqueKey(t), nil)
	oversized := make([]byte, maxMementoSize+1)
	if err := store.Memorise(oversized); err != ErrTooLarge {
		t.Fatalf("Memorise(oversized): err = %v, want ErrTooLarge", err)
	}
}
