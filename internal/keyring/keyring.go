// Package keyring implements the Keyring Store: it derives a cipher key
// from caller-supplied key material and an optional salt, encrypts a
// memento with a Fernet-equivalent AEAD, and persists the ciphertext in
// the Linux kernel session keyring with a configurable keepalive.
package keyring

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// maxMementoSize bounds plaintext length per spec.md §3.
	maxMementoSize = 16 * 1024

	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = 32

	// defaultKeepaliveSeconds is used when the caller passes no explicit
	// keepalive (nil *time.Duration to New): 12 hours, per spec.md §4.2.
	defaultKeepaliveSeconds = 12 * 60 * 60
)

// ErrTooLarge is returned by Memorise when the plaintext exceeds
// maxMementoSize.
var ErrTooLarge = errors.New("keyring: memento exceeds 16 KiB")

// Store is the Keyring Store described in spec.md §4.2. It is not safe
// for concurrent use from multiple goroutines against the same KeyName;
// the kernel keyring itself is the shared resource and races across
// processes are accepted (last writer wins, see spec.md §5).
type Store struct {
	key       *fernetKey
	keyName   string
	keepalive uint32 // seconds; 0 means indefinite
}

// New constructs a Store for owner:logicalKey, deriving the cipher key
// from logicalKey (used as the key material) and salt. salt may be nil (unsalted mode). keepalive
// nil selects the 12-hour default; a non-nil zero-or-negative duration
// means indefinite; a positive duration is used as-is.
//
// If the process has no session keyring yet, New joins a fresh anonymous
// one and hands its parentage to the parent shell process, so a shell
// that started without a session keyring gains one for the rest of its
// life (spec.md §4.2).
func New(owner, logicalKey string, salt []byte, keepalive *time.Duration) (*Store, error) {
	if owner == "" {
		return nil, errors.New("keyring: owner must not be empty")
	}
	if logicalKey == "" {
		return nil, errors.New("keyring: logicalKey must not be empty")
	}

	derived := pbkdf2.Key([]byte(logicalKey), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	b64 := make([]byte, base64.URLEncoding.EncodedLen(len(derived)))
	base64.URLEncoding.Encode(b64, derived)

	fk, err := newFernetKey(b64)
	if err != nil {
		return nil, err
	}

	if err := ensureSessionKeyring(); err != nil {
		return nil, fmt.Errorf("keyring: no session keyring available: %w", err)
	}

	var keepaliveSeconds uint32
	switch {
	case keepalive == nil:
		keepaliveSeconds = defaultKeepaliveSeconds
	case *keepalive <= 0:
		keepaliveSeconds = 0
	default:
		keepaliveSeconds = uint32(keepalive.Seconds())
	}

	return &Store{
		key:       fk,
		keyName:   owner + ":" + logicalKey,
		keepalive: keepaliveSeconds,
	}, nil
}

// Result is the outcome of Recall: exactly one of Plaintext, Absent, or
// Undecipherable describes the state.
type Result struct {
	Plaintext      []byte
	Absent         bool
	Undecipherable bool
}

// Recall looks up KeyName in the session keyring. A present, decipherable
// entry refreshes its timeout and returns Plaintext. A missing, expired,
// or revoked entry returns Absent. An entry that fails authentication
// returns Undecipherable - the caller must treat this as fatal, since it
// signals a salt or key mismatch rather than a cache miss.
func (s *Store) Recall() (Result, error) {
	id, ok, err := searchSession(s.keyName)
	if err != nil {
		return Result{}, fmt.Errorf("keyring: search failed: %w", err)
	}
	if !ok {
		return Result{Absent: true}, nil
	}

	if err := setTimeout(id, s.keepalive); err != nil {
		return Result{}, fmt.Errorf("keyring: touch failed: %w", err)
	}

	token, err := readKey(id)
	if err != nil {
		return Result{}, fmt.Errorf("keyring: read failed: %w", err)
	}
	if token == nil {
		return Result{Absent: true}, nil
	}

	plaintext, err := s.key.decrypt(string(token))
	if err != nil {
		return Result{Undecipherable: true}, nil
	}
	return Result{Plaintext: plaintext}, nil
}

// Memorise encrypts plaintext and installs it as a fresh keyring entry.
// Per invariant I3/I4, the new entry is fully constructed - payload
// written, permission mask applied, timeout armed - in the *process*
// keyring before it is linked into the session keyring, and any previous
// entry is revoked only after the new one is published. Concurrent
// readers therefore always observe either the whole old ciphertext or
// the whole new one, never a partial entry.
func (s *Store) Memorise(plaintext []byte) error {
	if len(plaintext) > maxMementoSize {
		return ErrTooLarge
	}

	prevID, hadPrev, err := searchSession(s.keyName)
	if err != nil {
		return fmt.Errorf("keyring: search failed: %w", err)
	}

	token, err := s.key.encrypt(plaintext, time.Now())
	if err != nil {
		return fmt.Errorf("keyring: encrypt failed: %w", err)
	}

	id, err := addProcess(s.keyName, []byte(token))
	if err != nil {
		return fmt.Errorf("keyring: add failed: %w", err)
	}

	if err := setPerm(id, defaultKeyPerm); err != nil {
		return fmt.Errorf("keyring: setperm failed: %w", err)
	}
	if err := setTimeout(id, s.keepalive); err != nil {
		return fmt.Errorf("keyring: set timeout failed: %w", err)
	}

	if err := linkSession(id); err != nil {
		return fmt.Errorf("keyring: link failed: %w", err)
	}

	if hadPrev {
		if err := revoke(prevID); err != nil {
			return fmt.Errorf("keyring: revoke previous entry failed: %w", err)
		}
	}
	return nil
}

// Forget unlinks and revokes the cached entry, if any. Two consecutive
// calls are indistinguishable from one: forgetting an absent entry is
// not an error.
func (s *Store) Forget() error {
	id, ok, err := searchSession(s.keyName)
	if err != nil {
		return fmt.Errorf("keyring: search failed: %w", err)
	}
	if !ok {
		return nil
	}
	if err := unlinkSession(id); err != nil {
		return fmt.Errorf("keyring: unlink failed: %w", err)
	}
	return revoke(id)
}
