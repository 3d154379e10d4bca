//go:build !linux

package keyring

import "errors"

// ErrUnsupported is returned on every keyctl operation on non-Linux
// platforms. The session/process keyring is a Linux kernel facility;
// spec.md §1 scopes this tool to that facility exclusively.
var ErrUnsupported = errors.New("keyring: session keyring requires linux")

func ensureSessionKeyring() error { return ErrUnsupported }

func searchSession(name string) (int32, bool, error) { return 0, false, ErrUnsupported }

func addProcess(name string, payload []byte) (int32, error) { return 0, ErrUnsupported }

func setPerm(id int32, perm uint32) error { return ErrUnsupported }

func setTimeout(id int32, seconds uint32) error { return ErrUnsupported }

func linkSession(id int32) error { return ErrUnsupported }

func unlinkSession(id int32) error { return ErrUnsupported }

func revoke(id int32) error { return ErrUnsupported }

func readKey(id int32) ([]byte, error) { return nil, ErrUnsupported }

const defaultKeyPerm = 0
