//go:build linux

package keyring

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Permission bits from linux/keyctl.h. golang.org/x/sys/unix exposes the
// keyctl syscalls themselves but not these flag constants, so they are
// defined locally the same way the constant table in the kernel uapi
// header lays them out: a 6-bit capability set repeated once per
// possessor/user/group/other class, shifted by a byte per class.
const (
	keyPosAll     = 0x3f000000
	keyUsrView    = 0x00010000
	keyUsrRead    = 0x00020000
	keyUsrSetattr = 0x00200000

	// defaultKeyPerm is exactly the mask spec.md §2 Data Model requires:
	// POSSESSOR ALL, and USER VIEW+READ+SETATTR only - no group/other bits.
	defaultKeyPerm = keyPosAll | keyUsrView | keyUsrRead | keyUsrSetattr
)

const keyType = "user"

func isNotPresent(err error) bool {
	return errors.Is(err, unix.ENOKEY) ||
		errors.Is(err, unix.EKEYEXPIRED) ||
		errors.Is(err, unix.EKEYREVOKED)
}

// ensureSessionKeyring makes sure the calling process has a session
// keyring, joining a fresh anonymous one and handing it to the parent
// shell process if none exists yet. This mirrors keyutils.join_session_keyring
// + keyutils.session_to_parent in the Python original: a shell invoked
// without a session keyring gains one for the remainder of its life.
func ensureSessionKeyring() error {
	if _, err := unix.KeyctlGetKeyringID(unix.KEY_SPEC_SESSION_KEYRING, false); err == nil {
		return nil
	}

	if _, err := unix.KeyctlJoinSessionKeyring(""); err != nil {
		return err
	}
	if _, err := unix.KeyctlInt(unix.KEYCTL_SESSION_TO_PARENT, 0, 0, 0, 0); err != nil {
		return err
	}
	return nil
}

// searchSession looks up name in the session keyring. It returns
// (0, false, nil) if the key is absent, expired, or revoked.
func searchSession(name string) (int32, bool, error) {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_SESSION_KEYRING, keyType, name, 0)
	if err != nil {
		if isNotPresent(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return int32(id), true, nil
}

// addProcess installs payload under name in the process keyring,
// returning the new key ID.
func addProcess(name string, payload []byte) (int32, error) {
	id, err := unix.AddKey(keyType, name, payload, unix.KEY_SPEC_PROCESS_KEYRING)
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

func setPerm(id int32, perm uint32) error {
	return unix.KeyctlSetperm(int(id), perm)
}

// setTimeout arms the keepalive. seconds == 0 means indefinite (no
// timeout is set at all, matching keyutils.set_timeout(id, None)).
func setTimeout(id int32, seconds uint32) error {
	if seconds == 0 {
		return nil
	}
	_, err := unix.KeyctlInt(unix.KEYCTL_SET_TIMEOUT, int(id), int(seconds), 0, 0)
	if err != nil && isNotPresent(err) {
		return nil
	}
	return err
}

// linkSession links id into the session keyring. Per invariant I4 this
// must only be called once the key is fully constructed (payload written,
// permission set, timeout armed) so other processes in the session never
// observe a partially built entry. Once published, the key is unlinked
// from the process keyring, so a later Memorise in the same process gets
// a fresh key from add_key rather than an in-place update of this one.
func linkSession(id int32) error {
	if _, err := unix.KeyctlInt(unix.KEYCTL_LINK, int(id), unix.KEY_SPEC_SESSION_KEYRING, 0, 0); err != nil {
		return err
	}
	_, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, int(id), unix.KEY_SPEC_PROCESS_KEYRING, 0, 0)
	if err != nil && isNotPresent(err) {
		return nil
	}
	return err
}

func unlinkSession(id int32) error {
	_, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, int(id), unix.KEY_SPEC_SESSION_KEYRING, 0, 0)
	if err != nil && isNotPresent(err) {
		return nil
	}
	return err
}

func revoke(id int32) error {
	_, err := unix.KeyctlInt(unix.KEYCTL_REVOKE, int(id), 0, 0, 0)
	if err != nil && isNotPresent(err) {
		return nil
	}
	return err
}

func readKey(id int32) ([]byte, error) {
	// A 16 KiB memento produces a Fernet token comfortably under 32 KiB;
	// double the bound to leave headroom for the token's fixed overhead.
	buf := make([]byte, 2*maxMementoSize)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, int(id), buf, 0)
	if err != nil {
		if isNotPresent(err) {
			return nil, nil
		}
		return nil, err
	}
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n], nil
}
