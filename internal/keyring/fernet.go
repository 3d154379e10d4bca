package keyring

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// ErrInvalidToken is returned when a ciphertext fails authentication,
// has an unrecognized version byte, or is otherwise malformed. The
// caller (Store.Recall) reports this as Undecipherable rather than
// Absent, since it indicates a salt or key mismatch, not a cache miss.
var ErrInvalidToken = errors.New("keyring: invalid token")

const (
	fernetVersion   = 0x80
	fernetIVSize    = aes.BlockSize // 16
	fernetHMACSize  = sha256.Size   // 32
	fernetTSSize    = 8
	fernetOverhead  = 1 + fernetTSSize + fernetIVSize + fernetHMACSize
	fernetSigHalf   = 16
	fernetEncHalf   = 16
	fernetKeyRawLen = fernetSigHalf + fernetEncHalf
)

// fernetKey holds the signing and encryption halves of a 32-byte derived
// key, split the way python's cryptography.fernet.Fernet does: the first
// 16 bytes sign, the last 16 bytes encrypt.
type fernetKey struct {
	signingKey    [fernetSigHalf]byte
	encryptionKey [fernetEncHalf]byte
}

func newFernetKey(b64Key []byte) (*fernetKey, error) {
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(b64Key)))
	n, err := base64.URLEncoding.Decode(raw, b64Key)
	if err != nil {
		return nil, errors.New("keyring: malformed fernet key")
	}
	raw = raw[:n]
	if len(raw) != fernetKeyRawLen {
		return nil, errors.New("keyring: fernet key must decode to 32 bytes")
	}

	fk := &fernetKey{}
	copy(fk.signingKey[:], raw[:fernetSigHalf])
	copy(fk.encryptionKey[:], raw[fernetSigHalf:])
	return fk, nil
}

// encrypt produces a Fernet token: version(1) || timestamp(8) || iv(16) ||
// ciphertext || hmac(32), base64url-encoded with padding. timestamp is
// the encryption time in seconds, matching Fernet's wire format exactly
// so that tokens stay interoperable with caches written by the original
// Python tool.
func (fk *fernetKey) encrypt(plaintext []byte, now time.Time) (string, error) {
	block, err := aes.NewCipher(fk.encryptionKey[:])
	if err != nil {
		return "", err
	}

	iv := make([]byte, fernetIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	buf := make([]byte, 0, fernetOverhead+len(ciphertext))
	buf = append(buf, fernetVersion)

	var tsBuf [fernetTSSize]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(now.Unix()))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, iv...)
	buf = append(buf, ciphertext...)

	mac := hmac.New(sha256.New, fk.signingKey[:])
	mac.Write(buf)
	buf = mac.Sum(buf)

	return base64.URLEncoding.EncodeToString(buf), nil
}

// decrypt validates the HMAC and version byte and returns the plaintext.
// Any structural or authentication failure is reported as ErrInvalidToken,
// never as a more specific error, so callers cannot distinguish "wrong
// salt" from "corrupted payload" - both are equally fatal per spec.
func (fk *fernetKey) decrypt(token string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(raw) < fernetOverhead {
		return nil, ErrInvalidToken
	}

	body := raw[:len(raw)-fernetHMACSize]
	gotMAC := raw[len(raw)-fernetHMACSize:]

	mac := hmac.New(sha256.New, fk.signingKey[:])
	mac.Write(body)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ErrInvalidToken
	}

	if body[0] != fernetVersion {
		return nil, ErrInvalidToken
	}

	iv := body[1+fernetTSSize : 1+fernetTSSize+fernetIVSize]
	ciphertext := body[1+fernetTSSize+fernetIVSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}

	block, err := aes.NewCipher(fk.encryptionKey[:])
	if err != nil {
		return nil, ErrInvalidToken
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidToken
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidToken
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidToken
		}
	}
	return data[:len(data)-padLen], nil
}
