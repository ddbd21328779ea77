// Package crypto generates personal keys and encrypts recovery PII under
// them. A personal key re-derives access to the PII without support
// intervention, so everything here is deterministic given the key and the
// stored blob.
package crypto

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Crockford base32: no I, L, O or U, so keys survive being read aloud or
// written down.
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

const (
	// 80 bits of entropy encodes to 16 crockford characters.
	personalKeyBytes = 10
	groupSize        = 4

	saltSize  = 32
	nonceSize = 24
	keySize   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrDecryptFailed is returned when the key material does not open the blob.
var ErrDecryptFailed = errors.New("recovery blob decryption failed")

// NewPersonalKey returns a fresh personal key formatted as four dash-joined
// groups of four crockford base32 characters, e.g. "1A2B-3C4D-5E6F-7G8H".
func NewPersonalKey() (string, error) {
	raw := make([]byte, personalKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate personal key: %w", err)
	}
	encoded := crockford.EncodeToString(raw)

	groups := make([]string, 0, len(encoded)/groupSize)
	for i := 0; i < len(encoded); i += groupSize {
		groups = append(groups, encoded[i:i+groupSize])
	}
	return strings.Join(groups, "-"), nil
}

// NormalizeKey strips formatting so user-typed keys with a different or
// missing dash layout still derive the same secret.
func NormalizeKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	return strings.ReplaceAll(key, "-", "")
}

// EncryptRecoveryPII seals the PII blob under a secret derived from the
// personal key. The output is self-contained: salt, nonce, then ciphertext.
func EncryptRecoveryPII(pii []byte, personalKey string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key, err := deriveKey(personalKey, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(pii)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, pii, &nonce, key), nil
}

// DecryptRecoveryPII opens a blob produced by EncryptRecoveryPII.
func DecryptRecoveryPII(blob []byte, personalKey string) ([]byte, error) {
	if len(blob) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}
	salt := blob[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], blob[saltSize:saltSize+nonceSize])

	key, err := deriveKey(personalKey, salt)
	if err != nil {
		return nil, err
	}

	pii, ok := secretbox.Open(nil, blob[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return pii, nil
}

func deriveKey(personalKey string, salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key([]byte(NormalizeKey(personalKey)), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive recovery key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}
