// Package secrets encrypts launch configurations at rest. Blobs are
// self-contained: salt and nonce travel with the ciphertext so any process
// holding the passphrase can decrypt a record written by another.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16 // 128-bit salt, fresh per encryption
	nonceSize  = 12 // standard GCM nonce
	keySize    = 32 // AES-256
	iterations = 100_000
)

// ErrDecrypt is returned for any blob that cannot be authenticated. The
// underlying cause is deliberately not exposed: a wrong passphrase and a
// tampered blob look the same to callers.
var ErrDecrypt = errors.New("secrets: cannot decrypt blob")

// Cipher encrypts and decrypts blobs with a passphrase-derived key.
type Cipher struct {
	passphrase []byte
}

// NewCipher creates a Cipher. The passphrase must be non-empty.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: passphrase must not be empty")
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext into a salt||nonce||ciphertext blob. A fresh salt
// and nonce are drawn for every call, so encrypting the same plaintext twice
// yields different blobs.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, ErrDecrypt
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
