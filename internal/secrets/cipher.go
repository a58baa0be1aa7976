// Package secrets provides authenticated encryption for credential strings
// held in the persistent store.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// ErrDecryptFailed indicates a malformed or tampered blob. Callers must treat
// it as fatal for the credential: the owning integration needs to be
// re-authorized, not retried.
var ErrDecryptFailed = errors.New("secrets: decryption failed")

const (
	saltSize  = 32
	nonceSize = 16
	tagSize   = 16

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// Cipher encrypts and decrypts credential strings with keys derived from a
// single process-wide secret. Each blob carries its own salt and nonce, so
// the derived key differs per encryption while the secret stays fixed.
type Cipher struct {
	secret []byte
}

// NewCipher builds a cipher from the external credential secret. An empty
// secret is a startup error.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("secrets: credential secret is required")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext into base64(salt || nonce || tag || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("secrets: generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext; the blob layout wants it
	// between the nonce and the ciphertext.
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+tagSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed or tampered input
// returns ErrDecryptFailed; it never yields wrong plaintext silently.
func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptFailed)
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptFailed)
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	tag := raw[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ciphertext := raw[saltSize+nonceSize+tagSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return gcm, nil
}
