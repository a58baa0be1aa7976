package secrets

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestNewCipherRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	for _, plaintext := range []string{
		"",
		"EAAGtoken1234567890",
		"multi word secret with spaces",
		strings.Repeat("x", 4096),
		"unicode: žąsis 🦢",
	} {
		blob, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEncryptProducesFreshSaltAndNonce(t *testing.T) {
	t.Parallel()

	c, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	first, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct blobs for repeated plaintext")
	}
}

func TestDecryptRejectsBitFlips(t *testing.T) {
	t.Parallel()

	c, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	blob, err := c.Encrypt("tamper target")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}

	// Flip one bit in every region of the blob: salt, nonce, tag, ciphertext.
	for _, offset := range []int{0, saltSize, saltSize + nonceSize, len(raw) - 1} {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[offset] ^= 0x01

		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		if !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("offset %d: expected ErrDecryptFailed, got %v", offset, err)
		}
	}
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	t.Parallel()

	c, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	for _, blob := range []string{
		"",
		"not base64 !!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
	} {
		if _, err := c.Decrypt(blob); !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("blob %q: expected ErrDecryptFailed, got %v", blob, err)
		}
	}
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	c1, err := NewCipher("secret-one")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	c2, err := NewCipher("secret-two")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	blob, err := c1.Encrypt("cross-key plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c2.Decrypt(blob); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for wrong secret, got %v", err)
	}
}
