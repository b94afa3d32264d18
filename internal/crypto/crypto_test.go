// Package crypto tests for payload encryption and key derivation.
package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	enc, err := NewWithKey(testKey())
	if err != nil {
		t.Fatalf("NewWithKey() error = %v", err)
	}

	plaintext := []byte(`{"title":"offline note"}`)
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext should not contain the plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", opened, plaintext)
	}
}

// TestEncrypt_uniqueNonce verifies each encryption produces unique ciphertext.
func TestEncrypt_uniqueNonce(t *testing.T) {
	enc, _ := NewWithKey(testKey())

	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

// TestDecrypt_wrongKey verifies authentication fails with another key.
func TestDecrypt_wrongKey(t *testing.T) {
	enc, _ := NewWithKey(testKey())
	other, _ := NewWithKey(bytes.Repeat([]byte{0x07}, KeySize))

	sealed, _ := enc.Encrypt([]byte("secret"))
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecrypt_tampered verifies modified ciphertexts are rejected.
func TestDecrypt_tampered(t *testing.T) {
	enc, _ := NewWithKey(testKey())
	sealed, _ := enc.Encrypt([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff

	if _, err := enc.Decrypt(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := enc.Decrypt([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short input error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestNewWithKey_invalid verifies key length checks.
func TestNewWithKey_invalid(t *testing.T) {
	if _, err := NewWithKey([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewWithKey(short) error = %v, want ErrInvalidKey", err)
	}
}

// TestNewWithPassphrase verifies the same passphrase and salt reopen data.
func TestNewWithPassphrase(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}

	first, err := NewWithPassphrase("hunter2", salt)
	if err != nil {
		t.Fatalf("NewWithPassphrase() error = %v", err)
	}
	sealed, _ := first.Encrypt([]byte("payload"))

	second, _ := NewWithPassphrase("hunter2", salt)
	opened, err := second.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(opened) != "payload" {
		t.Errorf("Decrypt() = %q", opened)
	}

	otherSalt, _ := NewSalt()
	third, _ := NewWithPassphrase("hunter2", otherSalt)
	if _, err := third.Decrypt(sealed); err == nil {
		t.Error("a different salt should not open the data")
	}
}

// TestNewWithPassphrase_invalid verifies argument checks.
func TestNewWithPassphrase_invalid(t *testing.T) {
	if _, err := NewWithPassphrase("", make([]byte, SaltSize)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty passphrase error = %v", err)
	}
	if _, err := NewWithPassphrase("pw", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short salt error = %v", err)
	}
}

// TestParseHexKey verifies hex key decoding.
func TestParseHexKey(t *testing.T) {
	key, err := ParseHexKey(strings.Repeat("ab", KeySize))
	if err != nil {
		t.Fatalf("ParseHexKey() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("len = %d, want %d", len(key), KeySize)
	}

	for _, bad := range []string{"zz", strings.Repeat("ab", 8), ""} {
		if _, err := ParseHexKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseHexKey(%q) error = %v, want ErrInvalidKey", bad, err)
		}
	}
}

// TestDeriveKey_deterministic verifies derivation is stable.
func TestDeriveKey_deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, SaltSize)
	if !bytes.Equal(DeriveKey("pw", salt), DeriveKey("pw", salt)) {
		t.Error("DeriveKey() should be deterministic")
	}
	if bytes.Equal(DeriveKey("pw", salt), DeriveKey("pw2", salt)) {
		t.Error("different passphrases should derive different keys")
	}
}
