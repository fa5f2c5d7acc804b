// Package crypto tests for backup encryption and decryption.
package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// TestValidatePassword verifies the minimum length rule.
func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"", true},
		{"short", true},
		{"1234567", true},
		{strings.Repeat("a", PasswordMinLength), false},
		{"valid-password-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePassword(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "must be at least") {
				t.Errorf("error should mention minimum length, got: %v", err)
			}
		})
	}
}

// TestGeneratePassword verifies length and minimum enforcement.
func TestGeneratePassword(t *testing.T) {
	password, err := GeneratePassword(16)
	if err != nil {
		t.Fatalf("GeneratePassword() error = %v", err)
	}
	if len(password) != 16 {
		t.Errorf("length = %d, want 16", len(password))
	}

	short, err := GeneratePassword(4)
	if err != nil {
		t.Fatalf("GeneratePassword(4) error = %v", err)
	}
	if len(short) != PasswordMinLength {
		t.Errorf("length = %d, want %d", len(short), PasswordMinLength)
	}

	other, _ := GeneratePassword(16)
	if password == other {
		t.Error("generated passwords should differ")
	}
}

// TestEncryptDecrypt_roundTrip verifies data survives encryption.
func TestEncryptDecrypt_roundTrip(t *testing.T) {
	data := []byte(`{"beneficiaries":[{"id":1}],"exportMetadata":{"version":"1.0"}}`)
	password := "correct horse battery"

	encrypted, err := Encrypt(data, password)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !IsEncrypted(encrypted) {
		t.Error("encrypted output should carry the magic header")
	}
	if bytes.Contains(encrypted, data) {
		t.Error("ciphertext should not contain the plaintext")
	}
	if bytes.Contains(encrypted, []byte(password)) {
		t.Error("ciphertext should not contain the password")
	}

	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, data) {
		t.Errorf("Decrypt() = %s, want %s", decrypted, data)
	}
}

// TestEncrypt_randomized verifies salt and nonce differ per call.
func TestEncrypt_randomized(t *testing.T) {
	a, err := Encrypt([]byte("same"), "password-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt([]byte("same"), "password-1")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same data should differ")
	}
}

// TestEncrypt_shortPassword verifies weak passwords are rejected.
func TestEncrypt_shortPassword(t *testing.T) {
	if _, err := Encrypt([]byte("data"), "short"); err == nil {
		t.Error("Encrypt() should reject a short password")
	}
}

// TestDecrypt_wrongPassword verifies ErrInvalidPassword.
func TestDecrypt_wrongPassword(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), "password-1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = Decrypt(encrypted, "password-2")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Decrypt() error = %v, want ErrInvalidPassword", err)
	}
}

// TestDecrypt_invalidArchive verifies malformed input handling.
func TestDecrypt_invalidArchive(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), "password-1")
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string][]byte{
		"empty":      {},
		"bad magic":  []byte("NOTMAGIC-and-more-bytes"),
		"truncated":  encrypted[:len(headerMagic)+3],
		"plain json": []byte(`{"exportMetadata":{}}`),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decrypt(data, "password-1")
			if !errors.Is(err, ErrInvalidArchive) {
				t.Errorf("Decrypt() error = %v, want ErrInvalidArchive", err)
			}
		})
	}
}

// TestDecrypt_tamperedPayload verifies authentication of the ciphertext.
func TestDecrypt_tamperedPayload(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), "password-1")
	if err != nil {
		t.Fatal(err)
	}
	encrypted[len(encrypted)-1] ^= 0xff

	if _, err := Decrypt(encrypted, "password-1"); err == nil {
		t.Error("Decrypt() should fail on tampered payload")
	}
}

// TestHeader_roundTrip verifies header serialization.
func TestHeader_roundTrip(t *testing.T) {
	in := Header{Version: 1, Algorithm: algorithmAESGCM, Nonce: bytes.Repeat([]byte{1}, 12), Salt: bytes.Repeat([]byte{2}, SaltLength)}

	data, err := serializeHeader(in)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, []byte("payload")...)

	out, rest, err := parseHeader(data)
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}
	if out.Algorithm != in.Algorithm || !bytes.Equal(out.Nonce, in.Nonce) || !bytes.Equal(out.Salt, in.Salt) {
		t.Errorf("header mismatch: %+v", out)
	}
	if string(rest) != "payload" {
		t.Errorf("rest = %q, want payload", rest)
	}
}
