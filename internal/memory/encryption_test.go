package memory

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestEncryptionRoundtrip(t *testing.T) {
	enc, err := NewEncryptorFromNodeKey([]byte("test-key"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	plaintext := []byte("hello, world!")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc1, _ := NewEncryptorFromNodeKey([]byte("correct"))
	enc2, _ := NewEncryptorFromNodeKey([]byte("wrong"))

	ciphertext, err := enc1.Encrypt([]byte("secret data"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestCiphertextDiffersEachTime(t *testing.T) {
	enc, _ := NewEncryptorFromNodeKey([]byte("test-key"))
	plaintext := []byte("same text")

	c1, _ := enc.Encrypt(plaintext)
	c2, _ := enc.Encrypt(plaintext)
	if bytes.Equal(c1, c2) {
		t.Fatal("expected distinct ciphertexts due to random nonce")
	}
	p1, err := enc.Decrypt(c1)
	if err != nil || !bytes.Equal(p1, plaintext) {
		t.Fatalf("decrypt c1 failed: %v", err)
	}
	p2, err := enc.Decrypt(c2)
	if err != nil || !bytes.Equal(p2, plaintext) {
		t.Fatalf("decrypt c2 failed: %v", err)
	}
}

func TestAuthenticationTagDetectsTampering(t *testing.T) {
	enc, _ := NewEncryptorFromNodeKey([]byte("test-key"))
	ciphertext, _ := enc.Encrypt([]byte("authenticated data"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Fatal("expected tamper detection to fail decryption")
	}
}

func TestReEncrypt(t *testing.T) {
	oldEnc, _ := NewEncryptorFromNodeKey([]byte("old-key"))
	newEnc, _ := NewEncryptorFromNodeKey([]byte("new-key"))

	plaintext := []byte("data to be re-encrypted")
	oldCiphertext, _ := oldEnc.Encrypt(plaintext)

	newCiphertext, err := oldEnc.ReEncrypt(oldCiphertext, newEnc)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}

	got, err := newEnc.Decrypt(newCiphertext)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("new key failed to decrypt re-encrypted data: %v", err)
	}
	if _, err := oldEnc.Decrypt(newCiphertext); err == nil {
		t.Fatal("expected old key to fail decrypting re-encrypted data")
	}
}

func TestCiphertextTooShort(t *testing.T) {
	enc, _ := NewEncryptorFromNodeKey([]byte("test-key"))
	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Fatal("expected error for too-short ciphertext")
	}
	if _, err := enc.Decrypt(make([]byte, chacha20poly1305.NonceSize)); err == nil {
		t.Fatal("expected error for nonce-only ciphertext")
	}
}
