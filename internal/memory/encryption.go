package memory

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/swarmguard/cis-core/internal/cerr"
)

// encryptionContext is the HKDF "info" parameter binding derived keys to
// this specific use, per spec.md §4.B.
const encryptionContext = "memory-encryption"

// Encryptor performs authenticated encryption for private-domain values.
// Wire format: nonce(12 bytes) || ciphertext || tag(16 bytes), per spec.
type Encryptor struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewEncryptorFromNodeKey derives an encryption key from the node's
// long-term key via HKDF-SHA256 with the fixed context string, then builds
// a ChaCha20-Poly1305 AEAD from it.
func NewEncryptorFromNodeKey(nodeKey []byte) (*Encryptor, error) {
	hk := hkdf.New(sha256.New, nodeKey, nil, []byte(encryptionContext))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, cerr.Wrap(cerr.KindCrypto, err, "derive memory encryption key")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindCrypto, err, "construct chacha20poly1305 cipher")
	}
	return &Encryptor{aead: aead}, nil
}

// NewEncryptorFromRawKey builds an encryptor directly from a 32-byte key,
// for tests and key-rotation re-encryption.
func NewEncryptorFromRawKey(key [chacha20poly1305.KeySize]byte) (*Encryptor, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, cerr.Wrap(cerr.KindCrypto, err, "construct chacha20poly1305 cipher")
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext, returning nonce‖ciphertext‖tag.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, cerr.Wrap(cerr.KindCrypto, err, "generate nonce")
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+e.aead.Overhead())
	out = append(out, nonce...)
	out = e.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt verifies the tag and opens ciphertext laid out as
// nonce‖ciphertext‖tag. Tag failure returns a deterministic crypto error;
// it never panics and never logs the attempted plaintext.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	minLen := nonceSize + e.aead.Overhead()
	if len(blob) < minLen {
		return nil, cerr.New(cerr.KindCrypto, "ciphertext too short: need at least %d bytes, got %d", minLen, len(blob))
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, cerr.New(cerr.KindCrypto, "decryption failed (invalid key or corrupted data)")
	}
	return plaintext, nil
}

// ReEncrypt decrypts with e and re-encrypts with target, for key rotation.
func (e *Encryptor) ReEncrypt(blob []byte, target *Encryptor) ([]byte, error) {
	plaintext, err := e.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: %w", err)
	}
	return target.Encrypt(plaintext)
}
