package oidc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	// minEnvelopeSize allows an empty ciphertext so "" round-trips.
	minEnvelopeSize = nonceSize + tagSize
)

var (
	ErrMissingKey       = errors.New("encryption key is not configured")
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// CryptoError describes a failed vault operation. It never carries key or
// plaintext material.
type CryptoError struct {
	Op  string // "key", "encrypt" or "decrypt"
	Err error
}

func (e *CryptoError) Error() string { return "vault " + e.Op + ": " + e.Err.Error() }

func (e *CryptoError) Unwrap() error { return e.Err }

// Vault encrypts tenant credentials with AES-256-GCM.
//
// Envelope format: base64(nonce[12] || tag[16] || ciphertext). The tag is
// stored ahead of the ciphertext, unlike the layout cipher.AEAD.Seal produces.
type Vault struct {
	aead cipher.AEAD
}

// NewVault returns a Vault for a raw 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, &CryptoError{Op: "key", Err: ErrInvalidKey}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "key", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, &CryptoError{Op: "key", Err: err}
	}
	return &Vault{aead: aead}, nil
}

// NewVaultFromBase64 decodes a standard base64 key, as stored in SSO_SECRET_KEY.
func NewVaultFromBase64(encoded string) (*Vault, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, &CryptoError{Op: "key", Err: ErrMissingKey}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &CryptoError{Op: "key", Err: fmt.Errorf("%w: not valid base64", ErrInvalidKey)}
	}
	return NewVault(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", &CryptoError{Op: "encrypt", Err: ErrMissingKey}
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("generate nonce: %w", err)}
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed or tampered
// input yields a *CryptoError wrapping ErrDecryptionFailed.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if v == nil || v.aead == nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrMissingKey}
	}
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)}
	}
	if len(raw) < minEnvelopeSize {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: envelope too short", ErrDecryptionFailed)}
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrDecryptionFailed}
	}
	return string(plaintext), nil
}

// GenerateKey returns a random 32-byte AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
