// Copyright 2024-2026 Aiku AI

// Package sealed provides symmetric sealing of small secrets (tokens, cached
// attachment references) and the hashing used to index them.
package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// keyInfo separates the derived encryption key from the lookup hash, so that
// a stored hash never doubles as the key that opens the stored value.
var keyInfo = []byte("telehooper sealed value v1")

var (
	ErrEmptySecret = errors.New("sealed: empty secret")
	ErrMalformed   = errors.New("sealed: malformed value")
	ErrOpen        = errors.New("sealed: authentication failed")
)

func deriveKey(secret []byte) (*[32]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	var key [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, keyInfo), key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return &key, nil
}

// Seal encrypts plaintext with a key derived from secret and returns the
// nonce and box as a single base64 string.
func Seal(secret, plaintext []byte) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal. It fails with ErrOpen if the secret is wrong or the
// value was tampered with.
func Open(secret []byte, value string) ([]byte, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the parts joined with ":".
func Hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
