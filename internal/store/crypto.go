// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// Key-material layout: 16 bytes of salt followed by 32 bytes of
// secret, created on first use with 0600 permissions. The AES key is
// derived from both so leaking the database alone reveals nothing.
const (
	saltSize   = 16
	secretSize = 32
	kdfIters   = 4096
	derivedLen = 32
)

var errCiphertextShort = errors.New("store: ciphertext too short")

// keyCipher encrypts and decrypts short secrets with AES-256-GCM.
type keyCipher struct {
	aead cipher.AEAD
}

// loadKeyCipher reads the key file at path, creating it when absent.
func loadKeyCipher(path string) (*keyCipher, error) {
	material, err := os.ReadFile(path)
	if err != nil || len(material) != saltSize+secretSize {
		material = make([]byte, saltSize+secretSize)
		if _, err := rand.Read(material); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, material, 0o600); err != nil {
			return nil, err
		}
	}

	salt := material[:saltSize]
	secret := material[saltSize:]
	derived := pbkdf2.Key(secret, salt, kdfIters, derivedLen, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &keyCipher{aead: aead}, nil
}

// encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *keyCipher) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt.
func (c *keyCipher) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", errCiphertextShort
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
