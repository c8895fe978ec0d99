// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/lattice-im/devicesync/lib/secret"
)

// ErrDecryptFailed reports a frame that could not be authenticated or
// decrypted: malformed encoding, truncation, a flipped bit, or a
// mismatched key. The transfer carrying the frame must be aborted —
// every frame carries protocol-critical sequencing, so there is no
// safe way to skip one.
var ErrDecryptFailed = errors.New("frame decryption failed")

// frameKeyInfo is the HKDF info string deriving the AEAD key from the
// session key. Domain-separates frame encryption from the
// confirmation-code derivation, which consumes the session key raw.
// A protocol constant.
var frameKeyInfo = []byte("lattice.sync.frame.v3")

// Cipher seals and opens sync frames under a key derived from one
// session key. One Cipher belongs to one sync session; Close zeroes
// the derived key and the Cipher is not usable afterwards.
type Cipher struct {
	mu       sync.Mutex
	aead     cipher.AEAD
	frameKey *secret.Buffer
}

// NewCipher derives the frame encryption key from the session key via
// HKDF-SHA256 and prepares a ChaCha20-Poly1305 AEAD. The session key
// is borrowed (read, not closed).
func NewCipher(sessionKey *secret.Buffer) (*Cipher, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey.Bytes(), nil, frameKeyInfo), derived); err != nil {
		return nil, fmt.Errorf("deriving frame key: %w", err)
	}

	frameKey, err := secret.NewFromBytes(derived)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(frameKey.Bytes())
	if err != nil {
		frameKey.Close()
		return nil, fmt.Errorf("creating ChaCha20-Poly1305 cipher: %w", err)
	}

	return &Cipher{aead: aead, frameKey: frameKey}, nil
}

// Seal encrypts one packet's encoded bytes into a transport frame:
// base64(nonce ‖ ciphertext ‖ tag). A fresh random 96-bit nonce is
// drawn per call — nonce reuse under the same key breaks the AEAD, so
// the nonce is never derived from a counter that could be rewound.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return "", fmt.Errorf("cipher is closed")
	}

	frame := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(frame[:chacha20poly1305.NonceSize]); err != nil {
		return "", fmt.Errorf("generating frame nonce: %w", err)
	}

	frame = c.aead.Seal(frame, frame[:chacha20poly1305.NonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(frame), nil
}

// Open authenticates and decrypts a transport frame. Any failure —
// bad base64, truncation, tag mismatch — returns an error wrapping
// [ErrDecryptFailed]; partial plaintext is never returned.
func (c *Cipher) Open(frame string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, fmt.Errorf("cipher is closed")
	}

	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid frame encoding: %v", ErrDecryptFailed, err)
	}
	if len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: frame is %d bytes, minimum is %d",
			ErrDecryptFailed, len(raw), chacha20poly1305.NonceSize+chacha20poly1305.Overhead)
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return plaintext, nil
}

// Close zeroes the derived frame key. Idempotent; Seal and Open fail
// after Close.
func (c *Cipher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil
	}
	c.aead = nil
	return c.frameKey.Close()
}
