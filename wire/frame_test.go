// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/lattice-im/devicesync/lib/secret"
)

func newTestCipher(t *testing.T, seed byte) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	for index := range key {
		key[index] = seed
	}
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		t.Fatalf("creating key buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })

	cipher, err := NewCipher(buffer)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	t.Cleanup(func() { cipher.Close() })
	return cipher
}

// TestCipher_RoundTrip seals and opens a frame and verifies the
// plaintext survives.
func TestCipher_RoundTrip(t *testing.T) {
	cipher := newTestCipher(t, 0x42)
	plaintext := []byte("sync packet plaintext")

	frame, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	opened, err := cipher.Open(frame)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened %q, want %q", opened, plaintext)
	}
}

// TestCipher_FreshNoncePerFrame verifies sealing the same plaintext
// twice yields different frames (fresh randomness per call) and both
// open back to the original.
func TestCipher_FreshNoncePerFrame(t *testing.T) {
	cipher := newTestCipher(t, 0x42)
	plaintext := []byte("identical plaintext")

	first, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	second, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if first == second {
		t.Fatal("two seals of the same plaintext produced identical frames")
	}

	for _, frame := range []string{first, second} {
		opened, err := cipher.Open(frame)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("opened %q, want %q", opened, plaintext)
		}
	}
}

// TestCipher_BitFlipRejected flips each byte of a sealed frame in
// turn and verifies every tampered variant fails with
// ErrDecryptFailed.
func TestCipher_BitFlipRejected(t *testing.T) {
	cipher := newTestCipher(t, 0x42)

	frame, err := cipher.Seal([]byte("tamper target"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}

	for index := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[index] ^= 0x01
		_, err := cipher.Open(base64.StdEncoding.EncodeToString(tampered))
		if !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("byte %d: error = %v, want ErrDecryptFailed", index, err)
		}
	}
}

// TestCipher_MalformedFrames covers the non-cryptographic failure
// modes: invalid base64 and frames shorter than nonce+tag.
func TestCipher_MalformedFrames(t *testing.T) {
	cipher := newTestCipher(t, 0x42)

	for _, frame := range []string{"", "!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := cipher.Open(frame); !errors.Is(err, ErrDecryptFailed) {
			t.Errorf("Open(%q) error = %v, want ErrDecryptFailed", frame, err)
		}
	}
}

// TestCipher_WrongKeyRejected verifies a frame sealed under one
// session key does not open under another.
func TestCipher_WrongKeyRejected(t *testing.T) {
	sender := newTestCipher(t, 0x42)
	imposter := newTestCipher(t, 0x43)

	frame, err := sender.Seal([]byte("for the paired device only"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := imposter.Open(frame); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("error = %v, want ErrDecryptFailed", err)
	}
}

// TestCipher_ClosedCipherFails verifies Seal and Open both fail after
// Close, and that Close is idempotent.
func TestCipher_ClosedCipherFails(t *testing.T) {
	cipher := newTestCipher(t, 0x42)
	frame, err := cipher.Seal([]byte("before close"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if err := cipher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cipher.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := cipher.Seal([]byte("after close")); err == nil {
		t.Error("Seal succeeded on closed cipher")
	}
	if _, err := cipher.Open(frame); err == nil {
		t.Error("Open succeeded on closed cipher")
	}
}

// TestCipher_SameSessionKeySameFrameKey verifies both devices derive
// interoperable ciphers from the shared session key.
func TestCipher_SameSessionKeySameFrameKey(t *testing.T) {
	offerer := newTestCipher(t, 0x42)
	answerer := newTestCipher(t, 0x42)

	frame, err := offerer.Seal([]byte("cross-device frame"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := answerer.Open(frame)
	if err != nil {
		t.Fatalf("Open on peer cipher failed: %v", err)
	}
	if string(opened) != "cross-device frame" {
		t.Errorf("opened %q", opened)
	}
}
