// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/lattice-im/devicesync/lib/secret"
)

// ProtocolVersion is the pairing protocol revision this implementation
// speaks. Both devices must run the exact same version: the payload
// format, the compaction line set, and the confirmation code
// derivation all changed between revisions, so there is no safe
// downgrade path.
const ProtocolVersion = 3

// SessionKeySize is the size in bytes of the symmetric session key.
const SessionKeySize = 32

// fingerprintSize is the truncated key-hash length in the payload.
const fingerprintSize = 8

// OfferPayload is the out-of-band pairing payload: a UTF-8 JSON object
// rendered into a QR code or copy-pasted between devices. The
// single-letter keys are deliberate: the payload must fit QR code
// capacity alongside the compacted description.
//
// The payload is produced exactly once by the offering device and
// consumed exactly once by the answering device. The session key it
// carries lives only as long as the sync session.
type OfferPayload struct {
	// Version is the pairing protocol revision. Checked for exact
	// equality by ParseOfferPayload before anything else is touched.
	Version int `json:"v"`

	// Offer is the compacted session description (CompactSDP output).
	Offer string `json:"o"`

	// Key is the base64-encoded 32-byte session key.
	Key string `json:"k"`

	// Fingerprint is the hex-encoded truncated BLAKE3 hash of the
	// key. SessionKey checks it against the decoded key to catch
	// corrupted or torn payloads. It is not an authentication factor;
	// the confirmation code serves that role.
	Fingerprint string `json:"f"`
}

// VersionMismatchError reports a pairing payload from a device running
// a different protocol revision. Fatal, never negotiated around.
type VersionMismatchError struct {
	Ours   int
	Theirs int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("pairing protocol version mismatch (this device: %d, other device: %d): please update both devices to the same version",
		e.Ours, e.Theirs)
}

// GenerateSessionKey draws a fresh 256-bit symmetric key into guarded
// memory. One key pairs with exactly one offer payload and one sync
// session; it is never reused and never persisted.
func GenerateSessionKey() (*secret.Buffer, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return secret.NewFromBytes(key)
}

// NewOfferPayload packages a session key and a local offer description
// into the out-of-band payload. The description is compacted to fit
// the QR/manual channel; the key is borrowed (read, not closed).
func NewOfferPayload(key *secret.Buffer, offerSDP string) (*OfferPayload, error) {
	if key.Len() != SessionKeySize {
		return nil, fmt.Errorf("session key is %d bytes, want %d", key.Len(), SessionKeySize)
	}

	compact, err := CompactSDP(offerSDP)
	if err != nil {
		return nil, fmt.Errorf("compacting offer description: %w", err)
	}

	return &OfferPayload{
		Version:     ProtocolVersion,
		Offer:       compact,
		Key:         base64.StdEncoding.EncodeToString(key.Bytes()),
		Fingerprint: KeyFingerprint(key.Bytes()),
	}, nil
}

// Encode renders the payload as its JSON wire form.
func (p *OfferPayload) Encode() (string, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding pairing payload: %w", err)
	}
	return string(encoded), nil
}

// ParseOfferPayload decodes a scanned or pasted payload and enforces
// the exact-version gate. On mismatch it returns *VersionMismatchError
// without importing the key or touching the embedded description.
func ParseOfferPayload(text string) (*OfferPayload, error) {
	var payload OfferPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("decoding pairing payload: %w", err)
	}

	if payload.Version != ProtocolVersion {
		return nil, &VersionMismatchError{Ours: ProtocolVersion, Theirs: payload.Version}
	}

	return &payload, nil
}

// SessionKey decodes the embedded session key into guarded memory,
// verifying it against the payload's fingerprint first. The heap copy
// made during base64 decoding is zeroed before return.
func (p *OfferPayload) SessionKey() (*secret.Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding session key: %w", err)
	}
	if len(raw) != SessionKeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("session key is %d bytes, want %d", len(raw), SessionKeySize)
	}
	if p.Fingerprint != KeyFingerprint(raw) {
		secret.Zero(raw)
		return nil, fmt.Errorf("session key does not match payload fingerprint")
	}
	return secret.NewFromBytes(raw)
}

// OfferSDP expands the embedded offer description.
func (p *OfferPayload) OfferSDP() (string, error) {
	return ExpandSDP(p.Offer)
}

// KeyFingerprint returns the hex-encoded truncated BLAKE3 hash of a
// session key, as carried in the payload's fingerprint field.
func KeyFingerprint(key []byte) string {
	sum := blake3.Sum256(key)
	return hex.EncodeToString(sum[:fingerprintSize])
}
