// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// codeAlphabet is the 32-glyph confirmation code alphabet. The
// visually ambiguous glyphs 0/O and 1/I are excluded so a code read
// aloud or typed from a screen cannot be mis-transcribed into a
// different valid code.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// codeLength is the number of alphabet glyphs in a confirmation code
// (displayed as two hyphen-separated groups of three).
const codeLength = 6

// codeDomain separates the confirmation code derivation from every
// other use of BLAKE3 in the protocol. A protocol constant: changing
// it desynchronizes the two devices' codes.
const codeDomain = "lattice.pairing.confirm.v3"

// ConfirmationCode derives the short human-verifiable code from both
// descriptions and the session key. Both devices compute it
// independently — the offerer from its generated offer and the
// expanded answer, the answerer from the expanded offer and its
// generated answer — and the results must be identical, which is why
// only the round-trip-stable fields of each description
// ([StableKeyMaterial]) enter the hash.
//
// The code is formatted "XXX-XXX" over the restricted alphabet.
func ConfirmationCode(offerSDP, answerSDP string, key []byte) (string, error) {
	offerMaterial, err := StableKeyMaterial(offerSDP)
	if err != nil {
		return "", fmt.Errorf("offer description: %w", err)
	}
	answerMaterial, err := StableKeyMaterial(answerSDP)
	if err != nil {
		return "", fmt.Errorf("answer description: %w", err)
	}

	hasher := blake3.New()
	writeLengthPrefixed(hasher, []byte(codeDomain))
	writeLengthPrefixed(hasher, []byte(offerMaterial))
	writeLengthPrefixed(hasher, []byte(answerMaterial))
	writeLengthPrefixed(hasher, key)

	digest := hasher.Sum(nil)

	glyphs := make([]byte, codeLength)
	for index := range glyphs {
		// len(codeAlphabet) divides 256, so the modulo is unbiased.
		glyphs[index] = codeAlphabet[digest[index]%byte(len(codeAlphabet))]
	}

	return string(glyphs[:3]) + "-" + string(glyphs[3:]), nil
}

// NormalizeCode canonicalizes an operator-typed code for comparison:
// uppercase, everything outside the code alphabet stripped. "k7m-4pq9"
// and "K7M 4PQ9" both normalize to "K7M4PQ9".
func NormalizeCode(entered string) string {
	var normalized strings.Builder
	for _, r := range strings.ToUpper(entered) {
		if strings.ContainsRune(codeAlphabet, r) {
			normalized.WriteRune(r)
		}
	}
	return normalized.String()
}

// writeLengthPrefixed hashes a little-endian length header before the
// field bytes, so adjacent variable-length fields cannot be shifted
// into each other without changing the digest.
func writeLengthPrefixed(hasher *blake3.Hasher, field []byte) {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(field)))
	hasher.Write(length[:])
	hasher.Write(field)
}
