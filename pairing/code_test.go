// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"regexp"
	"strings"
	"testing"
)

// sampleAnswer is a minimal answering-side description with its own
// ICE credentials and fingerprint.
const sampleAnswer = "v=0\r\n" +
	"o=- 99283744 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=candidate:2130706431 1 udp 2130706431 192.168.1.55 60004 typ host generation 0\r\n" +
	"a=ice-ufrag:Zt3w\r\n" +
	"a=ice-pwd:bQeW9vKxNhPzRdLuTgCmYjAi\r\n" +
	"a=fingerprint:sha-256 91:0C:2D:55:AE:43:F2:08:6B:11:D4:90:EE:21:5A:C3:77:30:84:F6:09:1B:CD:62:48:A7:13:5E:FF:2C:06:B8\r\n" +
	"a=setup:active\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n" +
	"a=max-message-size:262144\r\n"

var testKey = []byte("0123456789abcdef0123456789abcdef")

// TestConfirmationCode_Format verifies the LLL-LLL display shape and
// the restricted alphabet.
func TestConfirmationCode_Format(t *testing.T) {
	code, err := ConfirmationCode(sampleOffer, sampleAnswer, testKey)
	if err != nil {
		t.Fatalf("ConfirmationCode failed: %v", err)
	}

	pattern := regexp.MustCompile(`^[` + codeAlphabet + `]{3}-[` + codeAlphabet + `]{3}$`)
	if !pattern.MatchString(code) {
		t.Errorf("code %q does not match LLL-LLL over the restricted alphabet", code)
	}
}

// TestConfirmationCode_Deterministic verifies repeated derivation from
// the same triple yields the same code.
func TestConfirmationCode_Deterministic(t *testing.T) {
	first, err := ConfirmationCode(sampleOffer, sampleAnswer, testKey)
	if err != nil {
		t.Fatalf("ConfirmationCode failed: %v", err)
	}
	second, err := ConfirmationCode(sampleOffer, sampleAnswer, testKey)
	if err != nil {
		t.Fatalf("ConfirmationCode failed: %v", err)
	}
	if first != second {
		t.Errorf("codes differ across calls: %q vs %q", first, second)
	}
}

// TestConfirmationCode_BothSidesAgree simulates the two devices'
// independent computations: the offerer hashes its generated offer
// plus the expanded answer; the answerer hashes the expanded offer
// plus its generated answer. The codes must match.
func TestConfirmationCode_BothSidesAgree(t *testing.T) {
	roundTrip := func(sdp string) string {
		compact, err := CompactSDP(sdp)
		if err != nil {
			t.Fatalf("CompactSDP failed: %v", err)
		}
		expanded, err := ExpandSDP(compact)
		if err != nil {
			t.Fatalf("ExpandSDP failed: %v", err)
		}
		return expanded
	}

	offererCode, err := ConfirmationCode(sampleOffer, roundTrip(sampleAnswer), testKey)
	if err != nil {
		t.Fatalf("offerer ConfirmationCode failed: %v", err)
	}
	answererCode, err := ConfirmationCode(roundTrip(sampleOffer), sampleAnswer, testKey)
	if err != nil {
		t.Fatalf("answerer ConfirmationCode failed: %v", err)
	}

	if offererCode != answererCode {
		t.Errorf("sides disagree: offerer %q, answerer %q", offererCode, answererCode)
	}
}

// TestConfirmationCode_SensitiveToEveryInput verifies that changing
// any one of the three inputs changes the code.
func TestConfirmationCode_SensitiveToEveryInput(t *testing.T) {
	baseline, err := ConfirmationCode(sampleOffer, sampleAnswer, testKey)
	if err != nil {
		t.Fatalf("ConfirmationCode failed: %v", err)
	}

	tamperedOffer := strings.Replace(sampleOffer, "a=ice-ufrag:aFgH", "a=ice-ufrag:aFgX", 1)
	tamperedAnswer := strings.Replace(sampleAnswer, "a=ice-ufrag:Zt3w", "a=ice-ufrag:Zt3x", 1)
	tamperedKey := append([]byte(nil), testKey...)
	tamperedKey[0] ^= 1

	tests := []struct {
		name   string
		offer  string
		answer string
		key    []byte
	}{
		{"tampered offer", tamperedOffer, sampleAnswer, testKey},
		{"tampered answer", sampleOffer, tamperedAnswer, testKey},
		{"different key", sampleOffer, sampleAnswer, tamperedKey},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, err := ConfirmationCode(test.offer, test.answer, test.key)
			if err != nil {
				t.Fatalf("ConfirmationCode failed: %v", err)
			}
			if code == baseline {
				t.Errorf("code unchanged (%q) despite modified input", code)
			}
		})
	}
}

// TestNormalizeCode covers case folding, separator stripping, and
// removal of glyphs outside the alphabet.
func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"K7M-4PQ9", "K7M4PQ9"},
		{"k7m-4pq9", "K7M4PQ9"},
		{"  k7m 4pq9  ", "K7M4PQ9"},
		{"K7M_4PQ9!", "K7M4PQ9"},
		{"", ""},
	}
	for _, test := range tests {
		if got := NormalizeCode(test.input); got != test.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
