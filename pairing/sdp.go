// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
)

// maxCandidates bounds how many connectivity candidates survive
// compaction. More candidates improve connection odds but every
// candidate line costs QR capacity; six covers host plus
// server-reflexive paths on multi-homed machines.
const maxCandidates = 6

// keptLinePrefixes are the SDP lines required to re-establish a
// data-channel connection. Everything else (timing repeats, bandwidth
// hints, extmap, msid-semantic) is dead weight for our single
// application m-section and is dropped.
var keptLinePrefixes = []string{
	"v=",
	"o=",
	"s=",
	"t=",
	"m=",
	"c=",
	"a=group:",
	"a=ice-ufrag:",
	"a=ice-pwd:",
	"a=fingerprint:",
	"a=setup:",
	"a=mid:",
	"a=sctp-port:",
	"a=max-message-size:",
}

// CompactSDP filters a session description down to the
// connection-critical subset, deflate-compresses it, and
// base64url-encodes the result. The output is what travels inside the
// QR code / typed payload.
func CompactSDP(sdp string) (string, error) {
	filtered, err := filterSDP(sdp)
	if err != nil {
		return "", err
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := writer.Write([]byte(filtered)); err != nil {
		return "", fmt.Errorf("compressing description: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("flushing deflate stream: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(compressed.Bytes()), nil
}

// ExpandSDP reverses CompactSDP. The result is a minimal but
// self-sufficient session description: the transport layer must be
// able to use it as a remote description even though optional lines
// the original carried are gone.
func ExpandSDP(compact string) (string, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(compact)
	if err != nil {
		return "", fmt.Errorf("decoding compact description: %w", err)
	}

	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()

	expanded, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("decompressing description: %w", err)
	}

	return string(expanded), nil
}

// StableKeyMaterial extracts the deterministic identifying fields of a
// session description: the ICE username fragment, the ICE password,
// and the DTLS certificate fingerprint, joined in that fixed order.
//
// These three lines are preserved verbatim by the compact/expand round
// trip, which is what makes them safe inputs to the confirmation code.
// The literal byte order of the rest of the document is not.
func StableKeyMaterial(sdp string) (string, error) {
	var ufrag, pwd, fingerprint string

	for _, line := range sdpLines(sdp) {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			ufrag = line
		case strings.HasPrefix(line, "a=ice-pwd:"):
			pwd = line
		case strings.HasPrefix(line, "a=fingerprint:"):
			fingerprint = line
		}
	}

	if ufrag == "" || pwd == "" || fingerprint == "" {
		return "", fmt.Errorf("description is missing ICE credentials or DTLS fingerprint")
	}

	return ufrag + "\n" + pwd + "\n" + fingerprint, nil
}

// filterSDP keeps the connection-critical lines in their original
// order and appends the selected candidates at the end (still inside
// the single application m-section, so placement is valid).
func filterSDP(sdp string) (string, error) {
	var kept []string
	var candidates []candidate
	sawMedia := false

	for _, line := range sdpLines(sdp) {
		if strings.HasPrefix(line, "a=candidate:") {
			parsed, err := parseCandidate(line)
			if err != nil {
				// Malformed or exotic candidate lines are dropped, not
				// fatal: the description stays usable without them.
				continue
			}
			candidates = append(candidates, parsed)
			continue
		}
		for _, prefix := range keptLinePrefixes {
			if strings.HasPrefix(line, prefix) {
				if strings.HasPrefix(line, "m=") {
					sawMedia = true
				}
				kept = append(kept, line)
				break
			}
		}
	}

	if !sawMedia {
		return "", fmt.Errorf("description has no media section")
	}

	for _, chosen := range selectCandidates(candidates) {
		kept = append(kept, chosen.line)
	}

	return strings.Join(kept, "\r\n") + "\r\n", nil
}

// candidate is a parsed a=candidate line. Only the fields that drive
// selection are extracted; the original line is carried verbatim.
type candidate struct {
	line     string
	typ      string
	priority uint64
}

// parseCandidate extracts the type and priority from an a=candidate
// line: "a=candidate:<foundation> <component> <proto> <priority>
// <address> <port> typ <type> ...".
func parseCandidate(line string) (candidate, error) {
	fields := strings.Fields(strings.TrimPrefix(line, "a="))
	if len(fields) < 8 || fields[6] != "typ" {
		return candidate{}, fmt.Errorf("malformed candidate line: %q", line)
	}

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return candidate{}, fmt.Errorf("candidate priority %q: %w", fields[3], err)
	}

	return candidate{
		line:     line,
		typ:      fields[7],
		priority: priority,
	}, nil
}

// selectCandidates orders candidates cheapest-first and caps the
// count. Host candidates (direct paths, no round trips through
// external servers) come first, then the rest by descending priority.
// Relay candidates are excluded entirely: a relayed transfer defeats
// the point of a direct device-to-device sync and the relay address
// would be useless to the peer anyway once the TURN allocation
// expires.
func selectCandidates(candidates []candidate) []candidate {
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.typ != "relay" {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if (filtered[i].typ == "host") != (filtered[j].typ == "host") {
			return filtered[i].typ == "host"
		}
		return filtered[i].priority > filtered[j].priority
	})

	if len(filtered) > maxCandidates {
		filtered = filtered[:maxCandidates]
	}
	return filtered
}

// sdpLines splits a description into lines, tolerating both CRLF and
// bare LF endings and skipping blanks.
func sdpLines(sdp string) []string {
	raw := strings.Split(sdp, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
