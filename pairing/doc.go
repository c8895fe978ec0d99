// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing implements the out-of-band half of device pairing:
// compacting a WebRTC session description so it fits a QR code,
// packaging it with a fresh session key into the scannable payload,
// and deriving the short confirmation code both operators compare
// before any data flows.
//
// The compaction ([CompactSDP]) keeps only the lines required to
// re-establish a data-channel connection — session header, BUNDLE
// group, application media section, ICE credentials, DTLS
// fingerprint, and a bounded set of the cheapest connectivity
// candidates — then deflate-compresses and base64url-encodes the
// result. [ExpandSDP] inverts the transform; the expanded document is
// syntactically minimal but sufficient for the transport layer to
// complete the connection.
//
// The confirmation code ([ConfirmationCode]) is derived from the ICE
// credentials and DTLS fingerprint of both descriptions plus the
// session key. Those fields are preserved byte-for-byte by the
// compact/expand round trip, so the offering side (hashing its
// original description) and the answering side (hashing the expanded
// copy) always agree — hashing whole descriptions would not, because
// compaction reorders and drops lines. Equal codes are the sole
// automated defense against a substituted or tampered description.
package pairing
