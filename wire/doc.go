// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines what actually crosses the data channel once a
// pairing is confirmed: the sync packet sum type and its CBOR
// encoding, the AEAD frame cipher that seals every packet
// individually, and the payload compression tags applied to the
// application snapshot before it is chunked.
//
// A frame on the wire is base64(nonce ‖ AEAD(CBOR(packet))). Packets
// are an explicit sum type ([Meta] | [Chunk] | [Done] | [Fault]) with
// a one-byte kind tag ahead of the CBOR body — decoding is exhaustive
// and an unknown kind is an error, never a skipped message.
package wire
