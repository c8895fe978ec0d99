// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the peer-connection primitive the sync
// session consumes: an abstract two-party connection with
// offer/answer description exchange, bounded candidate gathering, and
// one message-oriented data channel.
//
// The package defines two interfaces. [Peer] covers connection
// establishment — creating local offer and answer descriptions
// (gathering candidates up to a deadline rather than exhaustively,
// because the descriptions travel over a QR-sized out-of-band
// channel), applying the remote answer, and signaling connection
// state through channels rather than reassignable callbacks.
// [Channel] is the message pipe the encrypted sync frames flow over.
//
// The production implementation, [WebRTCPeer], uses pion/webrtc with
// vanilla-ICE-style gathering bounded by a clock, loopback candidates
// enabled so two peers on one machine (and tests) can connect, and
// the data channel consumed message-wise via OnMessage — the sync
// protocol is packet-oriented, so the detached stream view is the
// wrong shape. [NewPipePair] provides an in-process implementation
// whose descriptions carry realistic ICE credential and fingerprint
// lines, so session tests exercise the full compaction and
// confirmation-code path without touching the network.
package transport
