// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives one device-sync attempt end to end: key
// generation, the out-of-band offer payload, confirmation-code
// verification, connection establishment, and the encrypted snapshot
// transfer. A Session owns exactly one transport peer, one session
// key, and one frame cipher; there is no shared package state, so
// independent sessions coexist freely.
//
// The sending (already-synced) device calls Start, shows the payload,
// then CompleteConnection with the peer's answer and the code the
// user read from the other screen, then Send. The receiving device
// calls Accept, displays the code, then WaitForConnection and
// Receive. Either side may Close at any point; there is no automatic
// retry — recovery is always a fresh session with fresh key material.
package session
