// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves one snapshot across an encrypted channel as
// a Meta/Chunk/Done packet sequence. The sender paces chunks to keep
// data channel buffers shallow; the receiver reassembles by sequence
// number and tolerates duplicated or reordered delivery, failing with
// a precise error when a chunk never arrives.
package transfer
