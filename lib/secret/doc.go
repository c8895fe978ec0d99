// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for short-lived key
// material such as the per-pairing session key.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory is allocated outside the Go heap, the garbage
// collector never sees it and cannot copy or relocate it. A session
// key held in a Buffer is therefore gone the moment the owning sync
// session closes, rather than whenever the collector gets around to it.
package secret
