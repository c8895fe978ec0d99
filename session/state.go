// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package session

// State is a session's position in its lifecycle. Complete, Closed,
// and Error are terminal.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateTransferring
	StateComplete
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions can occur.
func (s State) terminal() bool {
	return s == StateComplete || s == StateClosed || s == StateError
}

// Event is one state transition. Err is set only for StateError
// events and carries the cause.
type Event struct {
	State State
	Err   error
}
