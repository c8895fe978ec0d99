// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Peer is a two-party connection in the making. One side is the
// offerer (CreateOffer, AcceptAnswer, OpenChannel), the other the
// answerer (CreateAnswer, AwaitChannel). A Peer belongs to exactly
// one sync session and is torn down with it.
type Peer interface {
	// CreateOffer produces the local offer description, gathering
	// connectivity candidates up to the implementation's bounded
	// deadline. The returned description embeds every candidate
	// gathered so far.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer description and produces
	// the local answer, with the same bounded candidate gathering.
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)

	// AcceptAnswer applies the remote answer description on the
	// offering side. Only valid after CreateOffer.
	AcceptAnswer(remoteAnswer string) error

	// OpenChannel returns the offerer-created data channel once it is
	// open. Only valid on the offering side.
	OpenChannel(ctx context.Context) (Channel, error)

	// AwaitChannel waits for the channel the offerer created and
	// returns it once open. Only valid on the answering side.
	AwaitChannel(ctx context.Context) (Channel, error)

	// Connected is closed when the connection reaches the connected
	// state.
	Connected() <-chan struct{}

	// Failed receives at most one error when the connection fails
	// (candidate negotiation failure, transport teardown).
	Failed() <-chan error

	// Close tears down the connection. Idempotent.
	Close() error
}

// Channel is the message-oriented pipe the encrypted sync frames
// travel over. Messages are delivered whole and in order.
type Channel interface {
	// Send transmits one message.
	Send(message []byte) error

	// Messages delivers inbound messages. After Done is closed no
	// further messages arrive; consumers select on both.
	Messages() <-chan []byte

	// Done is closed when the channel closes or fails.
	Done() <-chan struct{}

	// Err reports why the channel terminated. Non-nil only after Done
	// is closed, and only for failures — a clean close leaves it nil.
	Err() error

	// BufferedAmount reports bytes queued locally but not yet sent,
	// for pacing decisions.
	BufferedAmount() int

	// Close closes the channel. Idempotent.
	Close() error
}
