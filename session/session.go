// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lattice-im/devicesync/lib/clock"
	"github.com/lattice-im/devicesync/lib/secret"
	"github.com/lattice-im/devicesync/pairing"
	"github.com/lattice-im/devicesync/transfer"
	"github.com/lattice-im/devicesync/transport"
	"github.com/lattice-im/devicesync/wire"
)

// ErrConnectionTimeout reports that the peer connection did not come
// up within the configured window.
var ErrConnectionTimeout = errors.New("timed out waiting for peer connection")

// ErrCodeMismatch is the sentinel wrapped by [CodeMismatchError].
var ErrCodeMismatch = errors.New("confirmation code mismatch")

// CodeMismatchError reports that the code the user entered does not
// match the one derived from the exchanged descriptions and key. The
// session is unusable afterwards; start over with a fresh payload.
type CodeMismatchError struct{}

func (e *CodeMismatchError) Error() string {
	return "invalid confirmation code: the devices are not looking at the same pairing"
}

func (e *CodeMismatchError) Unwrap() error { return ErrCodeMismatch }

// defaultConnectTimeout bounds the wait for the peer connection after
// descriptions are exchanged. Generous: the user may still be
// carrying the device back across the room.
const defaultConnectTimeout = 60 * time.Second

// eventBuffer is the Events channel capacity. A session makes at
// most eight transitions, so a single consumer never loses one.
const eventBuffer = 16

// Options configures a Session. The zero value is usable: real
// clock, discarded logs, host-only ICE, default transfer tuning.
type Options struct {
	// ICE lists STUN/TURN servers for the default WebRTC peer.
	// Empty means host candidates only.
	ICE transport.ICEConfig

	// NewPeer overrides peer construction. Tests inject pipe peers
	// here; when nil a WebRTC peer is built from ICE.
	NewPeer func() (transport.Peer, error)

	// ChunkSize and Pacing tune the transfer. Zero selects the
	// transfer package defaults.
	ChunkSize int
	Pacing    time.Duration

	// ConnectTimeout bounds the wait for the peer connection.
	ConnectTimeout time.Duration

	// Clock drives timeouts. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives structured progress logs. Nil discards.
	Logger *slog.Logger
}

// Stats summarizes a finished transfer. Bytes counts wire payload
// bytes (after compression), not snapshot bytes; logical record
// counts belong to whatever serialized the snapshot.
type Stats struct {
	Bytes    int
	Chunks   int
	Duration time.Duration
}

// Session is one pairing-and-sync attempt, on either side. Methods
// are safe for concurrent use with Close; the pairing operations
// themselves are sequential by protocol.
type Session struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	peer     transport.Peer
	channel  transport.Channel
	key      *secret.Buffer
	cipher   *wire.Cipher
	offerSDP string

	events chan Event

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns an idle session.
func New(options Options) *Session {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	return &Session{
		options: options,
		clock:   options.Clock,
		logger:  options.Logger,
		state:   StateIdle,
		events:  make(chan Event, eventBuffer),
		closed:  make(chan struct{}),
	}
}

// Events delivers state transitions to a single consumer. The
// channel is buffered past the longest possible transition sequence;
// if the consumer falls further behind than that, new events are
// dropped rather than blocking the session.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the sending side: generates a fresh session key,
// creates the transport peer, gathers an offer, and returns the
// out-of-band payload to show on screen as QR or text.
func (s *Session) Start(ctx context.Context) (string, error) {
	if err := s.transition(StateIdle, StateOffering); err != nil {
		return "", err
	}

	key, err := pairing.GenerateSessionKey()
	if err != nil {
		return "", s.fail(fmt.Errorf("generating session key: %w", err))
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		key.Close()
		return "", s.fail(fmt.Errorf("deriving frame cipher: %w", err))
	}

	peer, err := s.newPeer()
	if err != nil {
		key.Close()
		cipher.Close()
		return "", s.fail(err)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", s.fail(fmt.Errorf("creating offer: %w", err))
	}

	payload, err := pairing.NewOfferPayload(key, offer)
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", s.fail(err)
	}
	text, err := payload.Encode()
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", s.fail(err)
	}

	fingerprint := pairing.KeyFingerprint(key.Bytes())
	if err := s.adopt(key, cipher, peer, offer); err != nil {
		return "", err
	}

	s.logger.Info("pairing offer ready",
		"fingerprint", fingerprint,
		"payload_bytes", len(text))
	return text, nil
}

// CompleteConnection finishes the sending side once the user has
// relayed the receiver's compact answer and read the confirmation
// code off the receiving screen. The code is verified before the
// remote description is applied: a mismatch means the devices are
// not in the same pairing and nothing further is accepted from that
// peer.
func (s *Session) CompleteConnection(ctx context.Context, answerCompact, enteredCode string) error {
	s.mu.Lock()
	if s.state != StateOffering {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("CompleteConnection in state %s, want %s", state, StateOffering)
	}
	peer := s.peer
	s.mu.Unlock()

	answerSDP, err := pairing.ExpandSDP(answerCompact)
	if err != nil {
		return s.fail(fmt.Errorf("expanding answer description: %w", err))
	}

	expected, err := s.expectedCode(answerSDP)
	if err != nil {
		return s.fail(err)
	}
	entered := pairing.NormalizeCode(enteredCode)
	if subtle.ConstantTimeCompare([]byte(entered), []byte(pairing.NormalizeCode(expected))) != 1 {
		return s.fail(&CodeMismatchError{})
	}

	if err := s.transition(StateOffering, StateConnecting); err != nil {
		return err
	}
	if err := peer.AcceptAnswer(answerSDP); err != nil {
		return s.fail(fmt.Errorf("applying answer description: %w", err))
	}
	if err := s.waitConnected(ctx, peer); err != nil {
		return s.fail(err)
	}

	channel, err := peer.OpenChannel(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("opening sync channel: %w", err))
	}
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	s.logger.Info("peer connected", "role", "sender")
	return s.transition(StateConnecting, StateConnected)
}

// Send transfers the snapshot to the connected peer. The snapshot is
// compressed when that pays for itself, split into paced encrypted
// chunks, and acknowledged by protocol completion. Terminal on both
// outcomes: complete on success, error on failure.
func (s *Session) Send(ctx context.Context, snapshot []byte, progress transfer.Progress) (Stats, error) {
	if err := s.transition(StateConnected, StateTransferring); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	channel, cipher := s.channel, s.cipher
	s.mu.Unlock()

	payload, encoding := wire.CompressPayload(snapshot)
	s.logger.Info("starting transfer",
		"snapshot_bytes", len(snapshot),
		"wire_bytes", len(payload),
		"encoding", encoding.String())

	start := s.clock.Now()
	err := transfer.Send(ctx, channel, cipher, payload, len(snapshot), encoding, s.transferOptions(), progress)
	if err != nil {
		// Best effort: tell the peer why the stream stopped.
		if faultErr := transfer.SendFault(channel, cipher, err.Error()); faultErr != nil {
			s.logger.Warn("could not notify peer of failure", "error", faultErr)
		}
		return Stats{}, s.fail(err)
	}

	stats := Stats{
		Bytes:    len(payload),
		Chunks:   chunkCount(len(payload), s.transferOptions().ChunkSize),
		Duration: s.clock.Now().Sub(start),
	}
	s.logger.Info("transfer complete", "bytes", stats.Bytes, "chunks", stats.Chunks)
	if err := s.transition(StateTransferring, StateComplete); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Accept begins the receiving side from a scanned or pasted payload.
// The protocol version is checked before the key is imported. It
// returns the confirmation code to display and the compact answer to
// relay back to the sender.
func (s *Session) Accept(ctx context.Context, payloadText string) (code, answerCompact string, err error) {
	if err := s.transition(StateIdle, StateAnswering); err != nil {
		return "", "", err
	}

	payload, err := pairing.ParseOfferPayload(payloadText)
	if err != nil {
		return "", "", s.fail(err)
	}
	key, err := payload.SessionKey()
	if err != nil {
		return "", "", s.fail(err)
	}
	cipher, err := wire.NewCipher(key)
	if err != nil {
		key.Close()
		return "", "", s.fail(fmt.Errorf("deriving frame cipher: %w", err))
	}
	offerSDP, err := payload.OfferSDP()
	if err != nil {
		key.Close()
		cipher.Close()
		return "", "", s.fail(fmt.Errorf("expanding offer description: %w", err))
	}

	peer, err := s.newPeer()
	if err != nil {
		key.Close()
		cipher.Close()
		return "", "", s.fail(err)
	}
	answerSDP, err := peer.CreateAnswer(ctx, offerSDP)
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", "", s.fail(fmt.Errorf("creating answer: %w", err))
	}

	code, err = pairing.ConfirmationCode(offerSDP, answerSDP, key.Bytes())
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", "", s.fail(fmt.Errorf("deriving confirmation code: %w", err))
	}
	answerCompact, err = pairing.CompactSDP(answerSDP)
	if err != nil {
		key.Close()
		cipher.Close()
		peer.Close()
		return "", "", s.fail(fmt.Errorf("compacting answer description: %w", err))
	}

	fingerprint := pairing.KeyFingerprint(key.Bytes())
	if err := s.adopt(key, cipher, peer, offerSDP); err != nil {
		return "", "", err
	}

	s.logger.Info("pairing accepted", "fingerprint", fingerprint)
	return code, answerCompact, nil
}

// WaitForConnection blocks the receiving side until the sender has
// applied the answer and the peer connection is up.
func (s *Session) WaitForConnection(ctx context.Context) error {
	if err := s.transition(StateAnswering, StateConnecting); err != nil {
		return err
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if err := s.waitConnected(ctx, peer); err != nil {
		return s.fail(err)
	}
	channel, err := peer.AwaitChannel(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("waiting for sync channel: %w", err))
	}
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	s.logger.Info("peer connected", "role", "receiver")
	return s.transition(StateConnecting, StateConnected)
}

// Receive accepts the snapshot from the connected peer, decompresses
// it, and verifies the decompressed size against the sender's
// metadata. Terminal on both outcomes.
func (s *Session) Receive(ctx context.Context, progress transfer.Progress) ([]byte, Stats, error) {
	if err := s.transition(StateConnected, StateTransferring); err != nil {
		return nil, Stats{}, err
	}
	s.mu.Lock()
	channel, cipher := s.channel, s.cipher
	s.mu.Unlock()

	start := s.clock.Now()
	payload, meta, err := transfer.Receive(ctx, channel, cipher, progress)
	if err != nil {
		return nil, Stats{}, s.fail(err)
	}
	snapshot, err := wire.DecompressPayload(payload, meta.Encoding, meta.Size)
	if err != nil {
		return nil, Stats{}, s.fail(err)
	}

	stats := Stats{
		Bytes:    len(payload),
		Chunks:   meta.Total,
		Duration: s.clock.Now().Sub(start),
	}
	s.logger.Info("transfer received",
		"bytes", stats.Bytes,
		"chunks", stats.Chunks,
		"snapshot_bytes", len(snapshot))
	if err := s.transition(StateTransferring, StateComplete); err != nil {
		return nil, Stats{}, err
	}
	return snapshot, stats, nil
}

// Close tears the session down from any state: pending waits are
// released, the transport peer is closed, and the session key and
// derived cipher key are zeroed immediately. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		peer, channel := s.peer, s.channel
		cipher, key := s.cipher, s.key
		s.state = StateClosed
		s.mu.Unlock()

		if channel != nil {
			channel.Close()
		}
		if peer != nil {
			peer.Close()
		}
		if cipher != nil {
			cipher.Close()
		}
		if key != nil {
			key.Close()
		}

		s.emit(Event{State: StateClosed})
		s.logger.Info("session closed")
	})
	return nil
}

// adopt hands a fully built key, cipher, and peer to the session. If
// Close landed while they were being prepared the session must not
// hold them: they are released on the spot and the caller gets
// net.ErrClosed, so a closed session never retains live key material.
func (s *Session) adopt(key *secret.Buffer, cipher *wire.Cipher, peer transport.Peer, offerSDP string) error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		peer.Close()
		cipher.Close()
		key.Close()
		return net.ErrClosed
	default:
	}
	s.key = key
	s.cipher = cipher
	s.peer = peer
	s.offerSDP = offerSDP
	s.mu.Unlock()
	return nil
}

// expectedCode derives the confirmation code for the stored offer and
// the given answer. Close zeroes the key buffer, so the derivation
// holds the lock to keep the two from racing.
func (s *Session) expectedCode(answerSDP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return "", net.ErrClosed
	}
	code, err := pairing.ConfirmationCode(s.offerSDP, answerSDP, s.key.Bytes())
	if err != nil {
		return "", fmt.Errorf("deriving confirmation code: %w", err)
	}
	return code, nil
}

// newPeer builds the transport peer, honoring the test override.
func (s *Session) newPeer() (transport.Peer, error) {
	if s.options.NewPeer != nil {
		return s.options.NewPeer()
	}
	peer, err := transport.NewWebRTCPeer(transport.WebRTCConfig{
		ICE:   s.options.ICE,
		Clock: s.clock,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("creating peer: %w", err)
	}
	return peer, nil
}

// waitConnected blocks until the peer reports connectivity, bounded
// by the connect timeout, the caller's context, and session close.
func (s *Session) waitConnected(ctx context.Context, peer transport.Peer) error {
	select {
	case <-peer.Connected():
		return nil
	case err := <-peer.Failed():
		return fmt.Errorf("peer connection failed: %w", err)
	case <-s.clock.After(s.options.ConnectTimeout):
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return net.ErrClosed
	}
}

func (s *Session) transferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize: s.options.ChunkSize,
		Pacing:    s.options.Pacing,
		Clock:     s.clock,
	}
}

// transition moves from exactly the expected state, emitting an
// event. A session that was closed concurrently stays closed.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("operation requires state %s, session is %s", from, state)
	}
	s.state = to
	s.mu.Unlock()

	s.emit(Event{State: to})
	return nil
}

// fail moves to the error state and returns err for the caller to
// propagate. Close wins over fail when both race.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return err
	}
	s.state = StateError
	s.mu.Unlock()

	s.emit(Event{State: StateError, Err: err})
	s.logger.Error("session failed", "error", err)
	return err
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func chunkCount(payloadLen, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = transfer.DefaultChunkSize
	}
	return (payloadLen + chunkSize - 1) / chunkSize
}
