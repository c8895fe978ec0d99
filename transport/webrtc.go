// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lattice-im/devicesync/lib/clock"
)

// Compile-time interface check.
var _ Peer = (*WebRTCPeer)(nil)

// syncChannelLabel is the label of the single data channel a pairing
// uses. The offerer creates it; the answerer waits for it.
const syncChannelLabel = "sync"

// defaultGatherTimeout bounds candidate gathering. Waiting for
// exhaustive gathering (every STUN/TURN server answering or timing
// out) can take 10+ seconds; the pairing payload has to be shown to
// the operator promptly, so gathering is cut off early and the
// description ships with whatever candidates arrived. This trades a
// little connection robustness for pairing latency.
const defaultGatherTimeout = 5 * time.Second

// channelOpenTimeout bounds the wait for the data channel to open
// after the connection is established.
const channelOpenTimeout = 10 * time.Second

// WebRTCConfig configures a WebRTCPeer.
type WebRTCConfig struct {
	// ICE is the STUN/TURN server configuration. Zero value means
	// host candidates only.
	ICE ICEConfig

	// GatherTimeout bounds candidate gathering. Zero means the
	// default.
	GatherTimeout time.Duration

	// Clock drives the bounded waits. Nil means the real clock.
	Clock clock.Clock
}

// WebRTCPeer implements Peer over a pion PeerConnection with a single
// data channel. Connection state and channel arrival are surfaced as
// channels, not callbacks: the session selects on them alongside its
// own timeout and close signals.
type WebRTCPeer struct {
	connection *webrtc.PeerConnection
	clock      clock.Clock
	logger     *slog.Logger

	gatherTimeout time.Duration

	// outbound is the offerer-created data channel. Nil on the
	// answering side.
	mu       sync.Mutex
	outbound *channelState

	// inbound delivers the answering side's channel once the offerer
	// creates it.
	inbound chan *channelState

	connected     chan struct{}
	connectedOnce sync.Once

	failed chan error

	closed    chan struct{}
	closeOnce sync.Once
}

// channelState pairs a pion data channel with its open signal and
// wrapped Channel.
type channelState struct {
	wrapped *webrtcChannel
	open    chan struct{}
}

// NewWebRTCPeer creates a peer connection ready to produce an offer
// or an answer. Loopback candidates are enabled so two devices on the
// same machine (and tests) can pair.
func NewWebRTCPeer(config WebRTCConfig, logger *slog.Logger) (*WebRTCPeer, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	connection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICE.webrtcServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &WebRTCPeer{
		connection:    connection,
		clock:         config.Clock,
		logger:        logger,
		gatherTimeout: config.GatherTimeout,
		inbound:       make(chan *channelState, 1),
		connected:     make(chan struct{}),
		failed:        make(chan error, 1),
		closed:        make(chan struct{}),
	}
	if peer.clock == nil {
		peer.clock = clock.Real()
	}
	if peer.gatherTimeout <= 0 {
		peer.gatherTimeout = defaultGatherTimeout
	}

	connection.OnICEConnectionStateChange(peer.handleICEStateChange)
	connection.OnDataChannel(peer.handleInboundChannel)

	return peer, nil
}

// CreateOffer creates the sync data channel, generates the local
// offer, and waits for candidate gathering to complete or the gather
// timeout to elapse, whichever comes first. The returned description
// embeds every candidate gathered so far.
func (p *WebRTCPeer) CreateOffer(ctx context.Context) (string, error) {
	ordered := true
	dataChannel, err := p.connection.CreateDataChannel(syncChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return "", fmt.Errorf("creating sync data channel: %w", err)
	}

	state := newChannelState(dataChannel, p.logger)
	p.mu.Lock()
	p.outbound = state
	p.mu.Unlock()

	offer, err := p.connection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer description: %w", err)
	}

	return p.setLocalAndGather(ctx, offer)
}

// CreateAnswer applies the remote offer and generates the local
// answer with the same bounded candidate gathering.
func (p *WebRTCPeer) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOffer,
	}
	if err := p.connection.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("applying remote offer: %w", err)
	}

	answer, err := p.connection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer description: %w", err)
	}

	return p.setLocalAndGather(ctx, answer)
}

// AcceptAnswer applies the remote answer on the offering side. The
// caller must have verified the confirmation code first — after this
// call the connection proceeds.
func (p *WebRTCPeer) AcceptAnswer(remoteAnswer string) error {
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteAnswer,
	}
	if err := p.connection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("applying remote answer: %w", err)
	}
	return nil
}

// setLocalAndGather sets the local description and blocks until
// gathering completes or the gather deadline passes.
func (p *WebRTCPeer) setLocalAndGather(ctx context.Context, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.connection)
	if err := p.connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-p.clock.After(p.gatherTimeout):
		p.logger.Debug("candidate gathering cut off at deadline",
			"timeout", p.gatherTimeout,
		)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.closed:
		return "", net.ErrClosed
	}

	local := p.connection.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

// OpenChannel returns the offerer-created sync channel once it opens.
func (p *WebRTCPeer) OpenChannel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	state := p.outbound
	p.mu.Unlock()

	if state == nil {
		return nil, fmt.Errorf("no outbound channel: OpenChannel is only valid after CreateOffer")
	}
	return p.awaitOpen(ctx, state)
}

// AwaitChannel waits for the offerer's sync channel to arrive and
// open on the answering side.
func (p *WebRTCPeer) AwaitChannel(ctx context.Context) (Channel, error) {
	select {
	case state := <-p.inbound:
		return p.awaitOpen(ctx, state)
	case <-p.clock.After(channelOpenTimeout):
		return nil, fmt.Errorf("no data channel received within %s", channelOpenTimeout)
	case err := <-p.failed:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

// awaitOpen blocks until the channel's open event fires.
func (p *WebRTCPeer) awaitOpen(ctx context.Context, state *channelState) (Channel, error) {
	select {
	case <-state.open:
		return state.wrapped, nil
	case <-p.clock.After(channelOpenTimeout):
		return nil, fmt.Errorf("data channel did not open within %s", channelOpenTimeout)
	case err := <-p.failed:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

// Connected is closed when ICE reaches the connected state.
func (p *WebRTCPeer) Connected() <-chan struct{} { return p.connected }

// Failed receives the first fatal connection error.
func (p *WebRTCPeer) Failed() <-chan error { return p.failed }

// Close tears down the peer connection. Idempotent.
func (p *WebRTCPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.connection.Close()
	})
	return err
}

// handleICEStateChange maps pion's ICE states onto the Connected and
// Failed signals.
func (p *WebRTCPeer) handleICEStateChange(state webrtc.ICEConnectionState) {
	p.logger.Debug("ICE state change", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.connectedOnce.Do(func() { close(p.connected) })

	case webrtc.ICEConnectionStateFailed:
		select {
		case p.failed <- fmt.Errorf("peer connection failed (ICE %s)", state):
		default:
		}

	case webrtc.ICEConnectionStateDisconnected:
		// Transient: ICE may still recover. Logged, not fatal — the
		// session's own timeouts cover the case where it does not.
		p.logger.Warn("peer connection temporarily disconnected")
	}
}

// handleInboundChannel delivers the offerer-created sync channel to
// AwaitChannel. Channels with any other label are rejected: the
// protocol uses exactly one.
func (p *WebRTCPeer) handleInboundChannel(dataChannel *webrtc.DataChannel) {
	if dataChannel.Label() != syncChannelLabel {
		p.logger.Warn("rejecting unexpected data channel", "label", dataChannel.Label())
		dataChannel.Close()
		return
	}

	state := newChannelState(dataChannel, p.logger)

	select {
	case p.inbound <- state:
	default:
		// A second sync channel is a protocol violation.
		p.logger.Warn("dropping duplicate sync channel")
		dataChannel.Close()
	}
}

// newChannelState wraps a pion data channel, wiring its events into
// the message and lifecycle channels before any of them can fire.
func newChannelState(dataChannel *webrtc.DataChannel, logger *slog.Logger) *channelState {
	state := &channelState{
		wrapped: newWebRTCChannel(dataChannel, logger),
		open:    make(chan struct{}),
	}

	switch dataChannel.ReadyState() {
	case webrtc.DataChannelStateOpen:
		close(state.open)
	default:
		var once sync.Once
		dataChannel.OnOpen(func() {
			once.Do(func() { close(state.open) })
		})
	}

	return state
}
