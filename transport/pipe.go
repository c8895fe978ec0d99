// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Compile-time interface checks.
var (
	_ Peer    = (*PipePeer)(nil)
	_ Channel = (*PipeChannel)(nil)
)

// NewPipePair returns two connected in-process peers for tests: the
// first plays the offering side, the second the answering side. The
// descriptions they generate carry realistic ICE credential and DTLS
// fingerprint lines, so the full compaction and confirmation-code
// path runs against them unchanged.
func NewPipePair() (*PipePeer, *PipePeer) {
	link := &pipeLink{}
	offerer := &PipePeer{
		link:      link,
		offering:  true,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		closed:    make(chan struct{}),
	}
	answerer := &PipePeer{
		link:      link,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		closed:    make(chan struct{}),
	}
	link.offerer = offerer
	link.answerer = answerer
	return offerer, answerer
}

// pipeLink is the shared state between the two ends of a pipe pair.
type pipeLink struct {
	mu       sync.Mutex
	offerer  *PipePeer
	answerer *PipePeer

	answerCreated  bool
	answerAccepted bool

	channels *channelPair
}

// channelPair holds the two cross-connected channel ends.
type channelPair struct {
	offererEnd  *PipeChannel
	answererEnd *PipeChannel
}

// PipePeer is the in-process Peer implementation.
type PipePeer struct {
	link     *pipeLink
	offering bool

	mu       sync.Mutex
	localSDP string

	connected     chan struct{}
	connectedOnce sync.Once

	failed chan error

	closed    chan struct{}
	closeOnce sync.Once
}

// CreateOffer generates a synthetic offer description.
func (p *PipePeer) CreateOffer(ctx context.Context) (string, error) {
	if !p.offering {
		return "", fmt.Errorf("CreateOffer called on the answering side")
	}
	sdp, err := syntheticSDP("actpass")
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.localSDP = sdp
	p.mu.Unlock()
	return sdp, nil
}

// CreateAnswer records the remote offer and generates a synthetic
// answer description.
func (p *PipePeer) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	if p.offering {
		return "", fmt.Errorf("CreateAnswer called on the offering side")
	}
	if !strings.Contains(remoteOffer, "a=ice-ufrag:") {
		return "", fmt.Errorf("remote offer has no ICE credentials")
	}

	sdp, err := syntheticSDP("active")
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.localSDP = sdp
	p.mu.Unlock()

	p.link.mu.Lock()
	p.link.answerCreated = true
	p.link.maybeConnectLocked()
	p.link.mu.Unlock()
	return sdp, nil
}

// AcceptAnswer completes the exchange on the offering side. The pair
// connects once the answer has been both created and accepted.
func (p *PipePeer) AcceptAnswer(remoteAnswer string) error {
	if !p.offering {
		return fmt.Errorf("AcceptAnswer called on the answering side")
	}
	if !strings.Contains(remoteAnswer, "a=ice-ufrag:") {
		return fmt.Errorf("remote answer has no ICE credentials")
	}

	p.link.mu.Lock()
	p.link.answerAccepted = true
	p.link.maybeConnectLocked()
	p.link.mu.Unlock()
	return nil
}

// maybeConnectLocked signals both ends connected and creates the
// channel pair once the offer/answer exchange is complete. Caller
// holds link.mu.
func (l *pipeLink) maybeConnectLocked() {
	if !l.answerCreated || !l.answerAccepted || l.channels != nil {
		return
	}

	offererEnd, answererEnd := NewPipeChannelPair()
	l.channels = &channelPair{offererEnd: offererEnd, answererEnd: answererEnd}

	l.offerer.connectedOnce.Do(func() { close(l.offerer.connected) })
	l.answerer.connectedOnce.Do(func() { close(l.answerer.connected) })
}

// OpenChannel returns the offering end of the channel pair.
func (p *PipePeer) OpenChannel(ctx context.Context) (Channel, error) {
	return p.awaitChannel(ctx, true)
}

// AwaitChannel returns the answering end of the channel pair.
func (p *PipePeer) AwaitChannel(ctx context.Context) (Channel, error) {
	return p.awaitChannel(ctx, false)
}

func (p *PipePeer) awaitChannel(ctx context.Context, offererEnd bool) (Channel, error) {
	select {
	case <-p.connected:
	case err := <-p.failed:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, net.ErrClosed
	}

	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if p.link.channels == nil {
		return nil, fmt.Errorf("connected without a channel pair")
	}
	if offererEnd {
		return p.link.channels.offererEnd, nil
	}
	return p.link.channels.answererEnd, nil
}

// Connected is closed when the offer/answer exchange completes.
func (p *PipePeer) Connected() <-chan struct{} { return p.connected }

// Failed receives errors injected via Fail.
func (p *PipePeer) Failed() <-chan error { return p.failed }

// Fail injects a transport failure, for tests of the session's error
// paths.
func (p *PipePeer) Fail(err error) {
	select {
	case p.failed <- err:
	default:
	}
}

// Close tears down this end and both channel ends. Idempotent.
func (p *PipePeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.link.mu.Lock()
		channels := p.link.channels
		p.link.mu.Unlock()
		if channels != nil {
			channels.offererEnd.Close()
			channels.answererEnd.Close()
		}
	})
	return nil
}

// syntheticSDP builds a minimal but realistic data-channel
// description with fresh random ICE credentials and DTLS fingerprint.
func syntheticSDP(setup string) (string, error) {
	entropy := make([]byte, 52)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generating description entropy: %w", err)
	}

	ufrag := base64.RawStdEncoding.EncodeToString(entropy[:3])
	pwd := base64.RawStdEncoding.EncodeToString(entropy[4:20])
	digest := entropy[20:52]

	fingerprint := make([]string, len(digest))
	for index, b := range digest {
		fingerprint[index] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}

	return "v=0\r\n" +
		"o=- 4611731400430051337 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=group:BUNDLE 0\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=candidate:233762139 1 udp 2130706431 127.0.0.1 41830 typ host generation 0\r\n" +
		"a=ice-ufrag:" + ufrag + "\r\n" +
		"a=ice-pwd:" + pwd + "\r\n" +
		"a=fingerprint:sha-256 " + strings.Join(fingerprint, ":") + "\r\n" +
		"a=setup:" + setup + "\r\n" +
		"a=mid:0\r\n" +
		"a=sctp-port:5000\r\n" +
		"a=max-message-size:262144\r\n", nil
}

// pipeBuffer is the per-direction message capacity of a pipe channel
// pair. Large enough that a paced sender never blocks in tests.
const pipeBuffer = 1024

// PipeChannel is one end of an in-process channel pair.
type PipeChannel struct {
	outbound chan<- []byte
	inbound  <-chan []byte

	// DropOutbound, when set, discards outbound messages it returns
	// true for — fault injection for missing-chunk tests. Set it
	// before any Send call; it is read without locking.
	DropOutbound func(message []byte) bool

	mu   sync.Mutex
	err  error
	done chan struct{}

	closeOnce sync.Once
	peerDone  <-chan struct{}
}

// NewPipeChannelPair returns two cross-connected in-process channel
// ends. Messages sent on one end arrive in order on the other.
func NewPipeChannelPair() (*PipeChannel, *PipeChannel) {
	forward := make(chan []byte, pipeBuffer)
	backward := make(chan []byte, pipeBuffer)

	first := &PipeChannel{
		outbound: forward,
		inbound:  backward,
		done:     make(chan struct{}),
	}
	second := &PipeChannel{
		outbound: backward,
		inbound:  forward,
		done:     make(chan struct{}),
	}
	first.peerDone = second.done
	second.peerDone = first.done
	return first, second
}

func (c *PipeChannel) Send(message []byte) error {
	if c.DropOutbound != nil && c.DropOutbound(message) {
		return nil
	}

	// Copy so the sender can reuse its buffer, matching real data
	// channel semantics.
	data := append([]byte(nil), message...)
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-c.peerDone:
		return net.ErrClosed
	}
}

func (c *PipeChannel) Messages() <-chan []byte { return c.inbound }

func (c *PipeChannel) Done() <-chan struct{} { return c.done }

func (c *PipeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// BufferedAmount reports queued outbound bytes. The pipe transmits
// instantly, so this is always zero.
func (c *PipeChannel) BufferedAmount() int { return 0 }

func (c *PipeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// FailWith terminates the channel with an error, for tests.
func (c *PipeChannel) FailWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
