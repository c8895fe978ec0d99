// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Channel = (*webrtcChannel)(nil)

// inboundBuffer is the capacity of the inbound message channel. The
// receiver drains continuously during a transfer; the buffer only
// absorbs short scheduling hiccups.
const inboundBuffer = 64

// webrtcChannel adapts a pion data channel to the message-oriented
// Channel interface. Inbound messages flow through a buffered Go
// channel instead of a callback, so the receive loop can select on
// them alongside timeouts and cancellation.
type webrtcChannel struct {
	dataChannel *webrtc.DataChannel
	logger      *slog.Logger

	messages chan []byte

	mu   sync.Mutex
	err  error
	done chan struct{}

	closeOnce sync.Once
}

func newWebRTCChannel(dataChannel *webrtc.DataChannel, logger *slog.Logger) *webrtcChannel {
	channel := &webrtcChannel{
		dataChannel: dataChannel,
		logger:      logger,
		messages:    make(chan []byte, inboundBuffer),
		done:        make(chan struct{}),
	}

	dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		// Copy: pion may reuse the message buffer after the callback
		// returns.
		data := append([]byte(nil), message.Data...)
		select {
		case channel.messages <- data:
		case <-channel.done:
		}
	})

	dataChannel.OnClose(func() {
		channel.terminate(nil)
	})

	dataChannel.OnError(func(err error) {
		channel.terminate(fmt.Errorf("data channel error: %w", err))
	})

	return channel
}

func (c *webrtcChannel) Send(message []byte) error {
	if err := c.dataChannel.Send(message); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

func (c *webrtcChannel) Messages() <-chan []byte { return c.messages }

func (c *webrtcChannel) Done() <-chan struct{} { return c.done }

func (c *webrtcChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *webrtcChannel) BufferedAmount() int {
	return int(c.dataChannel.BufferedAmount())
}

func (c *webrtcChannel) Close() error {
	c.terminate(nil)
	return c.dataChannel.Close()
}

// terminate records the termination cause and closes the done signal.
// The first call wins; later causes are dropped.
func (c *webrtcChannel) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
	})
}
