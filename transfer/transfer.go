// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-im/devicesync/lib/clock"
	"github.com/lattice-im/devicesync/transport"
	"github.com/lattice-im/devicesync/wire"
)

const (
	// DefaultChunkSize keeps each encrypted frame comfortably under
	// the data channel message limit after base64 and AEAD overhead.
	DefaultChunkSize = 16 * 1024

	// DefaultPacing is the delay between chunk sends.
	DefaultPacing = 25 * time.Millisecond

	// maxBufferedAmount caps the transport's outbound queue. When the
	// link drains slower than the pacing interval, chunks are held
	// back until the queue falls below the cap.
	maxBufferedAmount = 1 << 20
)

// Progress reports transfer progress in chunks. It is called once
// per chunk sent or received, from the transfer goroutine; callbacks
// must not block.
type Progress func(transferred, total int)

// Options tunes a transfer. The zero value selects the defaults.
type Options struct {
	// ChunkSize is the chunk payload size in bytes.
	ChunkSize int

	// Pacing is the delay inserted between chunk sends.
	Pacing time.Duration

	// Clock drives the pacing delay. Defaults to the real clock.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Pacing <= 0 {
		o.Pacing = DefaultPacing
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// MissingChunkError reports that the sender signalled completion
// while at least one chunk had not arrived. Seq is the lowest
// missing sequence number.
type MissingChunkError struct {
	Seq int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("transfer incomplete: chunk %d never arrived", e.Seq)
}

// RemoteFaultError reports that the peer aborted the transfer. The
// message is the peer's stated reason, verbatim.
type RemoteFaultError struct {
	Message string
}

func (e *RemoteFaultError) Error() string {
	return fmt.Sprintf("peer aborted transfer: %s", e.Message)
}

// Send transmits payload over channel as an encrypted packet
// sequence. The payload is sent as-is; size and encoding describe
// the original snapshot (its byte count before compression and the
// compression applied) and travel in the Meta packet for the
// receiver to verify against after decompression.
func Send(ctx context.Context, channel transport.Channel, cipher *wire.Cipher, payload []byte, size int, encoding wire.CompressionTag, options Options, progress Progress) error {
	options = options.withDefaults()

	total := (len(payload) + options.ChunkSize - 1) / options.ChunkSize

	err := sendPacket(channel, cipher, wire.Meta{
		Total:    total,
		Size:     size,
		Encoding: encoding,
	})
	if err != nil {
		return fmt.Errorf("sending transfer metadata: %w", err)
	}

	for seq := 0; seq < total; seq++ {
		start := seq * options.ChunkSize
		end := min(start+options.ChunkSize, len(payload))

		err := sendPacket(channel, cipher, wire.Chunk{
			Seq:  seq,
			Data: payload[start:end],
		})
		if err != nil {
			return fmt.Errorf("sending chunk %d of %d: %w", seq, total, err)
		}
		if progress != nil {
			progress(seq+1, total)
		}

		// Pace every chunk but the last, and keep waiting while the
		// transport's outbound queue is above the cap, so the data
		// channel's send buffer stays shallow on slow links.
		if seq == total-1 {
			break
		}
		for {
			select {
			case <-options.Clock.After(options.Pacing):
			case <-channel.Done():
				return fmt.Errorf("channel closed during transfer: %w", channelCause(channel))
			case <-ctx.Done():
				return ctx.Err()
			}
			if channel.BufferedAmount() <= maxBufferedAmount {
				break
			}
		}
	}

	if err := sendPacket(channel, cipher, wire.Done{}); err != nil {
		return fmt.Errorf("sending transfer completion: %w", err)
	}
	return nil
}

// Receive reassembles one packet sequence from channel. It returns
// the payload exactly as the sender framed it (still compressed when
// Meta.Encoding says so) together with the Meta packet. Chunks may
// arrive in any order and duplicates are tolerated; a Done with
// chunks outstanding fails with a [MissingChunkError].
func Receive(ctx context.Context, channel transport.Channel, cipher *wire.Cipher, progress Progress) ([]byte, wire.Meta, error) {
	var meta wire.Meta
	haveMeta := false
	chunks := make(map[int][]byte)

	for {
		var frame []byte
		select {
		case frame = <-channel.Messages():
		case <-channel.Done():
			return nil, wire.Meta{}, fmt.Errorf("channel closed during transfer: %w", channelCause(channel))
		case <-ctx.Done():
			return nil, wire.Meta{}, ctx.Err()
		}

		plaintext, err := cipher.Open(string(frame))
		if err != nil {
			return nil, wire.Meta{}, err
		}
		packet, err := wire.DecodePacket(plaintext)
		if err != nil {
			return nil, wire.Meta{}, err
		}

		switch packet := packet.(type) {
		case wire.Meta:
			if haveMeta {
				return nil, wire.Meta{}, fmt.Errorf("duplicate transfer metadata")
			}
			if packet.Total < 0 {
				return nil, wire.Meta{}, fmt.Errorf("invalid chunk count %d", packet.Total)
			}
			meta = packet
			haveMeta = true

		case wire.Chunk:
			if !haveMeta {
				return nil, wire.Meta{}, fmt.Errorf("chunk %d arrived before transfer metadata", packet.Seq)
			}
			if packet.Seq < 0 || packet.Seq >= meta.Total {
				return nil, wire.Meta{}, fmt.Errorf("chunk sequence %d out of range [0, %d)", packet.Seq, meta.Total)
			}
			// Duplicates overwrite; the data channel may retransmit.
			chunks[packet.Seq] = packet.Data
			if progress != nil {
				progress(len(chunks), meta.Total)
			}

		case wire.Done:
			if !haveMeta {
				return nil, wire.Meta{}, fmt.Errorf("transfer completed before metadata")
			}
			payload, err := assemble(chunks, meta.Total)
			if err != nil {
				return nil, wire.Meta{}, err
			}
			return payload, meta, nil

		case wire.Fault:
			return nil, wire.Meta{}, &RemoteFaultError{Message: packet.Message}

		default:
			return nil, wire.Meta{}, fmt.Errorf("unexpected packet type %T during transfer", packet)
		}
	}
}

// SendFault tells the peer the transfer is aborted. Best effort: the
// channel may already be down, in which case the send error is
// returned for logging but the abort itself has still happened
// locally.
func SendFault(channel transport.Channel, cipher *wire.Cipher, message string) error {
	return sendPacket(channel, cipher, wire.Fault{Message: message})
}

func sendPacket(channel transport.Channel, cipher *wire.Cipher, packet wire.Packet) error {
	encoded, err := wire.EncodePacket(packet)
	if err != nil {
		return err
	}
	frame, err := cipher.Seal(encoded)
	if err != nil {
		return err
	}
	return channel.Send([]byte(frame))
}

func assemble(chunks map[int][]byte, total int) ([]byte, error) {
	size := 0
	for seq := 0; seq < total; seq++ {
		data, present := chunks[seq]
		if !present {
			return nil, &MissingChunkError{Seq: seq}
		}
		size += len(data)
	}

	payload := make([]byte, 0, size)
	for seq := 0; seq < total; seq++ {
		payload = append(payload, chunks[seq]...)
	}
	return payload, nil
}

func channelCause(channel transport.Channel) error {
	if err := channel.Err(); err != nil {
		return err
	}
	return fmt.Errorf("peer closed the channel")
}
