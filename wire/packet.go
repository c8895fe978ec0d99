// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// packetKind is the one-byte tag ahead of each packet's CBOR body.
// Protocol constants: changing them breaks cross-device transfers.
type packetKind byte

const (
	kindMeta  packetKind = 0x01
	kindChunk packetKind = 0x02
	kindDone  packetKind = 0x03
	kindFault packetKind = 0x04
)

// Packet is the sum type of everything sent over the encrypted
// channel during a transfer. The concrete types are [Meta], [Chunk],
// [Done], and [Fault].
type Packet interface {
	kind() packetKind
}

// Meta announces an incoming transfer: how many chunks follow, the
// uncompressed snapshot size, and which compression encoding was
// applied before chunking. Sent exactly once, before the first chunk.
type Meta struct {
	// Total is the number of chunks in the transfer. Every sequence
	// number in [0, Total) must arrive before Done is valid.
	Total int `cbor:"n"`

	// Size is the snapshot size in bytes before compression. The
	// receiver verifies the decompressed result against it exactly.
	Size int `cbor:"s"`

	// Encoding is the compression applied to the snapshot.
	Encoding CompressionTag `cbor:"e"`
}

// Chunk carries one size-bounded slice of the (compressed) snapshot.
type Chunk struct {
	// Seq is the chunk's position, unique within a transfer and in
	// range [0, Meta.Total). Reassembly order follows Seq alone;
	// arrival order is irrelevant and duplicates overwrite.
	Seq int `cbor:"q"`

	// Data is the chunk contents.
	Data []byte `cbor:"d"`
}

// Done signals the end of the stream. Valid only once every sequence
// announced by Meta has been observed.
type Done struct{}

// Fault aborts the transfer with a human-readable cause from the
// remote side.
type Fault struct {
	Message string `cbor:"m"`
}

func (Meta) kind() packetKind  { return kindMeta }
func (Chunk) kind() packetKind { return kindChunk }
func (Done) kind() packetKind  { return kindDone }
func (Fault) kind() packetKind { return kindFault }

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same packet always
// produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are ignored for forward
// compatibility within a protocol revision.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodePacket serializes a packet as its kind tag followed by the
// CBOR body. The result is the plaintext input to [Cipher.Seal] —
// packets never travel unencrypted.
func EncodePacket(packet Packet) ([]byte, error) {
	body, err := encMode.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("encoding %T packet: %w", packet, err)
	}

	encoded := make([]byte, 0, 1+len(body))
	encoded = append(encoded, byte(packet.kind()))
	encoded = append(encoded, body...)
	return encoded, nil
}

// DecodePacket parses a kind-tagged CBOR packet. The switch over
// kinds is exhaustive; an unknown tag fails decoding rather than
// being skipped, because every packet carries protocol-critical
// sequencing.
func DecodePacket(encoded []byte) (Packet, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty packet")
	}

	kind, body := packetKind(encoded[0]), encoded[1:]
	switch kind {
	case kindMeta:
		var meta Meta
		if err := decMode.Unmarshal(body, &meta); err != nil {
			return nil, fmt.Errorf("decoding meta packet: %w", err)
		}
		return meta, nil
	case kindChunk:
		var chunk Chunk
		if err := decMode.Unmarshal(body, &chunk); err != nil {
			return nil, fmt.Errorf("decoding chunk packet: %w", err)
		}
		return chunk, nil
	case kindDone:
		var done Done
		if err := decMode.Unmarshal(body, &done); err != nil {
			return nil, fmt.Errorf("decoding done packet: %w", err)
		}
		return done, nil
	case kindFault:
		var fault Fault
		if err := decMode.Unmarshal(body, &fault); err != nil {
			return nil, fmt.Errorf("decoding fault packet: %w", err)
		}
		return fault, nil
	default:
		return nil, fmt.Errorf("unknown packet kind 0x%02x", byte(kind))
	}
}
