// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression applied to the snapshot
// before chunking. Carried in the Meta packet (1 byte). Protocol
// constants — changing them breaks cross-device transfers.
type CompressionTag uint8

const (
	// EncodingPlain indicates an uncompressed snapshot. Selected when
	// compression does not actually shrink the data.
	EncodingPlain CompressionTag = 0

	// EncodingZstd indicates zstd at the default level. The snapshot
	// is JSON — message bodies, contact records, relay lists — which
	// zstd typically shrinks several-fold, directly cutting transfer
	// time on the paced channel.
	EncodingZstd CompressionTag = 1

	// EncodingLZ4 indicates LZ4 block compression. Chosen when the
	// snapshot compresses only modestly, where zstd's extra CPU buys
	// little.
	EncodingLZ4 CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case EncodingPlain:
		return "plain"
	case EncodingZstd:
		return "zstd"
	case EncodingLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressPayload compresses a snapshot for transfer, choosing the
// encoding by probing: zstd when it clearly pays off, LZ4 for modest
// gains, plain when the data is incompressible (already-compressed
// attachments dominate some snapshots). Returns the bytes to chunk
// and the tag to announce in Meta.
func CompressPayload(payload []byte) ([]byte, CompressionTag) {
	if len(payload) == 0 {
		return payload, EncodingPlain
	}

	compressed := zstdEncoder.EncodeAll(payload, nil)
	ratio := float64(len(payload)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return compressed, EncodingZstd

	case ratio >= 1.1:
		// Worth compressing, but not by enough to justify zstd's
		// decode cost on a phone-class receiving device.
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil || written == 0 || written >= len(payload) {
			return compressed, EncodingZstd
		}
		return destination[:written], EncodingLZ4

	default:
		return payload, EncodingPlain
	}
}

// DecompressPayload reverses CompressPayload. The uncompressedSize
// from the Meta packet must match the result length exactly — a
// mismatch means the transfer was corrupted or truncated and is an
// error, never a silently short snapshot.
func DecompressPayload(data []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case EncodingPlain:
		if len(data) != uncompressedSize {
			return nil, fmt.Errorf("plain payload: size %d does not match expected %d", len(data), uncompressedSize)
		}
		return data, nil

	case EncodingZstd:
		destination := make([]byte, 0, uncompressedSize)
		result, err := zstdDecoder.DecodeAll(data, destination)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	case EncodingLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", uint8(tag))
	}
}
