// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the per-frame compression algorithm. The
// tag is the first byte of every plaintext frame body. These values
// are protocol constants.
type compressionTag uint8

const (
	// compressionNone stores the payload unchanged. Chosen when the
	// frame does not shrink enough to pay for decompression.
	compressionNone compressionTag = 0

	// compressionLZ4 is LZ4 block compression: modest ratios, very
	// cheap decode.
	compressionLZ4 compressionTag = 1

	// compressionZstd is zstd at the default level: better ratios
	// for the text-heavy frames (instructions, error details).
	compressionZstd compressionTag = 2
)

func (tag compressionTag) String() string {
	switch tag {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// parseCompression maps a configured codec name to the ceiling passed
// to compressFrame. Empty selects zstd.
func parseCompression(name string) (compressionTag, error) {
	switch name {
	case "", "zstd":
		return compressionZstd, nil
	case "lz4":
		return compressionLZ4, nil
	case "none":
		return compressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// Selection thresholds on the zstd probe ratio. At or above
// zstdRatio the zstd output is kept; between lz4Ratio and zstdRatio
// the cheaper LZ4 is preferred; below lz4Ratio the frame is stored
// raw.
const (
	zstdRatio = 1.5
	lz4Ratio  = 1.1
)

// zstdEncoder and zstdDecoder are shared across frames; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transcript: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transcript: zstd decoder initialization failed: " + err.Error())
	}
}

// compressFrame compresses one frame payload, choosing the algorithm
// by probing with zstd. ceiling caps the choice: compressionLZ4
// forgoes zstd even when the probe favors it, compressionNone stores
// every frame raw. It always succeeds: payloads that do not compress
// are returned unchanged under compressionNone.
func compressFrame(payload []byte, ceiling compressionTag) ([]byte, compressionTag) {
	if len(payload) == 0 || ceiling == compressionNone {
		return payload, compressionNone
	}

	probed := zstdEncoder.EncodeAll(payload, nil)
	ratio := float64(len(payload)) / float64(len(probed))

	switch {
	case ratio >= zstdRatio && ceiling == compressionZstd:
		return probed, compressionZstd

	case ratio >= lz4Ratio:
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		// CompressBlock reports incompressible input as written == 0.
		if err != nil || written == 0 || written >= len(payload) {
			return payload, compressionNone
		}
		return destination[:written], compressionLZ4

	default:
		return payload, compressionNone
	}
}

// decompressFrame reverses compressFrame. payloadSize must match the
// original payload length exactly; a mismatch is corruption.
func decompressFrame(compressed []byte, tag compressionTag, payloadSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(compressed) != payloadSize {
			return nil, fmt.Errorf("raw frame is %d bytes, header declares %d",
				len(compressed), payloadSize)
		}
		return compressed, nil

	case compressionLZ4:
		destination := make([]byte, payloadSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != payloadSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, payloadSize)
		}
		return destination, nil

	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, payloadSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != payloadSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), payloadSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}
