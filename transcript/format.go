// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/secret"
)

// File format constants. These values are protocol constants —
// changing them breaks transcript compatibility.
var transcriptMagic = [4]byte{'F', 'B', 'T', 'R'}

const (
	transcriptVersion byte = 0x01

	// flagEncrypted marks frames as XChaCha20-Poly1305 sealed.
	flagEncrypted byte = 0x01
)

// maxFrameSize bounds a single frame (and its decompressed payload).
// Bridge events are a few hundred bytes; the bound only exists so a
// corrupted length prefix cannot drive unbounded allocation.
const maxFrameSize = 1 << 20

// maxHeaderSize bounds the plaintext file header record.
const maxHeaderSize = 4 << 10

// sealKind is the Kind of the final frame. It is distinct from every
// bridge.EventKind.
const sealKind = "seal"

// fileHeader is the plaintext header record after the magic. It stays
// readable without the key: the transcript id feeds key derivation.
type fileHeader struct {
	TranscriptID string `cbor:"transcript_id"`
	CreatedAt    int64  `cbor:"created_at"`
}

// eventFrame is the CBOR record inside each frame. Ordinary frames
// mirror one bridge.Event; the seal frame sets Kind to sealKind and
// carries the chain head instead.
type eventFrame struct {
	Seq          uint64 `cbor:"seq"`
	Kind         string `cbor:"kind"`
	Time         int64  `cbor:"time"`
	SessionID    string `cbor:"session_id,omitempty"`
	RequestID    string `cbor:"request_id,omitempty"`
	RequestType  string `cbor:"request_type,omitempty"`
	ResponseType string `cbor:"response_type,omitempty"`
	ErrorCode    string `cbor:"error_code,omitempty"`
	Detail       string `cbor:"detail,omitempty"`

	// Seal fields.
	FrameCount uint64 `cbor:"frame_count,omitempty"`
	ChainHead  []byte `cbor:"chain_head,omitempty"`
}

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. The hash chain depends on same-data-same-bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transcript: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transcript: CBOR decoder initialization failed: " + err.Error())
	}
}

// recordFrame converts a bridge event into its frame record.
func recordFrame(event bridge.Event, seq uint64) eventFrame {
	return eventFrame{
		Seq:          seq,
		Kind:         string(event.Kind),
		Time:         event.Time.UnixNano(),
		SessionID:    event.SessionID,
		RequestID:    event.RequestID,
		RequestType:  event.RequestType,
		ResponseType: event.ResponseType,
		ErrorCode:    string(event.ErrorCode),
		Detail:       event.Detail,
	}
}

// frameEvent converts a decoded frame record back to a bridge event.
func frameEvent(record *eventFrame) bridge.Event {
	return bridge.Event{
		Kind:         bridge.EventKind(record.Kind),
		Time:         time.Unix(0, record.Time).UTC(),
		SessionID:    record.SessionID,
		RequestID:    record.RequestID,
		RequestType:  record.RequestType,
		ResponseType: record.ResponseType,
		ErrorCode:    bridge.Code(record.ErrorCode),
		Detail:       record.Detail,
	}
}

// buildFrame runs the write pipeline for one record: deterministic
// CBOR, per-frame compression behind a 1-byte tag and u32 plaintext
// size, then AEAD sealing when key is non-nil. The result is the
// stored frame body (length prefix excluded).
func buildFrame(record eventFrame, key *secret.Buffer, transcriptID string, seq uint64, ceiling compressionTag) ([]byte, error) {
	payload, err := encMode.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding frame %d: %w", seq, err)
	}

	compressed, tag := compressFrame(payload, ceiling)
	plain := make([]byte, 5+len(compressed))
	plain[0] = byte(tag)
	binary.BigEndian.PutUint32(plain[1:5], uint32(len(payload)))
	copy(plain[5:], compressed)

	if key == nil {
		return plain, nil
	}
	stored, err := sealFrameBytes(plain, key, frameAAD(transcriptID, seq))
	if err != nil {
		return nil, fmt.Errorf("sealing frame %d: %w", seq, err)
	}
	return stored, nil
}

// parseFrame reverses buildFrame. The seq is the frame's position in
// the file; for encrypted transcripts it participates in the AAD, so
// a frame moved to another position fails authentication.
func parseFrame(stored []byte, key *secret.Buffer, transcriptID string, seq uint64) (*eventFrame, error) {
	plain := stored
	if key != nil {
		opened, err := openFrameBytes(stored, key, frameAAD(transcriptID, seq))
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", seq, err)
		}
		plain = opened
	}

	if len(plain) < 5 {
		return nil, fmt.Errorf("frame %d is %d bytes, minimum is 5", seq, len(plain))
	}
	tag := compressionTag(plain[0])
	payloadSize := binary.BigEndian.Uint32(plain[1:5])
	if payloadSize > maxFrameSize {
		return nil, fmt.Errorf("frame %d declares %d payload bytes, maximum is %d",
			seq, payloadSize, maxFrameSize)
	}

	payload, err := decompressFrame(plain[5:], tag, int(payloadSize))
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", seq, err)
	}

	var record eventFrame
	if err := decMode.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decoding frame %d: %w", seq, err)
	}
	if record.Seq != seq {
		return nil, fmt.Errorf("frame at position %d carries seq %d", seq, record.Seq)
	}
	return &record, nil
}

// encodeHeader builds the byte prefix of a transcript file: magic,
// version, flags, and the length-prefixed header record.
func encodeHeader(header fileHeader, flags byte) ([]byte, error) {
	record, err := encMode.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding transcript header: %w", err)
	}
	out := make([]byte, 0, len(transcriptMagic)+2+4+len(record))
	out = append(out, transcriptMagic[:]...)
	out = append(out, transcriptVersion, flags)
	out = binary.BigEndian.AppendUint32(out, uint32(len(record)))
	out = append(out, record...)
	return out, nil
}
