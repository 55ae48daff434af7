// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/secret"
)

// maxStoredFrame bounds the on-disk frame body: the payload bound
// plus framing and AEAD overhead.
const maxStoredFrame = maxFrameSize + 64

// Transcript is a fully decoded transcript file.
type Transcript struct {
	// TranscriptID is the random identifier from the file header.
	TranscriptID string

	// CreatedAt is when the recorder was started.
	CreatedAt time.Time

	// Encrypted reports whether the frames were AEAD sealed.
	Encrypted bool

	// Sealed reports whether the file ends with a verified seal
	// frame. An unsealed transcript is readable but its completeness
	// cannot be proven: the process died before Close.
	Sealed bool

	// Truncated reports that the file ends mid-frame. The events
	// before the tear are still returned.
	Truncated bool

	// SealedAt is the seal frame timestamp. Zero unless Sealed.
	SealedAt time.Time

	// Events holds the recorded events in write order.
	Events []bridge.Event
}

// ReadFile decodes and verifies a transcript file. key is the master
// key for encrypted transcripts and ignored for plaintext ones; it is
// borrowed, not consumed.
//
// A missing seal or a torn final frame is not an error — that is what
// a crash leaves behind, and the surviving events are the point of
// reading. Anything that indicates the bytes changed after writing
// (chain mismatch, failed decryption, undecodable frames, data after
// the seal) is an error.
func ReadFile(path string, key *secret.Buffer) (*Transcript, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	defer file.Close()
	return readTranscript(bufio.NewReaderSize(file, 64*1024), key)
}

func readTranscript(reader *bufio.Reader, key *secret.Buffer) (*Transcript, error) {
	// Fixed prefix: magic, version, flags, header record length.
	prefix := make([]byte, len(transcriptMagic)+2+4)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, fmt.Errorf("transcript: reading header: %w", err)
	}
	if !bytes.Equal(prefix[:4], transcriptMagic[:]) {
		return nil, errors.New("transcript: not a transcript file")
	}
	if prefix[4] != transcriptVersion {
		return nil, fmt.Errorf("transcript: unsupported version %d", prefix[4])
	}
	flags := prefix[5]

	recordSize := binary.BigEndian.Uint32(prefix[6:10])
	if recordSize == 0 || recordSize > maxHeaderSize {
		return nil, fmt.Errorf("transcript: header record length %d out of range", recordSize)
	}
	headerRecord := make([]byte, recordSize)
	if _, err := io.ReadFull(reader, headerRecord); err != nil {
		return nil, fmt.Errorf("transcript: reading header: %w", err)
	}
	var header fileHeader
	if err := decMode.Unmarshal(headerRecord, &header); err != nil {
		return nil, fmt.Errorf("transcript: decoding header: %w", err)
	}

	result := &Transcript{
		TranscriptID: header.TranscriptID,
		CreatedAt:    time.Unix(0, header.CreatedAt).UTC(),
		Encrypted:    flags&flagEncrypted != 0,
	}

	var frameKey *secret.Buffer
	if result.Encrypted {
		if key == nil {
			return nil, errors.New("transcript: file is encrypted and no key was given")
		}
		if key.Len() != keySize {
			return nil, fmt.Errorf("transcript: master key is %d bytes, want %d", key.Len(), keySize)
		}
		derived, err := deriveTranscriptKey(key, header.TranscriptID)
		if err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}
		frameKey = derived
		defer frameKey.Close()
	}

	// The chain genesis covers the full encoded header, so the seal
	// also authenticates the transcript ID and creation time.
	headerBytes := make([]byte, 0, len(prefix)+len(headerRecord))
	headerBytes = append(headerBytes, prefix...)
	headerBytes = append(headerBytes, headerRecord...)
	chain := chainGenesis(headerBytes)

	var seq uint64
	for {
		var lengthPrefix [4]byte
		_, err := io.ReadFull(reader, lengthPrefix[:])
		if err == io.EOF {
			break
		}
		if result.Sealed {
			return nil, errors.New("transcript: data after seal")
		}
		if err != nil {
			result.Truncated = true
			break
		}

		length := binary.BigEndian.Uint32(lengthPrefix[:])
		if length == 0 || length > maxStoredFrame {
			return nil, fmt.Errorf("transcript: frame %d length %d out of range", seq, length)
		}
		stored := make([]byte, length)
		if _, err := io.ReadFull(reader, stored); err != nil {
			result.Truncated = true
			break
		}

		record, err := parseFrame(stored, frameKey, header.TranscriptID, seq)
		if err != nil {
			return nil, fmt.Errorf("transcript: %w", err)
		}

		if record.Kind == sealKind {
			if record.FrameCount != seq {
				return nil, fmt.Errorf("transcript: seal declares %d frames, file has %d",
					record.FrameCount, seq)
			}
			if !bytes.Equal(record.ChainHead, chain[:]) {
				return nil, errors.New("transcript: chain head mismatch, file was modified after writing")
			}
			result.Sealed = true
			result.SealedAt = time.Unix(0, record.Time).UTC()
			continue
		}

		result.Events = append(result.Events, frameEvent(record))
		chain = chainNext(chain, stored)
		seq++
	}

	return result, nil
}
