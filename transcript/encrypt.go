// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/formbridge/formbridge/lib/secret"
)

// keySize is the XChaCha20-Poly1305 key length in bytes.
const keySize = chacha20poly1305.KeySize

// LoadMasterKey reads a hex-encoded 32-byte master key from path, or
// from stdin when path is "-". The returned buffer is the caller's to
// close.
func LoadMasterKey(path string) (*secret.Buffer, error) {
	encoded, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	defer encoded.Close()

	decoded := make([]byte, hex.DecodedLen(encoded.Len()))
	if _, err := hex.Decode(decoded, encoded.Bytes()); err != nil {
		secret.Zero(decoded)
		return nil, fmt.Errorf("master key is not hex encoded: %w", err)
	}
	if len(decoded) != keySize {
		secret.Zero(decoded)
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(decoded), keySize)
	}
	return secret.NewFromBytes(decoded)
}

// hkdfInfoFrameKey is the HKDF info prefix for per-transcript frame
// keys. Changing it invalidates every existing encrypted transcript.
var hkdfInfoFrameKey = []byte("formbridge.transcript.enc.v1")

// deriveTranscriptKey derives the per-transcript frame key from the
// master key and the transcript ID. The master key is borrowed, not
// consumed; the returned buffer is owned by the caller.
func deriveTranscriptKey(masterKey *secret.Buffer, transcriptID string) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoFrameKey)+len(transcriptID))
	info = append(info, hkdfInfoFrameKey...)
	info = append(info, transcriptID...)

	derived := make([]byte, keySize)
	reader := hkdf.New(sha256.New, masterKey.Bytes(), nil, info)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving transcript key: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// frameAAD builds the additional authenticated data binding a sealed
// frame to its transcript and position. Swapping frames between
// transcripts or reordering them within one fails authentication.
func frameAAD(transcriptID string, seq uint64) []byte {
	aad := make([]byte, 0, 1+len(transcriptID)+8)
	aad = append(aad, transcriptVersion)
	aad = append(aad, transcriptID...)
	return binary.BigEndian.AppendUint64(aad, seq)
}

// sealFrameBytes encrypts one plaintext frame body. The output is
// nonce || ciphertext with the Poly1305 tag appended.
func sealFrameBytes(plain []byte, key *secret.Buffer, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}

	sealed := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, sealed[:chacha20poly1305.NonceSizeX]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(sealed, sealed[:chacha20poly1305.NonceSizeX], plain, aad), nil
}

// openFrameBytes decrypts a frame sealed by sealFrameBytes.
func openFrameBytes(stored []byte, key *secret.Buffer, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	if len(stored) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("sealed frame too short: %d bytes", len(stored))
	}

	nonce := stored[:chacha20poly1305.NonceSizeX]
	ciphertext := stored[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.New("frame decryption failed (wrong key, tampered data, or misplaced frame)")
	}
	return plain, nil
}
