// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"github.com/zeebo/blake3"
)

// chainHash is a 32-byte BLAKE3 digest linking each frame to every
// frame before it. The seal frame carries the final chain head;
// verification recomputes the chain and compares.
type chainHash [32]byte

// chainDomainKey is the BLAKE3 key for chain hashing. It is a fixed
// constant — changing it invalidates the seals of all existing
// transcripts. The byte values are the ASCII encoding of the domain
// name, zero-padded to 32 bytes, so the key is inspectable in hex
// dumps without sacrificing any cryptographic property.
var chainDomainKey = [32]byte{
	'f', 'o', 'r', 'm', 'b', 'r', 'i', 'd', 'g', 'e', '.', 't', 'r', 'a', 'n', 's',
	'c', 'r', 'i', 'p', 't', '.', 'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0,
}

// chainGenesis computes the chain head for an empty transcript from
// the encoded file header. Binding the genesis to the header means a
// seal also authenticates the transcript ID and creation time.
func chainGenesis(headerBytes []byte) chainHash {
	return chainKeyedHash(headerBytes, nil)
}

// chainNext extends the chain over one stored frame. The frame bytes
// are hashed as written to disk (after compression and encryption),
// so verification never needs the frame key.
func chainNext(previous chainHash, storedFrame []byte) chainHash {
	return chainKeyedHash(previous[:], storedFrame)
}

// chainKeyedHash computes the keyed BLAKE3 hash of first||second.
func chainKeyedHash(first, second []byte) chainHash {
	// NewKeyed requires exactly 32 bytes, which chainDomainKey
	// guarantees, so this cannot fail.
	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("transcript: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(first)
	hasher.Write(second)
	var hash chainHash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
