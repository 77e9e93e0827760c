// Package util provides shared utility functions.
package util

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// HashROM returns the blake3 digest identifying a ROM image.
func HashROM(rom []byte) [32]byte {
	return blake3.Sum256(rom)
}

// Checksum32 truncates the blake3 digest of state to its first four bytes.
// It guards snapshots against silent corruption and is what peers exchange
// for desync detection, so every peer must compute it identically.
func Checksum32(state []byte) uint32 {
	sum := blake3.Sum256(state)
	return binary.BigEndian.Uint32(sum[:4])
}

// Fingerprint64 folds a 32-byte digest into the 8-byte form carried in every
// datagram header.
func Fingerprint64(digest [32]byte) uint64 {
	return binary.BigEndian.Uint64(digest[:8])
}
