// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Fixed width digest sizes, in bytes.
const (
	Hash256Size  = 32
	Hash512Size  = 64
	Hash1024Size = 128
	Hash2048Size = 256
)

// Hash256 is a 256-bit digest. When interpreted numerically (boundary
// comparisons) bytes are big-endian, when interpreted as a word sequence
// (mixing) words are little-endian.
type Hash256 [Hash256Size]byte

// Hash512 is a 512-bit digest, the light cache item width.
type Hash512 [Hash512Size]byte

// Hash1024 is a 1024-bit digest, the full dataset item width.
type Hash1024 [Hash1024Size]byte

// Hash2048 is a 2048-bit digest, two sequential full dataset items. It is
// the access width of the mixing loop.
type Hash2048 [Hash2048Size]byte

// HashFromBytes creates a Hash256 from the provided bytes. The input must
// be exactly Hash256Size bytes.
func HashFromBytes(b []byte) (Hash256, error) {
	var h Hash256
	if len(b) != Hash256Size {
		desc := fmt.Sprintf("invalid hash length of %d, expected %d",
			len(b), Hash256Size)
		return h, errorf(ErrWrongInputLength, desc)
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex creates a Hash256 from the provided hex string. An optional
// 0x prefix is allowed.
func HashFromHex(s string) (Hash256, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash256{}, errorf(ErrDecode, "invalid hash hex: "+err.Error())
	}
	return HashFromBytes(b)
}

// String returns the hash as a hex string.
func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns whether the hash is all zero bytes. The zero header is the
// canonical "no work" sentinel.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// Cmp compares two hashes byte-wise as big-endian numbers. It returns -1,
// 0 or 1 when h is respectively below, equal to or above the other hash.
func (h Hash256) Cmp(other Hash256) int {
	return bytes.Compare(h[:], other[:])
}

// Upper64 returns the most significant 64 bits of the hash interpreted as
// a big-endian number. Search kernels compare candidates against this
// truncated target.
func (h Hash256) Upper64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

// Word returns the i'th little-endian 32-bit word of the hash.
func (h *Hash512) Word(i uint32) uint32 {
	return binary.LittleEndian.Uint32(h[i*4:])
}

// SetWord sets the i'th little-endian 32-bit word of the hash.
func (h *Hash512) SetWord(i uint32, v uint32) {
	binary.LittleEndian.PutUint32(h[i*4:], v)
}

// Word returns the i'th little-endian 32-bit word of the hash.
func (h *Hash1024) Word(i uint32) uint32 {
	return binary.LittleEndian.Uint32(h[i*4:])
}

// Word returns the i'th little-endian 32-bit word of the hash.
func (h *Hash2048) Word(i uint32) uint32 {
	return binary.LittleEndian.Uint32(h[i*4:])
}

// xorHashes returns the byte-wise xor of two hashes.
func xorHashes(a *Hash512, b *Hash512) Hash512 {
	var out Hash512
	for i := 0; i < Hash512Size; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
