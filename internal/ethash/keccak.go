// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethash

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 digest of the
// concatenation of the provided byte slices.
func Keccak256(data ...[]byte) Hash256 {
	var h Hash256
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// Keccak512 returns the legacy (pre-NIST) Keccak-512 digest of the
// concatenation of the provided byte slices.
func Keccak512(data ...[]byte) Hash512 {
	var h Hash512
	d := sha3.NewLegacyKeccak512()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}
