// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package digest provides the fixed-width, collision-resistant digest the
// rest of the cluster treats as opaque bytes (spec §1, §3).
package digest

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidLength is returned by Parse when the hex string does not decode
// to exactly Size bytes.
var ErrInvalidLength = errors.New("digest: invalid hex length")

// Size is the width in bytes of every digest this package produces:
// file content hashes, manifest hashes, cluster IDs and peer IDs are all
// Size-byte values.
const Size = 32

// Digest is an opaque, fixed-width identifier.
type Digest [Size]byte

// String returns the hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Sum computes the digest of b.
func Sum(b []byte) Digest {
	return Digest(blake2b.Sum256(b))
}

// Parse decodes a hex string into a Digest.
func Parse(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}

	var d Digest
	if len(raw) != Size {
		return d, ErrInvalidLength
	}

	copy(d[:], raw)
	return d, nil
}
