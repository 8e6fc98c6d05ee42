// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package idshort derives short, log-friendly identifiers from the
// full-width peer/cluster/content digests, the same way consensus.Hash
// derives a ShortID for block hashes and commitments in the teacher repo.
package idshort

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/dchest/siphash"
)

// key0/key1 are fixed siphash keys: these IDs only need to be stable and
// short for log correlation, never collision-resistant across processes.
const (
	key0 = 0x636c7573746572fe
	key1 = 0x706565722d736861
)

// Of returns a 4-byte short identifier for display in log lines.
func Of(full []byte) string {
	h := siphash.Hash(key0, key1, full)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h)

	return hex.EncodeToString(buf[:4])
}
