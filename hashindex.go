// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package ctpeer

import "sync"

// hashIndex resolves a content hash (as carried in BLOCK_REQUEST and
// CRINFO_REQUEST payloads) back to the filename the peer knows it by
// (spec §4.1: requests address content by hash, the store addresses it
// by filename).
type hashIndex struct {
	mu sync.RWMutex
	m  map[string]string
}

func newHashIndex() *hashIndex {
	return &hashIndex{m: make(map[string]string)}
}

func (h *hashIndex) put(hash, filename string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[hash] = filename
}

func (h *hashIndex) get(hash string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	name, ok := h.m[hash]
	return name, ok
}
