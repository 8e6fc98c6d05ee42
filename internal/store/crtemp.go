// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dblokhin/ctpeer/internal/digest"
)

// ErrDuplicateBlock is returned by WriteBlock when a block slot is already
// filled with different bytes (spec §4.2).
var ErrDuplicateBlock = errors.New("store: duplicate block with different bytes")

// ErrSizeMismatch is returned by WriteBlock when bytes has the wrong
// length for blockID.
var ErrSizeMismatch = errors.New("store: block size mismatch")

// ErrHashMismatch is returned by Finalize when the reassembled file does
// not hash to FileInfo.ContentHash (spec §4.2).
var ErrHashMismatch = errors.New("store: reassembled file hash mismatch")

// ErrNotHave is returned by ReadBlock when the block is not available from
// either a finalized file or an in-progress temp file.
var ErrNotHave = errors.New("store: block not available")

const pointerMissing int32 = -1

// TempHandle addresses an in-progress (or idempotently reopened) .crtemp
// download. The pointer table and packed block data both live on disk —
// TempHandle only carries the fixed geometry needed to compute offsets.
type TempHandle struct {
	store      *Store
	info       FileInfo
	blockSize  int
	blockCount int

	headerLen int64 // bytes in the "CRTEMP {n}\r\n" line
}

// tempPath returns the on-disk path of filename's .crtemp (spec §6:
// /crtemp/{name}.crtemp).
func (s *Store) tempPath(filename string) string {
	return filepath.Join(s.root, "crtemp", filename+".crtemp")
}

// FinalPath returns the on-disk path of filename's finalized form.
func (s *Store) FinalPath(filename string) string {
	return filepath.Join(s.root, filename)
}

// OpenTemp creates (or idempotently reopens) filename's .crtemp, with the
// pointer table initialized to -1 when creating (spec §4.2).
func (s *Store) OpenTemp(info FileInfo, blockSize int) (*TempHandle, error) {
	lock := s.fileLock(info.Filename)
	lock.Lock()
	defer lock.Unlock()

	blockCount := info.BlockCount(blockSize)
	header := fmt.Sprintf("CRTEMP %d\r\n", blockCount)

	h := &TempHandle{
		store:      s,
		info:       info,
		blockSize:  blockSize,
		blockCount: blockCount,
		headerLen:  int64(len(header)),
	}

	path := s.tempPath(info.Filename)
	if _, err := os.Stat(path); err == nil {
		return h, nil // idempotent: already open
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.WriteString(header); err != nil {
		return nil, err
	}

	pointers := make([]byte, blockCount*4)
	for i := 0; i < blockCount; i++ {
		binary.LittleEndian.PutUint32(pointers[i*4:], uint32(pointerMissing))
	}
	if _, err := f.Write(pointers); err != nil {
		return nil, err
	}

	if _, err := f.WriteString("\r\n\r\n"); err != nil {
		return nil, err
	}

	if info.FileSize > 0 {
		if err := f.Truncate(h.dataOffset() + info.FileSize); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// pointerTableSize is the width of the pointer table in bytes.
func (h *TempHandle) pointerTableSize() int64 {
	return int64(h.blockCount) * 4
}

// dataOffset is where packed block data begins within the .crtemp file.
func (h *TempHandle) dataOffset() int64 {
	return h.headerLen + h.pointerTableSize() + 4 // + "\r\n\r\n"
}

// pointerOffset is where blockID's pointer slot begins.
func (h *TempHandle) pointerOffset(blockID int) int64 {
	return h.headerLen + int64(blockID)*4
}

// blockGeometry returns the canonical offset and expected length of
// blockID within the target file.
func (h *TempHandle) blockGeometry(blockID int) (offset int64, length int) {
	offset = int64(blockID) * int64(h.blockSize)
	length = h.blockSize
	if remaining := h.info.FileSize - offset; remaining < int64(h.blockSize) {
		length = int(remaining)
	}
	return offset, length
}

func (h *TempHandle) readPointer(f *os.File, blockID int) (int32, error) {
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, h.pointerOffset(blockID)); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// WriteBlock appends blockID's bytes into the temp file's data region at
// its canonical offset and marks the pointer slot filled. A second write
// of identical bytes is a no-op; a second write of different bytes is
// ErrDuplicateBlock (spec §4.2).
func (h *TempHandle) WriteBlock(blockID int, data []byte) error {
	lock := h.store.fileLock(h.info.Filename)
	lock.Lock()
	defer lock.Unlock()

	if blockID < 0 || blockID >= h.blockCount {
		return fmt.Errorf("store: block id %d out of range [0,%d)", blockID, h.blockCount)
	}

	offset, wantLen := h.blockGeometry(blockID)
	if len(data) != wantLen {
		return ErrSizeMismatch
	}

	f, err := os.OpenFile(h.store.tempPath(h.info.Filename), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	ptr, err := h.readPointer(f, blockID)
	if err != nil {
		return err
	}

	if ptr != pointerMissing {
		existing := make([]byte, wantLen)
		if _, err := f.ReadAt(existing, h.dataOffset()+offset); err != nil {
			return err
		}

		for i := range existing {
			if existing[i] != data[i] {
				return ErrDuplicateBlock
			}
		}
		return nil // identical bytes: no-op
	}

	if _, err := f.WriteAt(data, h.dataOffset()+offset); err != nil {
		return err
	}

	ptrBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(ptrBuf, uint32(offset))
	if _, err := f.WriteAt(ptrBuf, h.pointerOffset(blockID)); err != nil {
		return err
	}

	return nil
}

// HasBlock reports whether blockID's pointer slot is filled.
func (h *TempHandle) HasBlock(blockID int) (bool, error) {
	lock := h.store.fileLock(h.info.Filename)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(h.store.tempPath(h.info.Filename))
	if err != nil {
		return false, err
	}
	defer f.Close()

	ptr, err := h.readPointer(f, blockID)
	if err != nil {
		return false, err
	}

	return ptr != pointerMissing, nil
}

// MissingBlocks returns the ids of every block whose pointer is -1.
func (h *TempHandle) MissingBlocks() ([]int, error) {
	lock := h.store.fileLock(h.info.Filename)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(h.store.tempPath(h.info.Filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var missing []int
	for i := 0; i < h.blockCount; i++ {
		ptr, err := h.readPointer(f, i)
		if err != nil {
			return nil, err
		}
		if ptr == pointerMissing {
			missing = append(missing, i)
		}
	}

	return missing, nil
}

// Finalize reassembles the temp file's blocks, verifies the digest, and
// renames it to its final path, deleting the .crtemp (spec §4.2). On
// ErrHashMismatch, the .crtemp is kept with every pointer reset to -1 so
// acquisition can restart (spec §4.6 "Failure model").
func (h *TempHandle) Finalize() error {
	lock := h.store.fileLock(h.info.Filename)
	lock.Lock()
	defer lock.Unlock()

	tempPath := h.store.tempPath(h.info.Filename)

	f, err := os.OpenFile(tempPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	for i := 0; i < h.blockCount; i++ {
		ptr, err := h.readPointer(f, i)
		if err != nil {
			f.Close()
			return err
		}
		if ptr == pointerMissing {
			f.Close()
			return fmt.Errorf("store: finalize called with block %d missing", i)
		}
	}

	body := make([]byte, h.info.FileSize)
	if h.info.FileSize > 0 {
		if _, err := f.ReadAt(body, h.dataOffset()); err != nil {
			f.Close()
			return err
		}
	}

	if digest.Sum(body) != h.info.ContentHash {
		if err := h.resetLocked(f); err != nil {
			f.Close()
			return err
		}
		f.Close()
		return ErrHashMismatch
	}

	f.Close()

	finalPath := h.store.FinalPath(h.info.Filename)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(finalPath, body, 0o644); err != nil {
		return err
	}

	return os.Remove(tempPath)
}

// resetLocked resets every pointer slot to -1, leaving the data region
// untouched (it will simply be overwritten as blocks are re-acquired).
func (h *TempHandle) resetLocked(f *os.File) error {
	pointers := make([]byte, h.pointerTableSize())
	for i := 0; i < h.blockCount; i++ {
		binary.LittleEndian.PutUint32(pointers[i*4:], uint32(pointerMissing))
	}

	_, err := f.WriteAt(pointers, h.headerLen)
	return err
}

// ReadBlock serves blockID's bytes from either a finalized file (offset
// computed from blockID*blockSize) or an open temp file whose pointer is
// set, or ErrNotHave (spec §4.2).
func (s *Store) ReadBlock(filename string, blockID, blockSize int, fileSize int64) ([]byte, error) {
	lock := s.fileLock(filename)
	lock.RLock()
	defer lock.RUnlock()

	offset := int64(blockID) * int64(blockSize)
	length := blockSize
	if remaining := fileSize - offset; remaining < int64(blockSize) {
		if remaining < 0 {
			return nil, ErrNotHave
		}
		length = int(remaining)
	}

	if f, err := os.Open(s.FinalPath(filename)); err == nil {
		defer f.Close()

		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		return buf, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.Open(s.tempPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotHave
		}
		return nil, err
	}
	defer f.Close()

	h := &TempHandle{blockSize: blockSize, info: FileInfo{FileSize: fileSize}}
	h.headerLen = int64(len(fmt.Sprintf("CRTEMP %d\r\n", (fileSize+int64(blockSize)-1)/int64(blockSize))))

	ptrBuf := make([]byte, 4)
	if _, err := f.ReadAt(ptrBuf, h.headerLen+int64(blockID)*4); err != nil {
		return nil, err
	}

	if int32(binary.LittleEndian.Uint32(ptrBuf)) == pointerMissing {
		return nil, ErrNotHave
	}

	blockCount := int((fileSize + int64(blockSize) - 1) / int64(blockSize))
	dataOffset := h.headerLen + int64(blockCount)*4 + 4

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, dataOffset+offset); err != nil {
		return nil, err
	}

	return buf, nil
}
