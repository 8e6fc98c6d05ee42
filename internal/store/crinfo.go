// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dblokhin/ctpeer/internal/digest"
)

// ErrAlreadyExists is returned by PutInfo when a filename is already
// present with a different content hash (spec §4.2).
var ErrAlreadyExists = errors.New("store: filename already exists with a different hash")

// ErrNotFound is returned by GetInfo for an unknown filename.
var ErrNotFound = errors.New("store: not found")

// FileInfo is the decoded form of a .crinfo file (spec §3).
type FileInfo struct {
	Filename    string
	FileSize    int64
	CreatedAt   time.Time
	ContentHash digest.Digest
}

// BlockCount returns ceil(FileSize / blockSize).
func (fi FileInfo) BlockCount(blockSize int) int {
	if fi.FileSize == 0 {
		return 0
	}

	return int((fi.FileSize + int64(blockSize) - 1) / int64(blockSize))
}

// Bytes serializes fi to the two-line CRINFO format (spec §3):
//
//	CRINFO {size} {unix_ts}\r\n
//	{hex_hash}
func (fi FileInfo) Bytes() []byte {
	return []byte(fmt.Sprintf("CRINFO %d %d\r\n%s", fi.FileSize, fi.CreatedAt.Unix(), fi.ContentHash.String()))
}

// ParseFileInfo decodes the CRINFO two-line format.
func ParseFileInfo(filename string, raw []byte) (FileInfo, error) {
	lines := strings.SplitN(string(raw), "\r\n", 2)
	if len(lines) != 2 {
		return FileInfo{}, errors.New("store: malformed crinfo")
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 3 || fields[0] != "CRINFO" {
		return FileInfo{}, errors.New("store: malformed crinfo header")
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return FileInfo{}, fmt.Errorf("store: malformed crinfo size: %w", err)
	}

	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return FileInfo{}, fmt.Errorf("store: malformed crinfo timestamp: %w", err)
	}

	hash, err := digest.Parse(strings.TrimSpace(lines[1]))
	if err != nil {
		return FileInfo{}, fmt.Errorf("store: malformed crinfo hash: %w", err)
	}

	return FileInfo{
		Filename:    filename,
		FileSize:    size,
		CreatedAt:   time.Unix(ts, 0),
		ContentHash: hash,
	}, nil
}

// crinfoPath returns the on-disk path of filename's .crinfo under root
// (spec §6: /crinfo/{name}.crinfo).
func (s *Store) crinfoPath(filename string) string {
	return filepath.Join(s.root, "crinfo", filename+".crinfo")
}

// PutInfo writes filename's .crinfo atomically (write-temp-then-rename).
// It fails with ErrAlreadyExists if an info file for filename is already
// present with a different content hash (spec §4.2).
func (s *Store) PutInfo(info FileInfo) error {
	lock := s.fileLock(info.Filename)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.getInfoLocked(info.Filename); err == nil {
		if existing.ContentHash != info.ContentHash {
			return ErrAlreadyExists
		}
		return nil
	}

	path := s.crinfoPath(info.Filename)
	tmp := path + ".tmp"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(tmp, info.Bytes(), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// GetInfo reads filename's FileInfo, or ErrNotFound.
func (s *Store) GetInfo(filename string) (FileInfo, error) {
	lock := s.fileLock(filename)
	lock.RLock()
	defer lock.RUnlock()

	return s.getInfoLocked(filename)
}

func (s *Store) getInfoLocked(filename string) (FileInfo, error) {
	raw, err := os.ReadFile(s.crinfoPath(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, err
	}

	return ParseFileInfo(filename, raw)
}
