// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package config holds the cluster-wide constants and the per-process
// configuration a peer is started with, the way the teacher's consensus
// package holds chain-wide constants.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// BlockSize is the cluster-wide fixed block size in bytes (spec §3,
	// §9 open question). A frame payload holds at most 1331 bytes; with a
	// 64-hex-char content hash, a BLOCK_RESPONSE's
	// "{hash}-{id}-{status}\r\n\r\n" framing takes up to 81 of them, which
	// leaves about 1250 bytes for block data, well above this size.
	BlockSize = 1024

	// DefaultPort is the default CTP UDP port (spec §6).
	DefaultPort = 6969

	// MaxDatagramSize mirrors ctp.MaxDatagramSize; restated here so callers
	// configuring sockets don't need to import the protocol package.
	MaxDatagramSize = 1400

	// DefaultRequestTimeout is send_request's default timeout (spec §4.5).
	DefaultRequestTimeout = 3 * time.Second

	// DefaultRetries is send_request's default retry count (spec §4.5).
	DefaultRetries = 0

	// DefaultWorkerPoolSize is the handler worker pool size (spec §4.5/§5).
	DefaultWorkerPoolSize = 16

	// DefaultSyncConcurrency bounds concurrent per-file acquisitions
	// during an update cycle (spec §4.6 step 2).
	DefaultSyncConcurrency = 8

	// MaxPeerFailures is R, the consecutive-timeout threshold that moves a
	// peer record from ALIVE to SUSPECT (spec §3).
	MaxPeerFailures = 3

	// BlockAcquireRetries is the retry count used for each peer tried
	// during block acquisition (spec §4.6 step 1).
	BlockAcquireRetries = 2

	// ControlClientTimeout is the fixed per-call timeout for the
	// control-server HTTP client (spec §4.7).
	ControlClientTimeout = 5 * time.Second

	// ControlClientRetries is the retry count for control-server calls
	// (spec §4.7: "one retry").
	ControlClientRetries = 1

	// ManifestPollInterval paces the periodic manifest-hash poll trigger
	// (spec §4.6 trigger (c)).
	ManifestPollInterval = 30 * time.Second
)

// Config is the assembled configuration a Peer is constructed from.
type Config struct {
	// ClusterID identifies the cluster this peer belongs to.
	ClusterID [32]byte
	// PeerID identifies this peer within the cluster.
	PeerID [32]byte

	// BindAddr is the local UDP address the CTP runtime listens on.
	BindAddr string

	// SharedDir is the root of the peer's owned directory tree (spec §3).
	SharedDir string

	// ControlServerURL is the base URL of the cluster's control server.
	ControlServerURL string

	// BootstrapPeers seeds the peer table before the first control-server
	// peer-list refresh.
	BootstrapPeers []BootstrapPeer

	WorkerPoolSize  int
	SyncConcurrency int
}

// BootstrapPeer is one entry of a bootstrap peer-list file.
type BootstrapPeer struct {
	IP   string
	Port int
}

// LoadBootstrapPeers parses a bootstrap peer-list file: one "ip:port" per
// line, blank lines and "#"-prefixed comments ignored. This is CLI-adjacent
// plumbing (spec §1 Non-goals), kept minimal.
func LoadBootstrapPeers(path string) ([]BootstrapPeer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var peers []BootstrapPeer

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		host, portStr, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed bootstrap peer line %q", line)
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: malformed bootstrap peer port in %q: %w", line, err)
		}

		peers = append(peers, BootstrapPeer{IP: host, Port: port})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return peers, nil
}
