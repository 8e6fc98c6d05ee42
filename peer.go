// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package ctpeer is the Cluster Transfer Protocol peer: a process that
// shares files with, and pulls files from, the other members of its
// cluster, coordinated by an external control server (spec §1, §2). Peer
// is the single entry point the rest of the packages in this module are
// assembled behind, the way the teacher's p2p.Syncer sat in front of its
// Blockchain/Mempool/PeersPool trio.
package ctpeer

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dblokhin/ctpeer/config"
	"github.com/dblokhin/ctpeer/internal/controlclient"
	"github.com/dblokhin/ctpeer/internal/ctp"
	"github.com/dblokhin/ctpeer/internal/digest"
	"github.com/dblokhin/ctpeer/internal/idshort"
	"github.com/dblokhin/ctpeer/internal/manifest"
	"github.com/dblokhin/ctpeer/internal/peerrt"
	"github.com/dblokhin/ctpeer/internal/peertable"
	"github.com/dblokhin/ctpeer/internal/store"
	"github.com/dblokhin/ctpeer/internal/syncengine"
)

// Peer is one running cluster member: its on-disk store, its manifest,
// its view of the rest of the cluster, and the CTP runtime and sync
// engine that keep all three current.
type Peer struct {
	cfg config.Config

	store    *store.Store
	manifest *manifest.Manifest
	peers    *peertable.Table
	rt       *peerrt.Runtime
	listener *peerrt.Listener
	control  *controlclient.Client
	engine   *syncengine.Engine

	// hashIndex resolves a content hash to the filename that produced it,
	// so BLOCK_REQUEST and CRINFO_REQUEST handlers can serve arbitrary
	// peers without them naming a filename directly (spec §4.1: block and
	// crinfo requests are addressed by content hash, not filename).
	hashIndex *hashIndex

	log *logrus.Entry
}

// New constructs a Peer from cfg, ensures its on-disk layout, binds its
// UDP socket, and starts its CTP listener. It does not join the cluster or
// run any sync cycles; call Update for that.
func New(cfg config.Config) (*Peer, error) {
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = config.DefaultWorkerPoolSize
	}
	if cfg.SyncConcurrency == 0 {
		cfg.SyncConcurrency = config.DefaultSyncConcurrency
	}

	if err := store.EnsureLayout(cfg.SharedDir); err != nil {
		return nil, fmt.Errorf("ctpeer: ensure layout: %w", err)
	}

	st := store.New(cfg.SharedDir)

	mf, err := manifest.New(cfg.SharedDir)
	if err != nil {
		return nil, fmt.Errorf("ctpeer: manifest: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("ctpeer: resolve bind addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ctpeer: listen udp: %w", err)
	}

	rt := peerrt.New(cfg.ClusterID, cfg.PeerID, conn, cfg.WorkerPoolSize)
	control := controlclient.New(cfg.ControlServerURL, config.ControlClientTimeout, config.ControlClientRetries)
	table := peertable.New(config.MaxPeerFailures)

	p := &Peer{
		cfg:       cfg,
		store:     st,
		manifest:  mf,
		peers:     table,
		rt:        rt,
		control:   control,
		hashIndex: newHashIndex(),
		log:       logrus.WithField("peer", idshort.Of(cfg.PeerID[:])),
	}

	for _, bp := range cfg.BootstrapPeers {
		p.peers.Add(bootstrapPeerID(bp), peertable.Address{IP: bp.IP, Port: bp.Port})
	}

	p.engine = syncengine.New(syncengine.Config{
		ClusterID:       cfg.ClusterID,
		SelfID:          cfg.PeerID,
		BlockSize:       config.BlockSize,
		SyncConcurrency: cfg.SyncConcurrency,
		RequestTimeout:  config.DefaultRequestTimeout,
		BlockRetries:    config.BlockAcquireRetries,
		DefaultPort:     config.DefaultPort,
	}, st, mf, table, rt, control)

	p.listener = rt.Listen(peerrt.Handlers{
		StatusRequest:   p.handleStatusRequest,
		BlockRequest:    p.handleBlockRequest,
		CrinfoRequest:   p.handleCrinfoRequest,
		ManifestRequest: p.handleManifestRequest,
		NewCrinfoNotif:  p.handleNewCrinfoNotif,
		Notification:    p.handleNotification,
		PeerlistPush:    p.handlePeerlistPush,
	})

	if err := p.rebuildHashIndex(); err != nil {
		p.log.WithError(err).Warn("ctpeer: hash index rebuild incomplete")
	}

	return p, nil
}

// Close stops the CTP listener and releases the UDP socket.
func (p *Peer) Close() {
	p.listener.Stop()
}

// Share makes filename (already present under the shared directory, at
// its final path) known to the rest of the cluster (spec §4.6 share()
// flow, §8 scenario S1).
func (p *Peer) Share(filename string) error {
	content, err := os.ReadFile(p.store.FinalPath(filename))
	if err != nil {
		return fmt.Errorf("ctpeer: share %s: %w", filename, err)
	}

	if err := p.engine.Share(filename, content); err != nil {
		return err
	}

	info, err := p.store.GetInfo(filename)
	if err == nil {
		p.hashIndex.put(info.ContentHash.String(), filename)
	}

	return nil
}

// Update runs one synchronization cycle: refresh the peer list, pull any
// manifest changes, and acquire any file the local store is still
// missing (spec §4.6 update() flow).
func (p *Peer) Update(ctx context.Context) error {
	return p.engine.Update(ctx)
}

// rebuildHashIndex populates the content-hash -> filename index from
// every .crinfo already on disk, so a freshly restarted peer can still
// serve BLOCK_REQUEST/CRINFO_REQUEST for files it already holds (spec §3
// Ownership model: "a peer restarting mid-transfer resumes from whatever
// .crinfo/.crtemp state it finds on disk").
func (p *Peer) rebuildHashIndex() error {
	entries := p.manifest.Entries()
	for _, filename := range entries {
		info, err := p.store.GetInfo(filename)
		if err != nil {
			continue
		}
		p.hashIndex.put(info.ContentHash.String(), filename)
	}
	return nil
}

func (p *Peer) handleStatusRequest(f ctp.Frame) ([]byte, error) {
	return []byte(fmt.Sprintf("%d", len(p.manifest.Entries()))), nil
}

func (p *Peer) handleCrinfoRequest(f ctp.Frame) ([]byte, error) {
	filename, err := ctp.ParseCrinfoRequestPayload(f.Payload)
	if err != nil {
		return nil, err
	}

	info, err := p.store.GetInfo(filename)
	if err != nil {
		return nil, err
	}

	return info.Bytes(), nil
}

func (p *Peer) handleManifestRequest(f ctp.Frame) ([]byte, error) {
	return p.manifest.Bytes(), nil
}

func (p *Peer) handleBlockRequest(f ctp.Frame) ([]byte, error) {
	fileHash, blockID, err := ctp.ParseBlockRequestPayload(f.Payload)
	if err != nil {
		return nil, err
	}

	filename, ok := p.hashIndex.get(fileHash)
	if !ok {
		return ctp.BlockResponsePayload(fileHash, blockID, ctp.BlockStatusMissing, nil), nil
	}

	info, err := p.store.GetInfo(filename)
	if err != nil {
		return ctp.BlockResponsePayload(fileHash, blockID, ctp.BlockStatusMissing, nil), nil
	}

	if int(blockID) >= info.BlockCount(config.BlockSize) {
		return ctp.BlockResponsePayload(fileHash, blockID, ctp.BlockStatusInvalid, nil), nil
	}

	data, err := p.store.ReadBlock(filename, int(blockID), config.BlockSize, info.FileSize)
	if err != nil {
		return ctp.BlockResponsePayload(fileHash, blockID, ctp.BlockStatusMissing, nil), nil
	}

	return ctp.BlockResponsePayload(fileHash, blockID, ctp.BlockStatusHave, data), nil
}

func (p *Peer) handleNewCrinfoNotif(f ctp.Frame) ([]byte, error) {
	filename, crinfo, err := ctp.ParseNewCrinfoNotifPayload(f.Payload)
	if err != nil {
		return nil, err
	}

	info, err := store.ParseFileInfo(filename, crinfo)
	if err != nil {
		return nil, err
	}

	if err := p.store.PutInfo(info); err != nil && err != store.ErrAlreadyExists {
		return nil, err
	}

	p.hashIndex.put(info.ContentHash.String(), filename)
	return nil, nil
}

func (p *Peer) handleNotification(f ctp.Frame) ([]byte, error) {
	// A peer told us its manifest changed (spec §4.6 share() flow step 4).
	// The next scheduled update() will pick it up; nothing to do inline.
	return []byte("ack"), nil
}

func (p *Peer) handlePeerlistPush(f ctp.Frame) ([]byte, error) {
	entries, err := ctp.ParsePeerList(f.Payload)
	if err != nil {
		return nil, nil // PEERLIST_PUSH is fire-and-forget; never respond
	}

	incoming := make(map[[32]byte]peertable.Address, len(entries))
	for _, e := range entries {
		id, err := digest.Parse(e.PeerID)
		if err != nil {
			continue
		}
		incoming[[32]byte(id)] = peertable.Address{IP: e.IP, Port: e.Port}
	}

	p.peers.Replace(incoming)
	return nil, nil
}

// bootstrapPeerID derives a placeholder peer ID for a bootstrap entry
// whose real ID is not yet known; it is replaced the moment that peer is
// seen in a control-server peer list (spec §4.4: peer_id is authoritative,
// address is not).
func bootstrapPeerID(bp config.BootstrapPeer) [32]byte {
	return digest.Sum([]byte(fmt.Sprintf("%s:%d", bp.IP, bp.Port)))
}
