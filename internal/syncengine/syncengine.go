// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package syncengine drives the two flows a peer repeats for as long as it
// runs (spec §4.6): share(), which publishes a locally-added file to the
// cluster, and update(), which pulls the manifest, acquires any files the
// local store is missing, and reports unresponsive peers. It generalizes
// the teacher's Syncer (p2p/sync.go), which drove a Blockchain/Mempool pair
// through a PeersPool, into one that drives a store/manifest pair through a
// peertable/peerrt/controlclient trio.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dblokhin/ctpeer/internal/controlclient"
	"github.com/dblokhin/ctpeer/internal/ctp"
	"github.com/dblokhin/ctpeer/internal/digest"
	"github.com/dblokhin/ctpeer/internal/idshort"
	"github.com/dblokhin/ctpeer/internal/manifest"
	"github.com/dblokhin/ctpeer/internal/peerrt"
	"github.com/dblokhin/ctpeer/internal/peertable"
	"github.com/dblokhin/ctpeer/internal/store"
)

// ErrTemporarilyUnavailable is returned by acquireFile when every known
// peer and the control-server creator fallback failed to produce a
// missing block; the caller should simply retry on the next update cycle
// (spec §4.6 "Failure model").
var ErrTemporarilyUnavailable = errors.New("syncengine: file temporarily unavailable")

// Config bundles an Engine's tunables, mirroring config.Config's
// syncengine-relevant fields so the engine doesn't import the root config
// package (avoiding an import cycle with the peer façade).
type Config struct {
	ClusterID       [32]byte
	SelfID          [32]byte
	BlockSize       int
	SyncConcurrency int
	RequestTimeout  time.Duration
	BlockRetries    int
	DefaultPort     int
}

// Engine composes the store, manifest, peer table, CTP runtime, and
// control-server client into the two flows spec §4.6 describes.
type Engine struct {
	cfg Config

	store    *store.Store
	manifest *manifest.Manifest
	peers    *peertable.Table
	rt       *peerrt.Runtime
	control  *controlclient.Client

	log *logrus.Entry
}

// New returns an Engine ready to Share and Update.
func New(cfg Config, st *store.Store, mf *manifest.Manifest, peers *peertable.Table, rt *peerrt.Runtime, control *controlclient.Client) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		manifest: mf,
		peers:    peers,
		rt:       rt,
		control:  control,
		log:      logrus.WithField("peer", idshort.Of(cfg.SelfID[:])),
	}
}

// Share publishes filename, whose bytes have already been written under
// the store's final path, to the cluster: it writes the .crinfo, appends
// the filename to the control server's manifest and the local manifest,
// then notifies known peers so they can pull it proactively (spec §4.6
// share() flow, §8 scenario S1).
func (e *Engine) Share(filename string, content []byte) error {
	info := store.FileInfo{
		Filename:    filename,
		FileSize:    int64(len(content)),
		CreatedAt:   time.Now(),
		ContentHash: digest.Sum(content),
	}

	if err := e.store.PutInfo(info); err != nil {
		return fmt.Errorf("syncengine: share %s: %w", filename, err)
	}

	if _, err := e.manifest.Merge([]string{filename}); err != nil {
		return fmt.Errorf("syncengine: share %s: local manifest merge: %w", filename, err)
	}

	if _, err := e.control.AppendManifest(digestHex(e.cfg.ClusterID), filename); err != nil {
		e.log.WithError(err).Warn("syncengine: control-server manifest append failed, continuing locally")
	}

	e.broadcastManifestUpdate()

	return nil
}

// broadcastManifestUpdate sends a best-effort NOTIFICATION to every known
// peer telling them the manifest changed (spec §4.6 share() flow step 4).
// Failures are logged, not propagated: notification is an optimization,
// not a correctness requirement, since update()'s periodic poll (trigger
// (c)) will eventually pick up the change regardless.
func (e *Engine) broadcastManifestUpdate() {
	for _, p := range e.peers.Snapshot() {
		addr := peerrt.Address{IP: p.Address.IP, Port: p.Address.Port}
		go func(peerID [32]byte, addr peerrt.Address) {
			_, err := e.rt.SendRequest(ctp.Notification, []byte("manifest updated"), addr, e.cfg.RequestTimeout, 0)
			if err != nil {
				e.log.WithError(err).Debug("syncengine: manifest update notification failed")
			}
		}(p.PeerID, addr)
	}
}

// Update runs one full synchronization cycle (spec §4.6 update() flow):
// refresh the peer list, pull and merge the manifest if its hash changed,
// then acquire every manifest file the local store does not yet have,
// with bounded concurrency across files.
func (e *Engine) Update(ctx context.Context) error {
	clusterID := digestHex(e.cfg.ClusterID)

	if err := e.refreshPeerList(clusterID); err != nil {
		e.log.WithError(err).Warn("syncengine: peer list refresh failed")
	}

	if err := e.refreshManifest(clusterID); err != nil {
		e.log.WithError(err).Warn("syncengine: manifest refresh failed")
	}

	return e.acquireMissingFiles(ctx)
}

func (e *Engine) refreshPeerList(clusterID string) error {
	entries, err := e.control.PeerList(clusterID)
	if err != nil {
		return err
	}

	incoming := make(map[[32]byte]peertable.Address, len(entries))
	for _, pe := range entries {
		id, err := digest.Parse(pe.PeerID)
		if err != nil {
			e.log.WithField("peer_id", pe.PeerID).Debug("syncengine: skipping malformed peer id")
			continue
		}
		if [32]byte(id) == e.cfg.SelfID {
			continue
		}
		incoming[[32]byte(id)] = peertable.Address{IP: pe.IP, Port: pe.Port}
	}

	e.peers.Replace(incoming)
	return nil
}

func (e *Engine) refreshManifest(clusterID string) error {
	remoteHash, err := e.control.ManifestHash(clusterID)
	if err != nil {
		return err
	}

	if remoteHash == e.manifest.Hash().String() {
		return nil // trigger (c): nothing changed since last poll
	}

	raw, err := e.control.Manifest(clusterID)
	if err != nil {
		return err
	}

	added, err := e.manifest.MergeFromBytes(raw)
	if err != nil {
		return err
	}

	if len(added) > 0 {
		e.log.WithField("count", len(added)).Info("syncengine: manifest grew")
	}

	return nil
}

// acquireMissingFiles fetches every manifest entry not yet finalized
// locally, SyncConcurrency files at a time (spec §4.6 step 2, §9 "bounded
// worker pool" applied to file acquisition rather than request handling).
func (e *Engine) acquireMissingFiles(ctx context.Context) error {
	entries := e.manifest.Entries()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SyncConcurrency)

	for _, filename := range entries {
		filename := filename
		if filename == manifest.Filename {
			continue
		}
		if _, err := os.Stat(e.store.FinalPath(filename)); err == nil {
			continue // already finalized locally
		}

		g.Go(func() error {
			if err := e.acquireFile(ctx, filename); err != nil {
				e.log.WithField("file", filename).WithError(err).Debug("syncengine: file acquisition incomplete this cycle")
			}
			return nil // never abort the group: one stuck file must not block the rest
		})
	}

	return g.Wait()
}

// acquireFile ensures filename's .crinfo is known, opens (or resumes) its
// .crtemp, fetches every missing block from the cluster, and finalizes it
// once complete (spec §4.2, §4.6 step 1).
func (e *Engine) acquireFile(ctx context.Context, filename string) error {
	info, err := e.fetchCrinfo(filename)
	if err != nil {
		return err
	}

	if _, err := e.store.GetInfo(filename); err == store.ErrNotFound {
		if err := e.store.PutInfo(info); err != nil {
			return err
		}
	}

	temp, err := e.store.OpenTemp(info, e.cfg.BlockSize)
	if err != nil {
		return err
	}

	missing, err := temp.MissingBlocks()
	if err != nil {
		return err
	}

	if len(missing) == 0 {
		return temp.Finalize()
	}

	for _, blockID := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := e.acquireBlock(ctx, info, blockID)
		if err != nil {
			return fmt.Errorf("%w: %s block %d: %v", ErrTemporarilyUnavailable, filename, blockID, err)
		}

		if err := temp.WriteBlock(blockID, data); err != nil {
			return err
		}
	}

	err = temp.Finalize()
	if errors.Is(err, store.ErrHashMismatch) {
		// Scenario S6 (spec §8): the reassembled file hashes wrong. The
		// .crtemp pointer table was already reset by Finalize; the next
		// update() cycle re-acquires every block from scratch.
		e.log.WithField("file", filename).Warn("syncengine: hash mismatch, will re-acquire")
		return ErrTemporarilyUnavailable
	}

	return err
}

// fetchCrinfo returns filename's FileInfo, trying the local store first
// and falling back to a CRINFO_REQUEST against known peers.
func (e *Engine) fetchCrinfo(filename string) (store.FileInfo, error) {
	if info, err := e.store.GetInfo(filename); err == nil {
		return info, nil
	}

	snapshot := e.peers.Snapshot()
	for _, p := range snapshot {
		addr := peerrt.Address{IP: p.Address.IP, Port: p.Address.Port}
		payload := ctp.CrinfoRequestPayload(filename)

		resp, err := e.rt.SendRequest(ctp.CrinfoRequest, payload, addr, e.cfg.RequestTimeout, e.cfg.BlockRetries)
		if err != nil {
			e.recordPeerFailure(p.PeerID)
			continue
		}

		info, err := store.ParseFileInfo(filename, resp.Payload)
		if err != nil {
			continue
		}

		e.peers.MarkSuccess(p.PeerID)
		return info, nil
	}

	return store.FileInfo{}, fmt.Errorf("syncengine: no peer has crinfo for %s", filename)
}

// acquireBlock fetches one block from the peer table's current members,
// in order, and falls back to the control server's recorded file creator
// if none of them have it (spec §4.6 step 1-2, §8 scenario S2 and S5).
func (e *Engine) acquireBlock(ctx context.Context, info store.FileInfo, blockID int) ([]byte, error) {
	fileHash := info.ContentHash.String()
	payload := ctp.BlockRequestPayload(fileHash, uint32(blockID))

	for _, p := range e.peers.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, ok, err := e.requestBlockFrom(peerrt.Address{IP: p.Address.IP, Port: p.Address.Port}, payload, info.Filename, blockID)
		if err != nil {
			e.recordPeerFailure(p.PeerID)
			continue
		}

		if !ok {
			continue // this peer replied MISSING; try the next one
		}

		e.peers.MarkSuccess(p.PeerID)
		return data, nil
	}

	return e.acquireBlockFromCreator(ctx, info, blockID, payload)
}

// acquireBlockFromCreator is the control-server fallback (spec §4.6 step
// 2, scenario S5): ask the control server which peer originally created
// the file and try that peer directly, even if it is not (yet) in the
// local peer table.
func (e *Engine) acquireBlockFromCreator(ctx context.Context, info store.FileInfo, blockID int, payload []byte) ([]byte, error) {
	creator, err := e.control.FileCreator(digestHex(e.cfg.ClusterID), info.ContentHash.String())
	if err != nil || creator == "" {
		return nil, fmt.Errorf("no creator on record for %s", info.Filename)
	}

	addr := peerrt.Address{IP: creator, Port: e.cfg.DefaultPort}

	// The control server hands back a bare address, no peer_id (spec §6),
	// so derive a placeholder ID the same way a bootstrap entry gets one
	// and register the creator in the table (spec §4.6 step 2, §8 scenario
	// S5: "add the returned peer to the table").
	creatorID := digest.Sum([]byte(fmt.Sprintf("%s:%d", creator, e.cfg.DefaultPort)))
	if !e.peers.Contains(creatorID) {
		e.peers.Add(creatorID, peertable.Address{IP: creator, Port: e.cfg.DefaultPort})
	}

	data, ok, err := e.requestBlockFrom(addr, payload, info.Filename, blockID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("creator %s does not have block %d of %s", creator, blockID, info.Filename)
	}

	return data, nil
}

func (e *Engine) requestBlockFrom(addr peerrt.Address, payload []byte, filename string, blockID int) (data []byte, have bool, err error) {
	resp, err := e.rt.SendRequest(ctp.BlockRequest, payload, addr, e.cfg.RequestTimeout, e.cfg.BlockRetries)
	if err != nil {
		return nil, false, err
	}

	_, _, status, data, err := ctp.ParseBlockResponsePayload(resp.Payload)
	if err != nil {
		return nil, false, err
	}

	if status != ctp.BlockStatusHave {
		return nil, false, nil
	}

	return data, true, nil
}

// recordPeerFailure marks one failed request against peerID and, if it
// just crossed the SUSPECT threshold, asks the control server to verify
// it (spec §4.6 step 1, §8 scenario S4: "after 3 consecutive timeouts ...
// a single wellness_check call was made, not 3").
func (e *Engine) recordPeerFailure(peerID [32]byte) {
	if !e.peers.MarkFailure(peerID) {
		return
	}

	clusterID := digestHex(e.cfg.ClusterID)
	peerIDHex := digest.Digest(peerID).String()

	if err := e.control.WellnessCheck(clusterID, peerIDHex); err != nil {
		e.log.WithField("peer", idshort.Of(peerID[:])).WithError(err).Debug("syncengine: wellness check call failed")
	}

	// Reported: SUSPECT -> GONE, which drops the peer from Snapshot and so
	// from every later acquisition until the next peer-list refresh.
	e.peers.MarkGone(peerID)
}

func digestHex(d [32]byte) string {
	return digest.Digest(d).String()
}
