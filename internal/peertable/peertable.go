// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package peertable is the in-memory registry of known peers with
// liveness tracking (spec §4.4), generalized from the teacher's
// peerManager (src/p2p/pm.go) — which keyed a map by TCP address and
// tracked a connection-oriented status — into a keyed-by-PeerID registry
// tracking a liveness state machine over an unreliable transport.
package peertable

import (
	"sync"
	"time"
)

// State is a peer record's liveness state (spec §3).
type State int

const (
	// Alive means the peer has responded recently and has not failed
	// maxFailures consecutive requests.
	Alive State = iota
	// Suspect means the peer has timed out maxFailures consecutive times.
	Suspect
	// Gone means the control server has been told to report the peer and
	// it should be evicted on the next peer-list refresh.
	Gone
)

func (s State) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Gone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// Address is a peer's (ip, port) tuple (spec §3).
type Address struct {
	IP   string
	Port int
}

// Peer is a point-in-time snapshot of one peer record (spec §3).
type Peer struct {
	PeerID      [32]byte
	Address     Address
	LastSeenAt  time.Time
	State       State
	failures    int
}

// Table is the thread-safe peer_id -> Peer record mapping (spec §4.4).
// Invariant: at any time at most one record per peer_id (enforced by the
// map key).
type Table struct {
	mu sync.Mutex

	// maxFailures is R, the consecutive-timeout threshold before a peer
	// moves from ALIVE to SUSPECT (spec §3).
	maxFailures int

	peers map[[32]byte]*Peer
}

// New returns an empty Table with the given consecutive-failure threshold.
func New(maxFailures int) *Table {
	return &Table{
		maxFailures: maxFailures,
		peers:       make(map[[32]byte]*Peer),
	}
}

// Add registers peerID at addr if not already present, in the ALIVE state
// (spec §3: "created when the control server adds a peer to the peer
// list or when the peer first responds to a STATUS_REQUEST").
func (t *Table) Add(peerID [32]byte, addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[peerID]; ok {
		return
	}

	t.peers[peerID] = &Peer{
		PeerID:     peerID,
		Address:    addr,
		LastSeenAt: time.Now(),
		State:      Alive,
	}
}

// Contains reports whether peerID is already registered.
func (t *Table) Contains(peerID [32]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.peers[peerID]
	return ok
}

// MarkSuccess resets a peer's consecutive-failure count and, if it was
// SUSPECT, returns it to ALIVE (spec §3, §4.4).
func (t *Table) MarkSuccess(peerID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		return
	}

	p.failures = 0
	p.LastSeenAt = time.Now()
	if p.State == Suspect {
		p.State = Alive
	}
}

// MarkFailure increments a peer's consecutive-failure count, moving it to
// SUSPECT once it reaches maxFailures (spec §3). It reports whether this
// call is the one that crossed the threshold, so the caller can trigger
// the one-time wellness report (spec §4.6 step 1).
func (t *Table) MarkFailure(peerID [32]byte) (becameSuspect bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		return false
	}

	p.failures++
	if p.failures >= t.maxFailures && p.State == Alive {
		p.State = Suspect
		return true
	}

	return false
}

// MarkGone transitions a peer to GONE (spec §3: "SUSPECT -> GONE when
// reported to the control server").
func (t *Table) MarkGone(peerID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[peerID]; ok {
		p.State = Gone
	}
}

// Snapshot returns a point-in-time copy of every non-GONE peer record,
// safe to iterate outside the lock (spec §4.4).
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.State == Gone {
			continue
		}
		out = append(out, *p)
	}

	return out
}

// Replace atomically swaps the set of known peers with incoming,
// preserving LastSeenAt (and state) for any peer_id that persists across
// the swap (spec §4.4). GONE records are evicted as part of this refresh
// (spec §3: "GONE records are evicted on next peer-list refresh").
func (t *Table) Replace(incoming map[[32]byte]Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[[32]byte]*Peer, len(incoming))
	for peerID, addr := range incoming {
		if existing, ok := t.peers[peerID]; ok && existing.State != Gone {
			existing.Address = addr
			next[peerID] = existing
			continue
		}

		next[peerID] = &Peer{
			PeerID:     peerID,
			Address:    addr,
			LastSeenAt: time.Now(),
			State:      Alive,
		}
	}

	t.peers = next
}
