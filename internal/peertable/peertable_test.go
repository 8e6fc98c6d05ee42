// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peertable

import "testing"

func peerID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestAddIsAliveAndIdempotent(t *testing.T) {
	tbl := New(3)
	id := peerID(1)

	tbl.Add(id, Address{IP: "127.0.0.1", Port: 7001})
	tbl.Add(id, Address{IP: "10.0.0.1", Port: 9999}) // second Add is a no-op

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snap))
	}

	if snap[0].State != Alive {
		t.Errorf("state = %v, want ALIVE", snap[0].State)
	}

	if snap[0].Address.IP != "127.0.0.1" {
		t.Errorf("Add should not overwrite an existing record, got %+v", snap[0].Address)
	}
}

// TestFailureThresholdTransitionsToSuspect covers spec §3's R=3 rule.
func TestFailureThresholdTransitionsToSuspect(t *testing.T) {
	tbl := New(3)
	id := peerID(2)
	tbl.Add(id, Address{IP: "127.0.0.1", Port: 7002})

	if became := tbl.MarkFailure(id); became {
		t.Errorf("1st failure should not cross threshold")
	}
	if became := tbl.MarkFailure(id); became {
		t.Errorf("2nd failure should not cross threshold")
	}
	if became := tbl.MarkFailure(id); !became {
		t.Errorf("3rd failure should cross threshold")
	}

	snap := tbl.Snapshot()
	if snap[0].State != Suspect {
		t.Errorf("state = %v, want SUSPECT", snap[0].State)
	}
}

func TestSuccessReturnsSuspectToAlive(t *testing.T) {
	tbl := New(1)
	id := peerID(3)
	tbl.Add(id, Address{IP: "127.0.0.1", Port: 7003})

	tbl.MarkFailure(id) // crosses threshold of 1 immediately
	tbl.MarkSuccess(id)

	snap := tbl.Snapshot()
	if snap[0].State != Alive {
		t.Errorf("state = %v, want ALIVE", snap[0].State)
	}
}

func TestGoneRecordsEvictedOnReplace(t *testing.T) {
	tbl := New(1)
	id := peerID(4)
	tbl.Add(id, Address{IP: "127.0.0.1", Port: 7004})
	tbl.MarkGone(id)

	if len(tbl.Snapshot()) != 0 {
		t.Errorf("GONE peers should be absent from Snapshot")
	}

	tbl.Replace(map[[32]byte]Address{id: {IP: "127.0.0.1", Port: 7004}})

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected peer to be re-added fresh after eviction, got %d", len(snap))
	}
	if snap[0].State != Alive {
		t.Errorf("re-added peer should start ALIVE, got %v", snap[0].State)
	}
}

func TestReplacePreservesLastSeenForPersistingPeers(t *testing.T) {
	tbl := New(3)
	id := peerID(5)
	tbl.Add(id, Address{IP: "127.0.0.1", Port: 7005})

	before := tbl.Snapshot()[0].LastSeenAt

	tbl.Replace(map[[32]byte]Address{id: {IP: "127.0.0.1", Port: 9999}})

	after := tbl.Snapshot()[0]
	if after.LastSeenAt != before {
		t.Errorf("LastSeenAt should be preserved across Replace, got %v want %v", after.LastSeenAt, before)
	}
	if after.Address.Port != 9999 {
		t.Errorf("Replace should update address, got %+v", after.Address)
	}
}

func TestAtMostOneRecordPerPeerID(t *testing.T) {
	tbl := New(3)
	id := peerID(6)

	for i := 0; i < 5; i++ {
		tbl.Add(id, Address{IP: "127.0.0.1", Port: 7000 + i})
	}

	if len(tbl.Snapshot()) != 1 {
		t.Errorf("expected exactly one record per peer_id")
	}
}
