// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package ctp

import (
	"bytes"
	"testing"
)

// TestMessageTypeIsResponse pins down the request/response bit convention
// adopted from the source (spec §4.1, §9).
func TestMessageTypeIsResponse(t *testing.T) {
	requests := []MessageType{StatusRequest, Notification, BlockRequest, ClusterJoinRequest, ManifestRequest, CrinfoRequest, NewCrinfoNotif, PeerlistPush, NoOp}
	responses := []MessageType{StatusResponse, NotificationAck, BlockResponse, ClusterJoinAck, ManifestResponse, CrinfoResponse, NewCrinfoAck, UnexpectedReq, InvalidRequest, ServerError}

	for _, mt := range requests {
		if mt.IsResponse() {
			t.Errorf("%s: expected request type", mt)
		}
	}

	for _, mt := range responses {
		if !mt.IsResponse() {
			t.Errorf("%s: expected response type", mt)
		}
	}
}

func TestResponseSeq(t *testing.T) {
	if got := ResponseSeq(41); got != 42 {
		t.Errorf("ResponseSeq(41) = %d, want 42", got)
	}
}

func TestBlockRequestPayloadRoundTrip(t *testing.T) {
	payload := BlockRequestPayload("abc123", 7)

	hash, block, err := ParseBlockRequestPayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if hash != "abc123" || block != 7 {
		t.Errorf("got (%s, %d), want (abc123, 7)", hash, block)
	}
}

func TestBlockResponsePayloadRoundTrip(t *testing.T) {
	data := []byte("some block bytes\r\nwith embedded crlf")
	payload := BlockResponsePayload("abc123", 7, BlockStatusHave, data)

	hash, block, status, got, err := ParseBlockResponsePayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if hash != "abc123" || block != 7 || status != BlockStatusHave {
		t.Errorf("got (%s, %d, %d)", hash, block, status)
	}

	if !bytes.Equal(got, data) {
		t.Errorf("data differs: got %q want %q", got, data)
	}
}

func TestBlockResponsePayloadMissingHasNoBytes(t *testing.T) {
	payload := BlockResponsePayload("abc123", 0, BlockStatusMissing, nil)

	_, _, status, data, err := ParseBlockResponsePayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if status != BlockStatusMissing {
		t.Errorf("status = %d, want BlockStatusMissing", status)
	}

	if len(data) != 0 {
		t.Errorf("expected no bytes, got %d", len(data))
	}
}

func TestCrinfoRequestPayloadRoundTrip(t *testing.T) {
	payload := CrinfoRequestPayload("hello.txt")

	name, err := ParseCrinfoRequestPayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if name != "hello.txt" {
		t.Errorf("got %q, want hello.txt", name)
	}
}

func TestNewCrinfoNotifPayloadRoundTrip(t *testing.T) {
	crinfo := []byte("CRINFO 3000 1700000000\r\nabc123")
	payload := NewCrinfoNotifPayload("hello.txt", crinfo)

	name, got, err := ParseNewCrinfoNotifPayload(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if name != "hello.txt" {
		t.Errorf("filename = %q, want hello.txt", name)
	}

	if !bytes.Equal(got, crinfo) {
		t.Errorf("crinfo differs: got %q want %q", got, crinfo)
	}
}

func TestPeerListRoundTrip(t *testing.T) {
	entries := []PeerListEntry{
		{PeerID: "41...01", IP: "127.0.0.1", Port: 7001},
		{PeerID: "41...02", IP: "127.0.0.1", Port: 7002},
	}

	payload := EncodePeerList(entries)

	got, err := ParsePeerList(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}

	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestPeerListEmpty(t *testing.T) {
	got, err := ParsePeerList(nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}
