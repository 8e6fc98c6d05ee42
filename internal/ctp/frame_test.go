// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package ctp

import (
	"bytes"
	"testing"
)

// TestFrameRoundTrip ensures every frame produced by Encode round-trips
// through Decode to an equal message (spec §8 invariant 1).
func TestFrameRoundTrip(t *testing.T) {
	var clusterID, senderID [32]byte
	clusterID[0] = 0x41
	senderID[0] = 0x01

	f := Frame{
		Header: Header{
			Type:      BlockRequest,
			Seq:       12345,
			ClusterID: clusterID,
			SenderID:  senderID,
		},
		Payload: []byte("deadbeef-3"),
	}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Header != f.Header {
		t.Errorf("header differs: got %+v want %+v", got.Header, f.Header)
	}

	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("payload differs: got %q want %q", got.Payload, f.Payload)
	}
}

// TestFrameRoundTripEmptyPayload covers request types with no payload.
func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := Frame{Header: Header{Type: StatusRequest, Seq: 1}}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(raw) != HeaderSize {
		t.Errorf("expected exactly HeaderSize bytes, got %d", len(raw))
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %q", got.Payload)
	}
}

// TestEncodeRejectsOversizedPayload covers spec §8 invariant 2.
func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := Frame{
		Header:  Header{Type: BlockResponse, Seq: 1},
		Payload: make([]byte, MaxPayloadSize+1),
	}

	if _, err := Encode(f); err != ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// TestDecodeRejectsMalformedFrame covers undersized and oversized datagrams.
func TestDecodeRejectsMalformedFrame(t *testing.T) {
	cases := [][]byte{
		nil,
		make([]byte, HeaderSize-1),
		make([]byte, MaxDatagramSize+1),
	}

	for _, data := range cases {
		if _, err := Decode(data); err != ErrMalformedFrame {
			t.Errorf("Decode(%d bytes): expected ErrMalformedFrame, got %v", len(data), err)
		}
	}
}
