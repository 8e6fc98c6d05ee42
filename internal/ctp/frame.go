// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package ctp implements the Cluster Transfer Protocol wire format: a
// 69-byte fixed header followed by a bounded payload, carried one frame
// per datagram (spec §4.1). Unlike the teacher's stream-oriented
// p2p.Header (which reads a length-prefixed body off a net.Conn), CTP has
// no length field — the transport delivers message boundaries, so Decode
// takes the whole datagram at once.
package ctp

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the fixed CTP header width in bytes (§4.1).
	HeaderSize = 1 + 4 + 32 + 32

	// MaxDatagramSize is the largest frame CTP will put on the wire,
	// chosen to avoid IP fragmentation (§4.1).
	MaxDatagramSize = 1400

	// MaxPayloadSize is the largest payload a single frame may carry.
	MaxPayloadSize = MaxDatagramSize - HeaderSize
)

// ErrPayloadTooLarge is returned by Encode when payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("ctp: payload exceeds maximum frame size")

// ErrMalformedFrame is returned by Decode when a datagram is too short or
// otherwise cannot be a valid CTP frame.
var ErrMalformedFrame = errors.New("ctp: malformed frame")

// Header is the 69-byte fixed header every CTP frame carries.
type Header struct {
	Type      MessageType
	Seq       uint32
	ClusterID [32]byte
	SenderID  [32]byte
}

// IsResponse reports whether h.Type is a response type (spec §4.1: the
// low bit of the type octet is 1 for responses, 0 for requests).
func (h Header) IsResponse() bool {
	return h.Type.IsResponse()
}

// Frame is a decoded CTP datagram: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes f into a single datagram-sized buffer.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Header.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.Header.Seq)
	copy(buf[5:37], f.Header.ClusterID[:])
	copy(buf[37:69], f.Header.SenderID[:])
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode parses a single datagram into a Frame. A frame shorter than
// HeaderSize or longer than MaxDatagramSize is ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize || len(data) > MaxDatagramSize {
		return Frame{}, ErrMalformedFrame
	}

	var f Frame
	f.Header.Type = MessageType(data[0])
	f.Header.Seq = binary.BigEndian.Uint32(data[1:5])
	copy(f.Header.ClusterID[:], data[5:37])
	copy(f.Header.SenderID[:], data[37:69])

	if len(data) > HeaderSize {
		f.Payload = append([]byte(nil), data[HeaderSize:]...)
	}

	return f, nil
}
