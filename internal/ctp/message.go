// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package ctp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType is the single-byte CTP message type (spec §4.1 catalog).
type MessageType uint8

// The canonical CTP message catalog (spec §4.1). Response types always
// have their low bit set; request types never do.
const (
	StatusRequest      MessageType = 0x00
	StatusResponse     MessageType = 0x01
	Notification       MessageType = 0x02
	NotificationAck    MessageType = 0x03
	BlockRequest       MessageType = 0x04
	BlockResponse      MessageType = 0x05
	ClusterJoinRequest MessageType = 0x06
	ClusterJoinAck     MessageType = 0x07
	ManifestRequest    MessageType = 0x08
	ManifestResponse   MessageType = 0x09
	CrinfoRequest      MessageType = 0x0A
	CrinfoResponse     MessageType = 0x0B
	NewCrinfoNotif     MessageType = 0x0C
	NewCrinfoAck       MessageType = 0x0D
	PeerlistPush       MessageType = 0x10
	UnexpectedReq      MessageType = 0xF9
	InvalidRequest     MessageType = 0xFD
	NoOp               MessageType = 0xFE
	ServerError        MessageType = 0xFF
)

// String names a message type for logging.
func (t MessageType) String() string {
	switch t {
	case StatusRequest:
		return "STATUS_REQUEST"
	case StatusResponse:
		return "STATUS_RESPONSE"
	case Notification:
		return "NOTIFICATION"
	case NotificationAck:
		return "NOTIFICATION_ACK"
	case BlockRequest:
		return "BLOCK_REQUEST"
	case BlockResponse:
		return "BLOCK_RESPONSE"
	case ClusterJoinRequest:
		return "CLUSTER_JOIN_REQUEST"
	case ClusterJoinAck:
		return "CLUSTER_JOIN_ACK"
	case ManifestRequest:
		return "MANIFEST_REQUEST"
	case ManifestResponse:
		return "MANIFEST_RESPONSE"
	case CrinfoRequest:
		return "CRINFO_REQUEST"
	case CrinfoResponse:
		return "CRINFO_RESPONSE"
	case NewCrinfoNotif:
		return "NEW_CRINFO_NOTIF"
	case NewCrinfoAck:
		return "NEW_CRINFO_ACK"
	case PeerlistPush:
		return "PEERLIST_PUSH"
	case UnexpectedReq:
		return "UNEXPECTED_REQ"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case NoOp:
		return "NO_OP"
	case ServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// IsResponse reports whether t is a response message type: the low bit of
// the type octet is 1 for responses, 0 for requests (spec §4.1).
func (t MessageType) IsResponse() bool {
	return t&1 == 1
}

// IsRequest is the complement of IsResponse. NoOp counts as a request type
// even though it never receives a response.
func (t MessageType) IsRequest() bool {
	return !t.IsResponse()
}

// ResponseSeq computes the sequence number a response correlated to a
// request with sequence reqSeq must carry (spec §4.1, §9: "+1").
func ResponseSeq(reqSeq uint32) uint32 {
	return reqSeq + 1
}

// ErrInvalidArgument is returned when a caller passes a non-request type
// where a request type is required.
var ErrInvalidArgument = errors.New("ctp: type is not a request type")

// BlockStatus is the status byte carried inside a BLOCK_RESPONSE payload.
type BlockStatus uint8

const (
	// BlockStatusHave means the responder holds the block; bytes follow.
	BlockStatusHave BlockStatus = 0
	// BlockStatusMissing means the responder does not have the block.
	BlockStatusMissing BlockStatus = 1
	// BlockStatusInvalid means the block index is out of range for the file.
	BlockStatusInvalid BlockStatus = 2
)

// BlockRequestPayload encodes the BLOCK_REQUEST payload: "{filehash}-{blockid}".
func BlockRequestPayload(fileHash string, blockID uint32) []byte {
	return []byte(fmt.Sprintf("%s-%d", fileHash, blockID))
}

// ParseBlockRequestPayload decodes a BLOCK_REQUEST payload.
func ParseBlockRequestPayload(payload []byte) (fileHash string, blockID uint32, err error) {
	parts := strings.SplitN(string(payload), "-", 2)
	if len(parts) != 2 {
		return "", 0, errors.New("ctp: malformed block request payload")
	}

	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("ctp: malformed block id: %w", err)
	}

	return parts[0], uint32(id), nil
}

// BlockResponsePayload encodes a BLOCK_RESPONSE payload:
// "{filehash}-{blockid}-{status}\r\n\r\n{bytes}".
func BlockResponsePayload(fileHash string, blockID uint32, status BlockStatus, data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s-%d-%d\r\n\r\n", fileHash, blockID, status)
	buf.Write(data)
	return buf.Bytes()
}

// ParseBlockResponsePayload decodes a BLOCK_RESPONSE payload.
func ParseBlockResponsePayload(payload []byte) (fileHash string, blockID uint32, status BlockStatus, data []byte, err error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(payload, sep)
	if idx < 0 {
		return "", 0, 0, nil, errors.New("ctp: malformed block response payload")
	}

	head := string(payload[:idx])
	data = payload[idx+len(sep):]

	parts := strings.SplitN(head, "-", 3)
	if len(parts) != 3 {
		return "", 0, 0, nil, errors.New("ctp: malformed block response header")
	}

	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("ctp: malformed block id: %w", err)
	}

	st, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("ctp: malformed status: %w", err)
	}

	return parts[0], uint32(id), BlockStatus(st), data, nil
}

// CrinfoRequestPayload encodes the CRINFO_REQUEST payload: "filename: {name}".
func CrinfoRequestPayload(filename string) []byte {
	return []byte("filename: " + filename)
}

// ParseCrinfoRequestPayload decodes a CRINFO_REQUEST payload.
func ParseCrinfoRequestPayload(payload []byte) (string, error) {
	const prefix = "filename: "
	s := string(payload)
	if !strings.HasPrefix(s, prefix) {
		return "", errors.New("ctp: malformed crinfo request payload")
	}

	return strings.TrimPrefix(s, prefix), nil
}

// NewCrinfoNotifPayload encodes the NEW_CRINFO_NOTIF payload:
// "{filename}\r\n\r\n{crinfo bytes}".
func NewCrinfoNotifPayload(filename string, crinfo []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(filename)
	buf.WriteString("\r\n\r\n")
	buf.Write(crinfo)
	return buf.Bytes()
}

// ParseNewCrinfoNotifPayload decodes a NEW_CRINFO_NOTIF payload.
func ParseNewCrinfoNotifPayload(payload []byte) (filename string, crinfo []byte, err error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(payload, sep)
	if idx < 0 {
		return "", nil, errors.New("ctp: malformed new-crinfo notification")
	}

	return string(payload[:idx]), payload[idx+len(sep):], nil
}

// PeerListEntry is one line of a CLUSTER_JOIN_ACK / PEERLIST_PUSH payload.
type PeerListEntry struct {
	PeerID string
	IP     string
	Port   int
}

// EncodePeerList serializes a peer list: "{peer_id} {ip} {port}" per line,
// CRLF-separated.
func EncodePeerList(entries []PeerListEntry) []byte {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %s %d", e.PeerID, e.IP, e.Port))
	}

	return []byte(strings.Join(lines, "\r\n"))
}

// ParsePeerList parses a CLUSTER_JOIN_ACK / PEERLIST_PUSH payload.
func ParsePeerList(payload []byte) ([]PeerListEntry, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return nil, nil
	}

	lines := strings.Split(s, "\r\n")
	entries := make([]PeerListEntry, 0, len(lines))

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("ctp: malformed peer list line: %q", line)
		}

		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("ctp: malformed peer list port: %w", err)
		}

		entries = append(entries, PeerListEntry{PeerID: fields[0], IP: fields[1], Port: port})
	}

	return entries, nil
}
