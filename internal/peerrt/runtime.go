// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package peerrt is the CTP peer runtime (spec §4.5): send-with-retry,
// listen loop, request/response correlation, and bounded-pool handler
// dispatch. It generalizes the teacher's Peer (src/p2p/peer.go, a
// per-connection read/write goroutine pair over a persistent TCP
// net.Conn) to a single UDP socket multiplexing many simultaneous
// outstanding requests and inbound requests at once — the datagram
// equivalent of "peer acting as both server and client" (spec §9).
package peerrt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dblokhin/ctpeer/internal/ctp"
)

// ErrConnectionError is returned by SendRequest when every attempt
// (retries+1 of them) times out (spec §4.5).
var ErrConnectionError = errors.New("peerrt: connection error, all attempts timed out")

// Address is the destination of an outbound request.
type Address struct {
	IP   string
	Port int
}

func (a Address) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.IP), Port: a.Port}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Handler processes one inbound request and returns the bytes to carry
// back in the matching response. An error is translated into a
// SERVER_ERROR response (spec §7) and never leaked to the caller.
type Handler func(f ctp.Frame) ([]byte, error)

// Handlers is the capability set a RequestHandler supplies: one function
// per CTP request type, plus Cleanup — spec §9's "abstract-base-class
// handler" modeled as a record of functions instead of an interface
// hierarchy. Any nil entry falls back to replying UNEXPECTED_REQ.
type Handlers struct {
	StatusRequest      Handler
	Notification       Handler
	BlockRequest       Handler
	ClusterJoinRequest Handler
	ManifestRequest    Handler
	CrinfoRequest      Handler
	NewCrinfoNotif     Handler
	PeerlistPush       Handler // fire-and-forget: no response type exists for it
	Unknown            Handler // handle_unknown_request

	// NoOp never produces a response, by protocol definition (spec §4.1).
	NoOp func(f ctp.Frame)

	// Cleanup runs after every handled request, successful or not.
	Cleanup func(f ctp.Frame)
}

// correlationKey identifies one outstanding send_request call: the
// response sequence it expects, from the specific peer address it was
// sent to (spec §4.5: "the correlation key also includes remote_addr").
type correlationKey struct {
	seq  uint32
	addr string
}

// Runtime is the CTP peer runtime: one UDP socket, a correlation table of
// outstanding requests, and (once Listen is called) a bounded pool of
// handler workers.
type Runtime struct {
	ClusterID [32]byte
	SenderID  [32]byte

	conn *net.UDPConn

	corrMu sync.Mutex
	corr   map[correlationKey]chan ctp.Frame

	handlers  Handlers
	poolSize  int
	jobs      chan job
	busyLimit *rate.Limiter
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
}

type job struct {
	frame  ctp.Frame
	remote *net.UDPAddr
}

// New constructs a Runtime bound to a caller-provided socket. Use Listen
// to start the dispatcher once the socket is ready.
func New(clusterID, senderID [32]byte, conn *net.UDPConn, poolSize int) *Runtime {
	return &Runtime{
		ClusterID: clusterID,
		SenderID:  senderID,
		conn:      conn,
		corr:      make(map[correlationKey]chan ctp.Frame),
		poolSize:  poolSize,
		jobs:      make(chan job, poolSize*4),
		// busyLimit paces how often a saturated pool replies "busy",
		// so a flood of requests during overload doesn't itself become a
		// source of load (spec §4.5 backpressure).
		busyLimit: rate.NewLimiter(rate.Limit(10), 10),
		stopCh:    make(chan struct{}),
	}
}

// LocalAddr returns the address the runtime's socket is bound to, useful
// for telling other peers (or the control server) how to reach it.
func (r *Runtime) LocalAddr() Address {
	udpAddr := r.conn.LocalAddr().(*net.UDPAddr)
	return Address{IP: udpAddr.IP.String(), Port: udpAddr.Port}
}

// Listener is the handle returned by Listen, used to stop the background
// dispatcher (spec §9: return a handle with stop(), not a bare goroutine
// the caller must busy-loop around).
type Listener struct {
	rt *Runtime
}

// Stop shuts down the listen loop and handler pool.
func (l *Listener) Stop() {
	l.rt.stopOnce.Do(func() {
		close(l.rt.stopCh)
		l.rt.conn.Close()
	})
	l.rt.wg.Wait()
}

// Listen starts the background dispatcher for handlers and returns
// immediately with a Listener handle (spec §4.5, §9).
func (r *Runtime) Listen(handlers Handlers) *Listener {
	r.handlers = handlers

	for i := 0; i < r.poolSize; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	r.wg.Add(1)
	go r.readLoop()

	return &Listener{rt: r}
}

func (r *Runtime) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, ctp.MaxDatagramSize)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				logrus.Debug("peerrt: read error: ", err)
				continue
			}
		}

		frame, err := ctp.Decode(buf[:n])
		if err != nil {
			logrus.Debug("peerrt: dropping malformed frame from ", remote)
			continue
		}

		if frame.Header.ClusterID != r.ClusterID {
			logrus.Debug("peerrt: dropping wrong-cluster frame from ", remote)
			continue
		}

		r.dispatch(frame, remote)
	}
}

// dispatch routes one decoded, same-cluster frame: to a correlation
// waiter if one matches, otherwise to the handler worker pool (spec §4.5
// "Correlation of responses to outstanding requests").
func (r *Runtime) dispatch(frame ctp.Frame, remote *net.UDPAddr) {
	key := correlationKey{seq: frame.Header.Seq, addr: remote.String()}

	r.corrMu.Lock()
	waiter, ok := r.corr[key]
	r.corrMu.Unlock()

	if ok {
		select {
		case waiter <- frame:
		default:
			// waiter already satisfied or gave up; drop the duplicate.
		}
		return
	}

	if frame.Header.IsResponse() {
		// No outstanding request matches: a late duplicate. Drop silently.
		return
	}

	select {
	case r.jobs <- job{frame: frame, remote: remote}:
	default:
		r.replyBusy(frame, remote)
	}
}

func (r *Runtime) replyBusy(frame ctp.Frame, remote *net.UDPAddr) {
	if frame.Header.Type == ctp.NoOp {
		return
	}

	if !r.busyLimit.Allow() {
		return
	}

	r.sendResponse(ctp.UnexpectedReq, frame.Header.Seq, []byte("busy"), remote)
}

func (r *Runtime) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case j := <-r.jobs:
			r.handle(j)
		}
	}
}

func (r *Runtime) handle(j job) {
	if r.handlers.Cleanup != nil {
		defer r.handlers.Cleanup(j.frame)
	}

	frame := j.frame

	if frame.Header.Type == ctp.NoOp {
		if r.handlers.NoOp != nil {
			r.handlers.NoOp(frame)
		}
		return
	}

	var (
		handler  Handler
		respType ctp.MessageType
		noReply  bool
	)

	switch frame.Header.Type {
	case ctp.StatusRequest:
		handler, respType = r.handlers.StatusRequest, ctp.StatusResponse
	case ctp.Notification:
		handler, respType = r.handlers.Notification, ctp.NotificationAck
	case ctp.BlockRequest:
		handler, respType = r.handlers.BlockRequest, ctp.BlockResponse
	case ctp.ClusterJoinRequest:
		handler, respType = r.handlers.ClusterJoinRequest, ctp.ClusterJoinAck
	case ctp.ManifestRequest:
		handler, respType = r.handlers.ManifestRequest, ctp.ManifestResponse
	case ctp.CrinfoRequest:
		handler, respType = r.handlers.CrinfoRequest, ctp.CrinfoResponse
	case ctp.NewCrinfoNotif:
		handler, respType = r.handlers.NewCrinfoNotif, ctp.NewCrinfoAck
	case ctp.PeerlistPush:
		handler, noReply = r.handlers.PeerlistPush, true
	default:
		handler, respType = r.handlers.Unknown, ctp.InvalidRequest
	}

	if handler == nil {
		if !noReply {
			r.sendResponse(ctp.UnexpectedReq, frame.Header.Seq, []byte("unimplemented"), j.remote)
		}
		return
	}

	payload, err := handler(frame)
	if noReply {
		return
	}

	if err != nil {
		logrus.Debug("peerrt: handler error for ", frame.Header.Type, ": ", err)
		r.sendResponse(ctp.ServerError, frame.Header.Seq, []byte(err.Error()), j.remote)
		return
	}

	r.sendResponse(respType, frame.Header.Seq, payload, j.remote)
}

func (r *Runtime) sendResponse(respType ctp.MessageType, reqSeq uint32, payload []byte, remote *net.UDPAddr) {
	frame := ctp.Frame{
		Header: ctp.Header{
			Type:      respType,
			Seq:       ctp.ResponseSeq(reqSeq),
			ClusterID: r.ClusterID,
			SenderID:  r.SenderID,
		},
		Payload: payload,
	}

	raw, err := ctp.Encode(frame)
	if err != nil {
		logrus.Error("peerrt: failed to encode response: ", err)
		return
	}

	if _, err := r.conn.WriteToUDP(raw, remote); err != nil {
		logrus.Debug("peerrt: failed to send response: ", err)
	}
}

// SendRequest sends a request and blocks until a correlated response
// arrives, the timeout expires after exhausting retries, or the request
// is rejected for having a non-request type (spec §4.5).
func (r *Runtime) SendRequest(msgType ctp.MessageType, payload []byte, dest Address, timeout time.Duration, retries int) (ctp.Frame, error) {
	if msgType.IsResponse() {
		return ctp.Frame{}, ctp.ErrInvalidArgument
	}

	seq, err := randomSeq()
	if err != nil {
		return ctp.Frame{}, err
	}

	frame := ctp.Frame{
		Header: ctp.Header{
			Type:      msgType,
			Seq:       seq,
			ClusterID: r.ClusterID,
			SenderID:  r.SenderID,
		},
		Payload: payload,
	}

	raw, err := ctp.Encode(frame)
	if err != nil {
		return ctp.Frame{}, err
	}

	key := correlationKey{seq: ctp.ResponseSeq(seq), addr: dest.String()}
	waiter := make(chan ctp.Frame, 1)

	r.corrMu.Lock()
	r.corr[key] = waiter
	r.corrMu.Unlock()

	defer func() {
		r.corrMu.Lock()
		delete(r.corr, key)
		r.corrMu.Unlock()
	}()

	udpDest := dest.udpAddr()

	for attempt := 0; attempt <= retries; attempt++ {
		if _, err := r.conn.WriteToUDP(raw, udpDest); err != nil {
			return ctp.Frame{}, err
		}

		select {
		case resp := <-waiter:
			return resp, nil
		case <-time.After(timeout):
			logrus.Debug("peerrt: request ", msgType, " to ", dest, " timed out, attempt ", attempt+1)
		}
	}

	return ctp.Frame{}, ErrConnectionError
}

func randomSeq() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
