// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerrt

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dblokhin/ctpeer/internal/ctp"
)

func mustListenUDP(t *testing.T) (*net.UDPConn, Address) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	addr := conn.LocalAddr().(*net.UDPAddr)
	return conn, Address{IP: "127.0.0.1", Port: addr.Port}
}

func newTestRuntime(t *testing.T, clusterID, senderID [32]byte) (*Runtime, Address) {
	t.Helper()
	conn, addr := mustListenUDP(t)
	return New(clusterID, senderID, conn, 4), addr
}

func TestSendRequestRoundTrip(t *testing.T) {
	var clusterID [32]byte
	clusterID[0] = 0x41

	serverID := [32]byte{1}
	clientID := [32]byte{2}

	server, serverAddr := newTestRuntime(t, clusterID, serverID)
	listener := server.Listen(Handlers{
		StatusRequest: func(f ctp.Frame) ([]byte, error) {
			return []byte("1"), nil
		},
	})
	defer listener.Stop()

	client, _ := newTestRuntime(t, clusterID, clientID)
	clientListener := client.Listen(Handlers{})
	defer clientListener.Stop()

	resp, err := client.SendRequest(ctp.StatusRequest, nil, serverAddr, time.Second, 0)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if resp.Header.Type != ctp.StatusResponse {
		t.Errorf("response type = %v, want StatusResponse", resp.Header.Type)
	}

	if string(resp.Payload) != "1" {
		t.Errorf("payload = %q, want %q", resp.Payload, "1")
	}
}

// TestResponseSequenceCorrelation covers spec §8 invariant 7.
func TestResponseSequenceCorrelation(t *testing.T) {
	var clusterID [32]byte
	clusterID[0] = 0x41
	serverID := [32]byte{1}
	clientID := [32]byte{2}

	server, serverAddr := newTestRuntime(t, clusterID, serverID)
	listener := server.Listen(Handlers{
		StatusRequest: func(f ctp.Frame) ([]byte, error) { return []byte("1"), nil },
	})
	defer listener.Stop()

	client, _ := newTestRuntime(t, clusterID, clientID)
	defer client.conn.Close()

	// Send directly so we can inspect the raw request sequence number.
	seq, err := randomSeq()
	if err != nil {
		t.Fatalf("randomSeq: %v", err)
	}

	req := ctp.Frame{Header: ctp.Header{Type: ctp.StatusRequest, Seq: seq, ClusterID: clusterID, SenderID: clientID}}
	raw, err := ctp.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := client.conn.WriteToUDP(raw, serverAddr.udpAddr()); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	client.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, ctp.MaxDatagramSize)
	n, _, err := client.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}

	resp, err := ctp.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if resp.Header.Seq != seq+1 {
		t.Errorf("response seq = %d, want %d", resp.Header.Seq, seq+1)
	}

	if resp.Header.ClusterID != clusterID || resp.Header.SenderID != serverID {
		t.Errorf("response identity mismatch: %+v", resp.Header)
	}
}

// TestSendRequestRetransmitsThenSucceeds covers spec §8 scenario S3: a
// peer that drops the first 2 datagrams and responds to the 3rd. The
// server side is a raw UDP socket (not a Runtime) so the test controls
// exactly which received packets get a reply.
func TestSendRequestRetransmitsThenSucceeds(t *testing.T) {
	var clusterID [32]byte
	clusterID[0] = 0x41
	serverID := [32]byte{1}
	clientID := [32]byte{2}

	conn, serverAddr := mustListenUDP(t)
	defer conn.Close()

	var recvCount int32

	go func() {
		buf := make([]byte, ctp.MaxDatagramSize)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			req, err := ctp.Decode(buf[:n])
			if err != nil {
				continue
			}

			count := atomic.AddInt32(&recvCount, 1)
			if count < 3 {
				continue // simulate a dropped datagram: no reply
			}

			resp := ctp.Frame{
				Header: ctp.Header{
					Type:      ctp.StatusResponse,
					Seq:       ctp.ResponseSeq(req.Header.Seq),
					ClusterID: clusterID,
					SenderID:  serverID,
				},
				Payload: []byte("1"),
			}
			raw, _ := ctp.Encode(resp)
			conn.WriteToUDP(raw, remote)
		}
	}()

	client, _ := newTestRuntime(t, clusterID, clientID)
	clientListener := client.Listen(Handlers{})
	defer clientListener.Stop()

	resp, err := client.SendRequest(ctp.StatusRequest, nil, serverAddr, 200*time.Millisecond, 3)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if string(resp.Payload) != "1" {
		t.Errorf("payload = %q, want %q", resp.Payload, "1")
	}

	if got := atomic.LoadInt32(&recvCount); got != 3 {
		t.Errorf("server received %d datagrams, want 3 (2 retransmissions + original)", got)
	}
}

func TestSendRequestExhaustsRetriesAndFails(t *testing.T) {
	var clusterID [32]byte
	clusterID[0] = 0x41
	clientID := [32]byte{2}

	// Bind a socket nobody answers on.
	deadConn, deadAddr := mustListenUDP(t)
	deadConn.Close()

	client, _ := newTestRuntime(t, clusterID, clientID)
	clientListener := client.Listen(Handlers{})
	defer clientListener.Stop()

	_, err := client.SendRequest(ctp.StatusRequest, nil, deadAddr, 50*time.Millisecond, 1)
	if err != ErrConnectionError {
		t.Errorf("got %v, want ErrConnectionError", err)
	}
}

func TestSendRequestRejectsResponseType(t *testing.T) {
	client, _ := newTestRuntime(t, [32]byte{}, [32]byte{})
	defer client.conn.Close()

	_, err := client.SendRequest(ctp.StatusResponse, nil, Address{IP: "127.0.0.1", Port: 1}, time.Second, 0)
	if err != ctp.ErrInvalidArgument {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestWrongClusterFramesAreDropped(t *testing.T) {
	var serverCluster [32]byte
	serverCluster[0] = 0x41
	var wrongCluster [32]byte
	wrongCluster[0] = 0x99

	serverID := [32]byte{1}
	clientID := [32]byte{2}

	called := make(chan struct{}, 1)
	server, serverAddr := newTestRuntime(t, serverCluster, serverID)
	listener := server.Listen(Handlers{
		StatusRequest: func(f ctp.Frame) ([]byte, error) {
			called <- struct{}{}
			return []byte("1"), nil
		},
	})
	defer listener.Stop()

	client, _ := newTestRuntime(t, wrongCluster, clientID)
	defer client.conn.Close()

	req := ctp.Frame{Header: ctp.Header{Type: ctp.StatusRequest, Seq: 1, ClusterID: wrongCluster, SenderID: clientID}}
	raw, _ := ctp.Encode(req)
	client.conn.WriteToUDP(raw, serverAddr.udpAddr())

	select {
	case <-called:
		t.Errorf("handler should not be invoked for a wrong-cluster frame")
	case <-time.After(200 * time.Millisecond):
	}
}
