package uploader

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/peerconn"
	"github.com/prxssh/rabbit-engine/internal/protocol"
	"github.com/prxssh/rabbit-engine/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rawPeer speaks the wire protocol directly over a TCP loopback connection,
// standing in for a remote peer so the uploader's server-side Conn can be
// exercised through its real Dial/Accept/Run path without a second
// peerconn.Conn on the requester's side.
type rawPeer struct {
	nc net.Conn
}

func dialRawPeer(t *testing.T, addr string, infoHash, peerID [sha1.Size]byte) *rawPeer {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	hs := protocol.NewHandshake(infoHash, peerID)
	if _, err := hs.WriteTo(nc); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, err := protocol.ReadHandshake(nc); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	return &rawPeer{nc: nc}
}

func (p *rawPeer) sendInterestedRequest(t *testing.T, index int, begin, length uint32) {
	t.Helper()
	if err := protocol.WriteMessage(p.nc, protocol.MessageInterested()); err != nil {
		t.Fatalf("write interested: %v", err)
	}
	if err := protocol.WriteMessage(p.nc, protocol.MessageRequest(uint32(index), begin, length)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (p *rawPeer) readPiece(t *testing.T, timeout time.Duration) *protocol.Message {
	t.Helper()
	_ = p.nc.SetReadDeadline(time.Now().Add(timeout))
	for {
		m, err := protocol.ReadMessage(p.nc)
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if protocol.IsKeepAlive(m) {
			continue
		}
		if m.ID == protocol.Piece {
			return m
		}
	}
}

func newTestStore(t *testing.T, pieceLen int32, content []byte) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, "payload.bin", nil, int64(len(content)), pieceLen)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	if err := st.WritePiece(0, content); err != nil {
		t.Fatalf("seed content: %v", err)
	}
	return st
}

func TestUploader_ServesRequestAfterUnchoke(t *testing.T) {
	var infoHash [sha1.Size]byte
	copy(infoHash[:], []byte("infohash-for-uploader-test"))

	content := []byte("hello from the uploader's token bucket drain loop!")
	pieceLen := int32(len(content))
	store := newTestStore(t, pieceLen, content)
	t.Cleanup(func() { _ = store.Close() })

	listenerDone := make(chan struct{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var (
		serverConn *peerconn.Conn
		acceptErr  error
	)
	serverRunCtx, cancelServerRun := context.WithCancel(context.Background())
	t.Cleanup(cancelServerRun)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			acceptErr = err
			close(listenerDone)
			return
		}
		var localID [sha1.Size]byte
		copy(localID[:], []byte("server-peer-id-000000"))
		serverConn, acceptErr = peerconn.Accept(nc, localID, &peerconn.Opts{
			Log:        testLogger(),
			PieceCount: 1,
			InfoHash:   infoHash,
		})
		close(listenerDone)
		if acceptErr == nil {
			_ = serverConn.Run(serverRunCtx)
		}
	}()

	var clientID [sha1.Size]byte
	copy(clientID[:], []byte("client-peer-id-000000"))
	peer := dialRawPeer(t, ln.Addr().String(), infoHash, clientID)
	t.Cleanup(func() { _ = peer.nc.Close() })

	<-listenerDone
	if acceptErr != nil {
		t.Fatalf("accept: %v", acceptErr)
	}
	if serverConn == nil {
		t.Fatalf("server-side Accept never completed")
	}

	cfg, err := config.Init()
	if err != nil {
		t.Fatalf("config.Init: %v", err)
	}
	cfg.UploadQueueBacklog = 16

	up := New(store, cfg, testLogger())
	uploaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = up.Run(uploaderCtx) }()

	peer.sendInterestedRequest(t, 0, 0, uint32(len(content)))

	// serve() drops a request while we are choking the peer, so unchoke
	// first and wait for the write loop to record it before enqueueing.
	serverConn.SendUnchoke()
	for deadline := time.Now().Add(2 * time.Second); serverConn.AmChoking() && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
	}

	if ok := up.Enqueue(serverConn, 0, 0, int32(len(content))); !ok {
		t.Fatalf("Enqueue returned false unexpectedly")
	}

	msg := peer.readPiece(t, 2*time.Second)
	idx, begin, block, ok := msg.ParsePiece()
	if !ok {
		t.Fatalf("ParsePiece failed on received message")
	}
	if idx != 0 || begin != 0 {
		t.Fatalf("got piece index=%d begin=%d, want 0,0", idx, begin)
	}
	if string(block) != string(content) {
		t.Fatalf("got block %q, want %q", block, content)
	}
}

func TestUploader_EnqueueRejectsWhenQueueFull(t *testing.T) {
	content := []byte("x")
	store := newTestStore(t, 1, content)
	t.Cleanup(func() { _ = store.Close() })

	cfg, err := config.Init()
	if err != nil {
		t.Fatalf("config.Init: %v", err)
	}
	cfg.UploadQueueBacklog = 1

	up := New(store, cfg, testLogger())
	// Don't run the drain loop: the queue fills and stays full.

	var infoHash [sha1.Size]byte
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *peerconn.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		var localID [sha1.Size]byte
		c, err := peerconn.Accept(nc, localID, &peerconn.Opts{
			Log:        testLogger(),
			PieceCount: 1,
			InfoHash:   infoHash,
		})
		if err == nil {
			accepted <- c
		}
	}()

	var clientID [sha1.Size]byte
	peer := dialRawPeer(t, ln.Addr().String(), infoHash, clientID)
	defer peer.nc.Close()

	serverConn := <-accepted

	if ok := up.Enqueue(serverConn, 0, 0, 1); !ok {
		t.Fatalf("first enqueue should succeed")
	}
	if ok := up.Enqueue(serverConn, 0, 0, 1); ok {
		t.Fatalf("second enqueue should be rejected once the backlog is full")
	}
	if got := up.QueueLen(); got != 1 {
		t.Fatalf("QueueLen() = %d, want 1", got)
	}
}
