package peerconn

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/rabbit-engine/internal/bencode"
	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/chunkedbuffer"
	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestConn(t *testing.T, pieceCount int, opts *Opts) *Conn {
	t.Helper()
	if opts == nil {
		opts = &Opts{}
	}
	opts.Log = testLogger()
	opts.PieceCount = pieceCount

	return &Conn{
		log:    opts.Log,
		addr:   netip.MustParseAddrPort("127.0.0.1:1"),
		opts:   opts,
		Stats:  &Stats{ConnectedAt: time.Now()},
		have:   bitfield.New(pieceCount),
		outbox: make(chan *protocol.Message, 16),
		codec:  protocol.NewCodec(0),
	}
}

func TestPipelineController_GrowsOnHighThroughput(t *testing.T) {
	p := newPipelineController(5, 500)
	start := p.Depth()
	p.Tick(pipelineHighRateBlocksPS + 1)
	if p.Depth() != start+pipelineGrowStep {
		t.Fatalf("Depth() = %d, want %d", p.Depth(), start+pipelineGrowStep)
	}
}

func TestPipelineController_ShrinksOnLowThroughputButFloorsAt50(t *testing.T) {
	p := newPipelineController(5, 500)
	for i := 0; i < 10; i++ {
		p.Tick(0)
	}
	if p.Depth() != pipelineShrinkFloor {
		t.Fatalf("Depth() = %d, want floor %d", p.Depth(), pipelineShrinkFloor)
	}
}

func TestPipelineController_HalvesOnChokeBelowShrinkFloor(t *testing.T) {
	p := newPipelineController(5, 500)
	p.OnChoke()
	if got, want := p.Depth(), pipelineInitialDepth/2; got != want {
		t.Fatalf("Depth() after one choke = %d, want %d", got, want)
	}

	for i := 0; i < 10; i++ {
		p.OnChoke()
	}
	if p.Depth() != 5 {
		t.Fatalf("Depth() after repeated chokes = %d, want absolute floor 5", p.Depth())
	}
}

func TestPipelineController_RespectsConfiguredCeiling(t *testing.T) {
	p := newPipelineController(5, 60)
	for i := 0; i < 5; i++ {
		p.Tick(pipelineHighRateBlocksPS + 1)
	}
	if p.Depth() != 60 {
		t.Fatalf("Depth() = %d, want clamped to ceiling 60", p.Depth())
	}
}

func TestConn_HandleMessage_ChokeInterestFlags(t *testing.T) {
	c := newTestConn(t, 4, nil)

	if !c.PeerChoking() {
		t.Fatalf("new connection should start peer-choking us")
	}

	requestWorkCalled := false
	c.opts.RequestWork = func(*Conn) { requestWorkCalled = true }

	if err := c.handleMessage(protocol.MessageUnchoke()); err != nil {
		t.Fatalf("handleMessage(unchoke): %v", err)
	}
	if c.PeerChoking() {
		t.Fatalf("expected PeerChoking()=false after unchoke")
	}
	if !requestWorkCalled {
		t.Fatalf("expected RequestWork callback to fire on unchoke")
	}

	if err := c.handleMessage(protocol.MessageInterested()); err != nil {
		t.Fatalf("handleMessage(interested): %v", err)
	}
	if !c.PeerInterested() {
		t.Fatalf("expected PeerInterested()=true")
	}
}

func TestConn_HandleMessage_BitfieldAndHaveTracking(t *testing.T) {
	var gotHave int
	var gotHaveCalls int
	c := newTestConn(t, 8, &Opts{
		OnHave: func(_ *Conn, idx int) { gotHave = idx; gotHaveCalls++ },
	})

	bf := bitfield.New(8)
	bf.Set(1)
	bf.Set(3)
	if err := c.handleMessage(protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("handleMessage(bitfield): %v", err)
	}
	if !c.Have().Has(1) || !c.Have().Has(3) {
		t.Fatalf("expected bits 1 and 3 set after bitfield, got %s", c.Have())
	}

	if err := c.handleMessage(protocol.MessageHave(5)); err != nil {
		t.Fatalf("handleMessage(have): %v", err)
	}
	if gotHaveCalls != 1 || gotHave != 5 {
		t.Fatalf("OnHave callback = (%d calls, idx=%d), want (1, 5)", gotHaveCalls, gotHave)
	}
	if !c.Have().Has(5) {
		t.Fatalf("expected bit 5 set after have message")
	}

	// A duplicate Have for an already-set bit must not re-fire the callback.
	if err := c.handleMessage(protocol.MessageHave(5)); err != nil {
		t.Fatalf("handleMessage(have dup): %v", err)
	}
	if gotHaveCalls != 1 {
		t.Fatalf("OnHave fired again for a redundant have, calls=%d", gotHaveCalls)
	}
}

func TestConn_HandleMessage_HaveAllHaveNone(t *testing.T) {
	c := newTestConn(t, 4, nil)

	if err := c.handleMessage(protocol.MessageHaveAll()); err != nil {
		t.Fatalf("handleMessage(have_all): %v", err)
	}
	if !c.Have().All() {
		t.Fatalf("expected every bit set after have_all")
	}

	if err := c.handleMessage(protocol.MessageHaveNone()); err != nil {
		t.Fatalf("handleMessage(have_none): %v", err)
	}
	if c.Have().Any() {
		t.Fatalf("expected no bits set after have_none")
	}
}

func TestConn_HandleMessage_PieceUpdatesStatsAndPipeline(t *testing.T) {
	var gotIndex int
	var gotBegin int32
	var gotBlock []byte
	c := newTestConn(t, 4, &Opts{
		OnPiece: func(_ *Conn, idx int, begin int32, block []byte) {
			gotIndex, gotBegin, gotBlock = idx, begin, block
		},
	})
	c.pipeline = newPipelineController(5, 500)

	block := []byte{1, 2, 3, 4}
	if err := c.handleMessage(protocol.MessagePiece(2, 16384, block)); err != nil {
		t.Fatalf("handleMessage(piece): %v", err)
	}

	if gotIndex != 2 || gotBegin != 16384 || len(gotBlock) != 4 {
		t.Fatalf("OnPiece callback got (%d,%d,%v)", gotIndex, gotBegin, gotBlock)
	}
	if c.Stats.PiecesReceived.Load() != 1 {
		t.Fatalf("PiecesReceived = %d, want 1", c.Stats.PiecesReceived.Load())
	}
	if c.Stats.Downloaded.Load() != 4 {
		t.Fatalf("Downloaded = %d, want 4", c.Stats.Downloaded.Load())
	}
}

func TestConn_HandleMessage_UnknownMessageIDIsProtocolViolation(t *testing.T) {
	c := newTestConn(t, 4, nil)
	err := c.handleMessage(&protocol.Message{ID: protocol.MessageID(99)})
	if err == nil {
		t.Fatalf("expected an error for an unknown message id")
	}
}

func TestConn_ExtendedHandshake_LearnsRemoteUtMetadataID(t *testing.T) {
	var gotSize int
	c := newTestConn(t, 0, &Opts{
		OnMetadataSize: func(_ *Conn, size int) { gotSize = size },
	})

	body, err := bencode.Marshal(map[string]any{
		"m":             map[string]any{"ut_metadata": int64(7)},
		"metadata_size": int64(34816),
		"v":             "test/1.0",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if err := c.handleExtendedHandshake(body); err != nil {
		t.Fatalf("handleExtendedHandshake: %v", err)
	}
	if got := c.remoteUtMetadataID.Load(); got != 7 {
		t.Fatalf("remoteUtMetadataID = %d, want 7", got)
	}
	if gotSize != 34816 {
		t.Fatalf("OnMetadataSize got %d, want 34816", gotSize)
	}
}

func TestConn_ExtendedHandshake_RejectsHybridV2Peers(t *testing.T) {
	c := newTestConn(t, 0, nil)

	body, err := bencode.Marshal(map[string]any{
		"m":          map[string]any{"ut_metadata": int64(1)},
		"info_hash2": string(make([]byte, 32)),
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if err := c.handleExtendedHandshake(body); err == nil {
		t.Fatalf("expected a protocol violation for a hybrid v2 peer")
	}
}

func TestConn_MetadataMessage_DataPieceRecoversRawTrailingBytes(t *testing.T) {
	// A real ut_metadata data message is a bencoded header dict followed,
	// in the same payload, by the raw (non-bencoded) metadata piece bytes.
	// This synthesizes one larger than bufio's historical 4096-byte default
	// to exercise Decoder.Remaining's full-length buffering.
	raw := make([]byte, 24*1024)
	for i := range raw {
		raw[i] = byte(i % 251)
	}

	header, err := bencode.Marshal(map[string]any{
		"msg_type":   int64(1),
		"piece":      int64(3),
		"total_size": int64(len(raw)),
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	payload := append(append([]byte(nil), header...), raw...)

	var gotIndex int
	var gotData []byte
	c := newTestConn(t, 0, &Opts{
		OnMetadataPiece: func(_ *Conn, idx int, data []byte) {
			gotIndex, gotData = idx, data
		},
	})

	if err := c.handleMetadataMessage(payload); err != nil {
		t.Fatalf("handleMetadataMessage: %v", err)
	}
	if gotIndex != 3 {
		t.Fatalf("piece index = %d, want 3", gotIndex)
	}
	if len(gotData) != len(raw) {
		t.Fatalf("recovered %d trailing bytes, want %d", len(gotData), len(raw))
	}
	for i := range raw {
		if gotData[i] != raw[i] {
			t.Fatalf("byte %d mismatch: got=%d want=%d", i, gotData[i], raw[i])
		}
	}
}

func TestConn_MetadataMessage_RequestAndReject(t *testing.T) {
	var requestedIdx, rejectedIdx int
	c := newTestConn(t, 0, &Opts{
		OnMetadataRequest: func(_ *Conn, idx int) { requestedIdx = idx },
		OnMetadataReject:  func(_ *Conn, idx int) { rejectedIdx = idx },
	})

	reqBody, _ := bencode.Marshal(map[string]any{"msg_type": int64(0), "piece": int64(2)})
	if err := c.handleMetadataMessage(reqBody); err != nil {
		t.Fatalf("handleMetadataMessage(request): %v", err)
	}
	if requestedIdx != 2 {
		t.Fatalf("requestedIdx = %d, want 2", requestedIdx)
	}

	rejBody, _ := bencode.Marshal(map[string]any{"msg_type": int64(2), "piece": int64(9)})
	if err := c.handleMetadataMessage(rejBody); err != nil {
		t.Fatalf("handleMetadataMessage(reject): %v", err)
	}
	if rejectedIdx != 9 {
		t.Fatalf("rejectedIdx = %d, want 9", rejectedIdx)
	}
}

func TestConn_ExtractFrame_AssemblesMessageSpanningMultiplePushes(t *testing.T) {
	c := newTestConn(t, 4, nil)
	buf := chunkedbuffer.New()

	msg := protocol.MessageHave(7)
	wire, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	// Deliver the frame split across three separate reads, as a slow or
	// fragmented TCP read would.
	buf.Push(append([]byte(nil), wire[:2]...))
	if _, complete, err := c.extractFrame(buf); err != nil || complete {
		t.Fatalf("extractFrame on partial header: complete=%v err=%v", complete, err)
	}

	buf.Push(append([]byte(nil), wire[2:6]...))
	if _, complete, err := c.extractFrame(buf); err != nil || complete {
		t.Fatalf("extractFrame on partial payload: complete=%v err=%v", complete, err)
	}

	buf.Push(append([]byte(nil), wire[6:]...))
	got, complete, err := c.extractFrame(buf)
	if err != nil {
		t.Fatalf("extractFrame: %v", err)
	}
	if !complete {
		t.Fatalf("expected a complete frame once all bytes arrive")
	}
	idx, ok := got.ParseHave()
	if !ok || idx != 7 {
		t.Fatalf("ParseHave() = (%d, %v), want (7, true)", idx, ok)
	}
}

func TestConn_ExtractFrame_KeepAlive(t *testing.T) {
	c := newTestConn(t, 4, nil)
	buf := chunkedbuffer.New()
	buf.Push([]byte{0, 0, 0, 0})

	msg, complete, err := c.extractFrame(buf)
	if err != nil {
		t.Fatalf("extractFrame: %v", err)
	}
	if !complete || msg != nil {
		t.Fatalf("expected complete keep-alive frame with nil message, got complete=%v msg=%v", complete, msg)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected keep-alive bytes fully discarded, Len()=%d", buf.Len())
	}
}

func TestConn_ExtractFrame_RejectsOversizedLengthPrefix(t *testing.T) {
	c := newTestConn(t, 4, nil)
	buf := chunkedbuffer.New()

	huge := make([]byte, 4)
	huge[0] = 0xFF // absurd length prefix, far beyond c.codec.MaxMessageSize
	buf.Push(huge)

	_, _, err := c.extractFrame(buf)
	if err == nil {
		t.Fatalf("expected ErrMessageTooLarge for an oversized length prefix")
	}
}

// TestDialAcceptOverLoopback exercises the full handshake plus BEP 10
// extended handshake across a real TCP loopback connection, grounding the
// unit-level message tests above in an end-to-end wire exchange.
func TestDialAcceptOverLoopback(t *testing.T) {
	if _, err := config.Init(); err != nil {
		t.Fatalf("config.Init: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	infoHash := sha1.Sum([]byte("loopback-test-torrent"))
	clientID := sha1.Sum([]byte("client-a"))
	serverID := sha1.Sum([]byte("client-b"))

	serverAddr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("ParseAddrPort: %v", err)
	}

	var wg sync.WaitGroup
	var serverConn *Conn
	var serverErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		nc, err := ln.Accept()
		if err != nil {
			serverErr = err
			return
		}
		serverConn, serverErr = Accept(nc, serverID, &Opts{
			Log:          testLogger(),
			PieceCount:   4,
			InfoHash:     infoHash,
			MetadataSize: 1024,
		})
	}()

	clientConn, err := Dial(context.Background(), serverAddr, clientID, &Opts{
		Log:        testLogger(),
		PieceCount: 4,
		InfoHash:   infoHash,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()

	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept: %v", serverErr)
	}
	defer serverConn.Close()

	if clientConn.PeerID() != serverID {
		t.Fatalf("client's view of server PeerID mismatch")
	}
	if serverConn.PeerID() != clientID {
		t.Fatalf("server's view of client PeerID mismatch")
	}
	if !clientConn.SupportsFastExtension() || !clientConn.SupportsLTEP() {
		t.Fatalf("expected both extension bits advertised by the server")
	}
}
