// Package peerconn implements the per-peer wire connection state machine:
// handshake exchange, BEP 10 (LTEP) extended handshake, BEP 9 (ut_metadata)
// message dispatch, and the core choke/interested/have/request/piece
// message flow, framed through an internal/chunkedbuffer.Buffer fed by raw
// socket reads rather than the blocking io.ReadFull reads
// internal/protocol.Codec uses directly.
//
// Grounded on internal/peer/peer.go: the atomic state-mask bits
// (maskAmChoking etc.), the errgroup-based Run loop fanning out a read
// loop, a write loop, and a rate-estimation loop, the callback-based event
// dispatch (PeerOpts), and the EMA throughput estimator. Generalized here
// to add BEP 10/9 support the teacher never implements (it has no
// extension protocol at all, see spec.md §9 Design Notes) and to route
// reads through chunkedbuffer so a message that spans more than one TCP
// read is handled without the teacher's reliance on io.ReadFull blocking
// until a full frame arrives.
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/rabbit-engine/internal/bencode"
	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/chunkedbuffer"
	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/engineerr"
	"github.com/prxssh/rabbit-engine/internal/protocol"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// connState is the lifecycle of a Conn, advanced strictly forward.
type connState int32

const (
	stateHandshaking connState = iota
	stateActive
	stateClosed
)

// localUtMetadataID is the extended-message id this engine advertises for
// ut_metadata in its own handshake's "m" dict; peers must use this id when
// sending us BEP 9 messages.
const localUtMetadataID = 1

// Extension names negotiated over the BEP 10 "m" dictionary.
const extensionUtMetadata = "ut_metadata"

// Stats holds per-connection counters. The counters are atomic and
// monotonically increasing for the connection's lifetime; DownloadRate and
// UploadRate hold the current EMA estimates (bytes/sec) and rise and fall,
// and ConnectedAt/DisconnectedAt are plain, non-atomic timestamps.
//
// Grounded on internal/peer/peer.go's PeerStats, trimmed of the Wails-bound
// PeerMetrics duplication (this module has no frontend to bind to).
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Opts configures event dispatch for a Conn. Every callback except
// OnHandshakeComplete and OnDisconnect is invoked from the Conn's own read
// loop goroutine; those two run on the goroutine that called Run.
// Callbacks must not block.
type Opts struct {
	Log        *slog.Logger
	PieceCount int
	InfoHash   [sha1.Size]byte

	// MetadataSize is non-zero when the caller already knows the info
	// dictionary's length (a .torrent file, not a bare magnet link), so the
	// extended handshake can advertise it to peers per BEP 9.
	MetadataSize int

	OnChoked            func(*Conn)
	OnBitfield          func(*Conn, *bitfield.Bitfield)
	OnHave              func(*Conn, int)
	OnHaveAll           func(*Conn)
	OnHaveNone          func(*Conn)
	OnPiece             func(*Conn, int, int32, []byte)
	OnRequest           func(*Conn, int, int32, int32)
	OnCancel            func(*Conn, int, int32, int32)
	OnDisconnect        func(*Conn)
	OnHandshakeComplete func(*Conn)
	OnMetadataSize      func(*Conn, int)
	OnMetadataRequest   func(*Conn, int)
	OnMetadataPiece     func(*Conn, int, []byte)
	OnMetadataReject    func(*Conn, int)
	RequestWork         func(*Conn)
}

// Conn is one peer wire connection: handshake, extended handshake, and the
// steady-state message loop.
type Conn struct {
	log    *slog.Logger
	conn   net.Conn
	addr   netip.AddrPort
	peerID [sha1.Size]byte
	opts   *Opts

	state    atomic.Int32 // connState
	flagMask atomic.Uint32

	peerSupportsFast bool
	peerSupportsLTEP bool

	Stats *Stats

	bitfieldMu sync.RWMutex
	have       *bitfield.Bitfield

	remoteUtMetadataID atomic.Int32 // 0 until learned; extended ids are never 0 for a real extension

	pipeline pipelineController

	lastActivityAt atomic.Int64
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	cancel         context.CancelFunc
	codec          *protocol.Codec
}

// Dial opens a TCP connection to addr, performs the BitTorrent handshake
// (verifying info hash), and returns a Conn ready for Run. The attempt is
// bounded by ctx alone (the caller's adaptive connTiming deadline, per
// §5) rather than a second fixed net.Dialer timeout, so a generous
// adaptive timeout is never silently overridden by a stricter static one.
func Dial(ctx context.Context, addr netip.AddrPort, localPeerID [sha1.Size]byte, opts *Opts) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	c, err := handshakeAndWrap(nc, addr, localPeerID, opts, true)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept performs the inbound side of the handshake over an
// already-accepted connection (e.g. from a net.Listener's Accept) and
// returns a Conn ready for Run.
func Accept(nc net.Conn, localPeerID [sha1.Size]byte, opts *Opts) (*Conn, error) {
	addrPort, err := netip.ParseAddrPort(nc.RemoteAddr().String())
	if err != nil {
		addrPort = netip.AddrPort{}
	}
	return handshakeAndWrap(nc, addrPort, localPeerID, opts, false)
}

func handshakeAndWrap(nc net.Conn, addr netip.AddrPort, localPeerID [sha1.Size]byte, opts *Opts, verifyInfoHash bool) (*Conn, error) {
	cfg := config.Load()

	_ = nc.SetDeadline(time.Now().Add(cfg.DialTimeout))
	defer nc.SetDeadline(time.Time{})

	local := protocol.NewHandshake(opts.InfoHash, localPeerID)
	local.SetFastExtension()
	local.SetExtensionProtocol()

	remote, err := local.Exchange(nc, verifyInfoHash)
	if err != nil {
		return nil, fmt.Errorf("peerconn: handshake: %w", err)
	}

	c := &Conn{
		log:    opts.Log.With("src", "peerconn", "addr", addr),
		conn:   nc,
		addr:   addr,
		peerID: remote.PeerID,
		opts:   opts,
		Stats:  &Stats{ConnectedAt: time.Now()},
		have:   bitfield.New(opts.PieceCount),
		outbox: make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
		codec:  protocol.NewCodec(0),
	}
	c.peerSupportsFast = remote.SupportsFastExtension()
	c.peerSupportsLTEP = remote.SupportsExtensionProtocol()
	c.pipeline = newPipelineController(cfg.MinPipelineDepth, cfg.MaxPipelineDepth)
	c.setFlags(maskAmChoking|maskPeerChoking, true)
	c.state.Store(int32(stateActive))
	c.lastActivityAt.Store(time.Now().UnixNano())

	return c, nil
}

// Run drives the connection's read loop, write loop, and throughput
// estimator until ctx is cancelled or an I/O error occurs. It always closes
// the connection before returning.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.rateLoop(gctx) })

	if c.peerSupportsLTEP {
		c.sendExtendedHandshake()
	}
	if c.opts.OnHandshakeComplete != nil {
		c.opts.OnHandshakeComplete(c)
	}

	err := g.Wait()
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c)
	}
	return err
}

// Close shuts the connection down. Safe to call more than once and
// concurrently with Run.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		close(c.outbox)
		c.Stats.DisconnectedAt = time.Now()
		c.log.Debug("closed")
	})
}

func (c *Conn) Addr() netip.AddrPort        { return c.addr }
func (c *Conn) PeerID() [sha1.Size]byte     { return c.peerID }
func (c *Conn) SupportsFastExtension() bool { return c.peerSupportsFast }
func (c *Conn) SupportsLTEP() bool          { return c.peerSupportsLTEP }

// Have returns a snapshot of the bits this peer has announced via
// Bitfield/Have/HaveAll messages.
func (c *Conn) Have() *bitfield.Bitfield {
	c.bitfieldMu.RLock()
	defer c.bitfieldMu.RUnlock()
	return c.have.Clone()
}

// SetPieceCount (re)initializes the peer's known-pieces bitfield once the
// piece count becomes known — e.g. after a magnet-link download's BEP 9
// metadata fetch completes and the connection was opened before the
// torrent's piece count was known. Any Have/HaveAll/HaveNone state observed
// before this call is discarded; callers that care should request a fresh
// Bitfield from the peer afterward.
func (c *Conn) SetPieceCount(n int) {
	c.bitfieldMu.Lock()
	defer c.bitfieldMu.Unlock()
	c.have = bitfield.New(n)
}

func (c *Conn) AmChoking() bool      { return c.getFlags(maskAmChoking) }
func (c *Conn) AmInterested() bool   { return c.getFlags(maskAmInterested) }
func (c *Conn) PeerChoking() bool    { return c.getFlags(maskPeerChoking) }
func (c *Conn) PeerInterested() bool { return c.getFlags(maskPeerInterested) }

// PipelineDepth returns the current adaptive request pipeline depth (§4.6).
func (c *Conn) PipelineDepth() int { return c.pipeline.Depth() }

func (c *Conn) getFlags(mask uint32) bool { return c.flagMask.Load()&mask != 0 }

func (c *Conn) setFlags(mask uint32, on bool) {
	for {
		old := c.flagMask.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if c.flagMask.CompareAndSwap(old, next) {
			return
		}
	}
}

// ---- outbound send helpers ----

func (c *Conn) SendKeepAlive()       { c.enqueue(nil) }
func (c *Conn) SendChoke()           { c.enqueue(protocol.MessageChoke()) }
func (c *Conn) SendUnchoke()         { c.enqueue(protocol.MessageUnchoke()) }
func (c *Conn) SendInterested()      { c.enqueue(protocol.MessageInterested()) }
func (c *Conn) SendNotInterested()   { c.enqueue(protocol.MessageNotInterested()) }
func (c *Conn) SendHave(index int)   { c.enqueue(protocol.MessageHave(uint32(index))) }
func (c *Conn) SendHaveAll()         { c.enqueue(protocol.MessageHaveAll()) }
func (c *Conn) SendHaveNone()        { c.enqueue(protocol.MessageHaveNone()) }

func (c *Conn) SendBitfield(bf *bitfield.Bitfield) {
	c.enqueue(protocol.MessageBitfield(bf.Bytes()))
}

// SendRequest enqueues a block request, dropping it silently if the peer
// currently has us choked (matches the teacher's SendRequest guard).
func (c *Conn) SendRequest(index int, begin, length int32) {
	if c.PeerChoking() {
		return
	}
	c.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

func (c *Conn) SendCancel(index int, begin, length int32) {
	c.enqueue(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

// SendPiece enqueues an upload block, dropping it silently if we currently
// have the peer choked.
func (c *Conn) SendPiece(index int, begin int32, block []byte) {
	if c.AmChoking() {
		return
	}
	c.enqueue(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

// SendMetadataRequest issues a BEP 9 ut_metadata request for piece index.
// It is a no-op if the peer has not advertised ut_metadata support.
func (c *Conn) SendMetadataRequest(index int) {
	id := c.remoteUtMetadataID.Load()
	if id == 0 {
		return
	}
	body, err := bencode.Marshal(map[string]any{
		"msg_type": int64(0),
		"piece":    int64(index),
	})
	if err != nil {
		return
	}
	c.enqueue(protocol.MessageExtended(byte(id), body))
}

// SendMetadataPiece replies to a BEP 9 request with the raw metadata bytes
// for piece index.
func (c *Conn) SendMetadataPiece(index int, data []byte) {
	id := c.remoteUtMetadataID.Load()
	if id == 0 {
		return
	}
	header, err := bencode.Marshal(map[string]any{
		"msg_type":   int64(1),
		"piece":      int64(index),
		"total_size": int64(len(data)),
	})
	if err != nil {
		return
	}
	payload := append(header, data...)
	c.enqueue(protocol.MessageExtended(byte(id), payload))
}

// SendMetadataReject declines a BEP 9 request for piece index, e.g. because
// we ourselves do not have the full metadata yet.
func (c *Conn) SendMetadataReject(index int) {
	id := c.remoteUtMetadataID.Load()
	if id == 0 {
		return
	}
	body, err := bencode.Marshal(map[string]any{
		"msg_type": int64(2),
		"piece":    int64(index),
	})
	if err != nil {
		return
	}
	c.enqueue(protocol.MessageExtended(byte(id), body))
}

func (c *Conn) sendExtendedHandshake() {
	dict := map[string]any{
		"m": map[string]any{
			extensionUtMetadata: int64(localUtMetadataID),
		},
		"v": "rabbit-engine/1.0",
	}
	if c.opts.MetadataSize > 0 {
		dict["metadata_size"] = int64(c.opts.MetadataSize)
	}

	body, err := bencode.Marshal(dict)
	if err != nil {
		c.log.Warn("failed to encode extended handshake", "error", err)
		return
	}
	c.enqueue(protocol.MessageExtended(protocol.ExtendedHandshakeID, body))
}

func (c *Conn) enqueue(m *protocol.Message) bool {
	if c.state.Load() == int32(stateClosed) {
		return false
	}
	select {
	case c.outbox <- m:
		return true
	default:
		return false
	}
}

// ---- read/write/rate loops ----

func (c *Conn) readLoop(ctx context.Context) error {
	buf := chunkedbuffer.New()
	scratch := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
		n, err := c.conn.Read(scratch)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, scratch[:n])
			buf.Push(chunk)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if err == io.EOF {
				return nil
			}
			c.Stats.Errors.Add(1)
			return err
		}

		for {
			msg, complete, ferr := c.extractFrame(buf)
			if ferr != nil {
				c.Stats.Errors.Add(1)
				return ferr
			}
			if !complete {
				break
			}

			c.Stats.MessagesReceived.Add(1)
			c.lastActivityAt.Store(time.Now().UnixNano())

			if err := c.handleMessage(msg); err != nil {
				return err
			}
		}
	}
}

// extractFrame attempts to pull one complete wire frame off buf. complete is
// false if buf does not yet hold a full frame (caller should read more).
// msg is nil for a keep-alive frame.
func (c *Conn) extractFrame(buf *chunkedbuffer.Buffer) (msg *protocol.Message, complete bool, err error) {
	length, ok := buf.PeekUint32BE()
	if !ok {
		return nil, false, nil
	}
	if length == 0 {
		buf.Discard(4)
		return nil, true, nil
	}
	if int(length) > c.codec.MaxMessageSize {
		return nil, false, protocol.ErrMessageTooLarge
	}
	if buf.Len() < 4+int(length) {
		return nil, false, nil
	}

	buf.Discard(4)
	frame, _ := buf.CopyTo(int(length))

	m := &protocol.Message{ID: protocol.MessageID(frame[0]), Payload: frame[1:]}
	return m, true, nil
}

func (c *Conn) writeLoop(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.writeMessage(msg); err != nil {
				return err
			}

		case <-ticker.C:
			last := time.Unix(0, c.lastActivityAt.Load())
			if time.Since(last) >= cfg.KeepAliveInterval {
				c.SendKeepAlive()
			}
		}
	}
}

func (c *Conn) writeMessage(msg *protocol.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		c.Stats.Errors.Add(1)
		return err
	}

	c.onMessageWritten(msg)
	return nil
}

// rateLoop maintains an EMA of upload/download throughput, identical in
// shape to internal/peer/peer.go's downloadUploadRatesLoop.
func (c *Conn) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := c.Stats.Uploaded.Load()
	lastDown := c.Stats.Downloaded.Load()

	const alpha = 0.2
	var upEMA, downEMA float64
	var inited bool

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := c.Stats.Uploaded.Load()
			curDown := c.Stats.Downloaded.Load()

			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			c.Stats.UploadRate.Store(uint64(upEMA))
			c.Stats.DownloadRate.Store(uint64(downEMA))
			c.pipeline.Tick(int(downEMA) / pipelineBlockSize())

			lastUp, lastDown = curUp, curDown
		}
	}
}

func pipelineBlockSize() int { return 16 * 1024 }

func (c *Conn) handleMessage(m *protocol.Message) error {
	if protocol.IsKeepAlive(m) {
		return nil
	}
	if err := m.ValidatePayloadSize(); err != nil {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: err.Error()}
	}

	switch m.ID {
	case protocol.Choke:
		c.setFlags(maskPeerChoking, true)
		c.pipeline.OnChoke()
		if c.opts.OnChoked != nil {
			c.opts.OnChoked(c)
		}

	case protocol.Unchoke:
		c.setFlags(maskPeerChoking, false)
		if c.opts.RequestWork != nil {
			c.opts.RequestWork(c)
		}

	case protocol.Interested:
		c.setFlags(maskPeerInterested, true)

	case protocol.NotInterested:
		c.setFlags(maskPeerInterested, false)

	case protocol.Bitfield:
		bf, err := bitfield.FromBytes(m.Payload, c.have.Len())
		if err != nil {
			return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: err.Error()}
		}
		c.bitfieldMu.Lock()
		c.have = bf
		c.bitfieldMu.Unlock()
		if c.opts.OnBitfield != nil {
			c.opts.OnBitfield(c, bf.Clone())
		}

	case protocol.Have:
		index, ok := m.ParseHave()
		if !ok {
			return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "malformed have"}
		}
		c.bitfieldMu.Lock()
		changed := c.have.Set(int(index))
		c.bitfieldMu.Unlock()
		if changed && c.opts.OnHave != nil {
			c.opts.OnHave(c, int(index))
		}

	case protocol.HaveAll:
		c.bitfieldMu.Lock()
		c.have.SetAll()
		c.bitfieldMu.Unlock()
		if c.opts.OnHaveAll != nil {
			c.opts.OnHaveAll(c)
		}

	case protocol.HaveNone:
		c.bitfieldMu.Lock()
		c.have.ClearAll()
		c.bitfieldMu.Unlock()
		if c.opts.OnHaveNone != nil {
			c.opts.OnHaveNone(c)
		}

	case protocol.Request:
		index, begin, length, ok := m.ParseRequest()
		if !ok {
			return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "malformed request"}
		}
		c.Stats.RequestsReceived.Add(1)
		if c.opts.OnRequest != nil {
			c.opts.OnRequest(c, int(index), int32(begin), int32(length))
		}

	case protocol.Piece:
		index, begin, block, ok := m.ParsePiece()
		if !ok {
			return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "malformed piece"}
		}
		c.Stats.PiecesReceived.Add(1)
		c.Stats.Downloaded.Add(uint64(len(block)))
		c.pipeline.OnBlockReceived()
		if c.opts.OnPiece != nil {
			c.opts.OnPiece(c, int(index), int32(begin), block)
		}

	case protocol.Cancel:
		index, begin, length, ok := m.ParseRequest()
		if !ok {
			return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "malformed cancel"}
		}
		c.Stats.RequestsCancelled.Add(1)
		if c.opts.OnCancel != nil {
			c.opts.OnCancel(c, int(index), int32(begin), int32(length))
		}

	case protocol.Extended:
		return c.handleExtended(m)

	default:
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: fmt.Sprintf("unknown message id %d", m.ID)}
	}

	return nil
}

func (c *Conn) onMessageWritten(m *protocol.Message) {
	c.Stats.MessagesSent.Add(1)
	c.lastActivityAt.Store(time.Now().UnixNano())

	if m == nil {
		return
	}
	switch m.ID {
	case protocol.Choke:
		c.setFlags(maskAmChoking, true)
	case protocol.Unchoke:
		c.setFlags(maskAmChoking, false)
	case protocol.Interested:
		c.setFlags(maskAmInterested, true)
	case protocol.NotInterested:
		c.setFlags(maskAmInterested, false)
	case protocol.Request:
		c.Stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(m.Payload); n >= 8 {
			c.Stats.PiecesSent.Add(1)
			c.Stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		c.Stats.RequestsCancelled.Add(1)
	}
}

// handleExtended dispatches a BEP 10 Extended message: id 0 is the
// handshake dict itself, any other id is a negotiated extension (only
// ut_metadata is currently wired).
func (c *Conn) handleExtended(m *protocol.Message) error {
	extID, body, ok := m.ParseExtended()
	if !ok {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "malformed extended message"}
	}

	if extID == protocol.ExtendedHandshakeID {
		return c.handleExtendedHandshake(body)
	}
	if extID == localUtMetadataID {
		return c.handleMetadataMessage(body)
	}
	// Unknown negotiated extension id; ignore rather than disconnect, since
	// an unrecognized id is not itself a protocol violation.
	return nil
}

func (c *Conn) handleExtendedHandshake(body []byte) error {
	dec := bencode.NewDecoder(body)
	v, err := dec.Decode()
	if err != nil {
		return &engineerr.ParseError{Component: "peerconn.extended_handshake", Err: err}
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "extended handshake is not a dict"}
	}

	// BEP 52 hybrid v2 torrents advertise info_hash2; this engine only
	// implements the v1 wire protocol (spec.md Non-goals), so detect and
	// disconnect rather than silently mishandle a v2-only swarm member.
	if _, has := dict["info_hash2"]; has {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "peer is hybrid/v2-only, unsupported"}
	}

	if mv, ok := dict["m"].(map[string]any); ok {
		if idVal, ok := mv[extensionUtMetadata]; ok {
			if id, ok := toInt(idVal); ok && id > 0 {
				c.remoteUtMetadataID.Store(int32(id))
			}
		}
	}

	if sizeVal, ok := dict["metadata_size"]; ok {
		if size, ok := toInt(sizeVal); ok && size > 0 && c.opts.OnMetadataSize != nil {
			c.opts.OnMetadataSize(c, size)
		}
	}

	return nil
}

// handleMetadataMessage parses a BEP 9 ut_metadata message. The payload is
// a bencoded header dict immediately followed, for msg_type=data, by the
// raw (non-bencoded) piece bytes within the same message payload — the
// Decoder's Remaining accessor recovers those trailing bytes precisely,
// independent of the header dict's own length.
func (c *Conn) handleMetadataMessage(body []byte) error {
	dec := bencode.NewDecoder(body)
	v, err := dec.Decode()
	if err != nil {
		return &engineerr.ParseError{Component: "peerconn.ut_metadata", Err: err}
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "ut_metadata message is not a dict"}
	}

	msgType, ok := toInt(dict["msg_type"])
	if !ok {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "ut_metadata missing msg_type"}
	}
	index, ok := toInt(dict["piece"])
	if !ok {
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: "ut_metadata missing piece"}
	}

	switch msgType {
	case 0: // request
		if c.opts.OnMetadataRequest != nil {
			c.opts.OnMetadataRequest(c, index)
		}
	case 1: // data
		data := dec.Remaining()
		if c.opts.OnMetadataPiece != nil {
			c.opts.OnMetadataPiece(c, index, data)
		}
	case 2: // reject
		if c.opts.OnMetadataReject != nil {
			c.opts.OnMetadataReject(c, index)
		}
	default:
		return &engineerr.ProtocolViolationError{Peer: c.addr.String(), Reason: fmt.Sprintf("unknown ut_metadata msg_type %d", msgType)}
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
