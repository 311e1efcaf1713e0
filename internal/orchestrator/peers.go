package orchestrator

import (
	"net/netip"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/peerconn"
)

// blockKey packs a (pieceIndex, begin) pair into one map key, matching the
// teacher's blockKey(pieceIdx, begin uint32) uint64 packing used to track
// per-peer outstanding block assignments.
func blockKey(index int, begin int32) int64 {
	return int64(index)<<32 | int64(uint32(begin))
}

// peerHandle is the orchestrator's bookkeeping for one attached peer
// connection: its wire connection, our mirror of its announced pieces, and
// which blocks we believe it currently holds outstanding requests for.
//
// Grounded on internal/scheduler.peerState, trimmed of the teacher's own
// work-queue channel (this module drives sends directly through
// peerconn.Conn's methods rather than a second indirection).
type peerHandle struct {
	conn *peerconn.Conn
	addr netip.AddrPort

	have       *bitfield.Bitfield
	interested bool // we are interested in this peer

	assignments map[int64]struct{} // blockKey -> struct{}, blocks we believe this peer holds
	strikes     int
	blacklisted bool
}

func newPeerHandle(conn *peerconn.Conn, pieceCount int) *peerHandle {
	return &peerHandle{
		conn:        conn,
		addr:        conn.Addr(),
		have:        bitfield.New(pieceCount),
		assignments: make(map[int64]struct{}),
	}
}

// buildPeerOpts constructs the peerconn.Opts wiring every wire event into
// an orchestrator event, so the connection's own read loop never touches
// Torrent state directly (§5: per-peer isolation).
func (t *Torrent) buildPeerOpts(addr netip.AddrPort) *peerconn.Opts {
	t.snapMu.RLock()
	pieceCount := t.pieceCount
	infoHash := t.infoHash
	metaSize := len(t.rawInfoBytes)
	t.snapMu.RUnlock()

	return &peerconn.Opts{
		Log:          t.log,
		PieceCount:   pieceCount,
		InfoHash:     infoHash,
		MetadataSize: metaSize,

		OnHandshakeComplete: func(c *peerconn.Conn) {
			t.emit(HandshakeEvent{Peer: c.Addr()})
		},
		OnDisconnect: func(c *peerconn.Conn) {
			t.emit(GoneEvent{Peer: c.Addr()})
		},
		OnChoked: func(c *peerconn.Conn) {
			t.emit(ChokedEvent{Peer: c.Addr()})
		},
		RequestWork: func(c *peerconn.Conn) {
			t.emit(UnchokedEvent{Peer: c.Addr()})
		},
		OnBitfield: func(c *peerconn.Conn, bf *bitfield.Bitfield) {
			t.emit(BitfieldEvent{Peer: c.Addr(), Data: bf})
		},
		OnHave: func(c *peerconn.Conn, index int) {
			t.emit(HaveEvent{Peer: c.Addr(), Data: index})
		},
		OnHaveAll: func(c *peerconn.Conn) {
			t.emit(HaveAllEvent{Peer: c.Addr()})
		},
		OnHaveNone: func(c *peerconn.Conn) {
			t.emit(HaveNoneEvent{Peer: c.Addr()})
		},
		OnPiece: func(c *peerconn.Conn, index int, begin int32, data []byte) {
			t.emit(PieceEvent{Peer: c.Addr(), Data: pieceData{Index: index, Begin: begin, Block: data}})
		},
		OnRequest: func(c *peerconn.Conn, index int, begin, length int32) {
			t.emit(RequestEvent{Peer: c.Addr(), Data: requestData{Index: index, Begin: begin, Length: length}})
		},
		OnCancel: func(c *peerconn.Conn, index int, begin, length int32) {
			t.emit(CancelEvent{Peer: c.Addr(), Data: requestData{Index: index, Begin: begin, Length: length}})
		},
		OnMetadataSize: func(c *peerconn.Conn, size int) {
			t.emit(MetadataSizeEvent{Peer: c.Addr(), Data: size})
		},
		OnMetadataRequest: func(c *peerconn.Conn, index int) {
			t.emit(MetadataRequestEvent{Peer: c.Addr(), Data: index})
		},
		OnMetadataPiece: func(c *peerconn.Conn, index int, data []byte) {
			t.emit(MetadataPieceEvent{Peer: c.Addr(), Data: metadataPieceData{Index: index, Data: data}})
		},
		OnMetadataReject: func(c *peerconn.Conn, index int) {
			t.emit(MetadataRejectEvent{Peer: c.Addr(), Data: index})
		},
	}
}

// registerPeer creates the peerHandle bookkeeping for a freshly
// connected/accepted conn. It must run on the event-loop goroutine, so
// DialPeer/AcceptPeer route it through a ConnectedEvent rather than calling
// it directly — conn.Run (and therefore the first wire callback) is only
// started after this event has been queued, so no event about this peer
// can be processed out of order ahead of its own registration.
func (t *Torrent) registerPeer(conn *peerconn.Conn) {
	t.snapMu.RLock()
	pieceCount := t.pieceCount
	t.snapMu.RUnlock()

	t.peers[conn.Addr()] = newPeerHandle(conn, pieceCount)
}

// announceBitfield sends our own bitfield (or HAVE_ALL/HAVE_NONE when the
// peer supports the Fast extension) once its handshake completes, per
// §4.10's peer-lifecycle rule.
func (t *Torrent) announceBitfield(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}

	t.snapMu.RLock()
	pieceCount := t.pieceCount
	t.snapMu.RUnlock()
	if pieceCount == 0 {
		return // magnet mode: nothing to announce yet
	}

	owned := t.Bitfield()
	switch {
	case ph.conn.SupportsFastExtension() && owned.None():
		ph.conn.SendHaveNone()
	case ph.conn.SupportsFastExtension() && owned.All():
		ph.conn.SendHaveAll()
	default:
		ph.conn.SendBitfield(owned)
	}
}

// detachPeer releases every block this peer held across all active pieces
// and retracts its contribution to piece availability.
func (t *Torrent) detachPeer(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	delete(t.peers, addr)

	for _, ap := range t.active {
		ap.RemovePeer(addr)
	}

	if t.picker != nil && ph.have != nil {
		var had []int
		for i := 0; i < ph.have.Len(); i++ {
			if ph.have.Has(i) {
				had = append(had, i)
			}
		}
		t.picker.OnPeerGone(had)
	}
}
