package orchestrator

import (
	"net/netip"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/fileprio"
	"github.com/prxssh/rabbit-engine/internal/peerconn"
)

// event is the marker interface for everything the event loop consumes.
//
// Grounded on the teacher's internal/scheduler/peer_event.go: a single
// generic PeerEvent[T] parameterized by a phantom data type per wire
// signal. Signals whose payload type another signal already uses
// (CancelEvent and the int-carrying Metadata*Events) are defined types over
// PeerEvent[T] rather than aliases, so every signal is a distinct type and
// a type switch in handleEvent can dispatch on it without a separate
// discriminant field.
type event interface{ isEvent() }

// PeerEvent wraps one signal from peer Peer, carrying whatever payload T
// that signal needs.
type PeerEvent[T any] struct {
	Peer netip.AddrPort
	Data T
}

func (e PeerEvent[T]) isEvent() {}

type (
	handshakeData struct{}
	chokedData    struct{}
	unchokedData  struct{}
	goneData      struct{}
	haveAllData   struct{}
	haveNoneData  struct{}
)

type connectedData struct{ conn *peerconn.Conn }

type (
	ConnectedEvent = PeerEvent[connectedData]
	HandshakeEvent = PeerEvent[handshakeData]
	ChokedEvent    = PeerEvent[chokedData]
	UnchokedEvent  = PeerEvent[unchokedData]
	GoneEvent      = PeerEvent[goneData]
	HaveAllEvent   = PeerEvent[haveAllData]
	HaveNoneEvent  = PeerEvent[haveNoneData]
	BitfieldEvent  = PeerEvent[*bitfield.Bitfield]
	HaveEvent      = PeerEvent[int]

	PieceEvent   = PeerEvent[pieceData]
	RequestEvent = PeerEvent[requestData]
	CancelEvent  PeerEvent[requestData]

	MetadataSizeEvent    PeerEvent[int]
	MetadataRequestEvent PeerEvent[int]
	MetadataPieceEvent   = PeerEvent[metadataPieceData]
	MetadataRejectEvent  PeerEvent[int]
)

func (CancelEvent) isEvent()          {}
func (MetadataSizeEvent) isEvent()    {}
func (MetadataRequestEvent) isEvent() {}
func (MetadataRejectEvent) isEvent()  {}

type pieceData struct {
	Index int
	Begin int32
	Block []byte
}

type requestData struct {
	Index  int
	Begin  int32
	Length int32
}

type metadataPieceData struct {
	Index int
	Data  []byte
}

// setFilePriorityEvent carries a SetFilePriority request onto the
// event-loop goroutine, since fileprio.Manager is owned exclusively by
// that goroutine (§5) and must not be mutated directly from whatever
// caller (e.g. a control API) invokes Torrent.SetFilePriority.
type setFilePriorityEvent struct {
	FileIndex int
	Priority  fileprio.Priority
	Result    chan error
}

func (setFilePriorityEvent) isEvent() {}

// handleEvent dispatches one event to its handler. Every handler runs
// exclusively on the event-loop goroutine, matching the teacher's
// PieceScheduler.handleEvent switch.
func (t *Torrent) handleEvent(e event) {
	switch ev := e.(type) {
	case ConnectedEvent:
		t.registerPeer(ev.Data.conn)
	case HandshakeEvent:
		t.onPeerHandshake(ev.Peer)
	case GoneEvent:
		t.onPeerGone(ev.Peer)
	case ChokedEvent:
		t.onPeerChoked(ev.Peer)
	case UnchokedEvent:
		t.onPeerUnchoked(ev.Peer)
	case BitfieldEvent:
		t.onPeerBitfield(ev.Peer, ev.Data)
	case HaveEvent:
		t.onPeerHave(ev.Peer, ev.Data)
	case HaveAllEvent:
		t.onPeerHaveAll(ev.Peer)
	case HaveNoneEvent:
		t.onPeerHaveNone(ev.Peer)
	case PieceEvent:
		t.onPeerPiece(ev.Peer, ev.Data)
	case RequestEvent:
		t.onPeerRequest(ev.Peer, ev.Data)
	case CancelEvent:
		t.onPeerCancel(ev.Peer, ev.Data)
	case MetadataSizeEvent:
		t.onMetadataSize(ev.Peer, ev.Data)
	case MetadataRequestEvent:
		t.onMetadataRequest(ev.Peer, ev.Data)
	case MetadataPieceEvent:
		t.onMetadataPiece(ev.Peer, ev.Data)
	case MetadataRejectEvent:
		t.onMetadataReject(ev.Peer, ev.Data)
	case setFilePriorityEvent:
		t.onSetFilePriority(ev)
	default:
		t.log.Warn("unknown event type", "event", e)
	}
}

func (t *Torrent) onPeerHandshake(addr netip.AddrPort) {
	t.announceBitfield(addr)
}

func (t *Torrent) onPeerGone(addr netip.AddrPort) {
	t.detachPeer(addr)
}

func (t *Torrent) onPeerChoked(addr netip.AddrPort) {
	// No per-peer state to flip here: PeerChoking() is tracked inside
	// peerconn.Conn itself and the scheduler simply stops assigning new
	// blocks to a choked peer (see findWorkForIdlePeers/tryAssign).
}

func (t *Torrent) onPeerUnchoked(addr netip.AddrPort) {
	t.tryAssign(addr)
}

func (t *Torrent) onPeerBitfield(addr netip.AddrPort, bf *bitfield.Bitfield) {
	ph, ok := t.peers[addr]
	if !ok || bf == nil {
		return
	}
	ph.have = bf
	if t.picker != nil {
		t.picker.OnPeerBitfield(bf)
	}
	t.recomputeInterest(addr)
}

func (t *Torrent) onPeerHave(addr netip.AddrPort, index int) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	if !ph.have.Set(index) {
		return
	}
	if t.picker != nil {
		t.picker.OnPeerHave(index)
	}
	t.recomputeInterest(addr)
}

func (t *Torrent) onPeerHaveAll(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	ph.have.SetAll()
	if t.picker != nil {
		for i := 0; i < ph.have.Len(); i++ {
			t.picker.OnPeerHave(i)
		}
	}
	t.recomputeInterest(addr)
}

func (t *Torrent) onPeerHaveNone(addr netip.AddrPort) {
	// Nothing to recompute: a fresh bitfield already has every bit clear.
}
