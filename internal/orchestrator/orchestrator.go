// Package orchestrator implements the per-torrent download coordinator: the
// single-threaded event loop that owns piece scheduling, peer lifecycle,
// receive-path verification, and BEP 9 metadata assembly for one torrent.
//
// Grounded on the teacher's internal/scheduler.PieceScheduler: a central
// struct reached only from one goroutine via a buffered event channel plus
// a periodic tick, with peer connections publishing events rather than
// mutating scheduler state directly. Generalized here to also drive a
// magnet-link's BEP 9 metadata fetch before the real piece state exists,
// and to own the upload path and on-disk store the teacher splits across
// separate collaborators wired by its UI layer.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/conntiming"
	"github.com/prxssh/rabbit-engine/internal/fileprio"
	"github.com/prxssh/rabbit-engine/internal/meta"
	"github.com/prxssh/rabbit-engine/internal/metadatafetcher"
	"github.com/prxssh/rabbit-engine/internal/peerconn"
	"github.com/prxssh/rabbit-engine/internal/piece"
	"github.com/prxssh/rabbit-engine/internal/storage"
	"github.com/prxssh/rabbit-engine/internal/uploader"
)

// Opts configures a new Torrent.
type Opts struct {
	Log         *slog.Logger
	Config      *config.Config
	LocalPeerID [sha1.Size]byte
	DownloadDir string
}

// Torrent coordinates one torrent's download/seed lifecycle. Every field
// from picker onward is owned exclusively by the event-loop goroutine
// started by Run; external callers must only use the exported snapshot
// methods (Bitfield, Progress, InfoHash, ...), which take the snapshot
// lock.
//
// Grounded on internal/scheduler.PieceScheduler's "single event-loop owns
// everything, eventQueue is the only way in" shape.
type Torrent struct {
	log         *slog.Logger
	cfg         *config.Config
	localPeerID [sha1.Size]byte
	downloadDir string

	infoHash [sha1.Size]byte

	events chan event
	cancel context.CancelFunc
	done   chan struct{}

	snapMu sync.RWMutex // guards the fields snapshot methods read
	info   *meta.Info
	have   *bitfield.Bitfield

	pieceCount  int
	pieceLen    int32
	totalLength int64

	picker   *piece.Picker
	fileprio *fileprio.Manager
	store    *storage.Store
	uploader *uploader.Uploader
	bufPool  *piece.BufferPool
	bufs     map[int][]byte // pieceIndex -> buffer held from bufPool for its ActivePiece

	active map[int]*piece.ActivePiece
	peers  map[netip.AddrPort]*peerHandle

	rawInfoBytes []byte // bencoded info dict, served byte-for-byte for BEP 9 requests
	metaFetcher  *metadatafetcher.Fetcher

	connTiming *conntiming.Tracker

	endgame bool

	listenCtx context.Context
}

// New returns a Torrent for an already-known metainfo (a parsed .torrent
// file), ready to be started with Run.
func New(info *meta.Info, infoHash [sha1.Size]byte, rawInfoBytes []byte, opts Opts) (*Torrent, error) {
	t := newBase(infoHash, opts)
	if err := t.completeInfo(info, rawInfoBytes); err != nil {
		return nil, err
	}
	return t, nil
}

// NewFromMagnet returns a Torrent for a magnet link whose metainfo is not
// yet known. Piece state (picker, bitfield, file priorities, on-disk
// store) is uninitialized until BEP 9 metadata assembly completes via
// completeInfo; until then, attached peers are given PieceCount 0 and no
// blocks are ever requested.
func NewFromMagnet(m *meta.Magnet, opts Opts) *Torrent {
	t := newBase(m.InfoHash, opts)
	t.metaFetcher = metadatafetcher.New(m.InfoHash)
	return t
}

func newBase(infoHash [sha1.Size]byte, opts Opts) *Torrent {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "orchestrator", "infoHash", fmt.Sprintf("%x", infoHash))

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	return &Torrent{
		log:         log,
		cfg:         cfg,
		localPeerID: opts.LocalPeerID,
		downloadDir: opts.DownloadDir,
		infoHash:    infoHash,
		events:      make(chan event, 4096),
		done:        make(chan struct{}),
		peers:       make(map[netip.AddrPort]*peerHandle),
		active:      make(map[int]*piece.ActivePiece),
		bufs:        make(map[int][]byte),
		connTiming: conntiming.New(
			cfg.ConnTimingWindowSize, cfg.ConnTimingMinSamples, cfg.DialTimeout,
			cfg.ConnTimingMinTimeout, cfg.ConnTimingMaxTimeout,
		),
	}
}

// completeInfo installs the piece-level state for info, either at
// construction time (New) or once a magnet download's BEP 9 metadata
// fetch verifies (onMetadataPiece). It must only be called from the
// event-loop goroutine once Run has started, except for the New() path
// where no loop is running yet.
func (t *Torrent) completeInfo(info *meta.Info, rawInfoBytes []byte) error {
	pieceLen := info.PieceLength
	total := info.Length
	if total == 0 {
		for _, f := range info.Files {
			total += f.Length
		}
	}
	pieceCount := piece.Count(total, pieceLen)
	if pieceCount == 0 || pieceCount != len(info.Pieces) {
		return fmt.Errorf("orchestrator: piece count mismatch (computed %d, hashes %d)", pieceCount, len(info.Pieces))
	}

	store, err := storage.Open(t.downloadDir, info.Name, info.Files, total, pieceLen)
	if err != nil {
		return err
	}

	t.snapMu.Lock()
	t.info = info
	t.pieceCount = pieceCount
	t.pieceLen = pieceLen
	t.totalLength = total
	t.have = bitfield.New(pieceCount)
	t.snapMu.Unlock()

	t.picker = piece.NewPicker(pieceCount, t.cfg.MaxPeers)
	t.fileprio = fileprio.New(info, pieceLen)
	t.store = store
	t.bufPool = piece.NewBufferPool(int(pieceLen))
	t.uploader = uploader.New(store, t.cfg, t.log)
	t.rawInfoBytes = rawInfoBytes

	for addr, ph := range t.peers {
		ph.conn.SetPieceCount(pieceCount)
		ph.have = bitfield.New(pieceCount)
		t.announceBitfield(addr)
		t.recomputeInterest(addr)
	}

	return nil
}

// Run drives the event loop until ctx is cancelled. It always returns nil;
// callers observe shutdown by ctx.Done() or by reading Done().
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.listenCtx = ctx
	defer close(t.done)

	scheduleTick := time.NewTicker(time.Second)
	defer scheduleTick.Stop()

	gcTick := time.NewTicker(t.cfg.ActivePieceGCInterval)
	defer gcTick.Stop()

	if t.uploader != nil {
		go func() {
			if err := t.uploader.Run(ctx); err != nil {
				t.log.Debug("uploader stopped", "error", err.Error())
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil

		case e, ok := <-t.events:
			if !ok {
				t.shutdown()
				return nil
			}
			t.handleEvent(e)

		case <-scheduleTick.C:
			t.findWorkForIdlePeers()

		case <-gcTick.C:
			t.gcStalePieces()
		}
	}
}

// Shutdown stops the event loop and releases resources. Safe to call more
// than once.
func (t *Torrent) Shutdown() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done returns a channel closed once the event loop has exited and
// shutdown cleanup has finished.
func (t *Torrent) Done() <-chan struct{} { return t.done }

func (t *Torrent) shutdown() {
	for _, ph := range t.peers {
		ph.conn.Close()
	}
	if t.uploader != nil {
		t.uploader.Close()
	}
	for idx, buf := range t.bufs {
		if t.bufPool != nil {
			t.bufPool.Put(buf)
		}
		delete(t.bufs, idx)
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			t.log.Warn("error closing store", "error", err.Error())
		}
	}
}

// emit queues e for the event loop. Callers are peerconn callbacks, which
// must not block; a full queue falls back to a blocking send on a spare
// goroutine rather than dropping, since a dropped Piece or Gone event would
// permanently desync the scheduler's bookkeeping (unlike a dropped Have,
// which a later full bitfield recomputation would paper over).
func (t *Torrent) emit(e event) {
	select {
	case t.events <- e:
	default:
		go func() { t.events <- e }()
	}
}

// InfoHash returns this torrent's info hash.
func (t *Torrent) InfoHash() [sha1.Size]byte { return t.infoHash }

// Bitfield returns a snapshot of the pieces owned so far. Returns nil if
// metadata has not completed yet (magnet mode).
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	t.snapMu.RLock()
	defer t.snapMu.RUnlock()
	if t.have == nil {
		return nil
	}
	return t.have.Clone()
}

// Progress reports (owned pieces, total pieces). Total is 0 until metadata
// completes.
func (t *Torrent) Progress() (owned, total int) {
	t.snapMu.RLock()
	defer t.snapMu.RUnlock()
	if t.have == nil {
		return 0, 0
	}
	return t.have.Count(), t.pieceCount
}

// PeerCount returns the number of currently attached peer connections.
func (t *Torrent) PeerCount() int { return len(t.peers) }

// DialPeer connects to addr and attaches it to this torrent, running its
// connection loop on a new goroutine until disconnect or shutdown. The
// connect attempt is bounded by connTiming's adaptive timeout (§5: "Outbound
// connect attempts cancel when now − attemptStart >
// ConnectionTimingTracker.getTimeout()"), and the duration of a successful
// connect feeds back into that same tracker; a failed attempt records
// nothing.
func (t *Torrent) DialPeer(ctx context.Context, addr netip.AddrPort) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.connTiming.Timeout())
	defer cancel()

	start := time.Now()
	conn, err := peerconn.Dial(dialCtx, addr, t.localPeerID, t.buildPeerOpts(addr))
	if err != nil {
		return err
	}
	t.connTiming.Record(time.Since(start))
	t.emit(ConnectedEvent{Peer: conn.Addr(), Data: connectedData{conn: conn}})
	t.runPeer(conn)
	return nil
}

// AcceptPeer completes the inbound handshake over an already-accepted
// socket and attaches the resulting connection to this torrent.
func (t *Torrent) AcceptPeer(nc net.Conn) error {
	addr, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	conn, err := peerconn.Accept(nc, t.localPeerID, t.buildPeerOpts(addr))
	if err != nil {
		return err
	}
	t.emit(ConnectedEvent{Peer: conn.Addr(), Data: connectedData{conn: conn}})
	t.runPeer(conn)
	return nil
}

// SetFilePriority changes file fileIdx's download priority, discarding any
// in-flight piece that becomes blacklisted as a result and recomputing
// peer interest (§4.5). It blocks until the event loop has applied the
// change, returns ErrFileVerified (wrapped) if fileIdx is fully verified
// and p is PrioritySkip, and returns an error if the torrent's metadata
// has not completed yet or the event loop has already shut down.
func (t *Torrent) SetFilePriority(fileIdx int, p fileprio.Priority) error {
	result := make(chan error, 1)
	t.emit(setFilePriorityEvent{FileIndex: fileIdx, Priority: p, Result: result})

	select {
	case err := <-result:
		return err
	case <-t.done:
		return fmt.Errorf("orchestrator: torrent shut down before priority change applied")
	}
}

func (t *Torrent) runPeer(conn *peerconn.Conn) {
	go func() {
		if err := conn.Run(t.listenCtx); err != nil {
			t.log.Debug("peer connection ended", "peer", conn.Addr(), "error", err.Error())
		}
	}()
}
