package piece

import (
	"crypto/sha1"
	"net/netip"
	"sync"
	"time"
)

// BlockStatus is the lifecycle state of one block within an ActivePiece.
type BlockStatus uint8

const (
	BlockWant BlockStatus = iota
	BlockInflight
	BlockDone
)

// Request records one peer's outstanding request for a block. Multiple
// requests for the same block can coexist during endgame.
type Request struct {
	Peer        netip.AddrPort
	RequestedAt time.Time
}

// ActivePiece tracks block-level progress for a single piece currently
// being downloaded, including which peers have outstanding requests for
// each block — the per-block peer attribution a whole-torrent block map
// loses once more than one peer can own the same block.
//
// Grounded on the teacher's per-torrent Manager/piece/block types
// (internal/piece/piece.go), narrowed here to one piece and given an
// explicit map of block index to the list of peers with outstanding
// requests, rather than a single owner slice reused across the whole
// Manager.
type ActivePiece struct {
	mu sync.Mutex

	Index      int
	Length     int32
	Hash       [sha1.Size]byte
	blockCount int

	status      []BlockStatus
	data        [][]byte // assembled bytes per block, nil until received
	senders     []netip.AddrPort // blockIdx -> peer whose data was accepted, valid once BlockDone
	doneBlocks  int
	requests    map[int][]Request // blockIdx -> outstanding requests
	lastActive  time.Time
}

// NewActivePiece returns an ActivePiece for piece index of the given
// length and expected SHA-1 hash.
func NewActivePiece(index int, length int32, hash [sha1.Size]byte) *ActivePiece {
	bc := BlockCount(length)
	return &ActivePiece{
		Index:      index,
		Length:     length,
		Hash:       hash,
		blockCount: bc,
		status:     make([]BlockStatus, bc),
		data:       make([][]byte, bc),
		senders:    make([]netip.AddrPort, bc),
		requests:   make(map[int][]Request, bc),
		lastActive: time.Now(),
	}
}

// BlockCount returns the number of blocks in this piece.
func (p *ActivePiece) BlockCount() int {
	return p.blockCount
}

// IsComplete reports whether every block has been received.
func (p *ActivePiece) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneBlocks == p.blockCount
}

// WantBlocks returns the indices of blocks that are neither done nor
// already requested from peer. Used by the picker to decide what to
// request next for a given peer.
func (p *ActivePiece) WantBlocks(peer netip.AddrPort, duplicateLimit int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for i := 0; i < p.blockCount; i++ {
		if p.status[i] == BlockDone {
			continue
		}
		if p.alreadyRequestedByLocked(i, peer) {
			continue
		}
		if len(p.requests[i]) >= duplicateLimit {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (p *ActivePiece) alreadyRequestedByLocked(blockIdx int, peer netip.AddrPort) bool {
	for _, r := range p.requests[blockIdx] {
		if r.Peer == peer {
			return true
		}
	}
	return false
}

// AssignBlock records that peer now has an outstanding request for block
// blockIdx, provided fewer than duplicateLimit peers already do. Returns
// the (begin, length) to request, and ok=false if the assignment was
// rejected (already done, already at the duplicate cap, or peer already
// holds it).
func (p *ActivePiece) AssignBlock(peer netip.AddrPort, blockIdx, duplicateLimit int) (begin, length int32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if blockIdx < 0 || blockIdx >= p.blockCount {
		return 0, 0, false
	}
	if p.status[blockIdx] == BlockDone {
		return 0, 0, false
	}
	if p.alreadyRequestedByLocked(blockIdx, peer) {
		return 0, 0, false
	}
	if len(p.requests[blockIdx]) >= duplicateLimit {
		return 0, 0, false
	}

	begin, length, err := BlockBounds(p.Length, blockIdx)
	if err != nil {
		return 0, 0, false
	}

	p.status[blockIdx] = BlockInflight
	p.requests[blockIdx] = append(p.requests[blockIdx], Request{Peer: peer, RequestedAt: time.Now()})
	p.lastActive = time.Now()

	return begin, length, true
}

// UnassignBlock removes peer's outstanding request for the block at begin,
// e.g. after a cancel, a choke, or a connection loss. If no other peer
// holds the block, its status reverts to BlockWant.
func (p *ActivePiece) UnassignBlock(peer netip.AddrPort, begin int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blockIdx := BlockIndexForBegin(begin, p.Length)
	if blockIdx < 0 || blockIdx >= p.blockCount {
		return
	}

	reqs := p.requests[blockIdx]
	for i, r := range reqs {
		if r.Peer == peer {
			reqs[i] = reqs[len(reqs)-1]
			reqs = reqs[:len(reqs)-1]
			break
		}
	}
	p.requests[blockIdx] = reqs

	if p.status[blockIdx] != BlockDone && len(reqs) == 0 {
		p.status[blockIdx] = BlockWant
	}
}

// ReceiveBlock records that data has arrived for the block at begin from
// peer. It returns the set of other peers that had an outstanding request
// for the same block — the caller should send them a Cancel (endgame
// first-arrival-cancels-rest). ok is false if begin is out of range or the
// block was already complete (a late duplicate arrival).
func (p *ActivePiece) ReceiveBlock(peer netip.AddrPort, begin int32, data []byte) (redundantPeers []netip.AddrPort, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blockIdx := BlockIndexForBegin(begin, p.Length)
	if blockIdx < 0 || blockIdx >= p.blockCount {
		return nil, false
	}
	if p.status[blockIdx] == BlockDone {
		return nil, false
	}

	p.status[blockIdx] = BlockDone
	p.data[blockIdx] = data
	p.senders[blockIdx] = peer
	p.doneBlocks++
	p.lastActive = time.Now()

	for _, r := range p.requests[blockIdx] {
		if r.Peer != peer {
			redundantPeers = append(redundantPeers, r.Peer)
		}
	}
	delete(p.requests, blockIdx)

	return redundantPeers, true
}

// Assemble concatenates the received blocks into the full piece payload.
// It returns ok=false if not every block has arrived yet.
func (p *ActivePiece) Assemble() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.doneBlocks != p.blockCount {
		return nil, false
	}

	buf := make([]byte, 0, p.Length)
	for _, b := range p.data {
		buf = append(buf, b...)
	}
	return buf, true
}

// ResetAfterHashFailure reverts every block to BlockWant and clears
// outstanding requests, used when the assembled piece fails SHA-1
// verification and must be re-downloaded.
func (p *ActivePiece) ResetAfterHashFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.status {
		p.status[i] = BlockWant
		p.data[i] = nil
	}
	p.senders = make([]netip.AddrPort, p.blockCount)
	p.doneBlocks = 0
	p.requests = make(map[int][]Request, p.blockCount)
	p.lastActive = time.Now()
}

// ContributingPeers returns the deduplicated set of peers that supplied at
// least one accepted block of this piece, used to attribute blame when the
// assembled piece fails hash verification.
func (p *ActivePiece) ContributingPeers() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[netip.AddrPort]struct{}, p.blockCount)
	var out []netip.AddrPort
	for i, st := range p.status {
		if st != BlockDone {
			continue
		}
		addr := p.senders[i]
		if !addr.IsValid() {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// NoData reports whether no block of this piece has been received yet.
func (p *ActivePiece) NoData() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneBlocks == 0
}

// CheckTimeouts evicts any outstanding request older than timeout, returning
// its block to BlockWant if it has no other owner. It returns the number of
// requests evicted, distinct from Stale's whole-piece activity check: this
// lets the orchestrator reassign individual slow requests without waiting
// for the entire piece to go quiet.
func (p *ActivePiece) CheckTimeouts(timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	now := time.Now()
	for blockIdx, reqs := range p.requests {
		kept := reqs[:0]
		for _, r := range reqs {
			if now.Sub(r.RequestedAt) >= timeout {
				evicted++
				continue
			}
			kept = append(kept, r)
		}
		p.requests[blockIdx] = kept

		if p.status[blockIdx] != BlockDone && len(kept) == 0 {
			p.status[blockIdx] = BlockWant
		}
	}
	return evicted
}

// Stale reports whether this piece has had no activity (no block
// requested or received) for at least timeout, and currently has no
// outstanding requests — a signal for the orchestrator's GC sweep to
// release its blocks back to the picker.
func (p *ActivePiece) Stale(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastActive) < timeout {
		return false
	}
	for _, reqs := range p.requests {
		if len(reqs) > 0 {
			return false
		}
	}
	return true
}

// RemovePeer drops all outstanding requests attributed to peer, e.g. on
// disconnect, returning those blocks' status to BlockWant where they have
// no other owner.
func (p *ActivePiece) RemovePeer(peer netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for blockIdx, reqs := range p.requests {
		filtered := reqs[:0]
		for _, r := range reqs {
			if r.Peer != peer {
				filtered = append(filtered, r)
			}
		}
		p.requests[blockIdx] = filtered

		if p.status[blockIdx] != BlockDone && len(filtered) == 0 {
			p.status[blockIdx] = BlockWant
		}
	}
}
