package orchestrator

import (
	"fmt"
	"net/netip"

	"github.com/prxssh/rabbit-engine/internal/config"
	"github.com/prxssh/rabbit-engine/internal/fileprio"
	"github.com/prxssh/rabbit-engine/internal/piece"
)

// convertStrategy maps the public config enum to the piece package's picker
// enum. The two enumerate the same three policies but in different orders
// (config.PieceDownloadStrategyRandom is 0, piece.StrategyRarestFirst is
// 0), so an explicit switch is required here rather than a numeric cast.
func convertStrategy(s config.PieceDownloadStrategy) piece.Strategy {
	switch s {
	case config.PieceDownloadStrategySequential:
		return piece.StrategySequential
	case config.PieceDownloadStrategyRandom:
		return piece.StrategyRandom
	default:
		return piece.StrategyRarestFirst
	}
}

// recomputeInterest reevaluates whether we are interested in addr: it has
// at least one piece we want (priority > 0, per fileprio) that we do not
// already own (§4.10 "Choke/interest").
func (t *Torrent) recomputeInterest(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok || t.pieceCount == 0 {
		return
	}

	interested := false
	for i := 0; i < t.pieceCount; i++ {
		if ph.have.Has(i) && t.fileprio.Wanted(i) && !t.have.Has(i) {
			interested = true
			break
		}
	}

	if interested == ph.interested {
		return
	}
	ph.interested = interested
	if interested {
		ph.conn.SendInterested()
	} else {
		ph.conn.SendNotInterested()
	}
}

func (t *Torrent) wanted(index int) bool {
	return t.fileprio.Wanted(index) && !t.have.Has(index)
}

// piecePriorityRank returns index's scheduling urgency (lower is more
// urgent), so the picker can rank PriorityHigh pieces ahead of normal ones
// regardless of strategy (§4.4).
func (t *Torrent) piecePriorityRank(index int) int {
	return fileprio.Rank(t.fileprio.PiecePriority(index))
}

// onSetFilePriority applies a SetFilePriority request on the event-loop
// goroutine: it updates fileprio, discards any ActivePiece that just
// became blacklisted (§4.5), and recomputes every peer's interest since
// the wanted-piece set may have changed.
func (t *Torrent) onSetFilePriority(ev setFilePriorityEvent) {
	if t.fileprio == nil {
		ev.Result <- fmt.Errorf("orchestrator: file priorities unavailable before metadata completes")
		return
	}

	newlyBlacklisted, err := t.fileprio.SetFilePriority(ev.FileIndex, ev.Priority, t.have)
	if err != nil {
		ev.Result <- err
		return
	}

	discarded := false
	for _, idx := range newlyBlacklisted {
		if _, ok := t.active[idx]; ok {
			t.discardActivePiece(idx)
			discarded = true
		}
	}
	if discarded {
		t.pruneAssignments()
	}

	for addr := range t.peers {
		t.recomputeInterest(addr)
	}

	ev.Result <- nil
}

// findWorkForIdlePeers is the periodic scheduling tick: reevaluate endgame
// and give every attached peer a chance to fill its request pipeline.
func (t *Torrent) findWorkForIdlePeers() {
	if t.pieceCount == 0 {
		t.driveMetadataFetch()
		return
	}
	t.maybeEnterEndgame()
	for addr := range t.peers {
		t.tryAssign(addr)
	}
}

// tryAssign fills addr's outstanding-request pipeline up to its adaptive
// depth, preferring to finish pieces already in flight before picking new
// ones (§4.10 step 1-3).
func (t *Torrent) tryAssign(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok || t.pieceCount == 0 || ph.blacklisted {
		return
	}
	if ph.conn.PeerChoking() || !ph.interested {
		return
	}

	capacity := ph.conn.PipelineDepth() - len(ph.assignments)
	if capacity <= 0 {
		return
	}

	dupLimit := 1
	if t.endgame {
		dupLimit = t.cfg.EndgameDupPerBlock
	}

	// Step 1: finish pieces this peer can contribute to.
	for idx, ap := range t.active {
		if capacity <= 0 {
			break
		}
		if !ph.have.Has(idx) {
			continue
		}
		capacity -= t.requestBlocks(ph, idx, ap, dupLimit, capacity)
	}
	if capacity <= 0 {
		return
	}

	// Step 2: pick new candidate pieces, priority DESC then strategy order
	// (§4.4).
	strategy := convertStrategy(t.cfg.PieceDownloadStrategy)
	candidates := t.picker.SelectPieces(ph.have, t.wanted, t.piecePriorityRank, strategy, capacity)
	for _, idx := range candidates {
		if capacity <= 0 {
			break
		}
		if _, ok := t.active[idx]; ok {
			continue // already handled in step 1 if this peer has it
		}
		ap := t.acquireActivePiece(idx)
		if ap == nil {
			continue
		}
		capacity -= t.requestBlocks(ph, idx, ap, dupLimit, capacity)
	}
}

// requestBlocks assigns up to capacity blocks of piece idx to ph, sending a
// REQUEST for each and recording the assignment. It returns how many
// blocks it actually requested.
func (t *Torrent) requestBlocks(ph *peerHandle, idx int, ap *piece.ActivePiece, dupLimit, capacity int) int {
	wanted := ap.WantBlocks(ph.addr, dupLimit)
	sent := 0
	for _, blockIdx := range wanted {
		if sent >= capacity {
			break
		}
		begin, length, ok := ap.AssignBlock(ph.addr, blockIdx, dupLimit)
		if !ok {
			continue
		}
		ph.assignments[blockKey(idx, begin)] = struct{}{}
		ph.conn.SendRequest(idx, begin, length)
		sent++
	}
	return sent
}

// acquireActivePiece returns the ActivePiece for idx, creating it (and
// claiming a buffer from the pool) if this is the first request for it.
// Returns nil if idx is already owned or out of range.
func (t *Torrent) acquireActivePiece(idx int) *piece.ActivePiece {
	if ap, ok := t.active[idx]; ok {
		return ap
	}
	if idx < 0 || idx >= t.pieceCount || t.have.Has(idx) {
		return nil
	}

	length, err := piece.LengthAt(idx, t.totalLength, t.pieceLen)
	if err != nil {
		return nil
	}

	t.bufs[idx] = t.bufPool.Get()
	ap := piece.NewActivePiece(idx, length, t.info.Pieces[idx])
	t.active[idx] = ap
	return ap
}

// discardActivePiece releases a piece's pooled buffer and drops its
// ActivePiece, used on verified-write, hash-mismatch, and stale-GC paths
// alike so the pool invariant (one release per acquire) holds regardless
// of outcome (§5 "Shared resources").
func (t *Torrent) discardActivePiece(idx int) {
	if buf, ok := t.bufs[idx]; ok {
		t.bufPool.Put(buf)
		delete(t.bufs, idx)
	}
	delete(t.active, idx)
}

// maybeEnterEndgame toggles endgame mode: active once every remaining
// wanted piece has an ActivePiece and the remaining count is within
// EndgameThreshold.
//
// Simplification from §4.10's exact "getRequestedButNotReceivedBlocks()
// covers all remaining blocks" condition: tracking per-block coverage
// across the whole torrent would require a second global index duplicating
// ActivePiece's own bookkeeping. Requiring every remaining wanted piece to
// already have an ActivePiece (so every remaining block is at least
// tracked somewhere) is a close, conservative approximation — endgame
// activates no later than the precise rule would, only possibly one GC
// tick later once stragglers get an ActivePiece.
func (t *Torrent) maybeEnterEndgame() {
	remaining := 0
	for idx := 0; idx < t.pieceCount; idx++ {
		if t.have.Has(idx) || !t.fileprio.Wanted(idx) {
			continue
		}
		if _, ok := t.active[idx]; !ok {
			t.endgame = false
			return
		}
		remaining++
	}
	t.endgame = remaining > 0 && remaining <= t.cfg.EndgameThreshold
}

// gcStalePieces evicts individually timed-out requests from every active
// piece and discards any piece left with no data and no live requests
// (§4.10 "Stale-piece GC").
func (t *Torrent) gcStalePieces() {
	for idx, ap := range t.active {
		ap.CheckTimeouts(t.cfg.RequestTimeout)
		if ap.Stale(t.cfg.ActivePieceStaleTimeout) && ap.NoData() {
			t.discardActivePiece(idx)
		}
	}
	t.pruneAssignments()
}

// pruneAssignments drops peerHandle.assignments entries for blocks whose
// ActivePiece no longer exists (discarded by GC or hash-failure reset),
// so a later capacity computation in tryAssign does not undercount a
// peer's free pipeline slots.
func (t *Torrent) pruneAssignments() {
	for _, ph := range t.peers {
		for key := range ph.assignments {
			idx := int(key >> 32)
			if _, ok := t.active[idx]; !ok {
				delete(ph.assignments, key)
			}
		}
	}
}
