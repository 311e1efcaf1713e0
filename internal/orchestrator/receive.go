package orchestrator

import (
	"net/netip"

	"github.com/prxssh/rabbit-engine/internal/piece"
)

// onPeerPiece handles one inbound PIECE message: feed it to the owning
// ActivePiece, cancel any now-redundant endgame duplicates, and either move
// the piece to verification or keep this peer's pipeline full.
func (t *Torrent) onPeerPiece(addr netip.AddrPort, d pieceData) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	delete(ph.assignments, blockKey(d.Index, d.Begin))

	ap, ok := t.active[d.Index]
	if !ok {
		return // piece already verified/discarded; a late or duplicate arrival
	}

	redundant, ok := ap.ReceiveBlock(addr, d.Begin, d.Block)
	if !ok {
		return // block already complete, a duplicate from endgame's other requests
	}

	for _, peer := range redundant {
		if rph, ok := t.peers[peer]; ok {
			rph.conn.SendCancel(d.Index, d.Begin, int32(len(d.Block)))
			delete(rph.assignments, blockKey(d.Index, d.Begin))
		}
	}

	if ap.IsComplete() {
		t.onPieceAssembled(d.Index, ap)
		return
	}
	t.tryAssign(addr)
}

// onPieceAssembled verifies a fully-received piece's hash and either
// commits it to disk and announces it, or treats it as a hash failure.
func (t *Torrent) onPieceAssembled(index int, ap *piece.ActivePiece) {
	buf, ok := ap.Assemble()
	if !ok {
		return
	}

	used, err := t.store.WritePieceVerified(index, buf, ap.Hash)
	if err != nil {
		t.log.Warn("failed to write piece", "piece", index, "error", err.Error())
		t.discardActivePiece(index)
		return
	}
	if !used {
		t.handleHashMismatch(index, ap)
		return
	}

	t.snapMu.Lock()
	t.have.Set(index)
	t.snapMu.Unlock()

	t.discardActivePiece(index)
	t.broadcastHave(index)
}

// handleHashMismatch strikes every peer that contributed an accepted block
// to the failed piece, blacklisting any that crosses StrikeThreshold, then
// resets the piece so its blocks are requested again (§4.3, §8 scenario
// 2).
//
// Simplification: a mismatch strikes every contributor equally rather than
// trying to isolate which single peer supplied the bad bytes, since more
// than one peer's blocks compose a piece and there is no way to re-verify
// a sub-piece range in isolation. A peer that is actually honest but
// unlucky enough to share a piece with a liar StrikeThreshold times is the
// accepted false-positive cost of this approach.
func (t *Torrent) handleHashMismatch(index int, ap *piece.ActivePiece) {
	for _, addr := range ap.ContributingPeers() {
		ph, ok := t.peers[addr]
		if !ok {
			continue
		}
		ph.strikes++
		if ph.strikes >= t.cfg.StrikeThreshold {
			ph.blacklisted = true
			ph.conn.Close()
		}
	}
	ap.ResetAfterHashFailure()
}

// broadcastHave announces a newly completed piece to every attached peer
// that doesn't already have it, and lets each one recompute whether it's
// still interesting to us.
func (t *Torrent) broadcastHave(index int) {
	for addr, ph := range t.peers {
		if !ph.have.Has(index) {
			ph.conn.SendHave(index)
		}
		t.recomputeInterest(addr)
	}
}

// onPeerRequest queues an upload for a block a peer asked us for.
func (t *Torrent) onPeerRequest(addr netip.AddrPort, d requestData) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	if !t.have.Has(d.Index) {
		return
	}
	t.uploader.Enqueue(ph.conn, d.Index, d.Begin, d.Length)
}

// onPeerCancel is a best-effort hint; the uploader's own queue drains
// naturally and a cancelled block simply gets sent to a peer that no
// longer wants it, which costs bandwidth but not correctness. Grounded on
// the teacher's uploader, which likewise does not scan its queue for
// cancels.
func (t *Torrent) onPeerCancel(addr netip.AddrPort, d requestData) {}
