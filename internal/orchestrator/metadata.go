package orchestrator

import (
	"net/netip"

	"github.com/prxssh/rabbit-engine/internal/meta"
	"github.com/prxssh/rabbit-engine/internal/metadatafetcher"
)

// onMetadataSize records the info dict size a peer's extended handshake
// reported and kicks off a request to it, for a magnet-link download that
// has not learned the size from anyone yet.
func (t *Torrent) onMetadataSize(addr netip.AddrPort, size int) {
	if t.metaFetcher == nil {
		return
	}
	t.metaFetcher.SetSize(size)
	t.requestNextMetadataPiece(addr)
}

// onMetadataRequest serves a BEP 9 metadata request from our own
// already-known info dict bytes, or rejects it if we don't have them yet
// (also true while we are ourselves still fetching metadata as a magnet
// peer).
func (t *Torrent) onMetadataRequest(addr netip.AddrPort, index int) {
	ph, ok := t.peers[addr]
	if !ok {
		return
	}
	start := index * metadatafetcher.MetadataPieceSize
	if t.rawInfoBytes == nil || start < 0 || start >= len(t.rawInfoBytes) {
		ph.conn.SendMetadataReject(index)
		return
	}
	end := start + metadatafetcher.MetadataPieceSize
	if end > len(t.rawInfoBytes) {
		end = len(t.rawInfoBytes)
	}
	ph.conn.SendMetadataPiece(index, t.rawInfoBytes[start:end])
}

// onMetadataPiece records one fetched metadata chunk. Once every chunk has
// arrived, it verifies the assembled info dict's hash and, on success,
// installs full piece state via completeInfo.
func (t *Torrent) onMetadataPiece(addr netip.AddrPort, d metadataPieceData) {
	if t.metaFetcher == nil {
		return // another peer's fetch already completed this torrent
	}

	complete, err := t.metaFetcher.OnData(addr.String(), d.Index, d.Data)
	if err != nil {
		t.log.Debug("bad metadata piece", "peer", addr, "error", err.Error())
		return
	}
	if !complete {
		t.requestNextMetadataPiece(addr)
		return
	}

	raw, err := t.metaFetcher.Verify(addr.String())
	if err != nil {
		t.log.Debug("metadata verification failed, discarding this peer's buffer", "peer", addr, "error", err.Error())
		t.metaFetcher.Reset(addr.String())
		t.requestNextMetadataPiece(addr)
		return
	}

	info, hash, err := meta.ParseInfoDict(raw)
	if err != nil || hash != t.infoHash {
		t.log.Debug("metadata parse mismatch, discarding this peer's buffer", "peer", addr)
		t.metaFetcher.Reset(addr.String())
		t.requestNextMetadataPiece(addr)
		return
	}

	if err := t.completeInfo(info, raw); err != nil {
		t.log.Warn("failed to install fetched metadata", "error", err.Error())
		return
	}
	t.metaFetcher = nil
}

// onMetadataReject just tries a different peer on the next scheduling
// tick; driveMetadataFetch re-requests any still-missing piece from every
// attached peer, so one reject does not stall the whole fetch.
func (t *Torrent) onMetadataReject(addr netip.AddrPort, index int) {}

// requestNextMetadataPiece asks addr for the next metadata chunk we are
// still missing, if any.
func (t *Torrent) requestNextMetadataPiece(addr netip.AddrPort) {
	ph, ok := t.peers[addr]
	if !ok || t.metaFetcher == nil {
		return
	}
	if index, ok := t.metaFetcher.NextRequest(addr.String()); ok {
		ph.conn.SendMetadataRequest(index)
	}
}

// driveMetadataFetch is called from the schedule tick while metadata is
// still unknown, spreading outstanding requests across every attached peer
// so a single unresponsive or rejecting peer cannot stall the fetch.
func (t *Torrent) driveMetadataFetch() {
	if t.metaFetcher == nil {
		return
	}
	for addr := range t.peers {
		t.requestNextMetadataPiece(addr)
	}
}
