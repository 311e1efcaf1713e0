// Package fileprio maps per-file download priorities onto per-piece
// priority and classification, since a piece straddling two files with
// different priorities needs a single, well-defined classification.
//
// New module: the teacher has no file-priority concept (every download is
// whole-torrent), but spec.md §4.7 calls for it. Grounded on
// internal/meta.Info.Files (file layout/offsets) and the "classify buckets,
// recompute on change, notify" shape of the teacher's availabilityBucket
// (internal/piece/availability_bucket.go), adapted here from
// peer-availability classification to file-priority classification.
package fileprio

import (
	"errors"
	"fmt"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/meta"
)

// ErrFileVerified is returned by SetFilePriority when asked to skip a file
// whose bytes are already fully verified (§4.5: "Refuses to set
// priority=skip on a file already fully verified").
var ErrFileVerified = errors.New("fileprio: file is already fully verified, cannot set priority=skip")

// Priority is a per-file download priority.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
	PrioritySkip
)

// Classification is the piece-level consequence of the file priorities
// that overlap it.
type Classification uint8

const (
	// ClassWanted is downloaded normally.
	ClassWanted Classification = iota
	// ClassBoundary straddles a wanted and a skipped file; it must still
	// be downloaded in full (pieces cannot be partially fetched) but its
	// bytes belonging to skipped files are discarded after verification.
	ClassBoundary
	// ClassBlacklisted belongs entirely to skipped files and is never
	// requested.
	ClassBlacklisted
)

type fileSpan struct {
	start, end int64 // [start, end) byte offsets within the torrent
	priority   Priority
}

// Manager computes and caches piece classification from a torrent's file
// layout and per-file priorities.
type Manager struct {
	pieceLen int32
	total    int64
	spans    []fileSpan

	classification []Classification
	piecePriority  []Priority

	onChange func()
}

// New builds a Manager for the given metainfo, with every file at
// PriorityNormal initially.
func New(info *meta.Info, pieceLen int32) *Manager {
	m := &Manager{pieceLen: pieceLen}

	if len(info.Files) == 0 {
		m.total = info.Length
		m.spans = []fileSpan{{start: 0, end: info.Length, priority: PriorityNormal}}
	} else {
		var offset int64
		for _, f := range info.Files {
			m.spans = append(m.spans, fileSpan{start: offset, end: offset + f.Length, priority: PriorityNormal})
			offset += f.Length
		}
		m.total = offset
	}

	pieceCount := int((m.total + int64(pieceLen) - 1) / int64(pieceLen))
	m.classification = make([]Classification, pieceCount)
	m.piecePriority = make([]Priority, pieceCount)

	m.recompute()
	return m
}

// SetFilePriority sets the priority of file index fileIdx and recomputes
// piece classification, returning the indices of pieces that newly became
// ClassBlacklisted as a result (§4.5: "a list of newly blacklisted piece
// indices, which the orchestrator uses to discard any matching
// ActivePiece"). It refuses to set PrioritySkip on a file whose bytes are
// already fully verified in have, returning ErrFileVerified and leaving
// state unchanged.
//
// It is a no-op (nil, nil) if fileIdx is out of range.
func (m *Manager) SetFilePriority(fileIdx int, p Priority, have *bitfield.Bitfield) ([]int, error) {
	if fileIdx < 0 || fileIdx >= len(m.spans) {
		return nil, nil
	}
	if p == PrioritySkip && m.fileVerified(fileIdx, have) {
		return nil, fmt.Errorf("fileprio: file %d: %w", fileIdx, ErrFileVerified)
	}

	before := make([]Classification, len(m.classification))
	copy(before, m.classification)

	m.spans[fileIdx].priority = p
	m.recompute()

	var newlyBlacklisted []int
	for i, c := range m.classification {
		if c == ClassBlacklisted && before[i] != ClassBlacklisted {
			newlyBlacklisted = append(newlyBlacklisted, i)
		}
	}

	if m.onChange != nil {
		m.onChange()
	}
	return newlyBlacklisted, nil
}

// SetOnChange installs a callback invoked after any successful
// SetFilePriority call, after classification has been recomputed. Used by
// the orchestrator to recompute peer interest once the wanted-piece set
// changes.
func (m *Manager) SetOnChange(fn func()) {
	m.onChange = fn
}

// fileVerified reports whether every piece overlapping file fileIdx is
// already held in have. A nil have (metadata not yet complete, or no
// bitfield supplied) is treated as "nothing verified yet".
func (m *Manager) fileVerified(fileIdx int, have *bitfield.Bitfield) bool {
	if have == nil {
		return false
	}
	span := m.spans[fileIdx]
	first := int(span.start / int64(m.pieceLen))
	last := int((span.end - 1) / int64(m.pieceLen))
	for i := first; i <= last; i++ {
		if !have.Has(i) {
			return false
		}
	}
	return true
}

// PieceClassification returns the classification of piece index.
func (m *Manager) PieceClassification(index int) Classification {
	if index < 0 || index >= len(m.classification) {
		return ClassBlacklisted
	}
	return m.classification[index]
}

// PiecePriority returns the effective priority of piece index: the
// highest-urgency file priority (PriorityHigh, then PriorityNormal, then
// PriorityLow) among the non-skipped files overlapping it.
func (m *Manager) PiecePriority(index int) Priority {
	if index < 0 || index >= len(m.piecePriority) {
		return PrioritySkip
	}
	return m.piecePriority[index]
}

// Rank orders priorities by download urgency, independent of their
// declaration order: High first, then Normal, then Low, then Skip last. A
// lower rank is more urgent.
func Rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Wanted reports whether piece index should ever be requested from peers.
func (m *Manager) Wanted(index int) bool {
	c := m.PieceClassification(index)
	return c == ClassWanted || c == ClassBoundary
}

func (m *Manager) recompute() {
	for i := range m.classification {
		pieceStart := int64(i) * int64(m.pieceLen)
		pieceEnd := pieceStart + int64(m.pieceLen)
		if pieceEnd > m.total {
			pieceEnd = m.total
		}

		sawWanted, sawSkipped := false, false
		best := PrioritySkip
		bestRank := Rank(PrioritySkip)

		for _, span := range m.spans {
			if span.end <= pieceStart || span.start >= pieceEnd {
				continue
			}
			if span.priority == PrioritySkip {
				sawSkipped = true
				continue
			}
			sawWanted = true
			if r := Rank(span.priority); r < bestRank {
				bestRank = r
				best = span.priority
			}
		}

		switch {
		case sawWanted && sawSkipped:
			m.classification[i] = ClassBoundary
			m.piecePriority[i] = best
		case sawWanted:
			m.classification[i] = ClassWanted
			m.piecePriority[i] = best
		default:
			m.classification[i] = ClassBlacklisted
			m.piecePriority[i] = PrioritySkip
		}
	}
}
