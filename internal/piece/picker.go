package piece

import (
	"math/rand"
	"sort"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
)

// Strategy selects which piece-ranking policy SelectPieces applies.
type Strategy uint8

const (
	StrategyRarestFirst Strategy = iota
	StrategySequential
	StrategyRandom
)

// Picker maintains a rarity index over a torrent's pieces (how many known
// peers have each piece) and exposes a pure selection function over that
// index.
//
// Grounded on internal/piece/picker.go and internal/scheduler/strategy.go's
// rarest-first/sequential/random selection, reduced to the spec's
// pure-function contract: SelectPieces takes an explicit Wanted set and
// returns ranked indices only, performing no mutation, I/O, or request
// assignment itself (that belongs to ActivePiece and the orchestrator). The
// availability bucket is retained internally purely as a performance
// structure, not exposed to callers.
type Picker struct {
	bucket     *availabilityBucket
	pieceCount int
}

// NewPicker returns a Picker for a torrent of pieceCount pieces, ranking
// availability up to maxPeers distinct observed owners.
func NewPicker(pieceCount, maxPeers int) *Picker {
	return &Picker{
		bucket:     newAvailabilityBucket(pieceCount, maxPeers, rand.New(rand.NewSource(1))),
		pieceCount: pieceCount,
	}
}

// OnPeerHave records that a peer now has piece index.
func (p *Picker) OnPeerHave(index int) {
	if index < 0 || index >= p.pieceCount {
		return
	}
	p.bucket.Move(index, 1)
}

// OnPeerBitfield records that a peer has every piece set in bf.
func (p *Picker) OnPeerBitfield(bf *bitfield.Bitfield) {
	for i := 0; i < p.pieceCount; i++ {
		if bf.Has(i) {
			p.bucket.Move(i, 1)
		}
	}
}

// OnPeerGone retracts availability contributed by a peer that disconnected
// or whose bitfield is no longer relevant, given the set of pieces it had.
func (p *Picker) OnPeerGone(hadPieces []int) {
	for _, idx := range hadPieces {
		if idx >= 0 && idx < p.pieceCount {
			p.bucket.Move(idx, -1)
		}
	}
}

// Availability returns the current observed availability of piece index.
func (p *Picker) Availability(index int) int {
	if index < 0 || index >= p.pieceCount {
		return 0
	}
	return p.bucket.Availability(index)
}

// SelectPieces ranks candidate piece indices under strategy, restricted to
// those the peer has (peerHas) and that pass wanted (the orchestrator's
// needed/not-blacklisted filter). Results are ordered by priority DESC
// first (lower values from priority win, strategy order breaks ties), per
// §4.4's "priority, then strategy order" primary sort key, so a
// FilePriorityManager-driven PriorityHigh piece is preferred over a normal
// one regardless of strategy. It returns up to limit indices and performs
// no mutation.
func (p *Picker) SelectPieces(peerHas *bitfield.Bitfield, wanted func(index int) bool, priority func(index int) int, strategy Strategy, limit int) []int {
	if limit <= 0 {
		return nil
	}

	var candidates []int
	switch strategy {
	case StrategySequential:
		candidates = p.candidatesSequential(peerHas, wanted)
	case StrategyRandom:
		candidates = p.candidatesRandom(peerHas, wanted)
	default:
		candidates = p.candidatesRarestFirst(peerHas, wanted)
	}

	if priority != nil {
		sort.SliceStable(candidates, func(i, j int) bool {
			return priority(candidates[i]) < priority(candidates[j])
		})
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func (p *Picker) candidatesSequential(peerHas *bitfield.Bitfield, wanted func(int) bool) []int {
	var out []int
	for i := 0; i < p.pieceCount; i++ {
		if peerHas.Has(i) && wanted(i) {
			out = append(out, i)
		}
	}
	return out
}

func (p *Picker) candidatesRandom(peerHas *bitfield.Bitfield, wanted func(int) bool) []int {
	var candidates []int
	for i := 0; i < p.pieceCount; i++ {
		if peerHas.Has(i) && wanted(i) {
			candidates = append(candidates, i)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	return candidates
}

func (p *Picker) candidatesRarestFirst(peerHas *bitfield.Bitfield, wanted func(int) bool) []int {
	var out []int

	for a := 0; a <= p.bucket.maxAvail; a++ {
		for _, idx := range p.bucket.Bucket(a) {
			if peerHas.Has(idx) && wanted(idx) {
				out = append(out, idx)
			}
		}
	}

	return out
}
