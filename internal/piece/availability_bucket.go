package piece

import (
	"math/bits"
	"math/rand"
)

// availabilityBucket tracks which pieces belong to each availability level
// (how many known peers currently have that piece), supporting O(1)
// updates as peers join/leave and O(1)-ish rarest-first lookup via a
// bitmap of non-empty buckets.
//
// Grounded directly on the teacher's internal/piece/availability_bucket.go,
// kept unexported here since Picker exposes only the pure
// SelectPieces contract to callers; it has no config.Load() dependency,
// taking maxAvail as a constructor argument instead so the picker stays
// free of global state.
type availabilityBucket struct {
	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
	rng          *rand.Rand
}

func newAvailabilityBucket(pieceCount, maxAvail int, rng *rand.Rand) *availabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	b := &availabilityBucket{
		rng:          rng,
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	capacity := max(1, pieceCount/(maxAvail+1))
	for a := range b.buckets {
		b.buckets[a] = make([]int, 0, capacity)
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

func (b *availabilityBucket) Availability(i int) int {
	return int(b.avail[i])
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece in it.
func (b *availabilityBucket) FirstNonEmpty() (a int, ok bool) {
	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			off := bits.TrailingZeros64(x)
			return w<<6 + off, true
		}
	}
	return 0, false
}

func (b *availabilityBucket) Bucket(a int) []int {
	if a < 0 || a > b.maxAvail {
		return nil
	}
	return b.buckets[a]
}

// Move changes piece i's availability by delta (+1 when a peer announces
// it, -1 when a peer disconnects or loses it).
func (b *availabilityBucket) Move(i, delta int) {
	oldA := int(b.avail[i])
	newA := min(b.maxAvail, max(0, oldA+delta))
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

func (b *availabilityBucket) addTo(i, avail int) {
	bucket := append(b.buckets[avail], i)
	idx := len(bucket) - 1

	if idx > 0 {
		j := b.rng.Intn(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}

	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
