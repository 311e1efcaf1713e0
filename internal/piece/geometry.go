// Package piece implements per-piece block bookkeeping (ActivePiece), a
// recycled buffer pool for assembled piece data, and a pure piece-selection
// function (rarest-first, sequential, random) driven by an internal
// availability-bucket index.
package piece

import "fmt"

// MaxBlockLength is the largest block size requested from a peer, per the
// de facto BitTorrent convention.
const MaxBlockLength = 16 * 1024

// Count returns how many pieces are needed to cover size bytes given
// pieceLen.
func Count(size int64, pieceLen int32) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen))
}

// LastLength returns the exact length of the final piece in bytes.
func LastLength(size int64, pieceLen int32) int32 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	if rem := size % int64(pieceLen); rem != 0 {
		return int32(rem)
	}
	return pieceLen
}

// LengthAt returns the length of piece index.
func LengthAt(index int, size int64, pieceLen int32) (int32, error) {
	pc := Count(size, pieceLen)
	if index < 0 || index >= pc {
		return 0, fmt.Errorf("piece: index %d out of range (count=%d)", index, pc)
	}
	if index == pc-1 {
		return LastLength(size, pieceLen), nil
	}
	return pieceLen, nil
}

// OffsetBounds returns the [start,end) byte offsets for a piece.
func OffsetBounds(index int, size int64, pieceLen int32) (start, end int64, err error) {
	pl, err := LengthAt(index, size, pieceLen)
	if err != nil {
		return 0, 0, err
	}
	start = int64(index) * int64(pieceLen)
	return start, start + int64(pl), nil
}

// IndexForOffset maps a stream offset to its piece index, or -1 if out of
// range.
func IndexForOffset(offset, size int64, pieceLen int32) int {
	if offset < 0 || offset >= size || pieceLen <= 0 {
		return -1
	}
	return int(offset / int64(pieceLen))
}

// BlockCount returns the number of blocks in a piece of the given length,
// using MaxBlockLength as the block size.
func BlockCount(pieceLen int32) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + MaxBlockLength - 1) / MaxBlockLength)
}

// LastBlockLength returns the exact byte length of the final block in a
// piece of the given length.
func LastBlockLength(pieceLen int32) int32 {
	if pieceLen <= 0 {
		return 0
	}
	if rem := pieceLen % MaxBlockLength; rem != 0 {
		return rem
	}
	return MaxBlockLength
}

// BlockBounds returns the (begin, length) of block blockIdx within a piece
// of the given length.
func BlockBounds(pieceLen int32, blockIdx int) (begin, length int32, err error) {
	bc := BlockCount(pieceLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index %d out of range (count=%d)", blockIdx, bc)
	}
	begin = int32(blockIdx) * MaxBlockLength
	length = MaxBlockLength
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin returns the block index for byte offset begin within a
// piece of the given length, or -1 if out of range.
func BlockIndexForBegin(begin int32, pieceLen int32) int {
	if begin < 0 || begin >= pieceLen {
		return -1
	}
	return int(begin / MaxBlockLength)
}
