package storage

import (
	"crypto/sha1"
	"testing"

	"github.com/prxssh/rabbit-engine/internal/meta"
	"github.com/prxssh/rabbit-engine/internal/piece"
)

func genStream(n int64, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((int64(i)*7 + int64(seed)) % 256)
	}
	return b
}

func writeWholeStream(t *testing.T, s *Store, stream []byte, pieceLen int32) [][sha1.Size]byte {
	t.Helper()

	size := int64(len(stream))
	pc := piece.Count(size, pieceLen)
	hashes := make([][sha1.Size]byte, pc)

	for i := 0; i < pc; i++ {
		start, end, err := piece.OffsetBounds(i, size, pieceLen)
		if err != nil {
			t.Fatalf("OffsetBounds(%d): %v", i, err)
		}
		data := stream[start:end]
		hashes[i] = sha1.Sum(data)

		used, err := s.WritePieceVerified(i, data, hashes[i])
		if err != nil {
			t.Fatalf("WritePieceVerified(%d): %v", i, err)
		}
		if !used {
			t.Fatalf("WritePieceVerified(%d): hash did not match", i)
		}
	}
	return hashes
}

func TestStore_SingleFileExactPieces(t *testing.T) {
	root := t.TempDir()
	stream := genStream(64, 3)

	s, err := Open(root, "single_exact", nil, 64, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	writeWholeStream(t, s, stream, 16)

	got, err := s.Read(0, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range got[:16] {
		if got[i] != stream[i] {
			t.Fatalf("byte %d mismatch: got=%d want=%d", i, got[i], stream[i])
		}
	}
}

func TestStore_MultiFileCrossingBoundaries(t *testing.T) {
	root := t.TempDir()
	files := []*meta.File{
		{Path: []string{"a.bin"}, Length: 5},
		{Path: []string{"b.bin"}, Length: 7},
		{Path: []string{"c.bin"}, Length: 3},
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	stream := genStream(total, 11)

	s, err := Open(root, "multi_cross", files, 0, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	writeWholeStream(t, s, stream, 8)

	// Read back the whole stream piece by piece and compare.
	pc := piece.Count(total, 8)
	var rebuilt []byte
	for i := 0; i < pc; i++ {
		plen, err := piece.LengthAt(i, total, 8)
		if err != nil {
			t.Fatalf("LengthAt(%d): %v", i, err)
		}
		b, err := s.Read(i, 0, plen)
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		rebuilt = append(rebuilt, b...)
	}
	if len(rebuilt) != len(stream) {
		t.Fatalf("rebuilt length = %d, want %d", len(rebuilt), len(stream))
	}
	for i := range stream {
		if rebuilt[i] != stream[i] {
			t.Fatalf("byte %d mismatch: got=%d want=%d", i, rebuilt[i], stream[i])
		}
	}
}

func TestStore_WritePieceVerifiedRejectsWrongHash(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "bad_hash", nil, 16, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := genStream(16, 1)
	var wrongHash [sha1.Size]byte

	used, err := s.WritePieceVerified(0, data, wrongHash)
	if err != nil {
		t.Fatalf("WritePieceVerified: unexpected error: %v", err)
	}
	if used {
		t.Fatalf("WritePieceVerified: expected used=false on hash mismatch")
	}

	// Nothing should have been written; file should still read as zeros.
	got, err := s.Read(0, 0, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected untouched file to read as zero, got %v", got)
		}
	}
}

func TestStore_WriteAndReadPartialBlock(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "partial", nil, 32, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	block := []byte{1, 2, 3, 4}
	if err := s.Write(0, 8, block); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(0, 8, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range block {
		if got[i] != block[i] {
			t.Fatalf("byte %d mismatch: got=%d want=%d", i, got[i], block[i])
		}
	}
}

func TestStore_ReadOutOfRange(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "oob", nil, 16, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Read(0, 0, 32); err == nil {
		t.Fatalf("expected error reading past end of store")
	}
}
