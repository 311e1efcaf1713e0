package fileprio

import (
	"errors"
	"testing"

	"github.com/prxssh/rabbit-engine/internal/bitfield"
	"github.com/prxssh/rabbit-engine/internal/meta"
)

func TestSingleFileAllWanted(t *testing.T) {
	info := &meta.Info{Length: 100000}
	m := New(info, 16384)

	for i := 0; i < 7; i++ {
		if m.PieceClassification(i) != ClassWanted {
			t.Fatalf("piece %d classification = %v, want ClassWanted", i, m.PieceClassification(i))
		}
	}
}

func TestSkippedFileBlacklistsPieces(t *testing.T) {
	info := &meta.Info{
		Files: []*meta.File{
			{Length: 16384 * 2, Path: []string{"a.bin"}},
			{Length: 16384 * 2, Path: []string{"b.bin"}},
		},
	}
	m := New(info, 16384)
	if _, err := m.SetFilePriority(1, PrioritySkip, nil); err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}

	// Pieces 0-1 belong entirely to file a (wanted).
	if m.PieceClassification(0) != ClassWanted {
		t.Fatalf("piece 0 classification = %v, want ClassWanted", m.PieceClassification(0))
	}
	// Pieces 2-3 belong entirely to file b (skipped).
	if m.PieceClassification(3) != ClassBlacklisted {
		t.Fatalf("piece 3 classification = %v, want ClassBlacklisted", m.PieceClassification(3))
	}
	if m.Wanted(3) {
		t.Fatalf("Wanted(3) = true, want false")
	}
}

func TestBoundaryPieceStaysWanted(t *testing.T) {
	info := &meta.Info{
		Files: []*meta.File{
			{Length: 16384 + 100, Path: []string{"a.bin"}}, // ends mid piece 1
			{Length: 16384 * 2, Path: []string{"b.bin"}},
		},
	}
	m := New(info, 16384)
	if _, err := m.SetFilePriority(1, PrioritySkip, nil); err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}

	// Piece 1 straddles the boundary between a (wanted) and b (skipped).
	if m.PieceClassification(1) != ClassBoundary {
		t.Fatalf("piece 1 classification = %v, want ClassBoundary", m.PieceClassification(1))
	}
	if !m.Wanted(1) {
		t.Fatalf("Wanted(1) = false, want true (must still be fully downloaded)")
	}
}

func TestHighPriorityWins(t *testing.T) {
	info := &meta.Info{
		Files: []*meta.File{
			{Length: 16384, Path: []string{"a.bin"}},
		},
	}
	m := New(info, 16384)
	if _, err := m.SetFilePriority(0, PriorityHigh, nil); err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}

	if got := m.PiecePriority(0); got != PriorityHigh {
		t.Fatalf("PiecePriority(0) = %v, want PriorityHigh", got)
	}
}

func TestSetFilePriorityReturnsNewlyBlacklisted(t *testing.T) {
	info := &meta.Info{
		Files: []*meta.File{
			{Length: 16384 * 2, Path: []string{"a.bin"}},
			{Length: 16384 * 2, Path: []string{"b.bin"}},
		},
	}
	m := New(info, 16384)

	newly, err := m.SetFilePriority(1, PrioritySkip, nil)
	if err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}
	if len(newly) != 2 || newly[0] != 2 || newly[1] != 3 {
		t.Fatalf("newly blacklisted = %v, want [2 3]", newly)
	}

	// Setting it again to the same priority blacklists nothing new.
	newly, err = m.SetFilePriority(1, PrioritySkip, nil)
	if err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("newly blacklisted = %v, want none", newly)
	}
}

func TestSetFilePriorityRefusesSkipOnVerifiedFile(t *testing.T) {
	info := &meta.Info{
		Files: []*meta.File{
			{Length: 16384 * 2, Path: []string{"a.bin"}},
		},
	}
	m := New(info, 16384)

	have := bitfield.New(2)
	have.Set(0)
	have.Set(1)

	if _, err := m.SetFilePriority(0, PrioritySkip, have); !errors.Is(err, ErrFileVerified) {
		t.Fatalf("SetFilePriority error = %v, want ErrFileVerified", err)
	}
	if m.PieceClassification(0) != ClassWanted {
		t.Fatalf("priority change should have been rejected, classification = %v", m.PieceClassification(0))
	}
}

func TestSetFilePriorityInvokesOnChange(t *testing.T) {
	info := &meta.Info{Length: 16384}
	m := New(info, 16384)

	called := false
	m.SetOnChange(func() { called = true })

	if _, err := m.SetFilePriority(0, PriorityHigh, nil); err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}
	if !called {
		t.Fatalf("onChange was not invoked")
	}
}
