package piece

import (
	"net/netip"
	"testing"
	"time"
)

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func TestAssignAndReceiveBlock(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength+100, [20]byte{})

	if ap.BlockCount() != 2 {
		t.Fatalf("BlockCount() = %d, want 2", ap.BlockCount())
	}

	peerA := addr(1)
	begin, length, ok := ap.AssignBlock(peerA, 0, 1)
	if !ok || begin != 0 || length != MaxBlockLength {
		t.Fatalf("AssignBlock = (%d,%d,%v)", begin, length, ok)
	}

	redundant, ok := ap.ReceiveBlock(peerA, begin, make([]byte, length))
	if !ok {
		t.Fatalf("ReceiveBlock ok = false")
	}
	if len(redundant) != 0 {
		t.Fatalf("expected no redundant peers for single-owner block")
	}

	if ap.IsComplete() {
		t.Fatalf("piece should not be complete with one of two blocks done")
	}
}

func TestEndgameDuplicateRequestsAndFirstArrivalCancelsRest(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength, [20]byte{})

	peerA, peerB := addr(1), addr(2)

	if _, _, ok := ap.AssignBlock(peerA, 0, 2); !ok {
		t.Fatalf("AssignBlock for peerA failed")
	}
	if _, _, ok := ap.AssignBlock(peerB, 0, 2); !ok {
		t.Fatalf("AssignBlock for peerB failed")
	}
	// A third peer should be rejected once the duplicate cap is reached.
	if _, _, ok := ap.AssignBlock(addr(3), 0, 2); ok {
		t.Fatalf("AssignBlock should be rejected past duplicate cap")
	}

	redundant, ok := ap.ReceiveBlock(peerA, 0, make([]byte, MaxBlockLength))
	if !ok {
		t.Fatalf("ReceiveBlock ok = false")
	}
	if len(redundant) != 1 || redundant[0] != peerB {
		t.Fatalf("expected peerB to be reported redundant, got %+v", redundant)
	}

	// A second, late arrival for the same block is rejected.
	if _, ok := ap.ReceiveBlock(peerB, 0, make([]byte, MaxBlockLength)); ok {
		t.Fatalf("late duplicate arrival should be rejected")
	}
}

func TestUnassignReturnsBlockToWant(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength, [20]byte{})
	peer := addr(1)

	ap.AssignBlock(peer, 0, 1)
	ap.UnassignBlock(peer, 0)

	// Reassigning after unassign should succeed again.
	if _, _, ok := ap.AssignBlock(peer, 0, 1); !ok {
		t.Fatalf("expected reassignment to succeed after unassign")
	}
}

func TestAssembleRequiresAllBlocks(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength+10, [20]byte{})
	peer := addr(1)

	if _, ok := ap.Assemble(); ok {
		t.Fatalf("Assemble should fail with no blocks received")
	}

	begin0, len0, _ := ap.AssignBlock(peer, 0, 1)
	ap.ReceiveBlock(peer, begin0, make([]byte, len0))

	if _, ok := ap.Assemble(); ok {
		t.Fatalf("Assemble should fail with one of two blocks done")
	}

	begin1, len1, _ := ap.AssignBlock(peer, 1, 1)
	ap.ReceiveBlock(peer, begin1, make([]byte, len1))

	data, ok := ap.Assemble()
	if !ok {
		t.Fatalf("Assemble should succeed once every block is done")
	}
	if len(data) != int(ap.Length) {
		t.Fatalf("assembled length = %d, want %d", len(data), ap.Length)
	}
}

func TestResetAfterHashFailure(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength, [20]byte{})
	peer := addr(1)

	ap.AssignBlock(peer, 0, 1)
	ap.ReceiveBlock(peer, 0, make([]byte, MaxBlockLength))

	ap.ResetAfterHashFailure()

	if ap.IsComplete() {
		t.Fatalf("piece should not be complete after reset")
	}
	if _, _, ok := ap.AssignBlock(peer, 0, 1); !ok {
		t.Fatalf("expected block to be assignable again after reset")
	}
}

func TestStaleDetection(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength, [20]byte{})
	if ap.Stale(time.Hour) {
		t.Fatalf("freshly-created piece should not be stale under a generous timeout")
	}

	peer := addr(1)
	ap.AssignBlock(peer, 0, 1)

	if ap.Stale(0) {
		t.Fatalf("piece with an outstanding request should not be stale regardless of elapsed time")
	}
}

func TestRemovePeerReleasesBlocks(t *testing.T) {
	ap := NewActivePiece(0, MaxBlockLength, [20]byte{})
	peer := addr(1)

	ap.AssignBlock(peer, 0, 1)
	ap.RemovePeer(peer)

	if _, _, ok := ap.AssignBlock(peer, 0, 1); !ok {
		t.Fatalf("expected block to be reassignable after owning peer was removed")
	}
}
