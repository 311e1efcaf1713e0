package bitfield

import "testing"

func TestNewAndLen(t *testing.T) {
	bf := New(20)
	if bf.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", bf.Len())
	}
	if bf.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", bf.Count())
	}
}

func TestSetClearMaintainsCount(t *testing.T) {
	bf := New(10)

	if !bf.Set(0) {
		t.Fatalf("Set(0) = false, want true")
	}
	if bf.Set(0) {
		t.Fatalf("Set(0) again = true, want false (already set)")
	}
	if bf.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", bf.Count())
	}

	bf.Set(9)
	if bf.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", bf.Count())
	}

	if !bf.Clear(0) {
		t.Fatalf("Clear(0) = false, want true")
	}
	if bf.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after clear", bf.Count())
	}
	if bf.Clear(0) {
		t.Fatalf("Clear(0) again = true, want false (already clear)")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)
	if bf.Has(-1) || bf.Has(8) {
		t.Fatalf("Has() out of range should be false")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatalf("Set() out of range should be false")
	}
}

func TestAnyNoneAll(t *testing.T) {
	bf := New(4)
	if bf.Any() || !bf.None() {
		t.Fatalf("fresh bitfield should be empty")
	}

	for i := 0; i < 4; i++ {
		bf.Set(i)
	}
	if !bf.All() {
		t.Fatalf("expected All() true after setting every bit")
	}
}

func TestSetAllClearAll(t *testing.T) {
	bf := New(17)
	bf.SetAll()
	if bf.Count() != 17 {
		t.Fatalf("Count() = %d, want 17", bf.Count())
	}
	if !bf.Has(16) {
		t.Fatalf("Has(16) = false, want true after SetAll")
	}

	bf.ClearAll()
	if bf.Count() != 0 || bf.Any() {
		t.Fatalf("expected empty bitfield after ClearAll")
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	bf := New(12)
	bf.Set(0)
	bf.Set(11)

	cp, err := FromBytes(bf.Bytes(), 12)
	if err != nil {
		t.Fatalf("FromBytes error: %v", err)
	}
	if !cp.Equals(bf) {
		t.Fatalf("round-tripped bitfield does not equal original")
	}
	if cp.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", cp.Count())
	}
}

func TestFromBytesWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{0x00}, 100); err == nil {
		t.Fatalf("expected error for mismatched byte length")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(3)

	cp := bf.Clone()
	cp.Set(5)

	if bf.Has(5) {
		t.Fatalf("mutating clone should not affect original")
	}
	if bf.Count() == cp.Count() {
		t.Fatalf("clone and original should have diverged counts")
	}
}

func TestString(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(2)

	if got, want := bf.String(), "1010"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
