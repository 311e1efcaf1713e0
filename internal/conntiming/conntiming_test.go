package conntiming

import (
	"testing"
	"time"
)

func TestTimeoutUsesFallbackBeforeMinSamples(t *testing.T) {
	tr := New(32, 8, 5*time.Second, 1*time.Second, 30*time.Second)

	for i := 0; i < 5; i++ {
		tr.Record(100 * time.Millisecond)
	}

	if got := tr.Timeout(); got != 5*time.Second {
		t.Fatalf("Timeout() = %v, want fallback 5s before minSamples reached", got)
	}
}

func TestTimeoutAdaptsToSamples(t *testing.T) {
	tr := New(32, 4, 1*time.Second, 1*time.Second, 30*time.Second)

	for i := 0; i < 10; i++ {
		tr.Record(50 * time.Millisecond)
	}

	got := tr.Timeout()
	// p95 of uniform 50ms samples is 50ms; adaptive = 125ms, clamped to
	// the configured floor (1s) since it would otherwise be tighter than
	// the minimum.
	if got != 1*time.Second {
		t.Fatalf("Timeout() = %v, want min floor 1s", got)
	}
}

func TestTimeoutReflectsSlowTail(t *testing.T) {
	tr := New(100, 4, 10*time.Millisecond, 1*time.Millisecond, 30*time.Second)

	for i := 0; i < 94; i++ {
		tr.Record(10 * time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		tr.Record(1 * time.Second)
	}

	got := tr.Timeout()
	if got <= 10*time.Millisecond {
		t.Fatalf("Timeout() = %v, expected it to reflect the slow tail", got)
	}
}

func TestTimeoutClampsToMax(t *testing.T) {
	tr := New(32, 4, 10*time.Millisecond, 1*time.Millisecond, 3*time.Second)

	for i := 0; i < 10; i++ {
		tr.Record(5 * time.Second)
	}

	if got := tr.Timeout(); got != 3*time.Second {
		t.Fatalf("Timeout() = %v, want clamped to max 3s", got)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	tr := New(4, 1, time.Millisecond, time.Millisecond, 10*time.Second)

	tr.Record(1 * time.Second)
	tr.Record(1 * time.Second)
	tr.Record(1 * time.Second)
	tr.Record(1 * time.Second)
	tr.Record(10 * time.Millisecond)
	tr.Record(10 * time.Millisecond)
	tr.Record(10 * time.Millisecond)
	tr.Record(10 * time.Millisecond)

	if tr.SampleCount() != 4 {
		t.Fatalf("SampleCount() = %d, want 4 (capacity)", tr.SampleCount())
	}

	got := tr.Timeout()
	if got > 100*time.Millisecond {
		t.Fatalf("Timeout() = %v, expected old 1s samples to have been evicted", got)
	}
}
