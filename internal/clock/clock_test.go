package clock

import "testing"

func TestFakeAdvance(t *testing.T) {
	f := NewFake(1000)
	if f.MonotonicMs() != 1000 || f.WallMs() != 1000 {
		t.Fatalf("unexpected initial reading: mono=%d wall=%d", f.MonotonicMs(), f.WallMs())
	}
	f.Advance(500)
	if f.MonotonicMs() != 1500 || f.WallMs() != 1500 {
		t.Fatalf("Advance should move both clocks: mono=%d wall=%d", f.MonotonicMs(), f.WallMs())
	}
}

func TestFakeSet(t *testing.T) {
	f := NewFake(0)
	f.Set(42)
	if f.MonotonicMs() != 42 || f.WallMs() != 42 {
		t.Fatalf("Set should pin both clocks: mono=%d wall=%d", f.MonotonicMs(), f.WallMs())
	}
}

func TestFakeSkewWall(t *testing.T) {
	f := NewFake(1000)
	f.SkewWall(-2000)
	if f.MonotonicMs() != 1000 {
		t.Fatalf("SkewWall must not move the monotonic clock, got %d", f.MonotonicMs())
	}
	if f.WallMs() != -1000 {
		t.Fatalf("SkewWall should move only the wall clock, got %d", f.WallMs())
	}
}

func TestRealClockMonotonicNonDecreasing(t *testing.T) {
	r := NewReal()
	first := r.MonotonicMs()
	second := r.MonotonicMs()
	if second < first {
		t.Fatalf("monotonic reading must never decrease: %d then %d", first, second)
	}
}
