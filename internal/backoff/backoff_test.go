package backoff

import (
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	p := New(StatusMaxAttempts)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestDelayMonotonicAndCapped(t *testing.T) {
	p := New(UplinkMaxAttempts)
	prev := time.Duration(0)
	for n := 0; n < UplinkMaxAttempts; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %v regressed below %v", n, d, prev)
		}
		if d > p.Max {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", n, d, p.Max)
		}
		prev = d
	}
}

func TestNextExhaustsAtCeiling(t *testing.T) {
	p := New(3)
	for i := 1; i <= 3; i++ {
		_, attempt, ok := p.Next()
		if !ok {
			t.Fatalf("Next() exhausted after %d attempts, ceiling is 3", i-1)
		}
		if attempt != i {
			t.Fatalf("attempt = %d, want %d", attempt, i)
		}
	}
	if _, _, ok := p.Next(); ok {
		t.Fatal("Next() succeeded past the ceiling")
	}
	if !p.Exhausted() {
		t.Fatal("Exhausted() = false after ceiling reached")
	}

	p.Reset()
	if p.Exhausted() {
		t.Fatal("Exhausted() = true after Reset")
	}
	if _, attempt, ok := p.Next(); !ok || attempt != 1 {
		t.Fatalf("after Reset, Next() = (_, %d, %v), want attempt 1", attempt, ok)
	}
}

func TestJitterBounds(t *testing.T) {
	p := New(10)
	p.Jitter = time.Second
	for i := 0; i < 10; i++ {
		base := p.Delay(p.Attempt())
		d, _, ok := p.Next()
		if !ok {
			t.Fatal("unexpected exhaustion")
		}
		if d < base || d >= base+time.Second {
			t.Fatalf("jittered delay %v outside [%v, %v)", d, base, base+time.Second)
		}
	}
}
