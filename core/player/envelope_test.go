package player

import (
	"math"
	"testing"
)

func TestEnvelopeShape(t *testing.T) {
	// The reference note: 10s at peak 0.5 gives a 5s fade each side.
	e := NewEnvelope(10, 0.5)

	if e.Fade != 5 {
		t.Fatalf("fade = %v, want 5", e.Fade)
	}
	if got := e.GainAt(5); got < 0.49 {
		t.Fatalf("gain at t=5 = %v, want >= 0.49", got)
	}
	if got := e.GainAt(10); got > 0.002 {
		t.Fatalf("gain at t=10 = %v, want <= 0.002", got)
	}
	if got := e.GainAt(0); got > 0.002 || got <= 0 {
		t.Fatalf("gain at t=0 = %v, want near-zero but positive", got)
	}
}

func TestEnvelopeHoldsBetweenFades(t *testing.T) {
	e := NewEnvelope(20, 0.8) // 5s fades, 10s hold

	for _, ts := range []float64{5, 8, 12, 15} {
		if got := e.GainAt(ts); got != 0.8 {
			t.Fatalf("gain at t=%v = %v, want hold at 0.8", ts, got)
		}
	}
}

func TestEnvelopeShortNoteHasNoHold(t *testing.T) {
	// A 4s note fades over 2s each way; the fades meet at the midpoint.
	e := NewEnvelope(4, 1)

	if e.Fade != 2 {
		t.Fatalf("fade = %v, want 2", e.Fade)
	}
	if got := e.GainAt(2); math.Abs(got-1) > 1e-9 {
		t.Fatalf("gain at midpoint = %v, want 1", got)
	}
	rise := e.GainAt(1)
	fall := e.GainAt(3)
	if math.Abs(rise-fall) > 1e-9 {
		t.Fatalf("envelope not symmetric: rise %v vs fall %v", rise, fall)
	}
}

func TestEnvelopeMonotoneDuringRise(t *testing.T) {
	e := NewEnvelope(10, 0.5)

	prev := 0.0
	for ts := 0.1; ts < 5; ts += 0.1 {
		g := e.GainAt(ts)
		if g <= prev {
			t.Fatalf("gain not increasing at t=%v: %v <= %v", ts, g, prev)
		}
		prev = g
	}
}
