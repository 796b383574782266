package player

import "math"

// nearZeroGain is the floor of every ramp. Ramps never start or end at
// exactly zero: an exponential curve cannot reach zero, and a hard zero
// edge clicks.
const nearZeroGain = 0.001

// maxFadeSeconds caps the rise/fall window of an envelope.
const maxFadeSeconds = 5.0

// Envelope is the time-varying amplitude curve of one note: an exponential
// rise from near-zero to MaxGain over Fade seconds, a hold, and a symmetric
// fall ending exactly at Duration.
type Envelope struct {
	Duration float64 // seconds
	MaxGain  float64
	Fade     float64 // seconds, min(5, Duration/2)
}

// NewEnvelope shapes an envelope for a note of the given duration and peak
// gain. Short notes get no hold: the fade windows meet in the middle.
func NewEnvelope(duration, maxGain float64) Envelope {
	return Envelope{
		Duration: duration,
		MaxGain:  maxGain,
		Fade:     math.Min(maxFadeSeconds, duration/2),
	}
}

// GainAt returns the envelope gain at t seconds from note start.
func (e Envelope) GainAt(t float64) float64 {
	if t <= 0 || t >= e.Duration {
		return nearZeroGain
	}
	if t < e.Fade {
		// Exponential ramp up: gain(t) = g0 * (max/g0)^(t/fade).
		return nearZeroGain * math.Pow(e.MaxGain/nearZeroGain, t/e.Fade)
	}
	if t > e.Duration-e.Fade {
		remain := e.Duration - t
		return nearZeroGain * math.Pow(e.MaxGain/nearZeroGain, remain/e.Fade)
	}
	return e.MaxGain
}
