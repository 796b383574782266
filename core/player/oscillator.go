package player

import (
	"fmt"
	"io"
	"math"
	stdsync "sync"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
)

// PCM output format of the built-in oscillator.
const (
	SampleRate    = 48000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50 // samples per 20ms frame, mono
)

// Oscillator renders one note envelope at a time. Arm must first silence
// and release whatever was sounding before; the completion callback fires
// asynchronously when the envelope has run its full duration.
type Oscillator interface {
	Arm(note model.Note, gainMul float64, onComplete func()) error
	// Silence ramps the sounding envelope down over the given window and
	// releases it. The pending completion callback is dropped. No-op when
	// nothing is sounding.
	Silence(ramp time.Duration)
	// Sounding reports whether an envelope is currently in flight.
	Sounding() bool
}

// PCMOscillator synthesizes a sine tone shaped by the note's envelope into
// an io.Writer as mono 16-bit little-endian PCM at 48kHz. One generator
// goroutine at a time; arming tears down the previous one.
type PCMOscillator struct {
	mu   stdsync.Mutex
	sink io.Writer
	stop chan time.Duration // carries the requested ramp-down window
	done chan struct{}
}

// NewPCMOscillator writes synthesized frames to sink. A nil sink discards
// samples but still honors the note's timing, which is enough for viewers
// running headless.
func NewPCMOscillator(sink io.Writer) *PCMOscillator {
	return &PCMOscillator{sink: sink}
}

// Arm starts rendering the note. The previous envelope, if any, is ramped
// out over a short window first so two oscillators never overlap.
func (o *PCMOscillator) Arm(note model.Note, gainMul float64, onComplete func()) error {
	if !note.Valid() {
		return fmt.Errorf("invalid note %q: freq=%v dur=%v gain=%v", note.Name, note.Frequency, note.Duration, note.MaxGain)
	}

	o.Silence(10 * time.Millisecond)

	o.mu.Lock()
	stop := make(chan time.Duration, 1)
	done := make(chan struct{})
	o.stop = stop
	o.done = done
	o.mu.Unlock()

	go o.generate(note, gainMul, stop, done, onComplete)
	return nil
}

// Silence ramps out the current envelope and waits for the generator to
// release the sink.
func (o *PCMOscillator) Silence(ramp time.Duration) {
	o.mu.Lock()
	stop := o.stop
	done := o.done
	o.stop = nil
	o.done = nil
	o.mu.Unlock()

	if stop == nil {
		return
	}
	select {
	case stop <- ramp:
	default:
	}
	if done != nil {
		<-done
	}
}

// Sounding reports whether a generator goroutine is active.
func (o *PCMOscillator) Sounding() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done != nil
}

// generate runs the frame loop for one note. It paces itself against the
// wall clock so the sink sees real-time PCM, and fires onComplete only when
// the full duration elapsed without interruption.
func (o *PCMOscillator) generate(note model.Note, gainMul float64, stop <-chan time.Duration, done chan struct{}, onComplete func()) {
	defer close(done)

	env := NewEnvelope(note.Duration, note.MaxGain)
	frames := int(math.Ceil(note.Duration / FrameDuration.Seconds()))
	buf := make([]byte, FrameSamples*2)
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	phase := 0.0
	step := 2 * math.Pi * note.Frequency / SampleRate

	for i := 0; i < frames; i++ {
		select {
		case ramp := <-stop:
			o.rampOut(note, gainMul, &phase, step, float64(i)*FrameDuration.Seconds(), env, ramp)
			return
		case <-ticker.C:
		}

		t := float64(i) * FrameDuration.Seconds()
		o.writeFrame(buf, &phase, step, env.GainAt(t)*gainMul)
	}

	o.clearStopRef(stop)
	if onComplete != nil {
		onComplete()
	}
}

// rampOut writes a short linear fade from the current envelope level to
// silence, so a stop never hard-cuts the waveform.
func (o *PCMOscillator) rampOut(note model.Note, gainMul float64, phase *float64, step, at float64, env Envelope, ramp time.Duration) {
	if ramp <= 0 {
		return
	}
	start := env.GainAt(at) * gainMul
	frames := int(ramp / FrameDuration)
	if frames < 1 {
		frames = 1
	}
	buf := make([]byte, FrameSamples*2)
	for i := 0; i < frames; i++ {
		gain := start * (1 - float64(i+1)/float64(frames))
		o.writeFrame(buf, phase, step, gain)
	}
}

// writeFrame fills and flushes one 20ms frame at the given gain.
func (o *PCMOscillator) writeFrame(buf []byte, phase *float64, step, gain float64) {
	for s := 0; s < FrameSamples; s++ {
		sample := int16(math.Sin(*phase) * gain * math.MaxInt16)
		buf[2*s] = byte(sample)
		buf[2*s+1] = byte(sample >> 8)
		*phase += step
		if *phase > 2*math.Pi {
			*phase -= 2 * math.Pi
		}
	}
	if o.sink == nil {
		return
	}
	if _, err := o.sink.Write(buf); err != nil {
		logger.Warn("pcm sink write failed", logger.ErrorField(err))
	}
}

// clearStopRef detaches the finished generator so Sounding flips false and a
// later Silence does not block on an already-closed generation.
func (o *PCMOscillator) clearStopRef(stop <-chan time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// Only clear if we are still the current generation; Arm may have
	// already replaced us.
	if o.stop != nil && (<-chan time.Duration)(o.stop) == stop {
		o.stop = nil
		o.done = nil
	}
}
