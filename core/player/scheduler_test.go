package player

import (
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/model"
)

// fakeOscillator records armed notes and lets the test fire or drop the
// completion signal explicitly.
type fakeOscillator struct {
	mu         stdsync.Mutex
	armed      []model.Note
	gains      []float64
	onComplete func()
	sounding   bool
	failNames  map[string]bool // notes whose Arm should fail
	silenced   []time.Duration
}

func newFakeOscillator() *fakeOscillator {
	return &fakeOscillator{failNames: map[string]bool{}}
}

func (f *fakeOscillator) Arm(note model.Note, gainMul float64, onComplete func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNames[note.Name] {
		return errors.New("oscillator resource unavailable")
	}
	f.armed = append(f.armed, note)
	f.gains = append(f.gains, gainMul)
	f.onComplete = onComplete
	f.sounding = true
	return nil
}

func (f *fakeOscillator) Silence(ramp time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced = append(f.silenced, ramp)
	f.sounding = false
	f.onComplete = nil
}

func (f *fakeOscillator) Sounding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sounding
}

// complete simulates the envelope finishing.
func (f *fakeOscillator) complete() {
	f.mu.Lock()
	cb := f.onComplete
	f.onComplete = nil
	f.sounding = false
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// dropCompletion simulates a completion signal that was silently lost.
func (f *fakeOscillator) dropCompletion() {
	f.mu.Lock()
	f.onComplete = nil
	f.sounding = false
	f.mu.Unlock()
}

func (f *fakeOscillator) armedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.armed))
	for i, n := range f.armed {
		names[i] = n.Name
	}
	return names
}

var testPart = model.VoicePart{Type: model.VoiceTenor, Label: "Tenor", MinFreq: 110, MaxFreq: 440}

func note(name string, freq float64) model.Note {
	return model.Note{Frequency: freq, Duration: 10, Name: name, MaxGain: 0.5}
}

func TestSelfAdvancingLoop(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	s.Apply(model.PlaybackState{
		IsPlaying: true,
		NoteQueue: []model.Note{note("a", 220), note("b", 330), note("c", 440)},
	})

	if got := osc.armedNames(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("armed = %v, want [a]", got)
	}

	osc.complete()
	osc.complete()

	if got := osc.armedNames(); len(got) != 3 {
		t.Fatalf("armed = %v, want all three notes in order", got)
	}
	if got := osc.armedNames()[2]; got != "c" {
		t.Fatalf("third armed note = %q, want c", got)
	}

	// Final completion empties the queue and stops playback.
	osc.complete()
	if s.Playing() {
		t.Fatal("playback still active after queue exhausted")
	}
	cur, next := s.Current()
	if cur != nil || next != nil {
		t.Fatalf("current/next = %v/%v, want nil/nil", cur, next)
	}
}

func TestReplaceEmptyQueueThenPlayNext(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	s.ReplaceQueue(nil)
	s.PlayNext()

	cur, next := s.Current()
	if cur != nil || next != nil {
		t.Fatalf("current/next = %v/%v, want nil/nil", cur, next)
	}
	if s.Playing() {
		t.Fatal("playback marked active with empty queue")
	}
}

func TestReplaceQueueKicksWhenActiveAndIdle(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	// Drain to active-but-idle: playing flag set, queue empty.
	s.Apply(model.PlaybackState{IsPlaying: true, NoteQueue: []model.Note{note("a", 220)}})
	osc.complete()

	// The queue ran dry, which marks playback inactive; a fresh Apply with
	// isPlaying resumes immediately.
	s.Apply(model.PlaybackState{IsPlaying: true, NoteQueue: []model.Note{note("b", 330)}})
	if got := osc.armedNames(); len(got) != 2 || got[1] != "b" {
		t.Fatalf("armed = %v, want [a b]", got)
	}
}

func TestStopClearsQueueAndRampsOut(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	s.Apply(model.PlaybackState{
		IsPlaying: true,
		NoteQueue: []model.Note{note("a", 220), note("b", 330)},
	})
	s.Stop()

	if s.Playing() || s.QueueLen() != 0 {
		t.Fatalf("playing=%v queueLen=%d after Stop, want false/0", s.Playing(), s.QueueLen())
	}
	found := false
	for _, ramp := range osc.silenced {
		if ramp == 500*time.Millisecond {
			found = true
		}
	}
	if !found {
		t.Fatalf("silence ramps = %v, want a 500ms ramp-out", osc.silenced)
	}

	// A late completion from the stopped note must not restart playback.
	osc.complete()
	if len(osc.armedNames()) != 1 {
		t.Fatalf("armed = %v, stale completion advanced the queue", osc.armedNames())
	}
}

func TestRenderErrorSkipsToNextNote(t *testing.T) {
	osc := newFakeOscillator()
	osc.failNames["bad"] = true
	s := NewScheduler(testPart, osc, nil)

	s.Apply(model.PlaybackState{
		IsPlaying: true,
		NoteQueue: []model.Note{note("bad", 220), note("good", 330)},
	})

	if got := osc.armedNames(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("armed = %v, want the bad note skipped and [good] armed", got)
	}
	if !s.Playing() {
		t.Fatal("playback stalled on a render error")
	}
}

func TestWatchdogForcesSingleAdvance(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	s.Apply(model.PlaybackState{
		IsPlaying: true,
		NoteQueue: []model.Note{note("a", 220), note("b", 330), note("c", 440)},
	})

	// The completion signal for the sounding note is silently dropped.
	osc.dropCompletion()

	s.checkIdle()
	if got := osc.armedNames(); len(got) != 2 || got[1] != "b" {
		t.Fatalf("armed = %v, want watchdog to force exactly one advance", got)
	}

	// The next sweep sees a healthy sounding note and does nothing.
	s.checkIdle()
	if got := osc.armedNames(); len(got) != 2 {
		t.Fatalf("armed = %v, healthy state advanced by watchdog", got)
	}
}

func TestWatchdogIgnoresInactivePlayback(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)

	s.ReplaceQueue([]model.Note{note("a", 220)})
	s.checkIdle()

	if len(osc.armedNames()) != 0 {
		t.Fatal("watchdog armed a note while playback was inactive")
	}
}

func TestGainMultiplierAppliedAtRenderTime(t *testing.T) {
	osc := newFakeOscillator()
	s := NewScheduler(testPart, osc, nil)
	s.SetGainMultiplier(0) // muted

	s.Apply(model.PlaybackState{IsPlaying: true, NoteQueue: []model.Note{note("a", 220)}})

	if len(osc.gains) != 1 || osc.gains[0] != 0 {
		t.Fatalf("gains = %v, want the mute multiplier passed through", osc.gains)
	}
	// Stored note keeps its own gain untouched.
	if osc.armed[0].MaxGain != 0.5 {
		t.Fatalf("note MaxGain mutated to %v", osc.armed[0].MaxGain)
	}
}
