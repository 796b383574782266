// Package player turns a replicated note queue into precisely timed audio
// envelopes. The scheduler is an explicit state machine driven by discrete
// events (armed, completion, stop) so it can be tested without real audio
// hardware.
package player

import (
	stdsync "sync"
	"time"

	clocksync "github.com/casspangell/drone-choir-app-sub000/core/sync"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
)

// playState is the scheduler's position in the envelope lifecycle.
type playState int

const (
	stateIdle playState = iota
	stateArming
	stateSounding
	stateCompleting
)

const (
	// stopRampWindow is how long a Stop takes to ramp the sounding
	// envelope to zero instead of hard-cutting it.
	stopRampWindow = 500 * time.Millisecond
	// watchdogInterval is how often the idle self-healing check runs.
	watchdogInterval = 2 * time.Second
)

// Scheduler owns the ordered note queue for one voice part and advances it
// by popping the head, arming its envelope on the oscillator, and re-entering
// on the oscillator's completion signal. That completion path is the only
// normal way the queue advances; a watchdog covers dropped completions.
type Scheduler struct {
	mu    stdsync.Mutex
	part  model.VoicePart
	osc   Oscillator
	clock *clocksync.Estimator // nil schedules everything immediately

	queue   []model.Note
	current *model.Note
	next    *model.Note
	playing bool
	state   playState
	gainMul float64 // solo/mute multiplier, applied at render time only

	// generation guards stale timer and completion callbacks across
	// queue swaps, stops, and watchdog-forced advances.
	generation int
	armTimer   *time.Timer

	watchdogStop chan struct{}
}

// NewScheduler builds a scheduler for one voice part. The estimator may be
// nil, in which case scheduled start times are treated as "now".
func NewScheduler(part model.VoicePart, osc Oscillator, clock *clocksync.Estimator) *Scheduler {
	return &Scheduler{
		part:    part,
		osc:     osc,
		clock:   clock,
		gainMul: 1,
	}
}

// Start launches the watchdog. Call Stop or Close to end it.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.watchdogStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.watchdogStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkIdle()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops playback and the watchdog.
func (s *Scheduler) Close() {
	s.Stop()
	s.mu.Lock()
	if s.watchdogStop != nil {
		close(s.watchdogStop)
		s.watchdogStop = nil
	}
	s.mu.Unlock()
}

// SetGainMultiplier sets the solo/mute multiplier (0 or 1). Stored notes
// are never mutated; the multiplier applies when the next envelope is armed.
func (s *Scheduler) SetGainMultiplier(g float64) {
	s.mu.Lock()
	s.gainMul = g
	s.mu.Unlock()
}

// Current returns the sounding and upcoming notes for display.
func (s *Scheduler) Current() (current, next *model.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.next
}

// Playing reports whether playback is marked active.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen returns the number of queued (not yet sounding) notes.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// refreshNextLocked repoints the upcoming-note display pointer at the queue
// head. Must run with the lock held.
func (s *Scheduler) refreshNextLocked() {
	if len(s.queue) == 0 {
		s.next = nil
		return
	}
	note := s.queue[0]
	s.next = &note
}

// Apply reconciles the scheduler with a replicated playback state: the
// queue is swapped atomically and the playing flag follows the broadcast.
func (s *Scheduler) Apply(state model.PlaybackState) {
	s.mu.Lock()
	s.playing = state.IsPlaying
	wasEmpty := len(s.queue) == 0 && s.state == stateIdle
	s.queue = append(s.queue[:0:0], state.NoteQueue...)
	s.refreshNextLocked()
	shouldKick := s.playing && wasEmpty && len(s.queue) > 0
	if !state.IsPlaying {
		s.mu.Unlock()
		s.Stop()
		return
	}
	s.mu.Unlock()

	if shouldKick {
		s.PlayNext()
	}
}

// ReplaceQueue atomically swaps the queue. If playback is active and the
// queue was empty (nothing sounding), the first note starts immediately.
func (s *Scheduler) ReplaceQueue(notes []model.Note) {
	s.mu.Lock()
	wasIdle := len(s.queue) == 0 && s.state == stateIdle
	s.queue = append(s.queue[:0:0], notes...)
	s.refreshNextLocked()
	shouldKick := s.playing && wasIdle && len(s.queue) > 0
	s.mu.Unlock()

	if shouldKick {
		s.PlayNext()
	}
}

// PlayNext pops the head note and arms its envelope. With an empty queue it
// clears the display pointers and stops. This and the completion callback
// are the only paths that advance the queue during active playback.
func (s *Scheduler) PlayNext() {
	s.mu.Lock()

	if len(s.queue) == 0 {
		s.current = nil
		s.next = nil
		s.playing = false
		s.state = stateIdle
		s.mu.Unlock()
		logger.Debug("note queue exhausted", logger.String("voice", string(s.part.Type)))
		return
	}

	note := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &note
	s.refreshNextLocked()
	s.playing = true
	s.generation++
	gen := s.generation
	s.state = stateArming
	clock := s.clock
	s.mu.Unlock()

	// Defer arming to the note's scheduled server-time start when it has
	// one and we have an estimator; otherwise arm right away.
	if note.ScheduledStartTime > 0 && clock != nil {
		s.mu.Lock()
		s.armTimer = clock.ScheduleAt(note.ScheduledStartTime, func() { s.arm(note, gen) })
		s.mu.Unlock()
		return
	}
	s.arm(note, gen)
}

// arm hands the note to the oscillator. A render failure is logged and the
// scheduler moves on; one bad note must never stall the voice.
func (s *Scheduler) arm(note model.Note, gen int) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	gainMul := s.gainMul
	s.mu.Unlock()

	err := s.osc.Arm(note, gainMul, func() { s.onComplete(gen) })

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state = stateCompleting
		s.mu.Unlock()
		logger.Warn("note render failed, skipping",
			logger.String("voice", string(s.part.Type)),
			logger.String("note", note.Name),
			logger.ErrorField(err))
		s.PlayNext()
		return
	}
	s.state = stateSounding
	s.mu.Unlock()

	logger.Debug("note armed",
		logger.String("voice", string(s.part.Type)),
		logger.String("note", note.Name),
		logger.Float64("freq", note.Frequency),
		logger.Float64("duration", note.Duration))
}

// onComplete is the envelope completion signal: the self-advancing loop.
func (s *Scheduler) onComplete(gen int) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateSounding {
		s.mu.Unlock()
		return
	}
	s.state = stateCompleting
	s.mu.Unlock()

	s.PlayNext()
}

// Stop clears the queue, ramps the sounding envelope to zero over a short
// fixed window, and releases the oscillator.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.queue = nil
	s.current = nil
	s.next = nil
	s.playing = false
	s.generation++ // invalidate in-flight timers and completions
	s.state = stateIdle
	if s.armTimer != nil {
		s.armTimer.Stop()
		s.armTimer = nil
	}
	s.mu.Unlock()

	s.osc.Silence(stopRampWindow)
}

// checkIdle is the watchdog body: playback marked active, queue non-empty,
// nothing sounding means a completion signal was dropped; force one advance.
func (s *Scheduler) checkIdle() {
	s.mu.Lock()
	stalled := s.playing && len(s.queue) > 0 && s.state != stateArming &&
		s.state != stateCompleting && !s.osc.Sounding()
	if stalled {
		// Invalidate whatever the stale generation might still deliver so
		// the forced advance is not duplicated by a late completion.
		s.generation++
		s.state = stateIdle
	}
	s.mu.Unlock()

	if stalled {
		logger.Warn("playback stalled, watchdog forcing advance",
			logger.String("voice", string(s.part.Type)))
		s.osc.Silence(0)
		s.PlayNext()
	}
}
