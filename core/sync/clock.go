// Package sync estimates the offset between a voice client's local clock
// and the hub's clock from the server timestamps embedded in every
// broadcast, and schedules callbacks at server-time instants.
package sync

import (
	"math"
	stdsync "sync"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/logger"
)

// DefaultLatency is the one-way transport latency assumed when updating the
// estimate from a server timestamp.
const DefaultLatency = 50 * time.Millisecond

// maxSampleWeight caps how much a single sample can move the estimate once
// a few samples have accrued.
const maxSampleWeight = 0.3

// Estimator blends server timestamps into a running local<->server clock
// offset. One instance per client process, created at startup and passed to
// collaborators explicitly; it is never reset except by process restart.
type Estimator struct {
	mu          stdsync.Mutex
	offsetMs    float64
	sampleCount int
	latency     time.Duration
}

// NewEstimator returns an estimator assuming the default transport latency.
func NewEstimator() *Estimator {
	return &Estimator{latency: DefaultLatency}
}

// NewEstimatorWithLatency returns an estimator with a custom assumed latency.
func NewEstimatorWithLatency(latency time.Duration) *Estimator {
	return &Estimator{latency: latency}
}

// Update folds one server timestamp into the estimate and returns the new
// offset in milliseconds. serverTime is unix millis; receivedAt is the local
// arrival time. The first sample is taken as-is; later samples are blended
// with weight min(0.3, 1/(n+1)), so convergence is fast early and the
// estimate stiffens as samples accrue.
func (e *Estimator) Update(serverTime int64, receivedAt time.Time) float64 {
	raw := float64(serverTime) - float64(receivedAt.UnixMilli()) + float64(e.latency.Milliseconds())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sampleCount == 0 {
		e.offsetMs = raw
	} else {
		weight := math.Min(maxSampleWeight, 1/float64(e.sampleCount+1))
		e.offsetMs = e.offsetMs*(1-weight) + raw*weight
	}
	e.sampleCount++

	logger.Debug("clock offset updated",
		logger.Float64("offsetMs", e.offsetMs),
		logger.Int("samples", e.sampleCount))

	return e.offsetMs
}

// Offset returns the current offset estimate in milliseconds and the number
// of samples behind it. Zero offset with zero samples means "unsynchronized";
// callers fall back to scheduling as soon as possible.
func (e *Estimator) Offset() (float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsetMs, e.sampleCount
}

// ToLocal converts a server timestamp (unix millis) to local unix millis.
func (e *Estimator) ToLocal(serverTs int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return serverTs - int64(math.Round(e.offsetMs))
}

// ToServer converts a local timestamp (unix millis) to server unix millis.
func (e *Estimator) ToServer(localTs int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return localTs + int64(math.Round(e.offsetMs))
}

// ScheduleAt defers fn until the local instant corresponding to the server
// timestamp. Instants already in the past fire immediately. The returned
// timer can be stopped to cancel.
func (e *Estimator) ScheduleAt(serverTs int64, fn func()) *time.Timer {
	localTs := e.ToLocal(serverTs)
	delay := time.Duration(localTs-time.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, fn)
}
