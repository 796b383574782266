package choir

import (
	stdsync "sync"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
)

// Hand-off reasons recorded with every controller change.
const (
	ReasonTakeover         = "takeover"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonDisconnect       = "disconnect"
)

const (
	// HeartbeatInterval is how often the controller client reports liveness.
	HeartbeatInterval = time.Second
	// heartbeatGrace pads the demotion threshold so a single delayed frame
	// does not unseat a live controller.
	heartbeatGrace = 500 * time.Millisecond
	// missedHeartbeats is how many silent intervals cost the controller its
	// seat.
	missedHeartbeats = 3
)

// HeartbeatTimeout is the silence threshold after which the controller is
// demoted: three missed heartbeats plus grace.
const HeartbeatTimeout = missedHeartbeats*HeartbeatInterval + heartbeatGrace

// Handoff describes one controller change for the notification hook.
type Handoff struct {
	PrevID string
	NewID  string // empty: seat vacant
	Reason string
}

// Arbiter owns the session registry and the single-controller invariant:
// at most one session holds the controller role at any instant, and every
// change is announced through the onChange hook so stale controllers can
// self-demote even if their own demotion frame is lost.
type Arbiter struct {
	mu       stdsync.Mutex
	sessions map[string]*model.ClientSession
	masterID string

	now      func() time.Time
	onChange func(Handoff)
}

// NewArbiter creates an arbiter. onChange is invoked (outside the lock)
// after every controller change; it may be nil.
func NewArbiter(onChange func(Handoff)) *Arbiter {
	return &Arbiter{
		sessions: make(map[string]*model.ClientSession),
		now:      time.Now,
		onChange: onChange,
	}
}

// Register creates or resumes the session for an instance. When the
// instance asks for the controller role and its credential checked out
// (credentialOK), the seat changes hands atomically: the previous
// controller is demoted before the new one is promoted. Returns the
// session and whether a hand-off happened.
func (a *Arbiter) Register(instanceID string, voice model.VoiceType, wantController, credentialOK bool) (*model.ClientSession, bool) {
	a.mu.Lock()

	sess, exists := a.sessions[instanceID]
	if !exists {
		sess = &model.ClientSession{
			InstanceID:  instanceID,
			Role:        model.RoleViewer,
			ConnectedAt: a.now(),
		}
		a.sessions[instanceID] = sess
	}
	sess.Voice = voice
	sess.LastHeartbeatAt = a.now()

	var handoff *Handoff
	if wantController && credentialOK && a.masterID != instanceID {
		handoff = a.promoteLocked(instanceID, ReasonTakeover)
	} else if a.masterID == instanceID {
		// Same logical controller resuming after a reconnect keeps its seat.
		sess.Role = model.RoleController
	}
	a.mu.Unlock()

	if wantController && !credentialOK {
		logger.Warn("controller request without valid credential, downgraded to viewer",
			logger.String("instance", instanceID))
	}
	a.fire(handoff)
	return sess, handoff != nil
}

// promoteLocked moves the controller seat. Must run with the lock held;
// returns the hand-off to announce after unlock.
func (a *Arbiter) promoteLocked(instanceID, reason string) *Handoff {
	prev := a.masterID
	if prev != "" {
		if prevSess, ok := a.sessions[prev]; ok {
			prevSess.Role = model.RoleViewer
		}
	}
	a.masterID = instanceID
	if instanceID != "" {
		if sess, ok := a.sessions[instanceID]; ok {
			sess.Role = model.RoleController
		}
	}
	return &Handoff{PrevID: prev, NewID: instanceID, Reason: reason}
}

// Heartbeat refreshes the controller's liveness. Heartbeats from
// non-controllers are ignored (a stale controller may still be sending
// them after a hand-off it has not heard about yet).
func (a *Arbiter) Heartbeat(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[instanceID]
	if !ok {
		return
	}
	if a.masterID == instanceID {
		sess.LastHeartbeatAt = a.now()
	}
}

// Disconnect removes the session. A disconnecting controller vacates the
// seat immediately rather than waiting for the heartbeat sweep.
func (a *Arbiter) Disconnect(instanceID string) {
	a.mu.Lock()
	delete(a.sessions, instanceID)
	var handoff *Handoff
	if a.masterID == instanceID {
		handoff = a.promoteLocked("", ReasonDisconnect)
	}
	a.mu.Unlock()

	a.fire(handoff)
}

// SweepExpired demotes a controller whose heartbeat has been silent past
// the timeout. Runs periodically; the seat becomes vacant (there is no
// succession candidate in this system).
func (a *Arbiter) SweepExpired() {
	a.mu.Lock()
	var handoff *Handoff
	if a.masterID != "" {
		sess, ok := a.sessions[a.masterID]
		if ok && a.now().Sub(sess.LastHeartbeatAt) > HeartbeatTimeout {
			logger.Warn("controller heartbeat silent, demoting",
				logger.String("instance", a.masterID),
				logger.Duration("silence", a.now().Sub(sess.LastHeartbeatAt)))
			handoff = a.promoteLocked("", ReasonHeartbeatTimeout)
		}
	}
	a.mu.Unlock()

	a.fire(handoff)
}

// Session returns the live session for an instance, or nil.
func (a *Arbiter) Session(instanceID string) *model.ClientSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[instanceID]
}

// MasterID returns the current controller's instance id, empty when the
// seat is vacant.
func (a *Arbiter) MasterID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.masterID
}

// ControllerCount reports how many sessions currently hold the controller
// role. Anything other than 0 or 1 is a bug.
func (a *Arbiter) ControllerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, sess := range a.sessions {
		if sess.Role == model.RoleController {
			count++
		}
	}
	return count
}

func (a *Arbiter) fire(h *Handoff) {
	if h == nil || a.onChange == nil {
		return
	}
	a.onChange(*h)
}
