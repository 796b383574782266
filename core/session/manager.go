// Package session runs the client side of the choir connection: the
// connect/register lifecycle, controller heartbeats, transport pings,
// scheduled clean reconnects with exponential backoff after failures, and
// reconciliation of authoritative state broadcasts.
package session

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	clocksync "github.com/casspangell/drone-choir-app-sub000/core/sync"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

// State names the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
)

const (
	// heartbeatEvery is the controller's liveness cadence toward the hub.
	heartbeatEvery = time.Second
	// pingEvery is the transport-level RTT probe cadence. Pongs feed the
	// log only; clock sync comes from the timing envelope on every frame.
	pingEvery = 20 * time.Second
	// refreshEvery forces a clean reconnect on a long-lived connection to
	// shed accumulated transport state. Clean reconnects skip backoff.
	refreshEvery = 120 * time.Second

	backoffBase = time.Second
	// maxBackoffShift caps the unclean-close backoff at 32s.
	maxBackoffShift = 5
)

// errRefresh signals the scheduled clean reconnect to the run loop.
var errRefresh = errors.New("scheduled connection refresh")

var (
	// ErrNotController is returned when a write is attempted without the
	// controller role.
	ErrNotController = errors.New("not the controller")
	// ErrNotConnected is returned when no live connection exists.
	ErrNotConnected = errors.New("not connected")
)

// Config identifies this client to the hub.
type Config struct {
	ServerURL       string // websocket endpoint, e.g. ws://host:8080/ws/choir
	InstanceID      string
	Voice           model.VoiceType
	WantController  bool
	ControllerToken string
}

// Hooks are the manager's callbacks into the rendering side. All are
// optional and invoked from the manager's run goroutine.
type Hooks struct {
	// OnState delivers a reconciled authoritative state.
	OnState func(state model.PlaybackState)
	// OnNotes delivers a queue-only update.
	OnNotes func(notes []model.Note, lastUpdated int64)
	// OnRole fires on every role change, including the demotion to viewer
	// at teardown.
	OnRole func(role model.Role)
	// OnClip announces a pre-recorded asset for this voice.
	OnClip func(clip protocol.ClipPlayData)
}

// Manager owns the client session. Create one per process and drive it
// with Run.
type Manager struct {
	cfg   Config
	hooks Hooks
	dial  Dialer
	clock *clocksync.Estimator

	mu       stdsync.Mutex
	state    State
	role     model.Role
	masterID string
	local    model.PlaybackState
	conn     Conn
}

// NewManager builds a manager. dial and clock must be non-nil.
func NewManager(cfg Config, hooks Hooks, dial Dialer, clock *clocksync.Estimator) *Manager {
	return &Manager{
		cfg:   cfg,
		hooks: hooks,
		dial:  dial,
		clock: clock,
		state: StateDisconnected,
		role:  model.RoleViewer,
	}
}

// State returns the lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the current role. Viewer whenever disconnected.
func (m *Manager) Role() model.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// MasterID returns the last announced controller instance id.
func (m *Manager) MasterID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterID
}

// LocalState returns a copy of the last reconciled state.
func (m *Manager) LocalState() model.PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Clone()
}

// Run drives the connect/register/reconnect loop until ctx is done. Unclean
// closes back off exponentially; the scheduled refresh and clean server
// closes reconnect immediately.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := m.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if registered {
			attempt = 0
		}
		if errors.Is(err, errRefresh) {
			logger.Info("refreshing connection", logger.String("instance", m.cfg.InstanceID))
			continue
		}

		delay := backoffDelay(attempt)
		attempt++
		logger.Warn("connection lost, reconnecting",
			logger.ErrorField(err),
			logger.Duration("backoff", delay),
			logger.Int("attempt", attempt))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay is 2^attempt seconds, capped.
func backoffDelay(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return backoffBase << attempt
}

type inbound struct {
	msg *protocol.Message
	at  time.Time
}

// runConn runs one connection to completion. Returns whether registration
// succeeded on this connection, and why it ended.
func (m *Manager) runConn(ctx context.Context) (registered bool, err error) {
	m.setState(StateConnecting)
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.state = StateDisconnected
		m.mu.Unlock()
		m.setRole(model.RoleViewer)
	}()

	target, err := endpointURL(m.cfg.ServerURL, m.cfg.InstanceID, string(m.cfg.Voice))
	if err != nil {
		return false, err
	}
	conn, err := m.dial.Dial(ctx, target)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := m.send(conn, protocol.MsgRegisterClient, &protocol.RegisterData{
		WantController:  m.cfg.WantController,
		ControllerToken: m.cfg.ControllerToken,
	}); err != nil {
		return false, err
	}

	done := make(chan struct{})
	defer close(done)
	msgs := make(chan inbound)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- inbound{msg: msg, at: time.Now()}:
			case <-done:
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	refresh := time.NewTimer(refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return registered, ctx.Err()

		case err := <-readErr:
			return registered, err

		case in := <-msgs:
			m.handle(in.msg, in.at, &registered)

		case <-heartbeat.C:
			// Stops on its own the moment the role is lost: the check is
			// per tick, not per connection.
			if m.Role() == model.RoleController {
				if err := m.send(conn, protocol.MsgHeartbeat, nil); err != nil {
					return registered, err
				}
			}

		case <-ping.C:
			if err := m.send(conn, protocol.MsgPing, &protocol.PingData{
				SentAt: time.Now().UnixMilli(),
			}); err != nil {
				return registered, err
			}

		case <-refresh.C:
			return registered, errRefresh
		}
	}
}

func (m *Manager) send(conn Conn, t protocol.MessageType, payload interface{}) error {
	msg := protocol.New(t, m.cfg.Voice, payload)
	msg.InstanceID = m.cfg.InstanceID
	return conn.WriteMessage(msg)
}

func (m *Manager) handle(msg *protocol.Message, at time.Time, registered *bool) {
	if msg.Timing != nil {
		m.clock.Update(msg.Timing.ServerTime, at)
	}

	switch msg.Type {
	case protocol.MsgRegistered:
		var reg protocol.RegisteredData
		if err := msg.Decode(&reg); err != nil {
			logger.Warn("malformed registered payload", logger.ErrorField(err))
			return
		}
		m.mu.Lock()
		m.state = StateRegistered
		m.masterID = reg.MasterID
		m.mu.Unlock()
		m.setRole(reg.Role)
		*registered = true
		logger.Info("registered with hub",
			logger.String("role", string(reg.Role)),
			logger.String("master", reg.MasterID))

	case protocol.MsgVoiceStateUpdate:
		var upd protocol.StateUpdateData
		if err := msg.Decode(&upd); err != nil {
			logger.Warn("malformed state broadcast", logger.ErrorField(err))
			return
		}
		if state, adopted := m.reconcileState(upd.State); adopted && m.hooks.OnState != nil {
			m.hooks.OnState(state)
		}

	case protocol.MsgNotesUpdate:
		var upd protocol.NotesUpdateData
		if err := msg.Decode(&upd); err != nil {
			logger.Warn("malformed notes broadcast", logger.ErrorField(err))
			return
		}
		if m.reconcileNotes(upd.Notes, upd.LastUpdated) && m.hooks.OnNotes != nil {
			m.hooks.OnNotes(upd.Notes, upd.LastUpdated)
		}

	case protocol.MsgMasterChanged:
		var ch protocol.MasterChangedData
		if err := msg.Decode(&ch); err != nil {
			logger.Warn("malformed master change", logger.ErrorField(err))
			return
		}
		m.mu.Lock()
		m.masterID = ch.NewMasterID
		m.mu.Unlock()
		if ch.NewMasterID == m.cfg.InstanceID {
			m.setRole(model.RoleController)
		} else {
			// Covers both a takeover by someone else and a vacant seat.
			m.setRole(model.RoleViewer)
		}
		logger.Info("controller changed",
			logger.String("master", ch.NewMasterID),
			logger.String("reason", ch.Reason))

	case protocol.MsgPong:
		var pong protocol.PingData
		if err := msg.Decode(&pong); err == nil && pong.SentAt > 0 {
			logger.Debug("transport rtt",
				logger.Int64("rttMs", at.UnixMilli()-pong.SentAt))
		}

	case protocol.MsgClipPlay:
		var clip protocol.ClipPlayData
		if err := msg.Decode(&clip); err != nil {
			logger.Warn("malformed clip notification", logger.ErrorField(err))
			return
		}
		if m.hooks.OnClip != nil {
			m.hooks.OnClip(clip)
		}

	case protocol.MsgError:
		var e protocol.ErrorData
		if msg.Decode(&e) == nil {
			logger.Warn("server error", logger.String("message", e.Message))
		}

	default:
		logger.Debug("unhandled message type", logger.String("type", string(msg.Type)))
	}
}

// reconcileState adopts a broadcast only when it is at least as fresh as the
// local view, so stale frames from before a reconnect cannot roll playback
// back. Returns the adopted copy.
func (m *Manager) reconcileState(state model.PlaybackState) (model.PlaybackState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.LastUpdated < m.local.LastUpdated {
		logger.Debug("stale state broadcast ignored",
			logger.Int64("broadcast", state.LastUpdated),
			logger.Int64("local", m.local.LastUpdated))
		return model.PlaybackState{}, false
	}
	m.local = state.Clone()
	return m.local.Clone(), true
}

func (m *Manager) reconcileNotes(notes []model.Note, lastUpdated int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastUpdated < m.local.LastUpdated {
		return false
	}
	m.local.NoteQueue = append([]model.Note(nil), notes...)
	m.local.LastUpdated = lastUpdated
	return true
}

// SubmitState proposes a full state write to the hub. Controller only. The
// state is adopted locally once the write is on the wire; a fresher
// authoritative broadcast corrects it if the hub disagrees.
func (m *Manager) SubmitState(state model.PlaybackState) error {
	m.mu.Lock()
	conn, role := m.conn, m.role
	m.mu.Unlock()
	if role != model.RoleController {
		return ErrNotController
	}
	if conn == nil {
		return ErrNotConnected
	}

	if state.LastUpdated == 0 {
		state.LastUpdated = m.clock.ToServer(time.Now().UnixMilli())
	}
	if err := m.send(conn, protocol.MsgStateUpdate, &protocol.StateUpdateData{State: state}); err != nil {
		return err
	}

	m.mu.Lock()
	if state.LastUpdated >= m.local.LastUpdated {
		m.local = state.Clone()
	}
	m.mu.Unlock()
	return nil
}

// SubmitNotes proposes a queue-only write. Controller only.
func (m *Manager) SubmitNotes(notes []model.Note) error {
	m.mu.Lock()
	conn, role := m.conn, m.role
	m.mu.Unlock()
	if role != model.RoleController {
		return ErrNotController
	}
	if conn == nil {
		return ErrNotConnected
	}

	lastUpdated := m.clock.ToServer(time.Now().UnixMilli())
	if err := m.send(conn, protocol.MsgUpdateNotes, &protocol.NotesUpdateData{
		Notes:       notes,
		LastUpdated: lastUpdated,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if lastUpdated >= m.local.LastUpdated {
		m.local.NoteQueue = append([]model.Note(nil), notes...)
		m.local.LastUpdated = lastUpdated
	}
	m.mu.Unlock()
	return nil
}

// RequestState asks the hub for the voice's current authoritative state.
func (m *Manager) RequestState() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.send(conn, protocol.MsgRequestVoiceState, nil)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setRole(r model.Role) {
	m.mu.Lock()
	changed := m.role != r
	m.role = r
	m.mu.Unlock()
	if changed && m.hooks.OnRole != nil {
		m.hooks.OnRole(r)
	}
}
