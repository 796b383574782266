package choir

import (
	"context"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

// TokenVerifier checks a controller credential presented at registration.
type TokenVerifier func(token, instanceID string) bool

// Recorder persists session and hand-off audit events. Best effort and
// nil-able; the hot path never waits on it.
type Recorder interface {
	RecordSession(rec *model.SessionRecord)
	RecordHandoff(ev *model.HandoffEvent)
}

// Service wires the hub, the authoritative store, and the arbiter into the
// message-level protocol.
type Service struct {
	hub      *Hub
	store    *Store
	arbiter  *Arbiter
	verify   TokenVerifier
	recorder Recorder
}

// NewService builds the service. verify and recorder may be nil.
func NewService(hub *Hub, store *Store, verify TokenVerifier, recorder Recorder) *Service {
	s := &Service{
		hub:      hub,
		store:    store,
		verify:   verify,
		recorder: recorder,
	}
	s.arbiter = NewArbiter(s.onHandoff)
	return s
}

// Store exposes the authoritative store to the REST surface.
func (s *Service) Store() *Store { return s.store }

// Arbiter exposes the arbiter to the REST surface.
func (s *Service) Arbiter() *Arbiter { return s.arbiter }

// Hub exposes the hub to the connection handler.
func (s *Service) Hub() *Hub { return s.hub }

// RunLivenessSweep demotes silent controllers once per heartbeat interval
// until ctx is done.
func (s *Service) RunLivenessSweep(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.arbiter.SweepExpired()
		case <-ctx.Done():
			return
		}
	}
}

// onHandoff announces a controller change to every session and mirrors the
// new roles onto the live connections.
func (s *Service) onHandoff(h Handoff) {
	if h.PrevID != "" {
		s.hub.SetClientRole(h.PrevID, model.RoleViewer)
	}
	if h.NewID != "" {
		s.hub.SetClientRole(h.NewID, model.RoleController)
	}

	msg := protocol.New(protocol.MsgMasterChanged, "", &protocol.MasterChangedData{
		NewMasterID: h.NewID,
		Reason:      h.Reason,
	})
	if err := s.hub.Broadcast(msg, BroadcastFilter{}); err != nil {
		logger.Error("master change broadcast failed", logger.ErrorField(err))
	}

	if s.recorder != nil {
		s.recorder.RecordHandoff(&model.HandoffEvent{
			PrevInstanceID: h.PrevID,
			NewInstanceID:  h.NewID,
			Reason:         h.Reason,
		})
	}

	logger.Info("controller hand-off",
		logger.String("prev", h.PrevID),
		logger.String("new", h.NewID),
		logger.String("reason", h.Reason))
}

// Disconnected tears down the session when a connection's read pump exits.
// A reconnect may already have replaced this connection; in that case the
// fresh session must survive.
func (s *Service) Disconnected(client *Client) {
	if s.hub.HasInstance(client.InstanceID) {
		return
	}
	s.arbiter.Disconnect(client.InstanceID)
	if s.recorder != nil {
		s.recorder.RecordSession(&model.SessionRecord{
			InstanceID: client.InstanceID,
			Voice:      string(client.Voice),
			Role:       string(client.Role()),
			Event:      "disconnected",
		})
	}
}

// HandleMessage dispatches one inbound frame.
func (s *Service) HandleMessage(ctx context.Context, client *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgRegisterClient:
		s.handleRegister(client, msg)

	case protocol.MsgHeartbeat:
		s.arbiter.Heartbeat(client.InstanceID)

	case protocol.MsgPing:
		var ping protocol.PingData
		if err := msg.Decode(&ping); err == nil {
			client.SendMessage(protocol.New(protocol.MsgPong, "", &ping))
		}

	case protocol.MsgStateUpdate:
		s.handleStateUpdate(ctx, client, msg)

	case protocol.MsgUpdateNotes:
		s.handleNotesUpdate(ctx, client, msg)

	case protocol.MsgRequestVoiceState:
		s.handleStateRequest(client, msg)

	default:
		logger.Debug("unhandled message type",
			logger.String("type", string(msg.Type)),
			logger.String("instance", client.InstanceID))
	}
}

func (s *Service) handleRegister(client *Client, msg *protocol.Message) {
	var reg protocol.RegisterData
	if len(msg.Data) > 0 {
		if err := msg.Decode(&reg); err != nil {
			client.SendMessage(protocol.New(protocol.MsgError, "", &protocol.ErrorData{Message: "malformed register payload"}))
			return
		}
	}

	credentialOK := false
	if reg.WantController && s.verify != nil {
		credentialOK = s.verify(reg.ControllerToken, client.InstanceID)
	}

	sess, _ := s.arbiter.Register(client.InstanceID, client.Voice, reg.WantController, credentialOK)
	client.SetRole(sess.Role)

	if s.recorder != nil {
		s.recorder.RecordSession(&model.SessionRecord{
			InstanceID: client.InstanceID,
			Voice:      string(client.Voice),
			Role:       string(sess.Role),
			Event:      "registered",
		})
	}

	client.SendMessage(protocol.New(protocol.MsgRegistered, client.Voice, &protocol.RegisteredData{
		Role:     sess.Role,
		MasterID: s.arbiter.MasterID(),
	}))

	// Push the voice's current state so a (re)joining client renders
	// immediately instead of waiting for the next controller write.
	if state, ok := s.store.Get(client.Voice); ok {
		client.SendMessage(protocol.New(protocol.MsgVoiceStateUpdate, client.Voice, &protocol.StateUpdateData{State: state}))
	}
}

func (s *Service) handleStateUpdate(ctx context.Context, client *Client, msg *protocol.Message) {
	var upd protocol.StateUpdateData
	if err := msg.Decode(&upd); err != nil {
		logger.Warn("malformed state update",
			logger.ErrorField(err),
			logger.String("instance", client.InstanceID))
		return
	}

	sess := s.arbiter.Session(client.InstanceID)
	stored, accepted := s.store.ApplyUpdate(ctx, msg.Voice, upd.State, sess)
	if !accepted {
		// Deliberately silent toward the writer; the next authoritative
		// broadcast corrects its optimistic view.
		return
	}
	s.broadcastState(msg.Voice, stored, client.InstanceID)
}

func (s *Service) handleNotesUpdate(ctx context.Context, client *Client, msg *protocol.Message) {
	var upd protocol.NotesUpdateData
	if err := msg.Decode(&upd); err != nil {
		logger.Warn("malformed notes update",
			logger.ErrorField(err),
			logger.String("instance", client.InstanceID))
		return
	}

	sess := s.arbiter.Session(client.InstanceID)
	stored, accepted := s.store.ApplyNotes(ctx, msg.Voice, upd.Notes, upd.LastUpdated, sess)
	if !accepted {
		return
	}

	out := protocol.New(protocol.MsgNotesUpdate, msg.Voice, &protocol.NotesUpdateData{
		Notes:       stored.NoteQueue,
		LastUpdated: stored.LastUpdated,
	})
	if err := s.hub.Broadcast(out, BroadcastFilter{OnlyVoice: msg.Voice, ExcludeID: client.InstanceID}); err != nil {
		logger.Error("notes broadcast failed", logger.ErrorField(err))
	}
}

func (s *Service) handleStateRequest(client *Client, msg *protocol.Message) {
	voice := msg.Voice
	if voice == "" {
		voice = client.Voice
	}
	state, ok := s.store.Get(voice)
	if !ok {
		client.SendMessage(protocol.New(protocol.MsgError, voice, &protocol.ErrorData{Message: "unknown voice part"}))
		return
	}
	client.SendMessage(protocol.New(protocol.MsgVoiceStateUpdate, voice, &protocol.StateUpdateData{State: state}))
}

// ApplyRESTUpdate lets the HTTP surface submit a candidate write on behalf
// of the controller instance named in the request. Same acceptance rules
// as the websocket path, followed by the same broadcast.
func (s *Service) ApplyRESTUpdate(ctx context.Context, voice model.VoiceType, state model.PlaybackState, instanceID string) bool {
	sess := s.arbiter.Session(instanceID)
	stored, accepted := s.store.ApplyUpdate(ctx, voice, state, sess)
	if !accepted {
		return false
	}
	s.broadcastState(voice, stored, instanceID)
	return true
}

// NotifyClipPlay announces a pre-recorded asset for one voice.
func (s *Service) NotifyClipPlay(voice model.VoiceType, clip *protocol.ClipPlayData) {
	msg := protocol.New(protocol.MsgClipPlay, voice, clip)
	if err := s.hub.Broadcast(msg, BroadcastFilter{OnlyVoice: voice}); err != nil {
		logger.Error("clip notification failed", logger.ErrorField(err))
	}
}

// broadcastState pushes the full accepted state (never a diff) to every
// session subscribed to the voice, stamped with the server timing envelope.
func (s *Service) broadcastState(voice model.VoiceType, state model.PlaybackState, excludeID string) {
	msg := protocol.New(protocol.MsgVoiceStateUpdate, voice, &protocol.StateUpdateData{State: state})
	if err := s.hub.Broadcast(msg, BroadcastFilter{OnlyVoice: voice, ExcludeID: excludeID}); err != nil {
		logger.Error("state broadcast failed", logger.ErrorField(err))
	}
}
