// Package protocol defines the wire messages exchanged between the choir
// hub and its voice clients over the persistent websocket connection.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/model"
)

// MessageType names a wire message.
type MessageType string

const (
	// Client -> server
	MsgRegisterClient    MessageType = "register_client"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgStateUpdate       MessageType = "state_update"
	MsgRequestVoiceState MessageType = "request_voice_state"
	MsgUpdateNotes       MessageType = "update_notes"
	MsgPing              MessageType = "ping"

	// Server -> client
	MsgVoiceStateUpdate MessageType = "voice_state_update"
	MsgNotesUpdate      MessageType = "notes_update"
	MsgMasterChanged    MessageType = "master_changed"
	MsgPong             MessageType = "pong"
	MsgRegistered       MessageType = "registered"
	MsgClipPlay         MessageType = "clip_play"
	MsgError            MessageType = "error"
)

// Timing is attached to every server->client message so receivers can feed
// their clock-offset estimator. TimeOffset is the server's view of how far
// ahead of the client's last reported clock it is, in milliseconds; zero
// when the server has nothing to report.
type Timing struct {
	ServerTime int64 `json:"serverTime"` // unix millis
	TimeOffset int64 `json:"timeOffset"`
}

// Message is the envelope for every frame on the wire.
type Message struct {
	Type       MessageType     `json:"type"`
	InstanceID string          `json:"instanceId,omitempty"`
	Voice      model.VoiceType `json:"voice,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timing     *Timing         `json:"timing,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// RegisterData is the payload of MsgRegisterClient.
type RegisterData struct {
	// WantController asks for the controller role; honored only with a
	// valid ControllerToken.
	WantController  bool   `json:"wantController,omitempty"`
	ControllerToken string `json:"controllerToken,omitempty"`
}

// RegisteredData is the payload of MsgRegistered, the server's reply to a
// registration.
type RegisteredData struct {
	Role     model.Role `json:"role"`
	MasterID string     `json:"masterId"` // empty when no controller is seated
}

// StateUpdateData is the payload of MsgStateUpdate and MsgVoiceStateUpdate.
type StateUpdateData struct {
	State model.PlaybackState `json:"state"`
}

// NotesUpdateData is the payload of MsgUpdateNotes and MsgNotesUpdate: the
// queue-only replication path, leaving isPlaying untouched.
type NotesUpdateData struct {
	Notes       []model.Note `json:"notes"`
	LastUpdated int64        `json:"lastUpdated"`
}

// MasterChangedData is the payload of MsgMasterChanged. An empty
// NewMasterID means the controller seat is vacant.
type MasterChangedData struct {
	NewMasterID string `json:"newMasterId"`
	Reason      string `json:"reason,omitempty"`
}

// PingData is the payload of MsgPing and MsgPong.
type PingData struct {
	SentAt int64 `json:"sentAt"` // client clock, unix millis
}

// ClipPlayData asks clients of one voice to play a pre-recorded asset.
type ClipPlayData struct {
	URL                string `json:"url"`
	Name               string `json:"name,omitempty"`
	ScheduledStartTime int64  `json:"scheduledStartTime,omitempty"`
}

// ErrorData is the payload of MsgError. Non-fatal by contract.
type ErrorData struct {
	Message string `json:"message"`
}

// New builds a message with the current timestamp and a marshalled payload.
// A marshal failure here is a programming error, so it is swallowed and the
// message carries no data.
func New(t MessageType, voice model.VoiceType, payload interface{}) *Message {
	msg := &Message{
		Type:      t,
		Voice:     voice,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			msg.Data = data
		}
	}
	return msg
}

// Stamp attaches a server timing envelope and refreshes the timestamp.
// Called by the hub just before a frame leaves the server.
func (m *Message) Stamp(offset int64) *Message {
	now := time.Now().UnixMilli()
	m.Timestamp = now
	m.Timing = &Timing{ServerTime: now, TimeOffset: offset}
	return m
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out interface{}) error {
	data := m.Data
	// Some front ends double-encode the data field as a JSON string.
	if len(data) > 0 && data[0] == '"' {
		var decoded string
		if err := json.Unmarshal(data, &decoded); err == nil {
			data = json.RawMessage(decoded)
		}
	}
	return json.Unmarshal(data, out)
}
