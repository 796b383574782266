package model

import "time"

// Role of a connected session.
type Role string

const (
	RoleController Role = "controller"
	RoleViewer     Role = "viewer"
)

// ClientSession describes one connected instance as the server sees it.
// InstanceID survives reconnects (the client persists it), so the same
// logical client is recognized across physical connections.
type ClientSession struct {
	InstanceID      string    `json:"instanceId"`
	Role            Role      `json:"role"`
	Voice           VoiceType `json:"voice"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// ========== Audit persistence (GORM) ==========

// SessionRecord is one registration or disconnect of a logical client.
type SessionRecord struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	InstanceID string    `json:"instanceId" gorm:"size:64;index;not null"`
	Voice      string    `json:"voice" gorm:"size:16"`
	Role       string    `json:"role" gorm:"size:16"`
	Event      string    `json:"event" gorm:"size:16"` // registered, disconnected
	CreatedAt  time.Time `json:"createdAt" gorm:"index"`
}

// TableName sets the table name.
func (SessionRecord) TableName() string {
	return "session_records"
}

// HandoffEvent records one controller hand-off.
type HandoffEvent struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PrevInstanceID string    `json:"prevInstanceId" gorm:"size:64"`
	NewInstanceID  string    `json:"newInstanceId" gorm:"size:64;index"`
	Reason         string    `json:"reason" gorm:"size:32"` // takeover, heartbeat_timeout, disconnect
	CreatedAt      time.Time `json:"createdAt" gorm:"index"`
}

// TableName sets the table name.
func (HandoffEvent) TableName() string {
	return "handoff_events"
}
