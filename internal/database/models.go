package database

import "time"

// Session lifecycle statuses. Transitions are enforced by the session
// package; the database stores whatever it is told.
const (
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
	StatusFailed       = "failed"
)

type Session struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID      string    `gorm:"uniqueIndex;not null;size:36" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	Status         string    `gorm:"not null;default:provisioning" json:"status"`
	BackendRef     string    `gorm:"default:''" json:"backend_ref,omitempty"`
	FailReason     string    `gorm:"default:''" json:"fail_reason,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Terminal reports whether the session has reached a final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusStopped || s.Status == StatusFailed
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
