package database

import "time"

// Lifecycle event kinds.
const (
	EventProvisioned     = "provisioned"
	EventProvisionFailed = "provision_failed"
	EventExtended        = "extended"
	EventTeardown        = "teardown"
	EventDestroyed       = "destroyed"
)

// ScenarioEvent is one row of the lifecycle audit trail.
type ScenarioEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;not null" json:"sessionId"`
	Repo      string    `gorm:"not null;default:''" json:"repo"`
	Kind      string    `gorm:"index;not null" json:"kind"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}
