package db

import (
	"time"

	"gorm.io/datatypes"
)

// LabStatus is the closed set of lab lifecycle states. Transitions are
// forward-only: ACTIVE can move to either canceled state, canceled
// states are terminal.
type LabStatus string

const (
	StatusActive         LabStatus = "ACTIVE"
	StatusCanceledByUser LabStatus = "CANCELED_BY_USER"
	StatusCanceledByTime LabStatus = "CANCELED_BY_TIME"
)

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s LabStatus) CanTransitionTo(next LabStatus) bool {
	if s != StatusActive {
		return false
	}
	return next == StatusCanceledByUser || next == StatusCanceledByTime
}

// Valid reports whether s is one of the known states.
func (s LabStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCanceledByUser, StatusCanceledByTime:
		return true
	}
	return false
}

// Lab is one user's provisioned environment, one-to-one with an
// orchestrator stack. Rows are never deleted; cancellation only flips
// Status and stamps CanceledAt.
type Lab struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	UserID     uint   `gorm:"index;not null"`
	OwnerEmail string `gorm:"size:255;not null"`

	// SSHPort and ExposedPorts must be unique across all ACTIVE rows.
	// ExposedPorts preserves allocation order; the first entry is the
	// lab's primary application port.
	SSHPort      int                      `gorm:"not null"`
	ExposedPorts datatypes.JSONSlice[int] `gorm:"not null"`

	// ContainerName doubles as the orchestrator stack name:
	// lab-<username>-<unix millis>.
	ContainerName string `gorm:"uniqueIndex;size:128;not null"`
	Image         string `gorm:"size:255;not null"`

	// StackID is the external id returned by the orchestration API.
	StackID    string `gorm:"size:64"`
	EndpointID int

	Username string `gorm:"size:64;not null"`
	Password string `gorm:"size:128;not null"`

	Status       LabStatus `gorm:"size:32;index;not null"`
	ExpiresAt    time.Time `gorm:"index;not null"`
	CanceledAt   *time.Time
	CancelReason string `gorm:"size:128"`
}

// User is a platform account. The core reads it only for quota and
// permission checks; account management belongs to the auth layer.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Email        string `gorm:"uniqueIndex;size:255;not null"`
	Name         string `gorm:"size:128"`
	PasswordHash string `gorm:"size:255;not null"`

	// APIToken is the bearer token for the HTTP API.
	APIToken string `gorm:"uniqueIndex;size:64;not null"`

	IsAdmin   bool `gorm:"default:false"`
	LastLogin *time.Time
}

// ActivityLog is an append-only audit record. The core only writes
// these; reading them back belongs to reporting.
type ActivityLog struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	UserID  uint   `gorm:"index"`
	Action  string `gorm:"size:64;index;not null"`
	Details string `gorm:"type:text"`
}

// ConfigEntry is one row of the system_config key/value table, the
// store-backed settings path. Operators can edit these live; they are
// re-read on every allocation.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:255;not null"`
}

// TableName pins the config rows to the system_config table.
func (ConfigEntry) TableName() string { return "system_config" }
