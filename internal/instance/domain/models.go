// Package domain contains persistence models for provisioned VM instances.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusStarting     Status = "starting"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusTerminated   Status = "terminated"
)

// transitions lists the allowed status moves. Terminated is terminal.
var transitions = map[Status][]Status{
	StatusPending:      {StatusStarting, StatusInitializing, StatusRunning, StatusStopped, StatusTerminated},
	StatusStarting:     {StatusInitializing, StatusRunning, StatusStopped, StatusTerminated},
	StatusInitializing: {StatusRunning, StatusStopped, StatusTerminated},
	StatusRunning:      {StatusStopped, StatusTerminated},
	StatusStopped:      {StatusRunning, StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition reports whether moving from one status to another is allowed.
// A no-op transition to the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a provisioner-reported status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusStarting, StatusInitializing, StatusRunning, StatusStopped, StatusTerminated:
		return Status(s), true
	}
	return "", false
}

// IsActive reports whether the instance still occupies provider capacity.
func (s Status) IsActive() bool {
	switch s {
	case StatusTerminated, StatusStopped:
		return false
	}
	return true
}

// Instance is one provisioned VM owned by a user.
type Instance struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID string       `gorm:"type:text;not null;index"`
	Name   string       `gorm:"type:text;not null"`
	Slug   string       `gorm:"type:text;not null;index"`
	// ProviderInstanceID is the ID assigned by the external provisioner.
	ProviderInstanceID string `gorm:"type:text;not null;index"`
	Provider           string `gorm:"type:text;not null"`
	InstanceType string       `gorm:"type:text;not null"`
	Region       string       `gorm:"type:text;not null"`
	Image        string       `gorm:"type:text"`
	UseSpot      bool         `gorm:"not null;default:false"`
	Status       Status       `gorm:"type:text;not null;index"`
	PublicIP     *string      `gorm:"type:text"`
	SSHUsername  *string      `gorm:"type:text"`
	SSHPassword  *string      `gorm:"type:text"`
	// LaunchedAt is set exactly once, the first time the instance is seen
	// running. Billing windows never start before it.
	LaunchedAt   *time.Time
	TerminatedAt *time.Time
	DeletedAt    *time.Time        `gorm:"index"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Instance) TableName() string { return "instances" }
