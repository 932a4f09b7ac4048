// Package domain contains persistence models for instance runtime usage.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord covers one continuous run of an instance. A nil EndTime means
// the run is still open and accruing cost. LastBilledAt is the billing
// watermark: everything up to it has already been charged.
type UsageRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	InstanceID     snowflake.ID `gorm:"not null;index"`
	UserID         string       `gorm:"type:text;not null;index"`
	Provider       string       `gorm:"type:text;not null"`
	InstanceType   string       `gorm:"type:text;not null"` // snapshot
	UseSpot        bool         `gorm:"not null;default:false"`
	StartTime      time.Time    `gorm:"not null"`
	EndTime        *time.Time   `gorm:"index"`
	LastBilledAt   time.Time    `gorm:"not null"`
	CreditsCharged int64        `gorm:"not null;default:0"`
	CloudCostUSD   float64      `gorm:"not null;default:0"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

type OpenRequest struct {
	InstanceID   snowflake.ID
	UserID       string
	Provider     string
	InstanceType string
	UseSpot      bool
	StartTime    time.Time
}

type Service interface {
	// Open starts a usage record for the instance. If one is already open it
	// is returned unchanged, so repeated status syncs never double-open.
	Open(ctx context.Context, req OpenRequest) (*UsageRecord, error)
	// GetOpen returns the instance's open record, or ErrNoOpenRecord.
	GetOpen(ctx context.Context, instanceID snowflake.ID) (*UsageRecord, error)
	// Close stamps the record's end time. Closing an already closed record is
	// a no-op returning the stored row.
	Close(ctx context.Context, recordID snowflake.ID, endTime time.Time) (*UsageRecord, error)
	// ListByInstance returns the instance's usage history, newest first.
	ListByInstance(ctx context.Context, instanceID snowflake.ID) ([]UsageRecord, error)
	// ListByUser returns all usage rows for a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]UsageRecord, error)
}

var (
	ErrInvalidInstance = errors.New("invalid_instance")
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidStart    = errors.New("invalid_start_time")
	ErrNoOpenRecord    = errors.New("no_open_usage_record")
	ErrNotFound        = errors.New("usage_record_not_found")
)
