package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	Create(ctx context.Context, inst *Instance) error
	GetByID(ctx context.Context, id snowflake.ID) (*Instance, error)
	GetByIDForUser(ctx context.Context, id snowflake.ID, userID string) (*Instance, error)
	ListByUser(ctx context.Context, userID string) ([]Instance, error)
	// ListBillable returns non-deleted instances in the running state.
	ListBillable(ctx context.Context) ([]Instance, error)
	// ListProvisioning returns non-deleted instances that have not yet
	// reached a settled state (running, stopped or terminated).
	ListProvisioning(ctx context.Context) ([]Instance, error)
	// UpdateStatus moves the instance to the given status, enforcing the
	// lifecycle state machine. MarkRunning must be used for the running
	// transition so launched_at is stamped.
	UpdateStatus(ctx context.Context, id snowflake.ID, to Status, now time.Time) (*Instance, error)
	// MarkRunning transitions to running and sets launched_at if unset.
	MarkRunning(ctx context.Context, id snowflake.ID, now time.Time, publicIP, sshUsername, sshPassword *string) (*Instance, error)
	// MarkTerminated transitions to terminated and stamps terminated_at.
	MarkTerminated(ctx context.Context, id snowflake.ID, now time.Time) (*Instance, error)
	// SoftDelete hides a terminated instance from listings. It refuses while
	// a usage record is still open, so unsettled runtime can never vanish.
	SoftDelete(ctx context.Context, id snowflake.ID, now time.Time) error
}

var (
	ErrNotFound          = errors.New("instance_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrOpenUsage         = errors.New("instance_has_open_usage")
	ErrNotTerminated     = errors.New("instance_not_terminated")
)
