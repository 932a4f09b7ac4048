package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateInstanceRequest struct {
	UserID       string `json:"-"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	InstanceType string `json:"instanceType"`
	Region       string `json:"region"`
	Image        string `json:"image"`
	UseSpot      bool   `json:"useSpot"`
}

type Service interface {
	// Create provisions a VM and tracks it. It refuses when the user has no
	// credits left or the provider/type combination has no known rate.
	Create(ctx context.Context, req CreateInstanceRequest) (*Instance, error)
	Get(ctx context.Context, userID string, id snowflake.ID) (*Instance, error)
	List(ctx context.Context, userID string) ([]Instance, error)
	// Sync pulls the provisioner's current view of the instance and applies
	// it locally.
	Sync(ctx context.Context, userID string, id snowflake.ID) (*Instance, error)
	// Terminate tears the VM down and settles all unbilled runtime in the
	// same pass. It succeeds even when the final charge lands the account
	// below its overdraft limit.
	Terminate(ctx context.Context, userID string, id snowflake.ID) (*Instance, error)
	// Forget soft-deletes a terminated, fully settled instance.
	Forget(ctx context.Context, userID string, id snowflake.ID) error
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrUnknownInstanceType = errors.New("unknown_instance_type")
	ErrNoCredits           = errors.New("no_credits")
	ErrAlreadyTerminated   = errors.New("instance_already_terminated")
)
