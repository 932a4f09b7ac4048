// Package domain defines the contract with the external VM provisioner.
package domain

import (
	"context"
	"errors"
)

type CreateRequest struct {
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	InstanceType string `json:"instanceType"`
	Region       string `json:"region"`
	Image        string `json:"image,omitempty"`
	UseSpot      bool   `json:"useSpot,omitempty"`
}

// VM is the provisioner's view of an instance.
type VM struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PublicIP    string `json:"publicIp,omitempty"`
	SSHUsername string `json:"sshUsername,omitempty"`
	SSHPassword string `json:"sshPassword,omitempty"`
}

// Controller talks to the provisioner service that owns the actual cloud
// resources.
type Controller interface {
	Create(ctx context.Context, req CreateRequest) (*VM, error)
	GetStatus(ctx context.Context, provider, providerInstanceID string) (*VM, error)
	Terminate(ctx context.Context, provider, providerInstanceID string) error
}

var (
	// ErrUnavailable covers transport failures and provisioner 5xx answers.
	// Callers treat it as transient and retry on a later cycle.
	ErrUnavailable = errors.New("provisioner_unavailable")
	ErrNotFound    = errors.New("provisioner_vm_not_found")
)
