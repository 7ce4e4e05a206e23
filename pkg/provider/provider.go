// Package provider abstracts the cloud container-provisioning API. The
// lifecycle manager only ever sees this narrow three-operation contract so
// the concrete binding stays swappable and mockable.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Status is the provider-side view of a container.

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReady    Status = "READY"
	StatusFailed   Status = "FAILED"
	StatusNotFound Status = "NOT_FOUND"
)

// ErrNotFound is returned by GetStatus for unknown container names. A
// just-created container may report this for a short window; callers
// apply their own grace period.
var ErrNotFound = errors.New("container not found")

// ProvisionError is a creation rejected by the provider: quota exhausted,
// auth failure, bad image reference. It is never retried automatically.
type ProvisionError struct {
	Reason string
	Cause  error
}

func (e *ProvisionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provisioning rejected: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("provisioning rejected: %s", e.Reason)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// Client is the external provisioning collaborator.
//
// Create is asynchronous: it returns once the request is accepted, not
// once the container is ready. Delete treats an already-absent container
// as success so repeated deletes stay idempotent.
type Client interface {
	Create(ctx context.Context, containerName, image string, port int) error
	GetStatus(ctx context.Context, containerName string) (Status, error)
	Delete(ctx context.Context, containerName string) error
}
