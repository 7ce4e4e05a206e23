package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChallenge means the challenge ID is not in the catalog.
	ErrUnknownChallenge = errors.New("unknown challenge")

	// ErrForbidden means the requesting user does not own the instance.
	ErrForbidden = errors.New("instance belongs to another user")

	// ErrNotFound means the instance ID is unknown.
	ErrNotFound = errors.New("instance not found")

	// ErrProvisionTimeout means a provisioning call exceeded its deadline.
	// Never assume the call succeeded; create fails the request, delete is
	// retried by the next sweep.
	ErrProvisionTimeout = errors.New("provisioning call timed out")
)

// CapacityError rejects creation when the global active-instance limit is
// reached. It is actionable for the user, so the numbers are surfaced.
type CapacityError struct {
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("server at capacity: %d/%d instances running", e.Current, e.Max)
}
