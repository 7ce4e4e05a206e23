// Package identity authenticates users against an externally owned
// credential store. This service never creates or mutates accounts; the
// scoreboard does, and we only read what it wrote.
package identity

import (
	"context"
	"errors"

	"github.com/bigredctf/instancer/pkg/domain"
)

// ErrInvalidCredentials covers unknown usernames and wrong passwords
// alike, so a caller cannot probe which usernames exist.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Verifier checks a username/password pair against the credential store
// and returns the matching user on success.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (*domain.User, error)
}
