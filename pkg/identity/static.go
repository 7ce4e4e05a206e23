package identity

import (
	"context"

	"github.com/bigredctf/instancer/pkg/domain"
)

// StaticVerifier holds a fixed set of users with plaintext passwords.
// For tests and local development only.
type StaticVerifier struct {
	users map[string]staticUser
}

type staticUser struct {
	user     domain.User
	password string
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{users: make(map[string]staticUser)}
}

func (v *StaticVerifier) Add(user domain.User, password string) *StaticVerifier {
	v.users[user.Name] = staticUser{user: user, password: password}
	return v
}

func (v *StaticVerifier) Verify(ctx context.Context, username, password string) (*domain.User, error) {
	entry, ok := v.users[username]
	if !ok || entry.password != password {
		return nil, ErrInvalidCredentials
	}
	user := entry.user
	return &user, nil
}

var _ Verifier = (*StaticVerifier)(nil)
