package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigredctf/instancer/pkg/domain"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestSessionRoundTrip(t *testing.T) {
	sessions, err := NewSessions(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := sessions.Issue(&domain.User{ID: 7, Name: "alice", Type: "user"})
	require.NoError(t, err)

	claims, err := sessions.Validate(token)
	require.NoError(t, err)

	userID, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(7), userID)
	assert.Equal(t, "alice", claims.Username)
	assert.False(t, claims.Admin)
}

func TestSessionAdminFlag(t *testing.T) {
	sessions, err := NewSessions(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := sessions.Issue(&domain.User{ID: 1, Name: "root", Type: "admin"})
	require.NoError(t, err)

	claims, err := sessions.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
}

func TestSessionExpiry(t *testing.T) {
	sessions, err := NewSessions(testSecret, time.Hour)
	require.NoError(t, err)

	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return issued }
	token, err := sessions.Issue(&domain.User{ID: 7, Name: "alice"})
	require.NoError(t, err)

	sessions.now = func() time.Time { return issued.Add(30 * time.Minute) }
	_, err = sessions.Validate(token)
	assert.NoError(t, err)

	sessions.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = sessions.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionRejectsTampering(t *testing.T) {
	sessions, err := NewSessions(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := sessions.Issue(&domain.User{ID: 7, Name: "alice"})
	require.NoError(t, err)

	_, err = sessions.Validate(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewSessions([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = sessions.Validate("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionSecretTooShort(t *testing.T) {
	_, err := NewSessions([]byte("short"), time.Hour)
	assert.Error(t, err)
}
