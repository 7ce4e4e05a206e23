package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/bigredctf/instancer/pkg/domain"
)

// DefaultSessionLifetime matches the instance TTL so a login survives at
// least as long as the instance it created.
const DefaultSessionLifetime = 4 * time.Hour

var ErrInvalidToken = errors.New("invalid or expired session token")

// SessionClaims is what a login token carries. UserID is the subject;
// the rest saves a credential-store round trip on every request.
type SessionClaims struct {
	jwt.Claims
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
}

// Sessions issues and validates signed login tokens. HS256 with a single
// shared secret; this service is its own only token consumer.
type Sessions struct {
	signer   jose.Signer
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewSessions(secret []byte, lifetime time.Duration) (*Sessions, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build token signer: %w", err)
	}

	return &Sessions{
		signer:   signer,
		secret:   secret,
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// Issue returns a signed token for the user.
func (s *Sessions) Issue(user *domain.User) (string, error) {
	now := s.now()
	claims := SessionClaims{
		Claims: jwt.Claims{
			Subject:  fmt.Sprintf("%d", user.ID),
			Issuer:   "instancer",
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.lifetime)),
		},
		Username: user.Name,
		Admin:    user.Admin(),
	}

	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// Validate parses and checks a token, returning its claims.
func (s *Sessions) Validate(token string) (*SessionClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims SessionClaims
	if err := parsed.Claims(s.secret, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if err := claims.Validate(jwt.Expected{
		Issuer: "instancer",
		Time:   s.now(),
	}); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// UserID extracts the numeric subject.
func (c *SessionClaims) UserID() (domain.UserID, error) {
	var id int64
	if _, err := fmt.Sscanf(c.Subject, "%d", &id); err != nil {
		return 0, ErrInvalidToken
	}
	return domain.UserID(id), nil
}
