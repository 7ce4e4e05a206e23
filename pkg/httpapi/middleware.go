package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bigredctf/instancer/pkg/domain"
)

type contextKey string

const sessionKey contextKey = "session"

// sessionFrom returns the authenticated session claims, or nil for an
// unauthenticated request.
func sessionFrom(ctx context.Context) *SessionClaims {
	claims, _ := ctx.Value(sessionKey).(*SessionClaims)
	return claims
}

// requireAuth validates the bearer token and stashes the claims in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.sessions.Validate(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, claims)))
	}
}

// requireAdmin wraps requireAuth and additionally gates on the admin flag.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFrom(r.Context()).Admin {
			s.writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	})
}

// userLimiter hands out one token-bucket limiter per user, so one user
// hammering create cannot starve everyone else's quota.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(limit rate.Limit, burst int) *userLimiter {
	return &userLimiter{
		limiters: make(map[domain.UserID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *userLimiter) allow(userID domain.UserID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimited applies the per-user limiter to an already-authenticated
// handler.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := sessionFrom(r.Context())
		userID, err := claims.UserID()
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !s.limiter.allow(userID) {
			s.writeError(w, http.StatusTooManyRequests, "slow down")
			return
		}
		next(w, r)
	}
}
