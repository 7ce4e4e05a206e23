// Package httpapi is the HTTP surface of the instancer: login, challenge
// catalog, instance CRUD, stats, and the admin endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/identity"
	"github.com/bigredctf/instancer/pkg/lifecycle"
	"github.com/bigredctf/instancer/pkg/observe"
	"github.com/bigredctf/instancer/pkg/provider"
)

// CreateRateLimit bounds how fast one user may hit mutating endpoints.
const (
	CreateRateLimit = rate.Limit(1)
	CreateRateBurst = 5
)

type Server struct {
	manager  *lifecycle.Manager
	verifier identity.Verifier
	sessions *Sessions
	logger   observe.Logger
	metrics  observe.Metrics
	limiter  *userLimiter

	// MetricsHandler, if set, is mounted at /metrics.
	MetricsHandler http.Handler
}

func NewServer(manager *lifecycle.Manager, verifier identity.Verifier, sessions *Sessions, logger observe.Logger, metrics observe.Metrics) *Server {
	if logger == nil {
		logger = observe.NopLogger{}
	}
	if metrics == nil {
		metrics = observe.NewNoopMetrics()
	}
	return &Server{
		manager:  manager,
		verifier: verifier,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
		limiter:  newUserLimiter(CreateRateLimit, CreateRateBurst),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("/api/challenges", s.requireAuth(s.handleChallenges))
	mux.HandleFunc("/api/instances", s.requireAuth(s.handleInstances))
	mux.HandleFunc("/api/instances/", s.requireAuth(s.handleInstanceByID))
	mux.HandleFunc("/api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("/api/stats/stream", s.requireAuth(s.handleStatsStream))
	mux.HandleFunc("/api/admin/instances", s.requireAdmin(s.handleAdminInstances))
	mux.HandleFunc("/api/admin/instances/", s.requireAdmin(s.handleAdminInstanceByID))
	mux.HandleFunc("/api/admin/sweep", s.requireAdmin(s.handleAdminSweep))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.MetricsHandler != nil {
		mux.Handle("/metrics", s.MetricsHandler)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.verifier.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.metrics.IncCounter("instancer_login_failures_total", 1)
			s.writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		s.logger.Error(r.Context(), "Credential store error", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.sessions.Issue(user)
	if err != nil {
		s.logger.Error(r.Context(), "Failed to issue token", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info(r.Context(), "User logged in", map[string]any{
		"user_id":  user.ID,
		"username": user.Name,
	})
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, User: *user})
}

// handleLogout exists so clients have a uniform flow; tokens are
// stateless, so logging out is discarding the token. The token keeps
// verifying until its expiry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleChallenges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	catalog := s.manager.Challenges()
	list := make([]domain.ChallengeDefinition, 0, len(catalog))
	for _, def := range catalog {
		list = append(list, def)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	s.writeJSON(w, http.StatusOK, map[string]any{"challenges": list})
}

type createInstanceRequest struct {
	ChallengeID domain.ChallengeID `json:"challenge_id"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListInstances(w, r)
	case http.MethodPost:
		s.rateLimited(s.handleCreateInstance)(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	userID, err := sessionFrom(r.Context()).UserID()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	list, err := s.manager.ListUserInstances(r.Context(), userID)
	if err != nil {
		s.logger.Error(r.Context(), "Failed to list instances", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []domain.Instance{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	userID, err := sessionFrom(r.Context()).UserID()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		s.writeError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	inst, err := s.manager.RequestInstance(r.Context(), userID, req.ChallengeID)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleInstanceByID(w http.ResponseWriter, r *http.Request) {
	id := domain.InstanceID(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/instances/"), "/"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing instance id")
		return
	}

	userID, err := sessionFrom(r.Context()).UserID()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		inst, err := s.manager.RefreshStatus(r.Context(), id)
		if err != nil {
			s.writeLifecycleError(w, r, err)
			return
		}
		// Status polling is not an ownership oracle.
		if inst.UserID != userID && !sessionFrom(r.Context()).Admin {
			s.writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		s.writeJSON(w, http.StatusOK, inst)
	case http.MethodDelete:
		if err := s.manager.DeleteInstance(r.Context(), id, userID, false); err != nil {
			s.writeLifecycleError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "Failed to compute stats", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	list, err := s.manager.ListAllActive(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "Failed to list active instances", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

func (s *Server) handleAdminInstanceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := domain.InstanceID(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/admin/instances/"), "/"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing instance id")
		return
	}

	userID, err := sessionFrom(r.Context()).UserID()
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	if err := s.manager.DeleteInstance(r.Context(), id, userID, true); err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	reclaimed, err := s.manager.ExpireSweep(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "Manual sweep failed", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeLifecycleError maps manager errors onto status codes. Unmapped
// errors are logged and surfaced as a plain 500 so internals never leak.
func (s *Server) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *lifecycle.CapacityError
	var provErr *provider.ProvisionError
	switch {
	case errors.Is(err, lifecycle.ErrUnknownChallenge):
		s.writeError(w, http.StatusNotFound, "unknown challenge")
	case errors.Is(err, lifecycle.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, lifecycle.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "instance belongs to another user")
	case errors.As(err, &capErr):
		s.writeError(w, http.StatusServiceUnavailable, capErr.Error())
	case errors.Is(err, lifecycle.ErrProvisionTimeout):
		s.writeError(w, http.StatusBadGateway, "provisioning backend timed out")
	case errors.As(err, &provErr):
		// The reason (quota, bad image) is actionable; the cause is not.
		s.writeError(w, http.StatusBadGateway, "provisioning rejected: "+provErr.Reason)
	default:
		s.logger.Error(r.Context(), "Unhandled lifecycle error", map[string]any{"error": err})
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
