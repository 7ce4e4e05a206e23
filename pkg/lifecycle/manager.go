// Package lifecycle orchestrates instance creation, status refresh, expiry
// and deletion against the provisioning client, committing every state
// transition to the registry before returning control.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/names"
	"github.com/bigredctf/instancer/pkg/observe"
	"github.com/bigredctf/instancer/pkg/provider"
	"github.com/bigredctf/instancer/pkg/registry"
)

const (
	// DefaultTTL is how long an instance lives after creation.
	DefaultTTL = 4 * time.Hour
	// DefaultCreateGrace is how long a fresh container may report NotFound
	// before the record is failed (provider eventual consistency).
	DefaultCreateGrace = 2 * time.Minute
	// DefaultCallTimeout bounds every provisioning call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultMaxActive caps active instances across all users.
	DefaultMaxActive = 50
	// DefaultWarnActive is where stats start reporting near-capacity.
	DefaultWarnActive = 45
)

// Config wires a Manager. Zero values pick the defaults above.
type Config struct {
	Registry    registry.Registry
	Provider    provider.Client
	Names       *names.Generator
	Catalog     map[domain.ChallengeID]domain.ChallengeDefinition
	TTL         time.Duration
	CreateGrace time.Duration
	CallTimeout time.Duration
	MaxActive   int
	WarnActive  int
	Metrics     observe.Metrics
	Logger      observe.Logger
}

// Manager is the lifecycle core. It holds no instance state of its own;
// the registry is the single source of truth and every transition is
// committed there before a call returns.
type Manager struct {
	reg         registry.Registry
	prov        provider.Client
	names       *names.Generator
	catalog     map[domain.ChallengeID]domain.ChallengeDefinition
	ttl         time.Duration
	createGrace time.Duration
	callTimeout time.Duration
	maxActive   int
	warnActive  int
	metrics     observe.Metrics
	logger      observe.Logger
	now         func() time.Time
}

func New(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CreateGrace <= 0 {
		cfg.CreateGrace = DefaultCreateGrace
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.WarnActive <= 0 {
		cfg.WarnActive = DefaultWarnActive
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NewNoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger{}
	}
	return &Manager{
		reg:         cfg.Registry,
		prov:        cfg.Provider,
		names:       cfg.Names,
		catalog:     cfg.Catalog,
		ttl:         cfg.TTL,
		createGrace: cfg.CreateGrace,
		callTimeout: cfg.CallTimeout,
		maxActive:   cfg.MaxActive,
		warnActive:  cfg.WarnActive,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Challenge returns the catalog entry for id.
func (m *Manager) Challenge(id domain.ChallengeID) (domain.ChallengeDefinition, bool) {
	def, ok := m.catalog[id]
	return def, ok
}

// Challenges returns the full catalog snapshot.
func (m *Manager) Challenges() map[domain.ChallengeID]domain.ChallengeDefinition {
	return m.catalog
}

// TTL reports the configured instance lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// RequestInstance starts (or returns the already-running) instance of a
// challenge for a user. Creation is non-blocking: the call returns once
// the provider accepted the request, with the container possibly still
// pending. Callers observe readiness through RefreshStatus.
func (m *Manager) RequestInstance(ctx context.Context, userID domain.UserID, challengeID domain.ChallengeID) (*domain.Instance, error) {
	def, ok := m.catalog[challengeID]
	if !ok {
		return nil, ErrUnknownChallenge
	}

	// Idempotent request: an existing healthy instance is the answer.
	existing, err := m.reg.FindActive(ctx, userID, challengeID)
	if err == nil {
		inst, healthy := m.checkExisting(ctx, existing)
		if healthy {
			return inst, nil
		}
		// The remote side is gone or broken; the record was failed and the
		// guard released, fall through to a fresh create.
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	active, err := m.reg.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= m.maxActive {
		m.metrics.IncCounter("instancer_capacity_rejects_total", 1)
		return nil, &CapacityError{Current: active, Max: m.maxActive}
	}

	now := m.now()
	containerName, hostname := m.names.Generate(challengeID, userID)
	inst := &domain.Instance{
		ID:            domain.InstanceID(uuid.New().String()),
		UserID:        userID,
		ChallengeID:   challengeID,
		ContainerName: containerName,
		Hostname:      hostname,
		Status:        domain.StatusCreating,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	if err := m.reg.Insert(ctx, inst); err != nil {
		if !errors.Is(err, registry.ErrDuplicateActive) {
			return nil, err
		}
		// Lost the race; the winner's record is the result.
		winner, ferr := m.reg.FindActive(ctx, userID, challengeID)
		if ferr == nil {
			return winner, nil
		}
		if !errors.Is(ferr, registry.ErrNotFound) {
			return nil, ferr
		}
		// The guard had no record behind it (an interrupted insert the
		// registry has since cleaned up). Claim the pair again.
		if err := m.reg.Insert(ctx, inst); err != nil {
			return nil, err
		}
	}

	m.logger.Info(ctx, "Creating instance", map[string]any{
		"instance_id":    inst.ID,
		"user_id":        userID,
		"challenge":      challengeID,
		"container_name": containerName,
		"expires_at":     inst.ExpiresAt,
	})

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if err := m.prov.Create(callCtx, containerName, def.Image, def.Port); err != nil {
		m.metrics.IncCounter("instancer_create_failures_total", 1,
			observe.Label{Key: "challenge", Value: string(challengeID)})
		if errors.Is(err, context.DeadlineExceeded) {
			// Outcome unknown: the container may exist despite the timeout.
			// Leave the record Creating and let the reconcile pass settle
			// it against the provider either way.
			m.logger.Warn(ctx, "Provisioning call timed out", map[string]any{
				"instance_id":    inst.ID,
				"container_name": containerName,
			})
			return nil, ErrProvisionTimeout
		}
		// Definite rejection. Record it before reporting it; no automatic
		// retry so quota and billing problems stay visible.
		if _, uerr := m.reg.UpdateStatus(ctx, inst.ID, domain.StatusCreating, domain.StatusFailed); uerr != nil {
			m.logger.Error(ctx, "Failed to record provisioning failure", map[string]any{
				"instance_id": inst.ID,
				"error":       uerr,
			})
		}
		m.logger.Error(ctx, "Provisioning rejected", map[string]any{
			"instance_id": inst.ID,
			"error":       err,
		})
		return nil, err
	}

	m.metrics.IncCounter("instancer_creates_total", 1,
		observe.Label{Key: "challenge", Value: string(challengeID)})
	return inst, nil
}

// checkExisting verifies an active record against the provider. It
// returns (record, true) when the remote side is alive, otherwise it
// fails the record, releases the active pair and returns false.
func (m *Manager) checkExisting(ctx context.Context, inst *domain.Instance) (*domain.Instance, bool) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	st, err := m.prov.GetStatus(callCtx, inst.ContainerName)
	if err != nil {
		// Can't tell; returning the record is the safe side, it never
		// provisions a duplicate.
		return inst, true
	}

	switch st {
	case provider.StatusFailed:
		m.failInstance(ctx, inst)
		return nil, false
	case provider.StatusNotFound:
		if m.now().Sub(inst.CreatedAt) < m.createGrace {
			return inst, true // eventual consistency window
		}
		m.failInstance(ctx, inst)
		return nil, false
	default:
		return inst, true
	}
}

func (m *Manager) failInstance(ctx context.Context, inst *domain.Instance) {
	applied, err := m.reg.UpdateStatus(ctx, inst.ID, inst.Status, domain.StatusFailed)
	if err != nil {
		m.logger.Error(ctx, "Failed to mark instance failed", map[string]any{
			"instance_id": inst.ID,
			"error":       err,
		})
		return
	}
	if applied {
		m.logger.Warn(ctx, "Instance failed", map[string]any{
			"instance_id":    inst.ID,
			"container_name": inst.ContainerName,
		})
		m.metrics.IncCounter("instancer_instance_failures_total", 1,
			observe.Label{Key: "challenge", Value: string(inst.ChallengeID)})
	}
}

// RefreshStatus polls the provider and maps its view onto the record:
// Ready promotes Creating to Running, Failed fails the record, Pending is
// a no-op, and NotFound is transient inside the create grace window but
// fatal after it.
func (m *Manager) RefreshStatus(ctx context.Context, id domain.InstanceID) (*domain.Instance, error) {
	inst, err := m.reg.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !inst.Status.Active() {
		return inst, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	st, err := m.prov.GetStatus(callCtx, inst.ContainerName)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return inst, ErrProvisionTimeout
		}
		return inst, err
	}

	switch st {
	case provider.StatusReady:
		if inst.Status == domain.StatusCreating {
			if _, err := m.reg.UpdateStatus(ctx, id, domain.StatusCreating, domain.StatusRunning); err != nil {
				return inst, err
			}
			m.logger.Info(ctx, "Instance running", map[string]any{
				"instance_id": id,
				"hostname":    inst.Hostname,
			})
		}
	case provider.StatusFailed:
		m.failInstance(ctx, inst)
	case provider.StatusNotFound:
		if m.now().Sub(inst.CreatedAt) >= m.createGrace {
			m.failInstance(ctx, inst)
		}
	case provider.StatusPending:
		// still coming up
	}

	return m.reg.Get(ctx, id)
}

// DeleteInstance is the caller-initiated early delete. Ownership is
// checked before any provider call; admins bypass the check. The sequence
// is the same delete-then-mark as the sweep, minus the TTL gate.
func (m *Manager) DeleteInstance(ctx context.Context, id domain.InstanceID, requestingUser domain.UserID, asAdmin bool) error {
	inst, err := m.reg.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if !asAdmin && inst.UserID != requestingUser {
		return ErrForbidden
	}
	if inst.Status.Terminal() {
		return nil // already reclaimed
	}

	if err := m.deleteAndMark(ctx, inst); err != nil {
		return err
	}

	m.logger.Info(ctx, "Instance deleted", map[string]any{
		"instance_id":    id,
		"container_name": inst.ContainerName,
		"requested_by":   requestingUser,
		"admin":          asAdmin,
	})
	return nil
}

// deleteAndMark removes the container remotely, then commits the Deleted
// transition. Delete-of-absent is success by provider contract, so the
// mark happens on NotFound as well. A transient provider error leaves the
// record as-is for the next sweep.
func (m *Manager) deleteAndMark(ctx context.Context, inst *domain.Instance) error {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if err := m.prov.Delete(callCtx, inst.ContainerName); err != nil {
		m.metrics.IncCounter("instancer_delete_failures_total", 1)
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrProvisionTimeout
		}
		return err
	}

	if _, err := m.reg.UpdateStatus(ctx, inst.ID, inst.Status, domain.StatusDeleted); err != nil {
		return err
	}
	m.metrics.IncCounter("instancer_deletes_total", 1,
		observe.Label{Key: "challenge", Value: string(inst.ChallengeID)})
	return nil
}
