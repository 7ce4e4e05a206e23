package lifecycle

import (
	"context"
	"time"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/observe"
	"github.com/bigredctf/instancer/pkg/provider"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 30 * time.Second

// ExpireSweep reclaims every instance whose TTL elapsed. Per record the
// sequence is mark Expired (releasing the active guard, so the user can
// immediately create a replacement), delete the container, then mark
// Deleted. A failed delete leaves the record Expired and the next sweep
// picks it up again; one broken record never blocks the rest of the
// batch. Returns the number of records fully reclaimed.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	now := m.now()
	expirable, err := m.reg.ListExpirable(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range expirable {
		inst := &expirable[i]

		if inst.Status == domain.StatusRunning {
			applied, err := m.reg.UpdateStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusExpired)
			if err != nil {
				m.logger.Error(ctx, "Failed to mark instance expired", map[string]any{
					"instance_id": inst.ID,
					"error":       err,
				})
				continue
			}
			if !applied {
				continue // someone else transitioned it, skip
			}
			inst.Status = domain.StatusExpired
			m.metrics.IncCounter("instancer_expiries_total", 1,
				observe.Label{Key: "challenge", Value: string(inst.ChallengeID)})
			m.logger.Info(ctx, "Instance expired", map[string]any{
				"instance_id":    inst.ID,
				"container_name": inst.ContainerName,
				"user_id":        inst.UserID,
			})
		}

		if err := m.deleteAndMark(ctx, inst); err != nil {
			m.logger.Warn(ctx, "Deferred container delete to next sweep", map[string]any{
				"instance_id":    inst.ID,
				"container_name": inst.ContainerName,
				"error":          err,
			})
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// ReconcileCreating revisits every Creating record and settles the ones
// that will never come up: the provider reports Failed, or NotFound past
// the grace window, or the record outlived its whole TTL without ever
// reaching Running. Ready records are promoted so an instance whose owner
// stopped polling still lands in Running.
func (m *Manager) ReconcileCreating(ctx context.Context) error {
	active, err := m.reg.ListActive(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	for i := range active {
		inst := &active[i]
		if inst.Status != domain.StatusCreating {
			continue
		}

		if inst.Expired(now) {
			m.failInstance(ctx, inst)
			m.bestEffortDelete(ctx, inst.ContainerName)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		st, err := m.prov.GetStatus(callCtx, inst.ContainerName)
		cancel()
		if err != nil {
			continue // transient, revisit next pass
		}

		switch st {
		case provider.StatusReady:
			if _, err := m.reg.UpdateStatus(ctx, inst.ID, domain.StatusCreating, domain.StatusRunning); err == nil {
				m.logger.Info(ctx, "Instance running", map[string]any{
					"instance_id": inst.ID,
					"hostname":    inst.Hostname,
				})
			}
		case provider.StatusFailed:
			m.failInstance(ctx, inst)
			m.bestEffortDelete(ctx, inst.ContainerName)
		case provider.StatusNotFound:
			if now.Sub(inst.CreatedAt) >= m.createGrace {
				m.failInstance(ctx, inst)
			}
		}
	}
	return nil
}

func (m *Manager) bestEffortDelete(ctx context.Context, containerName string) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if err := m.prov.Delete(callCtx, containerName); err != nil {
		m.logger.Warn(ctx, "Best-effort container delete failed", map[string]any{
			"container_name": containerName,
			"error":          err,
		})
	}
}

// Sweeper runs ExpireSweep and ReconcileCreating on a fixed interval
// until the context is cancelled.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run blocks until ctx is cancelled. Errors are logged and the loop
// continues; the sweep is the retry mechanism, so giving up on an error
// would defeat it.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()
	reclaimed, err := s.manager.ExpireSweep(ctx)
	if err != nil {
		s.manager.logger.Error(ctx, "Expiry sweep failed", map[string]any{"error": err})
	} else if reclaimed > 0 {
		s.manager.logger.Info(ctx, "Expiry sweep reclaimed instances", map[string]any{
			"reclaimed": reclaimed,
		})
	}

	if err := s.manager.ReconcileCreating(ctx); err != nil {
		s.manager.logger.Error(ctx, "Creating reconcile failed", map[string]any{"error": err})
	}

	s.manager.metrics.ObserveHistogram("instancer_sweep_duration_seconds", time.Since(start).Seconds())
}
