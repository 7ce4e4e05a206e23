package lifecycle

import (
	"context"

	"github.com/bigredctf/instancer/pkg/domain"
)

// Stats is a point-in-time utilization snapshot, computed from the
// registry's active set on every call.
type Stats struct {
	ActiveInstances int                           `json:"active_instances"`
	ByStatus        map[domain.InstanceStatus]int `json:"by_status"`
	ByChallenge     map[domain.ChallengeID]int    `json:"by_challenge"`
	ActiveUsers     int                           `json:"active_users"`
	MaxInstances    int                           `json:"max_instances"`
	SlotsFree       int                           `json:"slots_free"`
	UsagePercent    float64                       `json:"usage_percent"`
	NearCapacity    bool                          `json:"near_capacity"`
	AtCapacity      bool                          `json:"at_capacity"`
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	active, err := m.reg.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ActiveInstances: len(active),
		ByStatus:        make(map[domain.InstanceStatus]int),
		ByChallenge:     make(map[domain.ChallengeID]int),
		MaxInstances:    m.maxActive,
	}

	users := make(map[domain.UserID]bool)
	for _, inst := range active {
		stats.ByStatus[inst.Status]++
		stats.ByChallenge[inst.ChallengeID]++
		users[inst.UserID] = true
	}
	stats.ActiveUsers = len(users)

	stats.SlotsFree = m.maxActive - len(active)
	if stats.SlotsFree < 0 {
		stats.SlotsFree = 0
	}
	stats.UsagePercent = float64(len(active)) / float64(m.maxActive) * 100
	stats.NearCapacity = len(active) >= m.warnActive
	stats.AtCapacity = len(active) >= m.maxActive

	m.metrics.SetGauge("instancer_active_instances", float64(len(active)))
	m.metrics.SetGauge("instancer_active_users", float64(stats.ActiveUsers))

	return stats, nil
}

// ListUserInstances returns the user's non-deleted instances, newest
// first. Failed and Expired records stay visible so the page can explain
// what happened to them.
func (m *Manager) ListUserInstances(ctx context.Context, userID domain.UserID) ([]domain.Instance, error) {
	return m.reg.ListByUser(ctx, userID)
}

// ListAllActive is the admin view of every active instance.
func (m *Manager) ListAllActive(ctx context.Context) ([]domain.Instance, error) {
	return m.reg.ListActive(ctx)
}
