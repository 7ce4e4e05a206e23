package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/provider"
)

func TestExpireSweepReclaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusReady)
	_, err = f.manager.RefreshStatus(ctx, inst.ID)
	require.NoError(t, err)

	f.advance(DefaultTTL + time.Second)

	reclaimed, err := f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
	assert.False(t, f.fake.Exists(inst.ContainerName))
}

func TestExpireSweepLeavesFreshAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusReady)
	_, err = f.manager.RefreshStatus(ctx, inst.ID)
	require.NoError(t, err)

	f.advance(DefaultTTL - time.Minute)

	reclaimed, err := f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestExpireSweepRetriesFailedDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusReady)
	_, err = f.manager.RefreshStatus(ctx, inst.ID)
	require.NoError(t, err)

	f.advance(DefaultTTL + time.Second)
	f.fake.DeleteErr = errors.New("api down")

	reclaimed, err := f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	// Stuck between worlds: no longer active, not yet deleted.
	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.True(t, f.fake.Exists(inst.ContainerName))

	// User is already free to create a replacement.
	replacement, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, replacement.ID)

	// Provider recovers; the next sweep finishes the job.
	f.fake.DeleteErr = nil
	reclaimed, err = f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err = f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
	assert.False(t, f.fake.Exists(inst.ContainerName))
}

func TestExpireSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	b, err := f.manager.RequestInstance(ctx, 8, "eaas-demo")
	require.NoError(t, err)
	for _, inst := range []*domain.Instance{a, b} {
		f.fake.SetStatus(inst.ContainerName, provider.StatusReady)
		_, err = f.manager.RefreshStatus(ctx, inst.ID)
		require.NoError(t, err)
	}

	f.advance(DefaultTTL + time.Second)

	// Only a's container refuses to die.
	f.fake.FailDeletes = map[string]error{a.ContainerName: errors.New("api down")}

	reclaimed, err := f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed, "b reclaimed despite a failing")

	gotB, err := f.reg.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, gotB.Status)

	gotA, err := f.reg.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, gotA.Status)
}

func TestExpireSweepDeleteOfAbsentContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusReady)
	_, err = f.manager.RefreshStatus(ctx, inst.ID)
	require.NoError(t, err)

	// The container vanished out-of-band; delete-of-absent is success.
	f.fake.SetStatus(inst.ContainerName, provider.StatusNotFound)
	f.advance(DefaultTTL + time.Second)

	reclaimed, err := f.manager.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
}

func TestReconcileCreatingPromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusReady)

	require.NoError(t, f.manager.ReconcileCreating(ctx))

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestReconcileCreatingFailsBroken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.SetStatus(inst.ContainerName, provider.StatusFailed)

	require.NoError(t, f.manager.ReconcileCreating(ctx))

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.False(t, f.fake.Exists(inst.ContainerName), "broken container cleaned up")
}

func TestReconcileCreatingExpiredNeverRan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	// Stuck in Pending for its whole lifetime.
	f.advance(DefaultTTL + time.Second)

	require.NoError(t, f.manager.ReconcileCreating(ctx))

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.False(t, f.fake.Exists(inst.ContainerName))
}

func TestReconcileCreatingTransientError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.RequestInstance(ctx, 7, "eaas-demo")
	require.NoError(t, err)
	f.fake.StatusErr = errors.New("api down")

	require.NoError(t, f.manager.ReconcileCreating(ctx))

	got, err := f.reg.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreating, got.Status, "undecidable records left for the next pass")
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.manager, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
