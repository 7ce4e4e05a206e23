package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/registry"
)

func newRedisRegistry(t *testing.T) *registry.RedisRegistry {
	t.Helper()
	s := miniredis.RunT(t)
	reg, err := registry.NewRedisRegistry(s.Addr(), 0, "")
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return reg
}

func TestRedisRegistry_Contract(t *testing.T) {
	exerciseRegistry(t, newRedisRegistry(t))
}

func TestRedisRegistry_GetUnknown(t *testing.T) {
	reg := newRedisRegistry(t)

	_, err := reg.Get(context.Background(), "no-such-id")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRegistry_UpdateStatusUnknown(t *testing.T) {
	reg := newRedisRegistry(t)

	_, err := reg.UpdateStatus(context.Background(), "no-such-id", domain.StatusRunning, domain.StatusDeleted)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRegistry_ExpiryIndexReleased(t *testing.T) {
	reg := newRedisRegistry(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	inst := newInstance("i-1", 7, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusCreating, domain.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusDeleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// A deleted record must never resurface from the expiry index.
	expirable, err := reg.ListExpirable(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(expirable) != 0 {
		t.Fatalf("expected empty expirable set, got %v", expirable)
	}
}

func TestRedisRegistry_ExpiredStaysExpirable(t *testing.T) {
	reg := newRedisRegistry(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	inst := newInstance("i-1", 7, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusCreating, domain.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusExpired); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// The guard is released but the record keeps surfacing for delete retry.
	if _, err := reg.FindActive(ctx, 7, "eaas-demo"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected released guard, got %v", err)
	}
	expirable, err := reg.ListExpirable(ctx, now.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(expirable) != 1 || expirable[0].ID != inst.ID {
		t.Fatalf("expected [%s] expirable, got %v", inst.ID, expirable)
	}

	if _, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusExpired, domain.StatusDeleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	expirable, err = reg.ListExpirable(ctx, now.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(expirable) != 0 {
		t.Fatalf("expected empty expirable set after delete, got %v", expirable)
	}
}

func TestRedisRegistry_OrphanedGuardHeals(t *testing.T) {
	s := miniredis.RunT(t)
	reg, err := registry.NewRedisRegistry(s.Addr(), 0, "")
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	ctx := context.Background()

	// A guard pointing at a record that was never written, as left behind
	// by an insert that died between claiming and storing.
	if err := s.Set("instancer:active:7:eaas-demo", "ghost"); err != nil {
		t.Fatalf("Failed to seed guard: %v", err)
	}

	// FindActive must report not-found and clear the debris rather than
	// leaving the pair permanently claimed.
	if _, err := reg.FindActive(ctx, 7, "eaas-demo"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for orphaned guard, got %v", err)
	}

	inst := newInstance("i-1", 7, "eaas-demo", domain.StatusCreating, time.Now())
	if err := reg.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert after heal failed: %v", err)
	}
	got, err := reg.FindActive(ctx, 7, "eaas-demo")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if got.ID != inst.ID {
		t.Fatalf("expected %s active, got %s", inst.ID, got.ID)
	}
}

func TestRedisRegistry_NamesUniqueAcrossHistory(t *testing.T) {
	reg := newRedisRegistry(t)
	ctx := context.Background()
	now := time.Now()

	a := newInstance("i-1", 1, "eaas", domain.StatusCreating, now)
	if err := reg.Insert(ctx, a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, a.ID, domain.StatusCreating, domain.StatusDeleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// Same name again, even after the owner is deleted: still a conflict.
	b := newInstance("i-2", 1, "eaas", domain.StatusCreating, now)
	b.ContainerName = a.ContainerName
	if err := reg.Insert(ctx, b); !errors.Is(err, registry.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}
