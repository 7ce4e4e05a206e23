package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigredctf/instancer/pkg/domain"
	"github.com/bigredctf/instancer/pkg/registry"
)

func newInstance(id string, user domain.UserID, challenge domain.ChallengeID, status domain.InstanceStatus, createdAt time.Time) *domain.Instance {
	return &domain.Instance{
		ID:            domain.InstanceID(id),
		UserID:        user,
		ChallengeID:   challenge,
		ContainerName: "cornell-" + string(challenge) + "-" + id,
		Hostname:      "cornell-" + string(challenge) + "-" + id + ".example.net",
		Status:        status,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(4 * time.Hour),
	}
}

// exerciseRegistry runs the contract shared by every Registry backend.
func exerciseRegistry(t *testing.T, reg registry.Registry) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	inst := newInstance("i-1", 7, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Duplicate active pair must conflict, not race.
	dup := newInstance("i-2", 7, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, dup); !errors.Is(err, registry.ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}

	// The winner is observable through FindActive.
	got, err := reg.FindActive(ctx, 7, "eaas-demo")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if got.ID != inst.ID {
		t.Errorf("FindActive returned %s, want %s", got.ID, inst.ID)
	}

	// A different pair is unaffected.
	other := newInstance("i-3", 8, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, other); err != nil {
		t.Fatalf("Insert for second user failed: %v", err)
	}

	n, err := reg.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountActive = %d, want 2", n)
	}

	// Guarded transition: wrong expected status no-ops.
	applied, err := reg.UpdateStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusDeleted)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if applied {
		t.Error("UpdateStatus applied with mismatched expected status")
	}

	applied, err = reg.UpdateStatus(ctx, inst.ID, domain.StatusCreating, domain.StatusRunning)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if !applied {
		t.Fatal("UpdateStatus did not apply valid transition")
	}

	// Not yet expirable.
	expirable, err := reg.ListExpirable(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(expirable) != 0 {
		t.Errorf("expected no expirable instances, got %d", len(expirable))
	}

	// One second past the TTL the running record shows up.
	expirable, err = reg.ListExpirable(ctx, now.Add(4*time.Hour+time.Second))
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(expirable) != 1 || expirable[0].ID != inst.ID {
		t.Fatalf("expected [%s] expirable, got %v", inst.ID, expirable)
	}

	// Terminal transition releases the active pair for re-creation.
	applied, err = reg.UpdateStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusDeleted)
	if err != nil || !applied {
		t.Fatalf("UpdateStatus to Deleted: applied=%v err=%v", applied, err)
	}

	if _, err := reg.FindActive(ctx, 7, "eaas-demo"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound after terminal transition, got %v", err)
	}

	replacement := newInstance("i-4", 7, "eaas-demo", domain.StatusCreating, now)
	if err := reg.Insert(ctx, replacement); err != nil {
		t.Fatalf("Insert after release failed: %v", err)
	}

	// The deleted record is retained for audit.
	kept, err := reg.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get of deleted record failed: %v", err)
	}
	if kept.Status != domain.StatusDeleted {
		t.Errorf("retained record status = %s, want %s", kept.Status, domain.StatusDeleted)
	}

	// Deleted records are filtered from the per-user listing.
	mine, err := reg.ListByUser(ctx, 7)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != replacement.ID {
		t.Fatalf("ListByUser = %v, want only %s", mine, replacement.ID)
	}
}

func TestMemoryRegistry_Contract(t *testing.T) {
	exerciseRegistry(t, registry.NewMemoryRegistry())
}

func TestMemoryRegistry_NameCollision(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now()

	a := newInstance("i-1", 1, "eaas", domain.StatusCreating, now)
	if err := reg.Insert(ctx, a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	b := newInstance("i-2", 2, "eaas", domain.StatusCreating, now)
	b.ContainerName = a.ContainerName
	if err := reg.Insert(ctx, b); !errors.Is(err, registry.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	// The failed insert must not hold the active guard for user 2.
	c := newInstance("i-3", 2, "eaas", domain.StatusCreating, now)
	if err := reg.Insert(ctx, c); err != nil {
		t.Fatalf("Insert after name collision failed: %v", err)
	}
}

func TestMemoryRegistry_ConcurrentInsertSingleWinner(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now()

	const racers = 16
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		i := i
		go func() {
			inst := newInstance(
				"race-"+string(rune('a'+i)), 7, "eaas-demo", domain.StatusCreating, now)
			errs <- reg.Insert(ctx, inst)
		}()
	}

	var wins, dups int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, registry.ErrDuplicateActive):
			dups++
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("expected exactly 1 winning insert, got %d (dups=%d)", wins, dups)
	}
}
