package alloc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"missioncore/internal/alloc"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

type testEnv struct {
	Alloc *alloc.Allocator
	Repo  repo.Repo
	Cfg   *config.Config
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	b := bus.New(10, zerolog.Nop())
	t.Cleanup(b.Close)
	cfg := config.Default()
	a := alloc.New(cfg, r, events.Writer{Repo: r, Bus: b}, zerolog.Nop())
	return testEnv{Alloc: a, Repo: r, Cfg: cfg, Ctx: context.Background()}
}

func TestWorkerCapacityEnforced(t *testing.T) {
	env := newTestEnv(t)
	var handles []alloc.Handle
	for i := 0; i < env.Cfg.Resources.CrewCapacity; i++ {
		h, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceWorker, "crew-a", 1)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	if _, err := env.Alloc.Reserve(env.Ctx, "m2", domain.ResourceWorker, "crew-a", 1); !errors.Is(err, alloc.ErrResourceExhausted) {
		t.Fatalf("expected exhaustion on 4th reserve, got %v", err)
	}
	// other crews are unaffected
	if _, err := env.Alloc.Reserve(env.Ctx, "m3", domain.ResourceWorker, "crew-b", 1); err != nil {
		t.Fatalf("crew-b reserve: %v", err)
	}
	// releasing frees the slot
	env.Alloc.Release(env.Ctx, handles[0])
	if _, err := env.Alloc.Reserve(env.Ctx, "m4", domain.ResourceWorker, "crew-a", 1); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceWorker, "crew-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	env.Alloc.Release(env.Ctx, h)
	env.Alloc.Release(env.Ctx, h)
	env.Alloc.Release(env.Ctx, h)
	if got := env.Alloc.Held(domain.ResourceWorker); got != 0 {
		t.Fatalf("expected 0 held after releases, got %d", got)
	}
	// double release must not free someone else's slot
	for i := 0; i < env.Cfg.Resources.CrewCapacity; i++ {
		if _, err := env.Alloc.Reserve(env.Ctx, "mx", domain.ResourceWorker, "crew-a", 1); err != nil {
			t.Fatalf("refill %d: %v", i, err)
		}
	}
	if _, err := env.Alloc.Reserve(env.Ctx, "my", domain.ResourceWorker, "crew-a", 1); !errors.Is(err, alloc.ErrResourceExhausted) {
		t.Fatalf("capacity accounting drifted: %v", err)
	}
}

func TestConcurrentReserveNeverOverbooks(t *testing.T) {
	env := newTestEnv(t)
	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Alloc.Reserve(env.Ctx, "race", domain.ResourceWorker, "crew-a", 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, alloc.ErrResourceExhausted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != env.Cfg.Resources.CrewCapacity {
		t.Fatalf("expected exactly %d successful reservations, got %d", env.Cfg.Resources.CrewCapacity, wins)
	}
}

func TestCanAllocateHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Resources.ProviderQuota["probe"] = 5
	for i := 0; i < 100; i++ {
		if !env.Alloc.CanAllocate(domain.ResourceAPIQuota, "probe", 1) {
			t.Fatalf("probe %d consumed quota", i)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceAPIQuota, "probe", 1); err != nil {
			t.Fatalf("reserve %d after probing: %v", i, err)
		}
	}
	if env.Alloc.CanAllocate(domain.ResourceAPIQuota, "probe", 1) {
		t.Fatal("quota full, CanAllocate should report false")
	}
}

func TestQuotaWindowSlides(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Resources.ProviderQuota["api"] = 2
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Alloc.SetNow(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceAPIQuota, "api", 1); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceAPIQuota, "api", 1); !errors.Is(err, alloc.ErrResourceExhausted) {
		t.Fatalf("expected quota exhaustion, got %v", err)
	}

	now = now.Add(env.Cfg.Resources.QuotaWindow + time.Second)
	if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceAPIQuota, "api", 1); err != nil {
		t.Fatalf("window slid, reserve should succeed: %v", err)
	}
}

func TestRebuildRestoresOpenReservations(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceWorker, "crew-a", 2); err != nil {
		t.Fatal(err)
	}

	b := bus.New(10, zerolog.Nop())
	t.Cleanup(b.Close)
	fresh := alloc.New(env.Cfg, env.Repo, events.Writer{Repo: env.Repo, Bus: b}, zerolog.Nop())
	if err := fresh.Rebuild(env.Ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if fresh.CanAllocate(domain.ResourceWorker, "crew-a", 2) {
		t.Fatal("rebuilt allocator lost the open reservation")
	}
	if !fresh.CanAllocate(domain.ResourceWorker, "crew-a", 1) {
		t.Fatal("rebuilt allocator overcounted")
	}
}

func TestReputationDegradesThenQuarantines(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Alloc.AddDomain(env.Ctx, "mail.example.com", domain.TierPrewarmed)
	if err != nil {
		t.Fatal(err)
	}

	bounceUntil := func(status domain.DomainStatus, max int) domain.DomainIdentity {
		for i := 0; i < max; i++ {
			if err := env.Alloc.RecordOutcome(env.Ctx, d.ID, domain.OutcomeBounced); err != nil {
				t.Fatalf("outcome %d: %v", i, err)
			}
			got, gerr := env.Repo.GetDomain(env.Ctx, d.ID)
			if gerr != nil {
				t.Fatal(gerr)
			}
			if got.Status == status {
				return got
			}
		}
		t.Fatalf("never reached %s within %d outcomes", status, max)
		return domain.DomainIdentity{}
	}

	got := bounceUntil(domain.DomainDegraded, 10)
	if got.Reputation >= env.Cfg.Domains.DegradedBelow {
		t.Fatalf("degraded above threshold: %f", got.Reputation)
	}
	// degraded identities are never selected
	if _, err := env.Alloc.SelectDomain(env.Ctx, domain.TierPrewarmed); !errors.Is(err, alloc.ErrNoHealthyDomain) {
		t.Fatalf("expected no healthy domain, got %v", err)
	}

	got = bounceUntil(domain.DomainQuarantined, 40)
	if got.Reputation >= env.Cfg.Domains.QuarantineBelow {
		t.Fatalf("quarantined above threshold: %f", got.Reputation)
	}

	// a delivered outcome never resurrects status on its own
	if err := env.Alloc.RecordOutcome(env.Ctx, d.ID, domain.OutcomeDelivered); err != nil {
		t.Fatal(err)
	}
	after, _ := env.Repo.GetDomain(env.Ctx, d.ID)
	if after.Status != domain.DomainQuarantined {
		t.Fatalf("status recovered without rotation: %s", after.Status)
	}
	if after.Reputation <= got.Reputation {
		t.Fatal("delivered outcome should still raise reputation")
	}
}

func TestRotateRestoresEligibility(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Alloc.AddDomain(env.Ctx, "mail.example.com", domain.TierCustom)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		_ = env.Alloc.RecordOutcome(env.Ctx, d.ID, domain.OutcomeComplaint)
	}

	rotated, err := env.Alloc.RotateDomain(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Status != domain.DomainHealthy {
		t.Fatalf("expected healthy after rotation, got %s", rotated.Status)
	}
	floor := env.Cfg.Domains.CustomFloor
	if rotated.Reputation < floor || rotated.Reputation > 1 {
		t.Fatalf("warm-up reputation out of range: %f", rotated.Reputation)
	}
	if _, err := env.Alloc.SelectDomain(env.Ctx, domain.TierCustom); err != nil {
		t.Fatalf("rotated domain should be selectable: %v", err)
	}
}

func TestSelectPrefersRequestedTier(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Alloc.AddDomain(env.Ctx, "custom.example.com", domain.TierCustom); err != nil {
		t.Fatal(err)
	}
	pre, err := env.Alloc.AddDomain(env.Ctx, "warm.example.com", domain.TierPrewarmed)
	if err != nil {
		t.Fatal(err)
	}

	got, err := env.Alloc.SelectDomain(env.Ctx, domain.TierPrewarmed)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != pre.ID {
		t.Fatalf("expected the prewarmed identity, got %s", got.Name)
	}

	// with the prewarmed tier knocked out, selection falls back to custom
	for i := 0; i < 10; i++ {
		_ = env.Alloc.RecordOutcome(env.Ctx, pre.ID, domain.OutcomeBounced)
	}
	got, err = env.Alloc.SelectDomain(env.Ctx, domain.TierPrewarmed)
	if err != nil {
		t.Fatalf("fallback select: %v", err)
	}
	if got.Tier != domain.TierCustom {
		t.Fatalf("expected custom fallback, got %s", got.Tier)
	}
}

func TestReleaseMissionFreesEverything(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceWorker, "crew-a", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Alloc.Reserve(env.Ctx, "m1", domain.ResourceAPIQuota, "default", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Alloc.Reserve(env.Ctx, "m2", domain.ResourceWorker, "crew-a", 1); err != nil {
		t.Fatal(err)
	}

	released := env.Alloc.ReleaseMission(env.Ctx, "m1")
	if released != 2 {
		t.Fatalf("expected 2 reservations released, got %d", released)
	}
	if got := env.Alloc.Held(""); got != 1 {
		t.Fatalf("expected only m2's reservation left, got %d", got)
	}
	open, err := env.Repo.OpenReservations(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].MissionID != "m2" {
		t.Fatalf("store disagrees with memory: %+v", open)
	}
}
