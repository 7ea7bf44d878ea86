// Package alloc is the single source of truth for shared capacity: worker
// slots per crew, the sending-identity pool and per-provider API quota. No
// other component may create or release a reservation, and no other component
// may infer capacity on its own.
package alloc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/repo"
)

var (
	// ErrResourceExhausted is a normal, expected outcome. Callers requeue
	// with backoff; nothing is logged above debug level.
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNoHealthyDomain   = errors.New("no healthy sending domain")
	ErrUnknownClass      = errors.New("unknown resource class")
)

// Handle identifies one reservation. Releasing it twice is a no-op.
type Handle struct {
	ID         string
	Class      domain.ResourceClass
	InstanceID string
	MissionID  string
	Amount     int
}

// Allocator tracks and reserves the three resource classes. Reservation
// accounting is guarded by a single mutex; nothing inside the critical
// section performs I/O other than the reservation row write, so two
// concurrent Reserve calls against the last unit can never both succeed.
type Allocator struct {
	cfg  *config.Config
	repo repo.Repo
	ev   events.Writer
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex
	crewUsed  map[string]int            // crew id -> outstanding worker slots
	held      map[string]domain.Reservation // open reservations by id
	quota     map[string]*slidingWindow // provider -> quota window
	domains   *domainPool
}

// New builds an allocator with empty counters. Call Rebuild before serving
// traffic so restarts do not double-book capacity.
func New(cfg *config.Config, r repo.Repo, ev events.Writer, log zerolog.Logger) *Allocator {
	a := &Allocator{
		cfg:      cfg,
		repo:     r,
		ev:       ev,
		log:      log.With().Str("component", "alloc").Logger(),
		now:      time.Now,
		crewUsed: make(map[string]int),
		held:     make(map[string]domain.Reservation),
		quota:    make(map[string]*slidingWindow),
	}
	a.domains = newDomainPool(cfg, r, ev, a.log)
	return a
}

// SetNow overrides the clock for tests.
func (a *Allocator) SetNow(now func() time.Time) {
	a.now = now
	a.domains.now = now
}

// Rebuild reloads open reservations and the domain pool from the store.
func (a *Allocator) Rebuild(ctx context.Context) error {
	open, err := a.repo.OpenReservations(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.crewUsed = make(map[string]int)
	a.held = make(map[string]domain.Reservation)
	for _, res := range open {
		a.held[res.ID] = res
		if res.Class == domain.ResourceWorker {
			a.crewUsed[res.InstanceID] += res.Amount
		}
	}
	a.mu.Unlock()
	if err := a.domains.rebuild(ctx); err != nil {
		return err
	}
	a.log.Info().Int("open_reservations", len(open)).Msg("allocator state rebuilt")
	return nil
}

// CanAllocate is a read-only feasibility check. It must not and does not have
// side effects: quota windows are inspected, never advanced.
func (a *Allocator) CanAllocate(class domain.ResourceClass, instanceID string, amount int) bool {
	if amount < 1 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch class {
	case domain.ResourceWorker:
		return a.crewUsed[a.crewKey(instanceID)]+amount <= a.cfg.Resources.CrewCapacity
	case domain.ResourceAPIQuota:
		return a.quotaWindow(instanceID).wouldAdmit(a.now(), amount)
	case domain.ResourceIdentity:
		return a.domains.hasEligible()
	}
	return false
}

func (a *Allocator) crewKey(instanceID string) string {
	if instanceID == "" {
		return "default"
	}
	return instanceID
}

// Reserve atomically checks capacity and records a claim. On exhaustion it
// fails cleanly with no partial reservation.
func (a *Allocator) Reserve(ctx context.Context, missionID string, class domain.ResourceClass, instanceID string, amount int) (Handle, error) {
	if amount < 1 {
		amount = 1
	}
	now := a.now().UTC()
	res := domain.Reservation{
		ID:         uuid.NewString(),
		Class:      class,
		MissionID:  missionID,
		Amount:     amount,
		AcquiredAt: now,
	}

	a.mu.Lock()
	switch class {
	case domain.ResourceWorker:
		key := a.crewKey(instanceID)
		if a.crewUsed[key]+amount > a.cfg.Resources.CrewCapacity {
			a.mu.Unlock()
			a.log.Debug().Str("crew", key).Str("mission", missionID).Msg("worker capacity exhausted")
			return Handle{}, ErrResourceExhausted
		}
		a.crewUsed[key] += amount
		res.InstanceID = key
	case domain.ResourceAPIQuota:
		w := a.quotaWindow(instanceID)
		if !w.admit(now, amount) {
			a.mu.Unlock()
			a.log.Debug().Str("provider", instanceID).Str("mission", missionID).Msg("api quota exhausted")
			return Handle{}, ErrResourceExhausted
		}
		res.InstanceID = w.name
	case domain.ResourceIdentity:
		d, ok := a.domains.pick()
		if !ok {
			a.mu.Unlock()
			return Handle{}, ErrNoHealthyDomain
		}
		res.InstanceID = d.ID
	default:
		a.mu.Unlock()
		return Handle{}, ErrUnknownClass
	}
	a.held[res.ID] = res
	a.mu.Unlock()

	if err := a.repo.InsertReservation(ctx, res); err != nil {
		// roll the in-memory claim back so counters stay truthful
		a.release(res.ID, now)
		return Handle{}, err
	}
	return Handle{ID: res.ID, Class: class, InstanceID: res.InstanceID, MissionID: missionID, Amount: amount}, nil
}

// Release frees a reservation. Idempotent: releasing an already-released
// handle is a no-op, not an error.
func (a *Allocator) Release(ctx context.Context, h Handle) {
	if h.ID == "" {
		return
	}
	now := a.now().UTC()
	if !a.release(h.ID, now) {
		return
	}
	if err := a.repo.ReleaseReservation(ctx, h.ID, now); err != nil {
		a.log.Error().Err(err).Str("reservation", h.ID).Msg("persist release failed")
	}
}

// ReleaseMission frees every reservation held by a mission. Used by cancel
// and by the failure path so a dead mission never pins capacity.
func (a *Allocator) ReleaseMission(ctx context.Context, missionID string) int {
	a.mu.Lock()
	var ids []string
	for id, res := range a.held {
		if res.MissionID == missionID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Release(ctx, Handle{ID: id})
	}
	return len(ids)
}

// release updates in-memory accounting only. Returns false if the handle was
// unknown (already released).
func (a *Allocator) release(id string, _ time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.held[id]
	if !ok {
		return false
	}
	delete(a.held, id)
	if res.Class == domain.ResourceWorker {
		a.crewUsed[res.InstanceID] -= res.Amount
		if a.crewUsed[res.InstanceID] < 0 {
			a.crewUsed[res.InstanceID] = 0
		}
	}
	return true
}

// Held reports the number of open reservations, optionally per class.
func (a *Allocator) Held(class domain.ResourceClass) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if class == "" {
		return len(a.held)
	}
	n := 0
	for _, res := range a.held {
		if res.Class == class {
			n++
		}
	}
	return n
}

// CrewUtilization returns used/capacity per crew.
type CrewUtilization struct {
	CrewID   string `json:"crew_id"`
	Used     int    `json:"used"`
	Capacity int    `json:"capacity"`
}

func (a *Allocator) Utilization() []CrewUtilization {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CrewUtilization, 0, len(a.crewUsed))
	for crew, used := range a.crewUsed {
		out = append(out, CrewUtilization{CrewID: crew, Used: used, Capacity: a.cfg.Resources.CrewCapacity})
	}
	return out
}

// RunReaper sweeps for reservations whose holder disappeared without
// releasing. A claim older than the grace period whose mission is terminal
// (or gone) is reclaimed.
func (a *Allocator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Resources.ReaperSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Allocator) sweep(ctx context.Context) {
	cutoff := a.now().Add(-a.cfg.Resources.ReaperGrace)
	a.mu.Lock()
	var stale []domain.Reservation
	for _, res := range a.held {
		if res.AcquiredAt.Before(cutoff) {
			stale = append(stale, res)
		}
	}
	a.mu.Unlock()

	for _, res := range stale {
		m, err := a.repo.GetMission(ctx, res.MissionID)
		orphaned := errors.Is(err, repo.ErrNotFound)
		if err == nil {
			orphaned = domain.IsTerminal(m.State) || m.State == domain.StateFailed
		}
		if !orphaned {
			continue
		}
		a.Release(ctx, Handle{ID: res.ID})
		a.log.Warn().Str("reservation", res.ID).Str("mission", res.MissionID).Msg("reaped orphaned reservation")
		_, _ = a.ev.Append(ctx, events.Record{
			Topic:     domain.TopicSystem,
			Type:      "reservation.reaped",
			MissionID: res.MissionID,
			Payload:   events.EventPayload{"reservation_id": res.ID, "class": res.Class},
		})
	}
}

// SelectDomain and RecordOutcome delegate to the domain pool; they live on
// the allocator because identity slots are a resource class like any other.
func (a *Allocator) SelectDomain(ctx context.Context, tier domain.DomainTier) (domain.DomainIdentity, error) {
	return a.domains.Select(ctx, tier)
}

func (a *Allocator) RecordOutcome(ctx context.Context, domainID string, outcome domain.DeliveryOutcome) error {
	return a.domains.RecordOutcome(ctx, domainID, outcome)
}

func (a *Allocator) RotateDomain(ctx context.Context, domainID string) (domain.DomainIdentity, error) {
	return a.domains.Rotate(ctx, domainID)
}

func (a *Allocator) AddDomain(ctx context.Context, name string, tier domain.DomainTier) (domain.DomainIdentity, error) {
	return a.domains.Add(ctx, name, tier)
}

func (a *Allocator) ListDomains(ctx context.Context) ([]domain.DomainIdentity, error) {
	return a.repo.ListDomains(ctx)
}
