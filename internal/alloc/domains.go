package alloc

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/repo"
)

// domainPool manages the rotatable set of sending identities. Reputation is
// an exponentially weighted moving average over delivery outcomes, so recent
// sends weigh more than old ones; the smoothing factor is derived from the
// configured half-life in outcomes.
type domainPool struct {
	cfg  *config.Config
	repo repo.Repo
	ev   events.Writer
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.Mutex
	pool map[string]domain.DomainIdentity
}

func newDomainPool(cfg *config.Config, r repo.Repo, ev events.Writer, log zerolog.Logger) *domainPool {
	return &domainPool{
		cfg:  cfg,
		repo: r,
		ev:   ev,
		log:  log,
		now:  time.Now,
		pool: make(map[string]domain.DomainIdentity),
	}
}

func (p *domainPool) rebuild(ctx context.Context) error {
	list, err := p.repo.ListDomains(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = make(map[string]domain.DomainIdentity, len(list))
	for _, d := range list {
		p.pool[d.ID] = d
	}
	return nil
}

// alpha is the EWMA smoothing factor: (1-alpha)^halfLife = 0.5.
func (p *domainPool) alpha() float64 {
	return 1 - math.Pow(0.5, 1/float64(p.cfg.Domains.HalfLife))
}

func (p *domainPool) floor(tier domain.DomainTier) float64 {
	if tier == domain.TierPrewarmed {
		return p.cfg.Domains.PrewarmedFloor
	}
	return p.cfg.Domains.CustomFloor
}

func (p *domainPool) eligible(d domain.DomainIdentity) bool {
	return d.Status == domain.DomainHealthy && d.Reputation >= p.floor(d.Tier)
}

func (p *domainPool) hasEligible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.pool {
		if p.eligible(d) {
			return true
		}
	}
	return false
}

// pick returns the healthiest eligible identity of any tier. Used when a
// reservation asks for an identity slot without a tier preference.
func (p *domainPool) pick() (domain.DomainIdentity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best domain.DomainIdentity
	found := false
	for _, d := range p.pool {
		if !p.eligible(d) {
			continue
		}
		if !found || d.Reputation > best.Reputation {
			best = d
			found = true
		}
	}
	return best, found
}

// Select picks the healthiest eligible identity for the requested tier, with
// a three-step fallback: matching tier above its floor, then the other tier
// above its floor, then ErrNoHealthyDomain.
func (p *domainPool) Select(ctx context.Context, tier domain.DomainTier) (domain.DomainIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.bestOfTier(tier); ok {
		return d, nil
	}
	other := domain.TierPrewarmed
	if tier == domain.TierPrewarmed {
		other = domain.TierCustom
	}
	if d, ok := p.bestOfTier(other); ok {
		return d, nil
	}
	return domain.DomainIdentity{}, ErrNoHealthyDomain
}

func (p *domainPool) bestOfTier(tier domain.DomainTier) (domain.DomainIdentity, bool) {
	var best domain.DomainIdentity
	found := false
	for _, d := range p.pool {
		if d.Tier != tier || !p.eligible(d) {
			continue
		}
		if !found || d.Reputation > best.Reputation {
			best = d
			found = true
		}
	}
	return best, found
}

// RecordOutcome folds one delivery outcome into the identity's reputation and
// applies status threshold crossings. Status only moves downward here;
// recovery needs an explicit Rotate.
func (p *domainPool) RecordOutcome(ctx context.Context, domainID string, outcome domain.DeliveryOutcome) error {
	p.mu.Lock()
	d, ok := p.pool[domainID]
	if !ok {
		p.mu.Unlock()
		return repo.ErrNotFound
	}
	sample := 0.0
	if outcome == domain.OutcomeDelivered {
		sample = 1.0
	}
	a := p.alpha()
	d.Reputation = clamp01((1-a)*d.Reputation + a*sample)

	prev := d.Status
	switch {
	case d.Reputation < p.cfg.Domains.QuarantineBelow:
		if d.Status != domain.DomainQuarantined {
			d.Status = domain.DomainQuarantined
		}
	case d.Reputation < p.cfg.Domains.DegradedBelow:
		if d.Status == domain.DomainHealthy {
			d.Status = domain.DomainDegraded
		}
	}
	p.pool[domainID] = d
	p.mu.Unlock()

	if err := p.repo.UpdateDomain(ctx, d); err != nil {
		return err
	}
	if d.Status != prev {
		p.log.Warn().Str("domain", d.Name).Str("from", string(prev)).Str("to", string(d.Status)).
			Float64("reputation", d.Reputation).Msg("sending domain downgraded")
		_, _ = p.ev.Append(ctx, events.Record{
			Topic: domain.TopicDomains,
			Type:  "domain.status_changed",
			Payload: events.EventPayload{
				"domain_id": d.ID, "name": d.Name,
				"from": prev, "to": d.Status, "reputation": d.Reputation,
			},
		})
	}
	return nil
}

// Rotate is the explicit recovery review: the identity is reset to healthy
// with a fresh warm-up reputation and its rotation timestamp updated.
func (p *domainPool) Rotate(ctx context.Context, domainID string) (domain.DomainIdentity, error) {
	p.mu.Lock()
	d, ok := p.pool[domainID]
	if !ok {
		p.mu.Unlock()
		return domain.DomainIdentity{}, repo.ErrNotFound
	}
	d.Status = domain.DomainHealthy
	d.Reputation = p.floor(d.Tier) + (1-p.floor(d.Tier))/2
	d.LastRotatedAt = p.now().UTC()
	p.pool[domainID] = d
	p.mu.Unlock()

	if err := p.repo.UpdateDomain(ctx, d); err != nil {
		return domain.DomainIdentity{}, err
	}
	_, _ = p.ev.Append(ctx, events.Record{
		Topic:   domain.TopicDomains,
		Type:    "domain.rotated",
		Payload: events.EventPayload{"domain_id": d.ID, "name": d.Name, "reputation": d.Reputation},
	})
	return d, nil
}

// Add registers a new identity in the pool, starting healthy at full
// reputation.
func (p *domainPool) Add(ctx context.Context, name string, tier domain.DomainTier) (domain.DomainIdentity, error) {
	if tier != domain.TierCustom && tier != domain.TierPrewarmed {
		return domain.DomainIdentity{}, errors.New("tier must be custom or prewarmed")
	}
	d := domain.DomainIdentity{
		ID:            uuid.NewString(),
		Name:          name,
		Tier:          tier,
		Reputation:    1.0,
		Status:        domain.DomainHealthy,
		LastRotatedAt: p.now().UTC(),
	}
	if err := p.repo.InsertDomain(ctx, d); err != nil {
		return domain.DomainIdentity{}, err
	}
	p.mu.Lock()
	p.pool[d.ID] = d
	p.mu.Unlock()
	_, _ = p.ev.Append(ctx, events.Record{
		Topic:   domain.TopicDomains,
		Type:    "domain.added",
		Payload: events.EventPayload{"domain_id": d.ID, "name": d.Name, "tier": d.Tier},
	})
	return d, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
