package alloc

import "time"

// slidingWindow tracks third-party API usage per provider over a rolling
// interval. Timestamps of admitted units are kept and pruned on access; the
// window is small (a provider's per-minute budget) so the slice stays short.
type slidingWindow struct {
	name   string
	limit  int
	window time.Duration
	stamps []time.Time
}

// quotaWindow returns the window for a provider, creating it on first use.
// Callers must hold a.mu.
func (a *Allocator) quotaWindow(provider string) *slidingWindow {
	if provider == "" {
		provider = "default"
	}
	if w, ok := a.quota[provider]; ok {
		return w
	}
	limit, ok := a.cfg.Resources.ProviderQuota[provider]
	if !ok {
		limit = a.cfg.Resources.ProviderQuota["default"]
	}
	if limit < 1 {
		limit = 60
	}
	w := &slidingWindow{name: provider, limit: limit, window: a.cfg.Resources.QuotaWindow}
	a.quota[provider] = w
	return w
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

// wouldAdmit is the side-effect-free feasibility check. It prunes expired
// entries (bookkeeping, not an admission) and reports whether n units fit.
func (w *slidingWindow) wouldAdmit(now time.Time, n int) bool {
	w.prune(now)
	return len(w.stamps)+n <= w.limit
}

// admit consumes n quota units if they fit.
func (w *slidingWindow) admit(now time.Time, n int) bool {
	if !w.wouldAdmit(now, n) {
		return false
	}
	for i := 0; i < n; i++ {
		w.stamps = append(w.stamps, now)
	}
	return true
}
