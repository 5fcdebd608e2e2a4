package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/applyd/applyd/pkg/models"
)

// Budget scopes. Automated covers semi_auto and auto submissions combined;
// Auto covers fully-automatic submissions only. Assisted submissions are
// unbudgeted: the user is in control.
const (
	ScopeAutomated = "automated"
	ScopeAuto      = "auto"
)

// Budget enforces per-scope daily submission caps. Counters are keyed by
// (scope, date) and roll over implicitly when the date changes; only
// committed submissions increment them.
type Budget struct {
	mu     sync.Mutex
	limits map[string]int
	counts map[string]int
	now    func() time.Time
}

// NewBudget creates a budget with the given per-scope daily limits.
func NewBudget(limits map[string]int) *Budget {
	return &Budget{
		limits: limits,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (b *Budget) key(scope string, day time.Time) string {
	return fmt.Sprintf("%s|%s", scope, day.UTC().Format("2006-01-02"))
}

// CheckAndIncrement atomically verifies that every listed scope has budget
// left for today and increments them all. If any scope is exhausted no
// counter changes and ErrRateLimitExceeded is returned. Call it immediately
// before the submission it accounts for, never earlier.
func (b *Budget) CheckAndIncrement(scopes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.now()
	for _, scope := range scopes {
		limit, ok := b.limits[scope]
		if !ok {
			continue
		}
		if b.counts[b.key(scope, day)] >= limit {
			return fmt.Errorf("%w: %d %s submissions today", models.ErrRateLimitExceeded, limit, scope)
		}
	}

	for _, scope := range scopes {
		if _, ok := b.limits[scope]; ok {
			b.counts[b.key(scope, day)]++
		}
	}
	return nil
}

// ScopeUsage reports consumption against one scope's daily cap
type ScopeUsage struct {
	Scope     string    `json:"scope"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// Usage returns today's consumption for every configured scope.
func (b *Budget) Usage() []ScopeUsage {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.now()
	midnight := day.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	usage := make([]ScopeUsage, 0, len(b.limits))
	for scope, limit := range b.limits {
		used := b.counts[b.key(scope, day)]
		usage = append(usage, ScopeUsage{
			Scope:     scope,
			Used:      used,
			Limit:     limit,
			Remaining: limit - used,
			ResetsAt:  midnight,
		})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Scope < usage[j].Scope })
	return usage
}
