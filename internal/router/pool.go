// Pool is the rank/tier-aware backend membership table the router
// consults for target selection. Generalized from the teacher's
// replica.Pool (primary + round-robin replicas, health tracking) into
// spec §4.F.1's tiered fallback: the router prefers the lowest-numbered
// tier that has any usable member, and tier fallback is all-or-nothing
// per dispatch.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/config"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/policy"
)

// member is one backend's pool bookkeeping.
type member struct {
	name     string
	address  string
	isMaster bool
	rank     int
	healthy  bool
	draining bool
}

// Pool tracks every configured backend's health and rank, and answers
// target-selection queries for the router.
type Pool struct {
	mu       sync.RWMutex
	members  map[string]*member
	tiers    []int // sorted ascending, deduplicated rank values
	selector policy.Selector
	master   string
}

// NewPool builds a Pool from a configuration snapshot's backend list.
func NewPool(backends []config.Backend, selector policy.Selector) *Pool {
	p := &Pool{members: make(map[string]*member), selector: selector}
	p.Reconfigure(backends)
	return p
}

// Reconfigure replaces the pool's membership on a config hot-reload,
// preserving health status for backends that survive the reload (same
// pattern as replica.Pool.UpdateReplicas).
func (p *Pool) Reconfigure(backends []config.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newMembers := make(map[string]*member, len(backends))
	tierSet := map[int]bool{}
	for _, b := range backends {
		healthy := true
		var draining bool
		if old, ok := p.members[b.Name]; ok {
			healthy = old.healthy
			draining = old.draining
		}
		newMembers[b.Name] = &member{
			name:     b.Name,
			address:  b.Address,
			isMaster: b.IsMaster,
			rank:     b.Rank,
			healthy:  healthy,
			draining: draining,
		}
		tierSet[b.Rank] = true
		if b.IsMaster {
			p.master = b.Name
		}
	}
	p.members = newMembers

	tiers := make([]int, 0, len(tierSet))
	for t := range tierSet {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	p.tiers = tiers
}

// MasterName returns the name of the configured master backend.
func (p *Pool) MasterName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.master
}

// Address returns the dial address for a named backend.
func (p *Pool) Address(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[name]
	if !ok {
		return "", false
	}
	return m.address, true
}

// MarkHealthy/MarkUnhealthy flip a backend's usability, consulted the next
// time SelectSlave runs a tier scan.
func (p *Pool) MarkHealthy(name string) { p.setHealthy(name, true) }
func (p *Pool) MarkUnhealthy(name string) { p.setHealthy(name, false) }

func (p *Pool) setHealthy(name string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[name]; ok {
		m.healthy = healthy
	}
}

// Drain marks a backend as refusing new dispatch (spec §4.F.5): it stays
// usable by sessions that already have it as their active target until the
// administrative layer forces closure once the grace period elapses, but
// SelectSlave and ReplacementFor stop offering it to anyone new.
func (p *Pool) Drain(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[name]; ok {
		m.draining = true
	}
}

// Undrain cancels a pending drain, restoring name to normal selection.
func (p *Pool) Undrain(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[name]; ok {
		m.draining = false
	}
}

// IsDraining reports whether name has been marked for drain.
func (p *Pool) IsDraining(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.members[name]; ok {
		return m.draining
	}
	return false
}

// SelectSlave picks a non-master backend using the lowest-numbered tier
// that currently has any healthy member, breaking ties within the tier via
// the configured Selector. Falls back to the master if no slave tier has a
// healthy member, per spec §4.F.1.
func (p *Pool) SelectSlave() (string, error) {
	p.mu.RLock()
	tiers := append([]int(nil), p.tiers...)
	snapshot := make(map[string]*member, len(p.members))
	for k, v := range p.members {
		snapshot[k] = v
	}
	p.mu.RUnlock()

	for _, tier := range tiers {
		var candidates []string
		for _, m := range snapshot {
			if m.rank == tier && m.healthy && !m.isMaster && !m.draining {
				candidates = append(candidates, m.name)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Strings(candidates) // stable order before handing to the selector
		return p.selector.Select(candidates)
	}

	if p.master != "" {
		if m := snapshot[p.master]; m != nil && m.healthy && !m.draining {
			return p.master, nil
		}
	}
	return "", fmt.Errorf("router: no healthy backend available for slave-preferred dispatch")
}

// LiveBackends returns every currently healthy backend's name, used for
// session-command fan-out.
func (p *Pool) LiveBackends() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.members))
	for name, m := range p.members {
		if m.healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ReplacementFor picks a healthy backend in the same tier as excluded,
// other than excluded itself, for replay after a fault. Falls back to any
// healthy backend if the tier is otherwise exhausted.
func (p *Pool) ReplacementFor(excluded string) (string, error) {
	p.mu.RLock()
	excludedTier := 0
	if m, ok := p.members[excluded]; ok {
		excludedTier = m.rank
	}
	var sameTier, any []string
	for name, m := range p.members {
		if name == excluded || !m.healthy || m.draining {
			continue
		}
		any = append(any, name)
		if m.rank == excludedTier {
			sameTier = append(sameTier, name)
		}
	}
	p.mu.RUnlock()

	sort.Strings(sameTier)
	sort.Strings(any)
	if len(sameTier) > 0 {
		return sameTier[0], nil
	}
	if len(any) > 0 {
		return any[0], nil
	}
	return "", fmt.Errorf("router: no replacement backend available for %s", excluded)
}
