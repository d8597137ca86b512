// Package policy declares the pluggable slave-selection routing policy
// mentioned in spec §4.F.1 ("the specific policy is configurable but
// pluggable"): which algorithm picks a target among same-tier backends,
// and what weight each backend carries under a weighted algorithm.
//
// Declared separately from internal/config's ini file so operators can
// reload routing behavior without touching connection settings, in the
// style of db-bouncer's YAML-driven tenant config.
package policy

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Algorithm names a selection strategy among same-tier candidates.
type Algorithm string

const (
	RoundRobin       Algorithm = "round_robin"
	Weighted         Algorithm = "weighted"
	LeastConnections Algorithm = "least_connections"
)

// Policy is the YAML-declared routing policy document.
type Policy struct {
	Algorithm Algorithm          `yaml:"algorithm"`
	Weights   map[string]int     `yaml:"weights"`
}

// Load reads a policy document from path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if p.Algorithm == "" {
		p.Algorithm = RoundRobin
	}
	return &p, nil
}

// Selector picks one candidate name among a list of same-tier candidates.
type Selector interface {
	Select(candidates []string) (string, error)
}

// NewSelector builds the Selector matching the policy's configured
// algorithm.
func (p *Policy) NewSelector() Selector {
	switch p.Algorithm {
	case Weighted:
		return &weightedSelector{weights: p.Weights}
	case LeastConnections:
		return &leastConnectionsSelector{}
	default:
		return &roundRobinSelector{}
	}
}

type roundRobinSelector struct {
	mu      sync.Mutex
	current int
}

func (s *roundRobinSelector) Select(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("policy: no candidates to select from")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.current % len(candidates)
	s.current++
	return candidates[idx], nil
}

type weightedSelector struct {
	mu      sync.Mutex
	weights map[string]int
	cursor  map[string]int
}

// Select implements a smooth weighted round-robin: each call picks the
// candidate with the highest running credit, then debits it by the total
// weight, matching the classic nginx smooth-WRR algorithm.
func (s *weightedSelector) Select(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("policy: no candidates to select from")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		s.cursor = make(map[string]int)
	}

	total := 0
	best := ""
	bestCredit := -1 << 62
	for _, c := range candidates {
		w := s.weights[c]
		if w <= 0 {
			w = 1
		}
		total += w
		s.cursor[c] += w
		if s.cursor[c] > bestCredit {
			bestCredit = s.cursor[c]
			best = c
		}
	}
	s.cursor[best] -= total
	return best, nil
}

type leastConnectionsSelector struct {
	mu    sync.Mutex
	conns map[string]int
}

// Select picks the candidate currently tracked with the fewest active
// connections (ties broken by list order). Callers must call Release when
// a connection assigned via Select ends.
func (s *leastConnectionsSelector) Select(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("policy: no candidates to select from")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[string]int)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if s.conns[c] < s.conns[best] {
			best = c
		}
	}
	s.conns[best]++
	return best, nil
}

// Release decrements the tracked connection count for candidate. Only the
// least-connections selector tracks counts, so only it has Release.
func (s *leastConnectionsSelector) Release(candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[candidate] > 0 {
		s.conns[candidate]--
	}
}
