package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultScoringPolicy = "additive"
	DefaultSelector      = "uniform"
)

var (
	ErrPolicyExists   = errors.New("policy already registered")
	ErrPolicyNotFound = errors.New("policy not found")
)

var policyRegistry = struct {
	mu        sync.RWMutex
	scoring   map[string]func() ScoringPolicy
	selectors map[string]func() Selector
}{
	scoring: map[string]func() ScoringPolicy{
		"additive":       func() ScoringPolicy { return AdditiveBonusPolicy{SensorPenalty: DefaultSensorPenalty} },
		"multiplicative": func() ScoringPolicy { return MultiplicativeBonusPolicy{SensorPenalty: DefaultSensorPenalty} },
		"accuracy":       func() ScoringPolicy { return AccuracyPolicy{SensorPenalty: DefaultSensorPenalty} },
	},
	selectors: map[string]func() Selector{
		"uniform":    func() Selector { return UniformSelector{} },
		"tournament": func() Selector { return TournamentSelector{} },
	},
}

// RegisterScoringPolicy makes a custom policy available by name.
func RegisterScoringPolicy(name string, factory func() ScoringPolicy) error {
	if name == "" {
		return errors.New("policy name is required")
	}
	if factory == nil {
		return errors.New("policy factory is required")
	}
	policyRegistry.mu.Lock()
	defer policyRegistry.mu.Unlock()
	if _, exists := policyRegistry.scoring[name]; exists {
		return fmt.Errorf("%w: %s", ErrPolicyExists, name)
	}
	policyRegistry.scoring[name] = factory
	return nil
}

// ScoringPolicyByName resolves a policy; the empty name means the default.
func ScoringPolicyByName(name string) (ScoringPolicy, error) {
	if name == "" {
		name = DefaultScoringPolicy
	}
	policyRegistry.mu.RLock()
	factory, ok := policyRegistry.scoring[name]
	policyRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scoring %s", ErrPolicyNotFound, name)
	}
	return factory(), nil
}

func SelectorByName(name string) (Selector, error) {
	if name == "" {
		name = DefaultSelector
	}
	policyRegistry.mu.RLock()
	factory, ok := policyRegistry.selectors[name]
	policyRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: selector %s", ErrPolicyNotFound, name)
	}
	return factory(), nil
}

func ListScoringPolicies() []string {
	policyRegistry.mu.RLock()
	defer policyRegistry.mu.RUnlock()
	names := make([]string, 0, len(policyRegistry.scoring))
	for name := range policyRegistry.scoring {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
