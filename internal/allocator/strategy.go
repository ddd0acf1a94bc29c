package allocator

import (
	"math"
	"time"
)

// Strategy scales resource requirements up or down.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// Scale returns the requirement multiplier for the strategy.
func (s Strategy) Scale() float64 {
	switch s {
	case StrategyConservative:
		return 0.75
	case StrategyAggressive:
		return 1.5
	default:
		return 1.0
	}
}

// Descriptor describes the work a reservation is for.
type Descriptor struct {
	Type string
	// Difficulty ranges from 0 (trivial) to 10.
	Difficulty        int
	EstimatedDuration time.Duration
}

// Profile is the base units a task type needs from each pool.
type Profile map[string]int

// DefaultProfiles returns the built-in per-type profiles. Types without a
// profile use the "default" entry.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"default":    {"cpu": 1, "memory": 1, "background": 1},
		"archive":    {"cpu": 2, "memory": 2, "background": 1},
		"sync-state": {"cpu": 1, "memory": 1, "background": 1},
		"warm-cache": {"cpu": 1, "memory": 3, "background": 1},
	}
}

func difficultyFactor(d int) float64 {
	d = max(0, min(d, 10))
	return 1 + float64(d)/5
}

func durationFactor(d time.Duration) float64 {
	switch {
	case d > 5*time.Minute:
		return 1.5
	case d > time.Minute:
		return 1.25
	default:
		return 1
	}
}

// requirement derives per-pool units for desc under strategy.
func requirement(profile Profile, desc Descriptor, strategy Strategy) map[string]int {
	factor := difficultyFactor(desc.Difficulty) * durationFactor(desc.EstimatedDuration) * strategy.Scale()
	req := make(map[string]int, len(profile))
	for pool, base := range profile {
		if base <= 0 {
			continue
		}
		req[pool] = max(1, int(math.Ceil(float64(base)*factor)))
	}
	return req
}

// degrade scales a requirement down to ratio, keeping at least one unit.
func degrade(req map[string]int, ratio float64) map[string]int {
	out := make(map[string]int, len(req))
	for pool, n := range req {
		out[pool] = max(1, int(math.Floor(float64(n)*ratio)))
	}
	return out
}
