package allocator

import "sort"

// Pool is a named counter of resource units. Allocated stays within
// [0, Available].
type Pool struct {
	Name      string
	Allocated int
	Available int
	// Threshold is the utilization (0-1) above which the pool counts as
	// saturated.
	Threshold float64
}

// PoolConfig sizes a pool.
type PoolConfig struct {
	Available int     `yaml:"available" mapstructure:"available" validate:"gte=1"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"gte=0,lte=1"`
}

// PoolStatus is a snapshot of one pool.
type PoolStatus struct {
	Name        string  `json:"name"`
	Allocated   int     `json:"allocated"`
	Available   int     `json:"available"`
	Threshold   float64 `json:"threshold"`
	Utilization float64 `json:"utilization"`
	Saturated   bool    `json:"saturated"`
}

// DefaultPools returns the default pool sizes.
func DefaultPools() map[string]PoolConfig {
	return map[string]PoolConfig{
		"cpu":        {Available: 8, Threshold: 0.8},
		"memory":     {Available: 16, Threshold: 0.8},
		"background": {Available: 4, Threshold: 0.75},
	}
}

func (p *Pool) free() int {
	return p.Available - p.Allocated
}

func (p *Pool) utilization() float64 {
	if p.Available == 0 {
		return 0
	}
	return float64(p.Allocated) / float64(p.Available)
}

func (p *Pool) status() PoolStatus {
	u := p.utilization()
	return PoolStatus{
		Name:        p.Name,
		Allocated:   p.Allocated,
		Available:   p.Available,
		Threshold:   p.Threshold,
		Utilization: u,
		Saturated:   u >= p.Threshold,
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
