// Package allocator throttles background work against named resource pools.
//
// Each task descriptor is turned into a per-pool requirement, scaled by the
// active strategy, and reserved all-or-nothing. A reservation that does not
// fit is retried once at a degraded size before failing with an error that
// names the insufficient pool. A periodic loop re-selects the strategy from
// observed response times, error rate, and allocation efficiency.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/taskvault/internal/clock"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
)

// Topic is the event topic strategy changes are published under.
const Topic = "allocator"

const responseWindow = 50

// Config holds allocator tuning.
type Config struct {
	Pools                 map[string]PoolConfig
	RecomputeInterval     time.Duration
	ResponseTimeThreshold time.Duration
	// EfficiencyThreshold (0-100) below which the aggressive strategy is used.
	EfficiencyThreshold float64
	// ErrorRateThreshold (0-1) above which the conservative strategy is used.
	ErrorRateThreshold float64
	// Degrade is the fraction of the requirement tried after a full
	// reservation fails.
	Degrade float64
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{
		Pools:                 DefaultPools(),
		RecomputeInterval:     30 * time.Second,
		ResponseTimeThreshold: 5 * time.Second,
		EfficiencyThreshold:   40,
		ErrorRateThreshold:    0.5,
		Degrade:               0.6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Pools) == 0 {
		c.Pools = d.Pools
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = d.RecomputeInterval
	}
	if c.ResponseTimeThreshold <= 0 {
		c.ResponseTimeThreshold = d.ResponseTimeThreshold
	}
	if c.EfficiencyThreshold <= 0 {
		c.EfficiencyThreshold = d.EfficiencyThreshold
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.Degrade <= 0 || c.Degrade >= 1 {
		c.Degrade = d.Degrade
	}
	return c
}

// Reservation is a granted set of pool units.
type Reservation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Amounts   map[string]int `json:"amounts"`
	Degraded  bool           `json:"degraded"`
	Strategy  Strategy       `json:"strategy"`
	CreatedAt time.Time      `json:"created_at"`
}

// InsufficientError reports the pool that could not cover a reservation.
type InsufficientError struct {
	Pool  string
	Need  int
	Free  int
	Total int
}

func (e *InsufficientError) Error() string {
	return e.Unwrap().Error()
}

// Unsatisfiable reports whether the requirement exceeds the pool's total
// size under the strategy it was computed for.
func (e *InsufficientError) Unsatisfiable() bool {
	return e.Need > e.Total
}

// Unwrap exposes the RESOURCE_INSUFFICIENT store error.
func (e *InsufficientError) Unwrap() error {
	return verrors.ErrInsufficient(e.Pool, e.Need, e.Free, e.Total)
}

// Status is a snapshot of the allocator.
type Status struct {
	Strategy           Strategy      `json:"strategy"`
	Pools              []PoolStatus  `json:"pools"`
	Efficiency         float64       `json:"efficiency"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	ErrorRate          float64       `json:"error_rate"`
	ActiveReservations int           `json:"active_reservations"`
	Requests           int64         `json:"requests"`
	Granted            int64         `json:"granted"`
	Degraded           int64         `json:"degraded"`
	Denied             int64         `json:"denied"`
}

type sample struct {
	elapsed time.Duration
	failed  bool
}

// Allocator manages resource pools. Safe for concurrent use.
type Allocator struct {
	cfg       Config
	logger    *slog.Logger
	publisher events.Publisher
	clock     clock.Clock

	mu           sync.Mutex
	pools        map[string]*Pool
	profiles     map[string]Profile
	reservations map[string]*Reservation
	strategy     Strategy

	requests int64
	granted  int64
	degraded int64
	denied   int64

	samples [responseWindow]sample
	filled  int
	next    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithPublisher sets the publisher for strategy events.
func WithPublisher(p events.Publisher) Option {
	return func(a *Allocator) {
		a.publisher = events.OrNop(p)
	}
}

// WithClock sets the clock used for reservation timestamps.
func WithClock(clk clock.Clock) Option {
	return func(a *Allocator) {
		a.clock = clock.OrReal(clk)
	}
}

// WithProfile sets the base requirement for a task type.
func WithProfile(taskType string, p Profile) Option {
	return func(a *Allocator) {
		a.profiles[taskType] = p
	}
}

// New creates an Allocator using the balanced strategy.
func New(cfg Config, opts ...Option) *Allocator {
	cfg = cfg.withDefaults()
	a := &Allocator{
		cfg:          cfg,
		logger:       slog.Default(),
		publisher:    events.NopPublisher{},
		clock:        clock.Real{},
		pools:        make(map[string]*Pool, len(cfg.Pools)),
		profiles:     DefaultProfiles(),
		reservations: make(map[string]*Reservation),
		strategy:     StrategyBalanced,
	}
	for name, pc := range cfg.Pools {
		threshold := pc.Threshold
		if threshold <= 0 {
			threshold = 0.8
		}
		a.pools[name] = &Pool{Name: name, Available: pc.Available, Threshold: threshold}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllocateResources reserves the units desc needs from every pool. If the
// full requirement does not fit, a degraded requirement is tried once. When
// that also fails, an *InsufficientError naming the pool is returned.
func (a *Allocator) AllocateResources(desc Descriptor) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests++
	req := requirement(a.profileFor(desc.Type), desc, a.strategy)

	if short := a.shortfallLocked(req); short == nil {
		return a.reserveLocked(desc, req, false), nil
	}

	reduced := degrade(req, a.cfg.Degrade)
	short := a.shortfallLocked(reduced)
	if short == nil {
		a.degraded++
		a.logger.Debug("reservation degraded",
			"task_type", desc.Type,
			"requested", req,
			"granted", reduced,
		)
		return a.reserveLocked(desc, reduced, true), nil
	}

	a.denied++
	if over := a.overCapacityLocked(reduced); over != nil {
		return nil, over
	}
	return nil, short
}

func (a *Allocator) profileFor(taskType string) Profile {
	if p, ok := a.profiles[taskType]; ok {
		return p
	}
	return a.profiles["default"]
}

// shortfallLocked returns the first pool (by name) that cannot cover req.
// Pools named in req but not configured are ignored.
func (a *Allocator) shortfallLocked(req map[string]int) *InsufficientError {
	for _, name := range sortedNames(req) {
		p, ok := a.pools[name]
		if !ok {
			continue
		}
		if need := req[name]; need > p.free() {
			return &InsufficientError{Pool: name, Need: need, Free: p.free(), Total: p.Available}
		}
	}
	return nil
}

// overCapacityLocked returns the first pool whose total size is below req,
// meaning req cannot fit even with nothing else reserved.
func (a *Allocator) overCapacityLocked(req map[string]int) *InsufficientError {
	for _, name := range sortedNames(req) {
		p, ok := a.pools[name]
		if ok && req[name] > p.Available {
			return &InsufficientError{Pool: name, Need: req[name], Free: p.free(), Total: p.Available}
		}
	}
	return nil
}

func (a *Allocator) reserveLocked(desc Descriptor, req map[string]int, degraded bool) *Reservation {
	amounts := make(map[string]int, len(req))
	for name, n := range req {
		p, ok := a.pools[name]
		if !ok {
			continue
		}
		p.Allocated += n
		amounts[name] = n
	}
	res := &Reservation{
		ID:        uuid.NewString(),
		Type:      desc.Type,
		Amounts:   amounts,
		Degraded:  degraded,
		Strategy:  a.strategy,
		CreatedAt: a.clock.Now(),
	}
	a.reservations[res.ID] = res
	a.granted++
	return res
}

// ReleaseResources returns a reservation's units to their pools.
func (a *Allocator) ReleaseResources(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.reservations[id]
	if !ok {
		return fmt.Errorf("release reservation %s: not found", id)
	}
	delete(a.reservations, id)
	for name, n := range res.Amounts {
		p := a.pools[name]
		p.Allocated = max(0, p.Allocated-n)
	}
	return nil
}

// RecordResponse feeds an observed task duration and outcome into the
// strategy inputs.
func (a *Allocator) RecordResponse(elapsed time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples[a.next] = sample{elapsed: elapsed, failed: err != nil}
	a.next = (a.next + 1) % responseWindow
	if a.filled < responseWindow {
		a.filled++
	}
}

// responseStatsLocked returns the mean response time and error rate over
// the sample window.
func (a *Allocator) responseStatsLocked() (time.Duration, float64) {
	if a.filled == 0 {
		return 0, 0
	}
	var total time.Duration
	var failed int
	for i := 0; i < a.filled; i++ {
		total += a.samples[i].elapsed
		if a.samples[i].failed {
			failed++
		}
	}
	return total / time.Duration(a.filled), float64(failed) / float64(a.filled)
}

// efficiencyLocked blends allocation success rate (70%) with mean pool
// utilization (30%) into a 0-100 score.
func (a *Allocator) efficiencyLocked() float64 {
	success := 1.0
	if a.requests > 0 {
		success = float64(a.granted) / float64(a.requests)
	}
	var util float64
	if len(a.pools) > 0 {
		for _, p := range a.pools {
			util += p.utilization()
		}
		util /= float64(len(a.pools))
	}
	return 100 * (0.7*success + 0.3*util)
}

// RecomputeStrategy selects the strategy from current metrics and returns it.
func (a *Allocator) RecomputeStrategy() Strategy {
	a.mu.Lock()
	avg, errRate := a.responseStatsLocked()
	eff := a.efficiencyLocked()

	next, reason := StrategyBalanced, "metrics within thresholds"
	switch {
	case a.filled > 0 && avg > a.cfg.ResponseTimeThreshold:
		next = StrategyConservative
		reason = fmt.Sprintf("avg response %s above %s", avg, a.cfg.ResponseTimeThreshold)
	case a.filled > 0 && errRate > a.cfg.ErrorRateThreshold:
		next = StrategyConservative
		reason = fmt.Sprintf("error rate %.2f above %.2f", errRate, a.cfg.ErrorRateThreshold)
	case eff < a.cfg.EfficiencyThreshold:
		next = StrategyAggressive
		reason = fmt.Sprintf("efficiency %.1f below %.1f", eff, a.cfg.EfficiencyThreshold)
	}

	prev := a.strategy
	a.strategy = next
	a.mu.Unlock()

	if prev != next {
		a.logger.Info("allocation strategy changed",
			"from", prev,
			"to", next,
			"reason", reason,
		)
		a.publisher.Publish(events.NewEvent(events.EventStrategy, Topic, events.StrategyData{
			From:   string(prev),
			To:     string(next),
			Reason: reason,
		}))
	}
	return next
}

// Strategy returns the active strategy.
func (a *Allocator) Strategy() Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategy
}

// Start runs the periodic strategy recompute until Stop or ctx is done.
func (a *Allocator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.RecomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.RecomputeStrategy()
			}
		}
	}()
}

// Stop ends the recompute loop.
func (a *Allocator) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

// Status returns a snapshot of pools and strategy inputs.
func (a *Allocator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	avg, errRate := a.responseStatsLocked()
	pools := make([]PoolStatus, 0, len(a.pools))
	for _, name := range sortedNames(a.pools) {
		pools = append(pools, a.pools[name].status())
	}
	return Status{
		Strategy:           a.strategy,
		Pools:              pools,
		Efficiency:         a.efficiencyLocked(),
		AvgResponseTime:    avg,
		ErrorRate:          errRate,
		ActiveReservations: len(a.reservations),
		Requests:           a.requests,
		Granted:            a.granted,
		Degraded:           a.degraded,
		Denied:             a.denied,
	}
}
