// Package store is the persistence API used by project and task code.
//
// A Store owns one data directory. It wires the file store, the document
// cache, the transaction manager, error boundaries, the background task
// queue, and the resource allocator, and exposes project and path scoped
// document operations on top of them. Every write is transactional: a save
// without an explicit transaction runs as a single-write transaction.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/randalmurphal/taskvault/internal/allocator"
	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/cache"
	"github.com/randalmurphal/taskvault/internal/clock"
	"github.com/randalmurphal/taskvault/internal/config"
	"github.com/randalmurphal/taskvault/internal/events"
	"github.com/randalmurphal/taskvault/internal/filestore"
	"github.com/randalmurphal/taskvault/internal/lock"
	"github.com/randalmurphal/taskvault/internal/queue"
	"github.com/randalmurphal/taskvault/internal/txn"
	"github.com/randalmurphal/taskvault/internal/util"
)

// Boundary names used by the store itself.
const (
	BoundaryReads        = "documents.read"
	BoundaryWrites       = "documents.write"
	BoundaryTransactions = "transactions"
)

// DefaultShutdownTimeout bounds how long Close waits for running tasks.
const DefaultShutdownTimeout = 10 * time.Second

// Store is the persistence facade over one data directory.
// All methods are safe for concurrent use.
type Store struct {
	cfg             *config.Config
	root            string
	fs              afero.Fs
	logger          *slog.Logger
	publisher       events.Publisher
	clock           clock.Clock
	shutdownTimeout time.Duration

	lock       *lock.DirLock
	files      *filestore.Store
	cache      *cache.Cache
	txns       *txn.Manager
	boundaries *boundary.Registry
	queue      *queue.Queue
	alloc      *allocator.Allocator

	errMu     sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithFs sets the filesystem. Defaults to the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Store) {
		if fsys != nil {
			s.fs = fsys
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the event publisher shared by every component.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) {
		s.publisher = events.OrNop(p)
	}
}

// WithClock sets the clock shared by every component.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clock.OrReal(clk)
	}
}

// WithShutdownTimeout sets how long Close waits for running tasks.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Open locks cfg.DataDir and starts the background machinery. The queue
// and allocator loops stop when ctx is done or Close is called.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:             cfg,
		root:            filepath.Clean(cfg.DataDir),
		fs:              afero.NewOsFs(),
		logger:          slog.Default(),
		publisher:       events.NopPublisher{},
		clock:           clock.Real{},
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.lock = lock.New(s.fs, s.root, lock.WithClock(s.clock))
	if err := s.lock.Acquire(); err != nil {
		return nil, fmt.Errorf("open %s: %w", s.root, err)
	}
	if n, err := s.sweepTempFiles(); err != nil {
		s.logger.Warn("sweep temp files failed", "data_dir", s.root, "error", err)
	} else if n > 0 {
		s.logger.Info("removed leftover temp files", "data_dir", s.root, "count", n)
	}

	s.files = filestore.New(s.fs,
		filestore.WithLogger(s.logger),
		filestore.WithRetryPolicy(filestore.RetryPolicy{
			MaxAttempts: cfg.FileStore.MaxAttempts,
			BaseDelay:   cfg.FileStore.BaseDelay,
			MaxDelay:    cfg.FileStore.MaxDelay,
		}),
		filestore.WithModes(os.FileMode(cfg.FileStore.FileMode), os.FileMode(cfg.FileStore.DirMode)),
	)
	s.cache = cache.New(cache.WithCapacity(cfg.Cache.MaxEntries), cache.WithClock(s.clock))
	s.txns = txn.NewManager(s.files, s.cache,
		txn.WithLogger(s.logger),
		txn.WithPublisher(s.publisher),
		txn.WithClock(s.clock),
	)

	boundaryOpts := boundaryOptions(cfg.Boundary)
	s.boundaries = boundary.NewRegistry(boundaryOpts,
		boundary.WithLogger(s.logger),
		boundary.WithPublisher(s.publisher),
		boundary.WithClock(s.clock),
	)
	s.alloc = allocator.New(allocatorConfig(cfg.Allocator),
		allocator.WithLogger(s.logger),
		allocator.WithPublisher(s.publisher),
		allocator.WithClock(s.clock),
	)
	s.queue = queue.New(queueConfig(cfg.Queue),
		queue.WithLogger(s.logger),
		queue.WithPublisher(s.publisher),
		queue.WithClock(s.clock),
		queue.WithAdmitter(s.alloc),
		queue.WithBoundaries(s.boundaries, boundaryOpts),
		queue.WithFailureHook(s.taskFailed),
	)

	if err := s.queue.Start(ctx); err != nil {
		_ = s.lock.Release()
		return nil, fmt.Errorf("start task queue: %w", err)
	}
	s.alloc.Start(ctx)
	s.lock.StartHeartbeat(context.WithoutCancel(ctx), lock.DefaultHeartbeatInterval)

	s.logger.Debug("store opened", "data_dir", s.root)
	return s, nil
}

// Close drains the task queue, stops the allocator, and releases the data
// directory. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if !s.queue.Shutdown(s.shutdownTimeout) {
			s.logger.Warn("tasks still running at close", "timeout", s.shutdownTimeout)
		}
		s.alloc.Stop()
		s.closeErr = s.lock.Release()
	})
	return s.closeErr
}

// sweepTempFiles removes temp files left by a process that died mid-write.
func (s *Store) sweepTempFiles() (int, error) {
	total := 0
	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		n, err := util.SweepTempFiles(s.fs, path)
		total += n
		return err
	})
	return total, err
}

func (s *Store) taskFailed(info queue.Info, err error) {
	s.LogError("task:"+info.Type, err, map[string]any{
		"task_id":     info.ID,
		"retry_count": info.RetryCount,
		"max_retries": info.MaxRetries,
	})
}

func boundaryOptions(c config.BoundaryConfig) boundary.Options {
	return boundary.Options{
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
		Threshold:  c.CircuitBreakerThreshold,
		CoolDown:   c.CoolDown,
	}
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		Capacity:          c.Capacity,
		TickInterval:      c.TickInterval,
		DefaultTimeout:    c.DefaultTimeout,
		DefaultMaxRetries: c.DefaultMaxRetries,
		MaxInFlight:       c.MaxInFlight,
		OverflowPolicy:    queue.OverflowPolicy(c.OverflowPolicy),
	}
}

func allocatorConfig(c config.AllocatorConfig) allocator.Config {
	pools := make(map[string]allocator.PoolConfig, len(c.Pools))
	for name, p := range c.Pools {
		pools[name] = allocator.PoolConfig{Available: p.Available, Threshold: p.Threshold}
	}
	return allocator.Config{
		Pools:                 pools,
		RecomputeInterval:     c.RecomputeInterval,
		ResponseTimeThreshold: c.ResponseTimeThreshold,
		EfficiencyThreshold:   c.EfficiencyThreshold,
		ErrorRateThreshold:    c.ErrorRateThreshold,
		Degrade:               c.Degrade,
	}
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// Config returns the configuration the store was opened with.
func (s *Store) Config() *config.Config { return s.cfg }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Clock returns the store's clock.
func (s *Store) Clock() clock.Clock { return s.clock }

// Publisher returns the event publisher.
func (s *Store) Publisher() events.Publisher { return s.publisher }

// Allocator returns the resource allocator.
func (s *Store) Allocator() *allocator.Allocator { return s.alloc }
