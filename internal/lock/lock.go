// Package lock guards a data directory so that a single process owns it.
//
// The lock is a small YAML file in the data directory recording the owner,
// PID, and a heartbeat. A lock whose process is gone (same host) or whose
// heartbeat is older than its TTL is stale and may be claimed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/taskvault/internal/clock"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/util"
)

// FileName is the lock file name inside the data directory.
const FileName = ".taskvault.lock"

// DefaultTTL is how long a lock survives without a heartbeat.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// Lock is the on-disk lock record.
type Lock struct {
	Owner     string    `yaml:"owner" json:"owner"`
	Host      string    `yaml:"host" json:"host"`
	PID       int       `yaml:"pid" json:"pid"`
	Acquired  time.Time `yaml:"acquired" json:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat" json:"heartbeat"`
	TTL       string    `yaml:"ttl" json:"ttl"`
}

// TTLDuration parses the TTL string, falling back to DefaultTTL.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// DirLock owns a data directory for the life of a process.
type DirLock struct {
	fs    afero.Fs
	path  string
	owner string
	host  string
	pid   int
	ttl   time.Duration
	clock clock.Clock

	mu     sync.Mutex
	held   bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a DirLock.
type Option func(*DirLock)

// WithTTL sets the lock time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(l *DirLock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock sets the clock used for heartbeats and staleness.
func WithClock(clk clock.Clock) Option {
	return func(l *DirLock) {
		l.clock = clock.OrReal(clk)
	}
}

// WithOwner overrides the owner identifier (default user@host).
func WithOwner(owner string) Option {
	return func(l *DirLock) {
		l.owner = owner
	}
}

// withPID overrides the recorded PID. Tests use it to impersonate another
// process.
func withPID(pid int) Option {
	return func(l *DirLock) {
		l.pid = pid
	}
}

// New creates a lock for dataDir. A nil fsys means the OS filesystem.
func New(fsys afero.Fs, dataDir string, opts ...Option) *DirLock {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	host, _ := os.Hostname()
	l := &DirLock{
		fs:    fsys,
		path:  filepath.Join(dataDir, FileName),
		owner: defaultOwner(host),
		host:  host,
		pid:   os.Getpid(),
		ttl:   DefaultTTL,
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultOwner(host string) string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return name + "@" + host
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Acquire takes the lock. It fails with DATA_DIR_LOCKED if another live
// process holds it; a stale lock is claimed. Re-acquiring a lock this
// process already holds refreshes it.
func (l *DirLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := l.create()
		if err == nil {
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock: %w", err)
		}

		existing, readErr := l.read()
		switch {
		case readErr != nil:
			// Unreadable: possibly mid-write by its creator.
			return lockedError(l.path, "unreadable lock file", readErr)
		case existing.Owner == l.owner && existing.PID == l.pid:
			if err := l.write(l.record(existing.Acquired)); err != nil {
				return err
			}
			l.held = true
			return nil
		case !l.isStale(existing):
			return lockedError(l.path,
				fmt.Sprintf("held by %s (pid %d) since %s", existing.Owner, existing.PID, existing.Acquired.Format(time.RFC3339)),
				nil)
		}

		if err := l.fs.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return lockedError(l.path, "lost race for stale lock", nil)
}

func lockedError(path, why string, cause error) error {
	e := verrors.ErrDataDirLocked.WithPath(path)
	e.Why = why
	e.Fix = "Stop the other taskvault process or remove the lock file if it is stale"
	e.Cause = cause
	return e
}

func (l *DirLock) record(acquired time.Time) *Lock {
	now := l.clock.Now().UTC()
	if acquired.IsZero() {
		acquired = now
	}
	return &Lock{
		Owner:     l.owner,
		Host:      l.host,
		PID:       l.pid,
		Acquired:  acquired,
		Heartbeat: now,
		TTL:       l.ttl.String(),
	}
}

// create writes a fresh lock file, failing with os.ErrExist if one exists.
func (l *DirLock) create() error {
	data, err := yaml.Marshal(l.record(time.Time{}))
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *DirLock) write(lock *Lock) error {
	data, err := yaml.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := util.AtomicWriteFile(l.fs, l.path, data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func (l *DirLock) read() (*Lock, error) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	if lock.PID == 0 {
		return nil, fmt.Errorf("parse lock file: missing pid")
	}
	return &lock, nil
}

func (l *DirLock) isStale(lock *Lock) bool {
	if l.clock.Since(lock.Heartbeat) > lock.TTLDuration() {
		return true
	}
	return lock.Host == l.host && !processExists(lock.PID)
}

// Holder returns the live lock record, or nil if the directory is not
// locked (no file, or a stale one).
func (l *DirLock) Holder() (*Lock, error) {
	lock, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if l.isStale(lock) {
		return nil, nil
	}
	return lock, nil
}

// Heartbeat refreshes the lock timestamp.
func (l *DirLock) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return fmt.Errorf("heartbeat: lock not held")
	}
	existing, err := l.read()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if existing.Owner != l.owner || existing.PID != l.pid {
		l.held = false
		return lockedError(l.path, fmt.Sprintf("claimed by %s (pid %d)", existing.Owner, existing.PID), nil)
	}
	return l.write(l.record(existing.Acquired))
}

// StartHeartbeat refreshes the lock every interval until Release or ctx
// is done.
func (l *DirLock) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A lock that keeps failing its heartbeat goes stale on its own.
				_ = l.Heartbeat()
			}
		}
	}()
}

// Release stops the heartbeat and removes the lock file if this process
// still owns it. Safe to call more than once.
func (l *DirLock) Release() error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		l.wg.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	existing, err := l.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner || existing.PID != l.pid {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
