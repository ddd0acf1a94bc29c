package txn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/randalmurphal/taskvault/internal/clock"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
	"github.com/randalmurphal/taskvault/internal/filestore"
)

// Invalidator removes cached values. The document cache satisfies it.
type Invalidator interface {
	Invalidate(keys ...string)
}

// Stats counts transaction outcomes since the manager was created.
type Stats struct {
	Begun       int64 `json:"begun"`
	Committed   int64 `json:"committed"`
	RolledBack  int64 `json:"rolled_back"`
	Compensated int64 `json:"compensated"`
}

// Manager creates, commits, and rolls back transactions. It owns cache
// invalidation for every target it writes.
type Manager struct {
	files     *filestore.Store
	cache     Invalidator
	publisher events.Publisher
	logger    *slog.Logger
	clock     clock.Clock

	begun       atomic.Int64
	committed   atomic.Int64
	rolledBack  atomic.Int64
	compensated atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPublisher sets the publisher for commit and rollback events.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = events.OrNop(p)
	}
}

// WithClock sets the clock used for transaction timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clock.OrReal(clk)
	}
}

// NewManager creates a Manager writing through files and invalidating cache.
// cache may be nil when no cache is in use.
func NewManager(files *filestore.Store, cache Invalidator, opts ...Option) *Manager {
	m := &Manager{
		files:     files,
		cache:     cache,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginOption configures a new Transaction.
type BeginOption func(*Transaction)

// WithTopic tags the transaction's events with topic (usually a project ID).
func WithTopic(topic string) BeginOption {
	return func(t *Transaction) {
		t.topic = topic
	}
}

// Begin starts a new open transaction.
func (m *Manager) Begin(opts ...BeginOption) *Transaction {
	tx := &Transaction{
		id:        uuid.NewString(),
		topic:     "txn",
		status:    StatusOpen,
		backups:   make(map[string]*backup),
		createdAt: m.clock.Now(),
	}
	for _, opt := range opts {
		opt(tx)
	}
	m.begun.Add(1)
	return tx
}

// StageWrite appends a write of payload to target. The first time a target
// is staged in tx, its current on-disk bytes (or absence) are captured for
// rollback. No filesystem mutation happens until Commit.
func (m *Manager) StageWrite(ctx context.Context, tx *Transaction, target string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("stage %s: payload is not valid JSON", filepath.Base(target))
	}
	target = filepath.Clean(target)

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusOpen {
		return verrors.ErrTransactionState(tx.id, string(tx.status))
	}

	if _, ok := tx.backups[target]; !ok {
		data, existed, err := m.files.ReadRaw(ctx, target)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", target, err)
		}
		b := &backup{data: data, existed: existed}
		if existed {
			b.checksum = filestore.Checksum(data)
		}
		tx.backups[target] = b
	}

	tx.writes = append(tx.writes, Write{Target: target, Payload: bytes.Clone(payload)})
	return nil
}

// StageJSON marshals v and stages it as a write to target.
func (m *Manager) StageJSON(ctx context.Context, tx *Transaction, target string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(target), err)
	}
	return m.StageWrite(ctx, tx, target, data)
}

// Commit applies the staged writes in declaration order. On success every
// touched target is invalidated in the cache. If write i fails, writes
// 1..i-1 are restored from their backups, tx becomes rolled back, and a
// TRANSACTION_FAILED error wrapping the cause is returned.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusOpen {
		return verrors.ErrTransactionState(tx.id, string(tx.status))
	}

	for i, w := range tx.writes {
		if err := m.files.Write(ctx, w.Target, w.Payload); err != nil {
			return m.compensate(ctx, tx, i, w.Target, err)
		}
	}

	tx.status = StatusCommitted
	targets := tx.targetsLocked(len(tx.writes))
	if m.cache != nil && len(targets) > 0 {
		m.cache.Invalidate(targets...)
	}
	m.committed.Add(1)

	m.logger.Debug("transaction committed",
		"tx_id", tx.id,
		"writes", len(tx.writes),
		"targets", len(targets),
	)
	m.publisher.Publish(events.NewEvent(events.EventTxCommitted, tx.topic, events.TxData{
		TxID:    tx.id,
		Targets: targets,
	}))
	return nil
}

// compensate restores every target written by writes[0:failedAt] and marks
// tx rolled back. Must be called with tx.mu held.
func (m *Manager) compensate(ctx context.Context, tx *Transaction, failedAt int, failedTarget string, cause error) error {
	applied := tx.targetsLocked(failedAt)

	// Restoration must run even if the caller's context is already done.
	restoreCtx := context.WithoutCancel(ctx)

	var restoreErrs []error
	for i := len(applied) - 1; i >= 0; i-- {
		target := applied[i]
		if err := m.restore(restoreCtx, target, tx.backups[target]); err != nil {
			restoreErrs = append(restoreErrs, fmt.Errorf("restore %s: %w", target, err))
		}
	}

	// A reader may have cached an intermediate value while the commit was
	// in flight; drop it now that the prior bytes are back on disk.
	if m.cache != nil && len(applied) > 0 {
		m.cache.Invalidate(applied...)
	}

	tx.status = StatusRolledBack
	m.rolledBack.Add(1)
	if len(applied) > 0 {
		m.compensated.Add(1)
	}

	txErr := verrors.ErrTransactionFailed(tx.id, failedTarget, cause)
	if len(restoreErrs) > 0 {
		txErr.Why = fmt.Sprintf("write to %s failed and %d of %d compensating writes also failed",
			failedTarget, len(restoreErrs), len(applied))
		txErr.Cause = errors.Join(append([]error{cause}, restoreErrs...)...)
	}

	m.logger.Error("transaction rolled back",
		"tx_id", tx.id,
		"failed_write", failedAt,
		"target", failedTarget,
		"compensated", len(applied),
		"restore_failures", len(restoreErrs),
		"error", cause,
	)
	m.publisher.Publish(events.NewEvent(events.EventTxRolledBack, tx.topic, events.TxData{
		TxID:    tx.id,
		Targets: applied,
		Error:   cause.Error(),
	}))
	return txErr
}

// restore puts target back to its pre-transaction state and verifies the
// result against the backup checksum.
func (m *Manager) restore(ctx context.Context, target string, b *backup) error {
	if b == nil {
		return fmt.Errorf("no backup captured")
	}
	if !b.existed {
		return m.files.Remove(ctx, target)
	}
	if err := m.files.Write(ctx, target, b.data); err != nil {
		return err
	}
	data, found, err := m.files.ReadRaw(ctx, target)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !found || filestore.Checksum(data) != b.checksum {
		return fmt.Errorf("verify: checksum mismatch after restore (want %s)", filestore.FormatChecksum(b.checksum))
	}
	return nil
}

// Rollback discards the staged writes without touching the filesystem. It
// is idempotent and a no-op on a transaction that already committed.
func (m *Manager) Rollback(tx *Transaction) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status.Terminal() {
		return
	}
	tx.status = StatusRolledBack
	tx.writes = nil
	tx.backups = make(map[string]*backup)
	m.rolledBack.Add(1)

	m.logger.Debug("transaction discarded", "tx_id", tx.id)
	m.publisher.Publish(events.NewEvent(events.EventTxRolledBack, tx.topic, events.TxData{TxID: tx.id}))
}

// Write performs a single-write transaction, giving bare writes the same
// atomicity and invalidation semantics as grouped ones.
func (m *Manager) Write(ctx context.Context, target string, payload []byte, opts ...BeginOption) error {
	tx := m.Begin(opts...)
	if err := m.StageWrite(ctx, tx, target, payload); err != nil {
		m.Rollback(tx)
		return err
	}
	return m.Commit(ctx, tx)
}

// Stats returns transaction outcome counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Begun:       m.begun.Load(),
		Committed:   m.committed.Load(),
		RolledBack:  m.rolledBack.Load(),
		Compensated: m.compensated.Load(),
	}
}
