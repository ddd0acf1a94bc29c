package store

import (
	"context"

	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/txn"
)

// Begin starts a transaction. Stage writes on it with Save (or the
// Save*Data helpers) and finish with Commit or Rollback.
func (s *Store) Begin(opts ...txn.BeginOption) *txn.Transaction {
	return s.txns.Begin(opts...)
}

// Commit applies tx. On failure every target already written is restored,
// tx is rolled back, and the error wraps the original cause. Commits are
// not retried; a rejected commit (open circuit) rolls tx back untouched.
func (s *Store) Commit(ctx context.Context, tx *txn.Transaction) error {
	b := s.boundaries.GetWith(BoundaryTransactions, s.commitOptions())
	err := b.Execute(ctx, func(ctx context.Context) error {
		return s.txns.Commit(ctx, tx)
	})
	if err == nil {
		return nil
	}
	if boundary.IsCircuitOpen(err) {
		s.txns.Rollback(tx)
	}
	s.LogError("commit", err, map[string]any{
		"tx_id":   tx.ID(),
		"targets": tx.Targets(),
	})
	return err
}

// Rollback discards tx without touching the filesystem. It is idempotent.
func (s *Store) Rollback(tx *txn.Transaction) {
	s.txns.Rollback(tx)
}

func (s *Store) commitOptions() boundary.Options {
	opts := boundaryOptions(s.cfg.Boundary)
	opts.MaxRetries = 1
	return opts
}
