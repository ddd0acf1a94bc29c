// Package txn groups document writes into atomic, rollback-capable units.
//
// A Transaction collects staged writes; nothing touches the filesystem until
// Commit, which applies the writes in declaration order. If any write fails,
// every write already applied in that commit is compensated from the backup
// captured when its target was first staged, and the caller receives a
// TRANSACTION_FAILED error wrapping the original cause. Cache invalidation
// happens only after the writes it covers are confirmed on disk.
//
// Two transactions touching the same target are not serialized: the last
// commit to finish wins.
package txn

import (
	"bytes"
	"sync"
	"time"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusOpen       Status = "open"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledback"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Write is one staged document write.
type Write struct {
	Target  string
	Payload []byte
}

// backup is the on-disk state of a target before the transaction touched it.
type backup struct {
	data     []byte
	existed  bool
	checksum uint64
}

// Transaction is an ordered set of pending writes. It is created by
// Manager.Begin and becomes terminal exactly once.
type Transaction struct {
	mu        sync.Mutex
	id        string
	topic     string
	status    Status
	writes    []Write
	backups   map[string]*backup
	createdAt time.Time
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() string {
	return t.id
}

// Topic returns the topic (usually a project ID) events are published under.
func (t *Transaction) Topic() string {
	return t.topic
}

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// CreatedAt returns when the transaction began.
func (t *Transaction) CreatedAt() time.Time {
	return t.createdAt
}

// Len returns the number of staged writes.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// Targets returns the distinct targets in first-staged order.
func (t *Transaction) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetsLocked(len(t.writes))
}

// Writes returns a copy of the staged writes in declaration order.
func (t *Transaction) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Write, len(t.writes))
	for i, w := range t.writes {
		out[i] = Write{Target: w.Target, Payload: bytes.Clone(w.Payload)}
	}
	return out
}

// targetsLocked returns the distinct targets among the first n writes.
// Must be called with t.mu held.
func (t *Transaction) targetsLocked(n int) []string {
	seen := make(map[string]bool, n)
	var out []string
	for _, w := range t.writes[:n] {
		if !seen[w.Target] {
			seen[w.Target] = true
			out = append(out, w.Target)
		}
	}
	return out
}
