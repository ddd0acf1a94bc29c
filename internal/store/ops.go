package store

import (
	"context"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/randalmurphal/taskvault/internal/allocator"
	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/cache"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/lock"
	"github.com/randalmurphal/taskvault/internal/queue"
	"github.com/randalmurphal/taskvault/internal/txn"
)

// ErrorEntry is one line of the persisted error log.
type ErrorEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Error     string         `json:"error"`
	Code      verrors.Code   `json:"code,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// LogError appends a JSON line to <root>/error.log. It never fails; write
// problems are reported to the process logger instead.
func (s *Store) LogError(operation string, err error, fields map[string]any) {
	if err == nil {
		return
	}
	entry := ErrorEntry{
		Timestamp: s.clock.Now().UTC(),
		Operation: operation,
		Error:     err.Error(),
		Code:      verrors.CodeOf(err),
		Context:   fields,
	}
	line, mErr := json.Marshal(entry)
	if mErr != nil {
		entry.Context = nil
		line, mErr = json.Marshal(entry)
		if mErr != nil {
			s.logger.Error("encode error log entry", "operation", operation, "error", mErr)
			return
		}
	}
	line = append(line, '\n')

	s.errMu.Lock()
	defer s.errMu.Unlock()

	f, oErr := s.fs.OpenFile(s.ErrorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if oErr != nil {
		s.logger.Error("open error log", "path", s.ErrorLogPath(), "error", oErr)
		return
	}
	defer f.Close()
	if _, wErr := f.Write(line); wErr != nil {
		s.logger.Error("append error log", "path", s.ErrorLogPath(), "error", wErr)
	}
}

// QueueTask submits background work. It reports whether the task was
// accepted; an invalid task or a closed queue returns an error.
func (s *Store) QueueTask(task queue.Task) (bool, error) {
	return s.queue.Enqueue(task)
}

// WithErrorBoundary runs fn under the named boundary. Options apply only
// when the boundary is first created; without them the configured defaults
// are used.
func (s *Store) WithErrorBoundary(ctx context.Context, name string, fn func(context.Context) error, opts ...boundary.Options) error {
	return s.boundary(name, opts).Execute(ctx, fn)
}

func (s *Store) boundary(name string, opts []boundary.Options) *boundary.Boundary {
	if len(opts) == 0 {
		return s.boundaries.Get(name)
	}
	return s.boundaries.GetWith(name, opts[0])
}

// Guard runs fn under the named boundary of s and returns its value.
func Guard[T any](ctx context.Context, s *Store, name string, fn func(context.Context) (T, error), opts ...boundary.Options) (T, error) {
	return boundary.Do(ctx, s.boundary(name, opts), fn, nil)
}

// Result turns an operation outcome into the structured result returned
// across the outer API boundary. Failures are also appended to the error
// log.
func (s *Store) Result(operation string, data any, err error, fields map[string]any) verrors.Result {
	if err != nil {
		s.LogError(operation, err, fields)
	}
	return verrors.ResultOf(data, err, fields)
}

// Status is a snapshot of every component.
type Status struct {
	DataDir      string            `json:"data_dir"`
	Lock         *lock.Lock        `json:"lock,omitempty"`
	Queue        queue.Metrics     `json:"queue"`
	Pending      []queue.Info      `json:"pending"`
	Boundaries   []boundary.Status `json:"boundaries"`
	Allocator    allocator.Status  `json:"allocator"`
	Cache        cache.Stats       `json:"cache"`
	Transactions txn.Stats         `json:"transactions"`
}

// Status gathers the current state of the store.
func (s *Store) Status() Status {
	holder, err := s.lock.Holder()
	if err != nil {
		s.logger.Warn("read lock holder", "error", err)
	}
	return Status{
		DataDir:      s.root,
		Lock:         holder,
		Queue:        s.queue.Metrics(),
		Pending:      s.queue.Pending(),
		Boundaries:   s.boundaries.Statuses(),
		Allocator:    s.alloc.Status(),
		Cache:        s.cache.Stats(),
		Transactions: s.txns.Stats(),
	}
}
