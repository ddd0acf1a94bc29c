// Package filestore provides atomic single-file read/write primitives for
// JSON documents.
//
// Writes go through a temp-file-then-rename so a document is never observed
// half written. Transient OS failures (locked files, permission races, full
// disks) are retried with bounded exponential backoff before surfacing as a
// TRANSIENT_IO error. Reads distinguish an absent document (nil, nil) from a
// present but unparseable one (DOCUMENT_CORRUPT).
package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/afero"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/util"
)

// Default retry and permission settings.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultFileMode    = os.FileMode(0644)
	DefaultDirMode     = os.FileMode(0755)
)

// RetryPolicy bounds the retry loop around transient I/O failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// delay returns the backoff before the given retry (attempt is 1-based and
// refers to the attempt that just failed).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Store reads and writes JSON documents on an afero filesystem.
// It is safe for concurrent use; it holds no mutable state of its own.
type Store struct {
	fs       afero.Fs
	logger   *slog.Logger
	retry    RetryPolicy
	fileMode os.FileMode
	dirMode  os.FileMode
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) {
		if p.MaxAttempts > 0 {
			s.retry.MaxAttempts = p.MaxAttempts
		}
		if p.BaseDelay > 0 {
			s.retry.BaseDelay = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			s.retry.MaxDelay = p.MaxDelay
		}
	}
}

// WithModes sets the permissions for created files and directories.
func WithModes(file, dir os.FileMode) Option {
	return func(s *Store) {
		if file != 0 {
			s.fileMode = file
		}
		if dir != 0 {
			s.dirMode = dir
		}
	}
}

// New creates a Store over fsys. A nil fsys means the OS filesystem.
func New(fsys afero.Fs, opts ...Option) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	s := &Store{
		fs:     fsys,
		logger: slog.Default(),
		retry: RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		fileMode: DefaultFileMode,
		dirMode:  DefaultDirMode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Write atomically replaces path with data. The parent directory is created
// if needed. Transient failures are retried; once the policy is exhausted a
// TRANSIENT_IO error carrying the last underlying error is returned.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	if err := s.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return s.withRetry(ctx, "write", path, func() error {
		return util.AtomicWriteFile(s.fs, path, data, s.fileMode)
	})
}

// WriteJSON marshals v and writes it atomically.
func (s *Store) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return s.Write(ctx, path, data)
}

// Read returns the JSON bytes stored at path. It returns (nil, nil) when the
// document does not exist and a DOCUMENT_CORRUPT error when the bytes are not
// valid JSON. Corrupt documents are never defaulted.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	data, found, err := s.ReadRaw(ctx, path)
	if err != nil || !found {
		return nil, err
	}
	if err := validate(data); err != nil {
		return nil, verrors.ErrDocumentCorrupt(path, err)
	}
	return data, nil
}

// ReadInto decodes the document at path into v. found is false when the
// document is absent, in which case v is untouched.
func (s *Store) ReadInto(ctx context.Context, path string, v any) (found bool, err error) {
	data, err := s.Read(ctx, path)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, verrors.ErrDocumentCorrupt(path, err)
	}
	return true, nil
}

// ReadRaw returns the bytes at path without validating them. found is false
// when the file does not exist.
func (s *Store) ReadRaw(ctx context.Context, path string) (data []byte, found bool, err error) {
	err = s.withRetry(ctx, "read", path, func() error {
		var readErr error
		data, readErr = afero.ReadFile(s.fs, path)
		if os.IsNotExist(readErr) {
			data, found = nil, false
			return nil
		}
		found = readErr == nil
		return readErr
	})
	if err != nil {
		return nil, false, err
	}
	if found && data == nil {
		data = []byte{}
	}
	return data, found, nil
}

// Remove deletes path. A missing file is not an error.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.withRetry(ctx, "remove", path, func() error {
		err := s.fs.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	return afero.Exists(s.fs, path)
}

// EnsureDir creates path and any missing parents. It is idempotent.
func (s *Store) EnsureDir(path string) error {
	if err := s.fs.MkdirAll(path, s.dirMode); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// validate checks that data is a complete JSON value.
func validate(data []byte) error {
	if json.Valid(data) {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return fmt.Errorf("invalid JSON (%d bytes)", len(data))
}

// withRetry runs op until it succeeds, fails with a non-transient error, or
// the retry policy is exhausted.
func (s *Store) withRetry(ctx context.Context, opName, path string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return fmt.Errorf("%s %s: %w", opName, path, lastErr)
		}
		if attempt == s.retry.MaxAttempts {
			break
		}

		backoff := s.retry.delay(attempt)
		s.logger.Warn("transient filesystem error, retrying",
			"op", opName,
			"path", path,
			"attempt", attempt,
			"max_attempts", s.retry.MaxAttempts,
			"backoff", backoff,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", opName, path, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return verrors.ErrTransient(opName, path, s.retry.MaxAttempts, lastErr)
}
