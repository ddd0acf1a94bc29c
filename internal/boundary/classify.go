package boundary

import (
	"context"
	"errors"
	"strings"
	"syscall"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
)

// Category is the failure class assigned to an error seen by a boundary.
type Category string

const (
	CategoryMethodNotFound     Category = "method_not_found"
	CategoryTimeout            Category = "timeout"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryNetwork            Category = "network_error"
	CategoryValidation         Category = "validation"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryMethodNotFound,
	CategoryTimeout,
	CategoryResourceExhaustion,
	CategoryNetwork,
	CategoryValidation,
	CategoryUnknown,
}

// Critical reports whether failures of this category indicate a problem
// retries cannot fix.
func (c Category) Critical() bool {
	return c == CategoryMethodNotFound || c == CategoryResourceExhaustion
}

var categoryPatterns = []struct {
	category Category
	patterns []string
}{
	{CategoryMethodNotFound, []string{
		"method not found",
		"no such method",
		"unknown method",
		"not a function",
		"not implemented",
		"unknown task type",
	}},
	{CategoryTimeout, []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}},
	{CategoryResourceExhaustion, []string{
		"no space left",
		"out of memory",
		"too many open files",
		"resource exhausted",
		"quota exceeded",
		"insufficient resources",
	}},
	{CategoryNetwork, []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network",
		"no such host",
		"dial ",
	}},
	{CategoryValidation, []string{
		"invalid",
		"validation",
		"required",
		"malformed",
		"unexpected end of json",
	}},
}

// Classify assigns err to a Category, checking typed errors first and
// falling back to message patterns.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, verrors.ErrTaskTimeout):
		return CategoryTimeout
	case errors.Is(err, verrors.ErrResourceInsufficient),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EMFILE):
		return CategoryResourceExhaustion
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return CategoryNetwork
	case errors.Is(err, verrors.ErrCorruption):
		return CategoryValidation
	}

	msg := strings.ToLower(err.Error())
	for _, group := range categoryPatterns {
		for _, pattern := range group.patterns {
			if strings.Contains(msg, pattern) {
				return group.category
			}
		}
	}
	return CategoryUnknown
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the boundary stops retrying after the first
// failure. The failure still counts toward the circuit threshold.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
