// Package errors provides structured error types for taskvault.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Code represents a unique error code.
type Code string

// Error codes for taskvault.
const (
	// Document errors
	CodeDocumentNotFound Code = "DOCUMENT_NOT_FOUND"
	CodeDocumentCorrupt  Code = "DOCUMENT_CORRUPT"
	CodeInvalidPath      Code = "INVALID_PATH"

	// I/O errors
	CodeTransientIO   Code = "TRANSIENT_IO"
	CodeDataDirLocked Code = "DATA_DIR_LOCKED"

	// Transaction errors
	CodeTransactionFailed       Code = "TRANSACTION_FAILED"
	CodeTransactionInvalidState Code = "TRANSACTION_INVALID_STATE"

	// Reliability errors
	CodeCircuitOpen          Code = "CIRCUIT_OPEN"
	CodeQueueOverflow        Code = "QUEUE_OVERFLOW"
	CodeQueueClosed          Code = "QUEUE_CLOSED"
	CodeTaskTimeout          Code = "TASK_TIMEOUT"
	CodeTaskPermanentFailure Code = "TASK_PERMANENT_FAILURE"
	CodeResourceInsufficient Code = "RESOURCE_INSUFFICIENT"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"

	CodeUnknown Code = "UNKNOWN"
)

// Category groups error codes by how callers should react to them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryIntegrity
	CategoryTransient
	CategoryUnavailable
	CategoryTimeout
)

// String returns the category name used in logs and results.
func (c Category) String() string {
	switch c {
	case CategoryNotFound:
		return "not_found"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryIntegrity:
		return "integrity"
	case CategoryTransient:
		return "transient"
	case CategoryUnavailable:
		return "unavailable"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeDocumentNotFound:        CategoryNotFound,
	CodeDocumentCorrupt:         CategoryIntegrity,
	CodeInvalidPath:             CategoryBadRequest,
	CodeTransientIO:             CategoryTransient,
	CodeDataDirLocked:           CategoryUnavailable,
	CodeTransactionFailed:       CategoryIntegrity,
	CodeTransactionInvalidState: CategoryBadRequest,
	CodeCircuitOpen:             CategoryUnavailable,
	CodeQueueOverflow:           CategoryUnavailable,
	CodeQueueClosed:             CategoryUnavailable,
	CodeTaskTimeout:             CategoryTimeout,
	CodeTaskPermanentFailure:    CategoryIntegrity,
	CodeResourceInsufficient:    CategoryUnavailable,
	CodeConfigInvalid:           CategoryBadRequest,
}

// Sentinels for errors.Is. StoreError.Is compares codes, so any error
// carrying the same code matches regardless of message or cause.
var (
	ErrNotFound                = &StoreError{Code: CodeDocumentNotFound, What: "document not found"}
	ErrCorruption              = &StoreError{Code: CodeDocumentCorrupt, What: "document is corrupt"}
	ErrTransientIO             = &StoreError{Code: CodeTransientIO, What: "transient I/O failure"}
	ErrTransactionFailure      = &StoreError{Code: CodeTransactionFailed, What: "transaction failed"}
	ErrInvalidTransactionState = &StoreError{Code: CodeTransactionInvalidState, What: "transaction is not open"}
	ErrCircuitOpen             = &StoreError{Code: CodeCircuitOpen, What: "circuit is open"}
	ErrQueueClosed             = &StoreError{Code: CodeQueueClosed, What: "task queue is closed"}
	ErrTaskTimeout             = &StoreError{Code: CodeTaskTimeout, What: "task timed out"}
	ErrResourceInsufficient    = &StoreError{Code: CodeResourceInsufficient, What: "insufficient resources"}
	ErrDataDirLocked           = &StoreError{Code: CodeDataDirLocked, What: "data directory is locked"}
)

// StoreError is the structured error type for taskvault.
type StoreError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Path  string `json:"path,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *StoreError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Path != "" {
		b.WriteString("\n\nPath: ")
		b.WriteString(e.Path)
	}
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *StoreError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Retryable reports whether the failure is expected to clear on its own.
func (e *StoreError) Retryable() bool {
	switch e.Category() {
	case CategoryTransient, CategoryTimeout:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (e *StoreError) MarshalJSON() ([]byte, error) {
	type alias StoreError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a StoreError with the same code.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *StoreError) WithCause(err error) *StoreError {
	c := *e
	c.Cause = err
	return &c
}

// WithPath returns a copy of the error annotated with a filesystem path.
func (e *StoreError) WithPath(path string) *StoreError {
	c := *e
	c.Path = path
	return &c
}

// --- Error constructors ---

// ErrDocumentNotFound returns an error for callers that require a document to exist.
func ErrDocumentNotFound(path string) *StoreError {
	return &StoreError{
		Code: CodeDocumentNotFound,
		What: "document not found",
		Path: path,
		Fix:  "Create the document first or check the project id and filename",
	}
}

// ErrDocumentCorrupt returns an error for a document whose bytes are not valid JSON.
func ErrDocumentCorrupt(path string, cause error) *StoreError {
	return &StoreError{
		Code:  CodeDocumentCorrupt,
		What:  "document is not valid JSON",
		Why:   "The file exists but could not be parsed; it was not silently replaced",
		Fix:   "Restore the file from an archive or rewrite it explicitly",
		Path:  path,
		Cause: cause,
	}
}

// ErrInvalidPath returns an error for identifiers that would escape the data directory.
func ErrInvalidPath(kind, value string) *StoreError {
	return &StoreError{
		Code: CodeInvalidPath,
		What: fmt.Sprintf("invalid %s %q", kind, value),
		Why:  "Identifiers must be non-empty and must not contain path separators or '..'",
	}
}

// ErrTransient returns an error for an I/O operation that kept failing after retries.
func ErrTransient(op, path string, attempts int, cause error) *StoreError {
	return &StoreError{
		Code:  CodeTransientIO,
		What:  fmt.Sprintf("%s failed after %d attempts", op, attempts),
		Why:   "The filesystem reported a lock, permission race, or space condition on every attempt",
		Path:  path,
		Cause: cause,
	}
}

// ErrTransactionFailed wraps the cause of a commit that was rolled back.
func ErrTransactionFailed(txID, target string, cause error) *StoreError {
	return &StoreError{
		Code:  CodeTransactionFailed,
		What:  fmt.Sprintf("transaction %s failed and was rolled back", txID),
		Why:   fmt.Sprintf("write to %s failed", target),
		Path:  target,
		Cause: cause,
	}
}

// ErrTransactionState returns an error for operations on a terminal transaction.
func ErrTransactionState(txID, status string) *StoreError {
	return &StoreError{
		Code: CodeTransactionInvalidState,
		What: fmt.Sprintf("transaction %s is %s", txID, status),
		Why:  "Only open transactions accept writes, commits, or rollbacks",
		Fix:  "Begin a new transaction",
	}
}

// ErrCircuitOpenFor returns an error for a call rejected by an open circuit.
func ErrCircuitOpenFor(name string) *StoreError {
	return &StoreError{
		Code: CodeCircuitOpen,
		What: fmt.Sprintf("circuit %q is open", name),
		Why:  "Too many recent failures; calls are rejected until the cool-down elapses",
	}
}

// ErrInsufficient returns an error for a reservation a pool cannot cover.
func ErrInsufficient(pool string, need, free, total int) *StoreError {
	return &StoreError{
		Code: CodeResourceInsufficient,
		What: fmt.Sprintf("insufficient %s resources", pool),
		Why:  fmt.Sprintf("need %d, %d of %d free", need, free, total),
		Fix:  "Wait for running work to finish or raise the pool size",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *StoreError {
	return &StoreError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check the config file and TASKVAULT_* environment variables",
	}
}

// AsStoreError attempts to convert an error to a StoreError.
// Returns nil if the error is not a StoreError.
func AsStoreError(err error) *StoreError {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of the first StoreError in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if se := AsStoreError(err); se != nil {
		return se.Code
	}
	return CodeUnknown
}

// Is is errors.Is, re-exported so callers importing this package under the
// name "errors" keep access to it.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New is errors.New.
func New(text string) error {
	return stderrors.New(text)
}

// Wrap wraps a generic error into a StoreError with unknown code.
func Wrap(err error, what string) *StoreError {
	return &StoreError{
		Code:  CodeUnknown,
		What:  what,
		Cause: err,
	}
}
