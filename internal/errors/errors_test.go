package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestStoreErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *StoreError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &StoreError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &StoreError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "with path and fix",
			err: &StoreError{
				What: "something broke",
				Path: "/data/x.json",
				Fix:  "try again",
			},
			wantErr:  "something broke (/data/x.json)",
			wantUser: "Error: something broke\n\nPath: /data/x.json\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &StoreError{
				What:  "something broke",
				Cause: stderrors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestStoreErrorJSON(t *testing.T) {
	err := ErrDocumentCorrupt("/data/projects/p1/tasks.json", stderrors.New("unexpected end of JSON input"))

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeDocumentCorrupt) {
		t.Errorf("code = %v, want %v", result["code"], CodeDocumentCorrupt)
	}
	if result["path"] != "/data/projects/p1/tasks.json" {
		t.Errorf("path = %v", result["path"])
	}
	if result["cause"] != "unexpected end of JSON input" {
		t.Errorf("cause = %v", result["cause"])
	}
}

func TestSentinelsMatchByCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"corrupt", ErrDocumentCorrupt("a.json", nil), ErrCorruption},
		{"transient", ErrTransient("write", "a.json", 3, stderrors.New("EBUSY")), ErrTransientIO},
		{"tx failed", ErrTransactionFailed("tx-1", "a.json", stderrors.New("disk full")), ErrTransactionFailure},
		{"tx state", ErrTransactionState("tx-1", "committed"), ErrInvalidTransactionState},
		{"circuit", ErrCircuitOpenFor("filestore"), ErrCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !Is(wrapped, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.target)
			}
			if Is(wrapped, ErrNotFound) {
				t.Errorf("%v should not match ErrNotFound", wrapped)
			}
		})
	}
}

func TestCorruptionIsDistinctFromNotFound(t *testing.T) {
	corrupt := ErrDocumentCorrupt("a.json", nil)
	missing := ErrDocumentNotFound("a.json")

	if Is(corrupt, ErrNotFound) || Is(missing, ErrCorruption) {
		t.Fatal("corruption and not-found must not match each other")
	}
	if corrupt.Category() != CategoryIntegrity {
		t.Errorf("corrupt category = %v, want integrity", corrupt.Category())
	}
	if missing.Category() != CategoryNotFound {
		t.Errorf("missing category = %v, want not_found", missing.Category())
	}
}

func TestRetryable(t *testing.T) {
	if !ErrTransient("write", "a", 3, nil).Retryable() {
		t.Error("transient errors should be retryable")
	}
	if ErrDocumentCorrupt("a", nil).Retryable() {
		t.Error("corruption must never be retryable")
	}
	if ErrTransactionFailed("tx", "a", nil).Retryable() {
		t.Error("transaction failures must never be retryable")
	}
}

func TestUnwrapAndCodeOf(t *testing.T) {
	cause := stderrors.New("EACCES")
	err := fmt.Errorf("commit: %w", ErrTransactionFailed("tx-9", "b.json", cause))

	if !stderrors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if got := CodeOf(err); got != CodeTransactionFailed {
		t.Errorf("CodeOf = %v, want %v", got, CodeTransactionFailed)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %v, want UNKNOWN", got)
	}
	if AsStoreError(nil) != nil {
		t.Error("AsStoreError(nil) should be nil")
	}
}

func TestWithCauseAndPathCopy(t *testing.T) {
	base := ErrCircuitOpenFor("queue")
	withCause := base.WithCause(stderrors.New("boom"))
	withPath := base.WithPath("/tmp/x")

	if base.Cause != nil || base.Path != "" {
		t.Error("WithCause/WithPath must not mutate the receiver")
	}
	if withCause.Cause == nil || withPath.Path != "/tmp/x" {
		t.Error("copies should carry the new values")
	}
}

func TestResultOf(t *testing.T) {
	ok := ResultOf(map[string]int{"a": 1}, nil, nil)
	if !ok.Success || ok.Error != "" {
		t.Errorf("success result = %+v", ok)
	}

	failed := ResultOf(nil, ErrDocumentCorrupt("/d/p/a.json", nil), map[string]any{"project_id": "p"})
	if failed.Success {
		t.Fatal("failed result should not be successful")
	}
	if failed.Code != CodeDocumentCorrupt {
		t.Errorf("code = %v", failed.Code)
	}
	if failed.Context["path"] != "/d/p/a.json" || failed.Context["project_id"] != "p" {
		t.Errorf("context = %v", failed.Context)
	}
}
