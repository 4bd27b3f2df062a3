package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrNodeExecution, "executor failed").
		WithCause(root).
		WithHTTPStatus(500).
		WithRetryable(true).
		WithNodeID("llm_1")

	if GetErrorCode(err) != ErrNodeExecution {
		t.Fatalf("expected code %s, got %s", ErrNodeExecution, GetErrorCode(err))
	}
	if GetNodeID(err) != "llm_1" {
		t.Fatalf("expected node id llm_1, got %s", GetNodeID(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); !strings.Contains(got, `node "llm_1"`) {
		t.Fatalf("expected error string to name the node, got %q", got)
	}
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrNoBranchMatched, "no condition matched")
	wrapped := fmt.Errorf("step 3: %w", inner)

	if GetErrorCode(wrapped) != ErrNoBranchMatched {
		t.Fatalf("expected code to survive wrapping, got %s", GetErrorCode(wrapped))
	}
}

func TestAsError(t *testing.T) {
	t.Parallel()

	if AsError(nil, ErrInternalError) != nil {
		t.Fatalf("expected nil for nil error")
	}

	plain := errors.New("boom")
	e := AsError(plain, ErrInternalError)
	if e.Code != ErrInternalError {
		t.Fatalf("expected fallback code, got %s", e.Code)
	}
	if !errors.Is(e, plain) {
		t.Fatalf("expected cause preserved")
	}

	structured := NewError(ErrStepLimitExceeded, "too many steps")
	if AsError(structured, ErrInternalError) != structured {
		t.Fatalf("expected structured error passed through")
	}
}
