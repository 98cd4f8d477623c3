package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonReasoningFailed)
	if Reason(err) != ReasonReasoningFailed {
		t.Fatalf("expected reason %s, got %s", ReasonReasoningFailed, Reason(err))
	}
	if !HasReason(err, ReasonReasoningFailed) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonTenantStore)
	second := Wrap(first, ReasonTenantNotFound)
	if Reason(second) != ReasonTenantStore {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("lookup: %w", Wrap(assertErr{}, ReasonTransfer))
	if Reason(err) != ReasonTransfer {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestReasonNil(t *testing.T) {
	if Wrap(nil, ReasonTransfer) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

func TestErrorfKeepsCause(t *testing.T) {
	cause := assertErr{}
	err := Errorf(ReasonTransfer, "update call %s: %w", "CA1", cause)
	if err.Error() != "update call CA1: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) || Reason(err) != ReasonTransfer {
		t.Fatalf("expected cause and reason, got %v", Reason(err))
	}
	if attr := Attr(err); attr.Key != "reason_code" || attr.Value.String() != string(ReasonTransfer) {
		t.Fatalf("unexpected attr %v", attr)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
