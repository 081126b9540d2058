package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind     Kind
		forAgent bool
		want     int
	}{
		{InvariantViolation, true, 503},
		{InvariantViolation, false, 422},
		{QuotaOrValidation, true, 400},
		{QuotaOrValidation, false, 400},
		{ConflictExpected, true, 409},
		{UpstreamUnavailable, true, 503},
		{NonceReused, true, 200},
		{OrderExpired, false, 200},
		{SignatureInvalid, true, 500},
		{Kind("unknown"), true, 500},
	}
	for _, c := range cases {
		got := HTTPStatus(c.kind, c.forAgent)
		if got != c.want {
			t.Errorf("HTTPStatus(%s, forAgent=%v) = %d, want %d", c.kind, c.forAgent, got, c.want)
		}
	}
}

func TestAsExtractsKindThroughWrapChain(t *testing.T) {
	base := Wrap(UpstreamUnavailable, "dial database", errors.New("connection refused"))
	wrapped := fmt.Errorf("open pool: %w", base)

	kind, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to find the wrapped errkind.Error")
	}
	if kind != UpstreamUnavailable {
		t.Fatalf("got kind %s, want %s", kind, UpstreamUnavailable)
	}
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("expected As to return false for a non-errkind error")
	}
}

func TestErrorStringIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(InvariantViolation, "chain broken", cause)
	got := err.Error()
	if got == "" {
		t.Fatal("expected non-empty error string")
	}
	if !errors.Is(err.Unwrap(), cause) && err.Unwrap() != cause {
		t.Fatal("expected Unwrap to return the original cause")
	}
}

func TestNewHasNilCause(t *testing.T) {
	err := New(QuotaOrValidation, "bad input")
	if err.Unwrap() != nil {
		t.Fatal("expected New to produce an error with no wrapped cause")
	}
}
