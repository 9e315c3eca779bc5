package errs

import (
	"context"
	"fmt"
	"testing"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("downloading set2: %w", ErrNetworkUnavailable), "NetworkUnavailable"},
		{fmt.Errorf("%w: bad tree", ErrArchiveCorrupt), "ArchiveCorrupt"},
		{fmt.Errorf("%w: not a zip", ErrPayloadInvalid), "PayloadInvalid"},
		{fmt.Errorf("stage: %w", context.Canceled), "Cancelled"},
		{ErrCancelled, "Cancelled"},
		{fmt.Errorf("boom"), "Failed"},
		{nil, ""},
	}

	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsTargetWide(t *testing.T) {
	if !IsTargetWide(fmt.Errorf("write: %w", ErrDiskFull)) {
		t.Fatal("expected disk full to be target-wide")
	}
	if IsTargetWide(fmt.Errorf("fetch: %w", ErrNetworkUnavailable)) {
		t.Fatal("expected network failure to be per-item")
	}
	if IsTargetWide(fmt.Errorf("set1: %w", ErrPayloadInvalid)) {
		t.Fatal("expected invalid payload to be per-item")
	}
}
