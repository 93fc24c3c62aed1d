package sources

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	const page = "http://toyplanet.test/catalog?page=3"

	tests := []struct {
		name      string
		err       error
		status    int
		wantLabel string
	}{
		{"deadline", context.DeadlineExceeded, 0, "timeout"},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, 0, "connection"},
		{"forbidden", errors.New("Forbidden"), 403, "forbidden"},
		{"not found", nil, 404, "not_found"},
		{"throttled", errors.New("Too Many Requests"), 429, "rate_limited"},
		{"plain server error", errors.New("Internal Server Error"), 500, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(page, tt.err, tt.status)
			if got == nil {
				t.Fatal("classifyError returned nil for a failure")
			}
			if label := errorTypeLabel(got); label != tt.wantLabel {
				t.Fatalf("errorTypeLabel = %q, want %q", label, tt.wantLabel)
			}
		})
	}
}

func TestClassifiedErrorsCarryPage(t *testing.T) {
	const page = "http://toyplanet.test/figura-skeletor"

	err := classifyError(page, nil, 403)
	if !strings.Contains(err.Error(), page) {
		t.Fatalf("error %q should name the failing page", err)
	}

	var forbidden ErrForbidden
	if !errors.As(err, &forbidden) || forbidden.URL != page {
		t.Fatalf("err = %#v, want ErrForbidden for %s", err, page)
	}
	if forbidden.Unwrap() == nil {
		t.Fatal("classified 403 should wrap a cause even without a transport error")
	}
}

func TestClassifyErrorNilInputs(t *testing.T) {
	if got := classifyError("http://toyplanet.test/", nil, 0); got != nil {
		t.Fatalf("classifyError(nil, 0) = %v, want nil", got)
	}
}
