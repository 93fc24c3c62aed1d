package sources

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTimeout reports a storefront page fetch that exceeded its deadline.
type ErrTimeout struct {
	URL string
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("fetch %s timed out: %v", e.URL, e.Err)
}

func (e ErrTimeout) Unwrap() error { return e.Err }

// ErrConnection reports that the storefront could not be reached at all.
type ErrConnection struct {
	URL string
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.URL, e.Err)
}

func (e ErrConnection) Unwrap() error { return e.Err }

// ErrForbidden reports a storefront refusing the scrape (HTTP 403),
// usually bot detection.
type ErrForbidden struct {
	URL string
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Sprintf("storefront refused %s: %v", e.URL, e.Err)
}

func (e ErrForbidden) Unwrap() error { return e.Err }

// ErrNotFound reports a listing page that no longer exists (HTTP 404).
type ErrNotFound struct {
	URL string
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("page gone %s: %v", e.URL, e.Err)
}

func (e ErrNotFound) Unwrap() error { return e.Err }

// ErrRateLimited reports the storefront throttling the scrape (HTTP 429).
type ErrRateLimited struct {
	URL string
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited on %s: %v", e.URL, e.Err)
}

func (e ErrRateLimited) Unwrap() error { return e.Err }

// classifyError maps a raw fetch failure onto the taxonomy above so the
// breaker and the logs can tell a throttled storefront from a dead one.
// Unrecognized failures pass through unchanged.
func classifyError(pageURL string, err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{URL: pageURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{URL: pageURL, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{URL: pageURL, Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{URL: pageURL, Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{URL: pageURL, Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{URL: pageURL, Err: wrapped}
		}
	}

	return err
}

// errorTypeLabel is the log and metrics label for a classified error.
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var (
		timeout     ErrTimeout
		conn        ErrConnection
		forbidden   ErrForbidden
		notFound    ErrNotFound
		rateLimited ErrRateLimited
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &conn):
		return "connection"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &rateLimited):
		return "rate_limited"
	}
	return "other"
}
