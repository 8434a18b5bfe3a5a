package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/genepulse/errors"
)

// maxErrorBody is how much of a failed response is kept in the error
const maxErrorBody = 256

// StatusError is a non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := e.Method + " " + e.URL + ": HTTP " + strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// RetryAfter returns the provider's Retry-After hint, zero if none was sent
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

func statusError(req *http.Request, resp *http.Response, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody] + "..."
	}

	se := &StatusError{
		Method:     req.Method,
		URL:        redact(req.URL),
		StatusCode: resp.StatusCode,
		Body:       snippet,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return errors.Mark(se, errors.ErrRateLimited)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errors.Mark(se, errors.ErrNotFound)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errors.Mark(se, errors.ErrTimeout)
	case code >= 500:
		return errors.Mark(se, errors.ErrServerError)
	default:
		return errors.Mark(se, errors.ErrInvalidRequest)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// transportError marks a failed round trip by cause
func transportError(ctx context.Context, req *http.Request, err error) error {
	wrapped := errors.Wrapf(err, "%s %s", req.Method, redact(req.URL))

	// A cancelled run is not a provider failure
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrap(ctx.Err(), wrapped.Error())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(wrapped, errors.ErrTimeout)
	}
	if errors.Is(err, errors.ErrInvalidRequest) {
		return wrapped
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Mark(wrapped, errors.ErrTimeout)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return errors.Mark(wrapped, errors.ErrServiceUnavailable)
	}
	return wrapped
}

// redact drops query parameters, which may carry api keys
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	if c.RawQuery != "" {
		c.RawQuery = "..."
	}
	c.User = nil
	return c.String()
}
