package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genepulse/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewForTest(server.Client()), server.URL
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusNotFound, errors.ErrNotFound},
		{http.StatusTooManyRequests, errors.ErrRateLimited},
		{http.StatusInternalServerError, errors.ErrServerError},
		{http.StatusBadGateway, errors.ErrServerError},
		{http.StatusGatewayTimeout, errors.ErrTimeout},
		{http.StatusBadRequest, errors.ErrInvalidRequest},
		{http.StatusForbidden, errors.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.Get(context.Background(), url+"/gene?api_key=secret", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			assert.NotContains(t, err.Error(), "secret", "query strings are redacted")

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Get(context.Background(), url, nil)
	require.Error(t, err)

	var hinted interface{ RetryAfter() time.Duration }
	require.True(t, errors.As(err, &hinted))
	assert.Equal(t, 7*time.Second, hinted.RetryAfter())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 120*time.Second, parseRetryAfter("120", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	client := NewForTest(server.Client())
	client.opts.MaxBodyBytes = 32

	_, err := client.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	client.opts.MaxBodyBytes = 64
	body, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Len(t, body, 64)
}

func TestJSONHelpers(t *testing.T) {
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		if r.Method == http.MethodPost {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"data":{"gene":{"symbol":"TP53"}}}`))
			return
		}
		if r.URL.Path == "/bad" {
			_, _ = w.Write([]byte(`{"symbol":`))
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BRCA1"}`))
	})

	var got struct {
		Symbol string `json:"symbol"`
	}
	require.NoError(t, client.GetJSON(context.Background(), url+"/ok", &got))
	assert.Equal(t, "BRCA1", got.Symbol)

	err := client.GetJSON(context.Background(), url+"/bad", &got)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	var gql struct {
		Data struct {
			Gene struct {
				Symbol string `json:"symbol"`
			} `json:"gene"`
		} `json:"data"`
	}
	require.NoError(t, client.PostJSON(context.Background(), url, map[string]string{"query": "{ gene }"}, &gql))
	assert.Equal(t, "TP53", gql.Data.Gene.Symbol)
}

func TestDeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, url, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)
}

func TestCancelIsNotAProviderFailure(t *testing.T) {
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Get(ctx, url, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, errors.ErrTimeout))
}

func TestConnectionRefusedIsUnavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	client := NewForTest(&http.Client{})
	_, err = client.Get(context.Background(), "http://"+addr, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable), "got %v", err)
}

func TestValidateURL(t *testing.T) {
	client := New(DefaultOptions())

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{"https allowed", "https://rest.genenames.org/fetch/symbol/BRCA1", ""},
		{"http allowed", "http://example.com", ""},
		{"file scheme", "file:///etc/passwd", "scheme"},
		{"ftp scheme", "ftp://example.com", "scheme"},
		{"localhost", "http://localhost/admin", "localhost"},
		{"localhost subdomain", "http://api.localhost/", "localhost"},
		{"loopback ip", "http://127.0.0.1:8080/", "private IP"},
		{"rfc1918", "http://10.1.2.3/", "private IP"},
		{"metadata service", "http://169.254.169.254/latest/meta-data", "private IP"},
		{"ipv6 loopback", "http://[::1]/", "private IP"},
		{"userinfo", "http://evil.com@localhost/", "userinfo"},
		{"missing host", "http:///path", "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestBlockedRequestIsPermanent(t *testing.T) {
	client := New(DefaultOptions())
	_, err := client.Get(context.Background(), "http://127.0.0.1:1/", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.0.0.1", "172.16.5.4", "192.168.1.1", "127.0.0.1", "169.254.1.1", "0.0.0.0", "224.0.0.1", "::1", "fe80::1", "fd00::1", "2001:db8::1"}
	public := []string{"8.8.8.8", "130.14.29.110", "2606:4700:4700::1111"}

	for _, ip := range private {
		assert.True(t, isPrivateIP(net.ParseIP(ip)), ip)
	}
	for _, ip := range public {
		assert.False(t, isPrivateIP(net.ParseIP(ip)), ip)
	}
}

func TestRedirectToPrivateBlocked(t *testing.T) {
	client := New(DefaultOptions())
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	via := []*http.Request{req}

	target := httptest.NewRequest(http.MethodGet, "http://192.168.0.10/", nil)
	err := client.http.CheckRedirect(target, via)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")

	many := make([]*http.Request, defaultMaxRedirects)
	err = client.http.CheckRedirect(httptest.NewRequest(http.MethodGet, "http://example.com/", nil), many)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after")
}
