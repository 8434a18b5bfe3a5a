// Package httpclient is the HTTP client provider adapters call through.
//
// It refuses private and localhost targets (SSRF protection), caps response
// bodies, and turns transport outcomes into errors marked with the genepulse
// sentinels so the retry and breaker layers can classify them.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/teranos/genepulse/errors"
)

const (
	// DefaultMaxBodyBytes caps a provider response
	DefaultMaxBodyBytes = 32 << 20

	// DefaultUserAgent identifies the pipeline to providers
	DefaultUserAgent = "genepulse/1 (+https://github.com/teranos/genepulse)"

	defaultMaxRedirects = 10
)

// Options configures a Client
type Options struct {
	// Timeout bounds a whole request including the body read. Per-call
	// deadlines normally come from the context instead.
	Timeout        time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	AllowedSchemes []string
	MaxRedirects   int
	BlockPrivateIP bool
	// Header is sent with every request (e.g. api-key headers)
	Header http.Header
}

// DefaultOptions blocks private addresses and caps bodies at DefaultMaxBodyBytes
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes:   DefaultMaxBodyBytes,
		UserAgent:      DefaultUserAgent,
		AllowedSchemes: []string{"http", "https"},
		MaxRedirects:   defaultMaxRedirects,
		BlockPrivateIP: true,
	}
}

// Client issues provider requests
type Client struct {
	http *http.Client
	opts Options
}

// New creates a client with SSRF protection according to opts
func New(opts Options) *Client {
	d := DefaultOptions()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = d.MaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = d.UserAgent
	}
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = d.AllowedSchemes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = d.MaxRedirects
	}

	c := &Client{opts: opts}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           newDialer().DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.BlockPrivateIP {
		transport.DialContext = guardedDialContext(newDialer())
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
			}
			if err := c.validateURL(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
	return c
}

// NewForTest returns a client that may call httptest servers on localhost
func NewForTest(client *http.Client) *Client {
	opts := DefaultOptions()
	opts.BlockPrivateIP = false
	c := &Client{http: client, opts: opts}
	return c
}

// Do sends req and returns the response body of a 2xx response.
// Every other outcome is an error marked with a genepulse sentinel.
func (c *Client) Do(req *http.Request) ([]byte, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "request blocked by SSRF protection"), errors.ErrInvalidRequest)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), req, err)
	}
	defer resp.Body.Close()

	body, err := c.readBody(req, resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(req, resp, body)
	}
	return body, nil
}

func (c *Client) readBody(req *http.Request, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, transportError(req.Context(), req, err)
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return nil, errors.Mark(
			errors.Newf("%s %s: response body exceeds %d bytes", req.Method, redact(req.URL), c.opts.MaxBodyBytes),
			errors.ErrValidation,
		)
	}
	return body, nil
}

// Get fetches url and returns the body
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build request"), errors.ErrInvalidRequest)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	return c.Do(req)
}

// GetJSON fetches url and decodes the JSON body into out
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.Get(ctx, url, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return err
	}
	return decodeJSON(body, url, out)
}

// PostJSON sends in as a JSON body and decodes the JSON response into out
func (c *Client) PostJSON(ctx context.Context, url string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "build request"), errors.ErrInvalidRequest)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.Do(req)
	if err != nil {
		return err
	}
	return decodeJSON(body, url, out)
}

func decodeJSON(body []byte, url string, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode response from %s", url), errors.ErrValidation)
	}
	return nil
}
