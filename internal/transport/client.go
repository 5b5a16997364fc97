// Package transport is the HTTP client shared by the remote search sinks.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"docingest/internal/config"
)

// Config describes one backend endpoint.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// APIKey is sent as "Authorization: ApiKey <key>" and wins over basic auth.
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client wraps a fasthttp client bound to one base URL.
type Client struct {
	http     *fasthttp.Client
	cfg      Config
	retryCfg config.RetryConfig
}

// Option customises a Client.
type Option func(*fasthttp.Client)

// WithDial replaces the dialer, mostly for in-memory listeners in tests.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *fasthttp.Client) { c.Dial = dial }
}

// New builds a client without touching the network.
func New(cfg Config, retryCfg config.RetryConfig, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if retryCfg.Attempts == 0 {
		retryCfg.Attempts = 3
	}
	if retryCfg.DelayMS == 0 {
		retryCfg.DelayMS = 1500
	}
	hc := &fasthttp.Client{
		Name:                      "docingest",
		MaxIdemponentCallAttempts: 1,
		ReadTimeout:               cfg.Timeout,
		WriteTimeout:              cfg.Timeout,
	}
	for _, o := range opts {
		o(hc)
	}
	return &Client{http: hc, cfg: cfg, retryCfg: retryCfg}
}

// Dial builds a client and checks that pingPath answers 2xx, retrying with
// the configured attempts and delay.
func Dial(ctx context.Context, cfg Config, retryCfg config.RetryConfig, pingPath string, opts ...Option) (*Client, error) {
	c := New(cfg, retryCfg, opts...)

	var err error
	for attempt := 1; attempt <= c.retryCfg.Attempts; attempt++ {
		err = c.Ping(ctx, pingPath)
		if err == nil {
			return c, nil
		}

		logrus.Warnf("backend ping failed (attempt %d/%d): %v", attempt, c.retryCfg.Attempts, err)

		// Don't wait after the final attempt
		if attempt < c.retryCfg.Attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(c.retryCfg.DelayMS) * time.Millisecond):
			}
		}
	}

	return nil, err
}

// Ping issues a GET against path and expects a 2xx.
func (c *Client) Ping(ctx context.Context, path string) error {
	resp, err := c.Do(ctx, fasthttp.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Status: resp.Status, Body: Truncate(string(resp.Body), 256)}
	}
	return nil
}

// Do performs one request. A transport failure is returned as an error; any
// HTTP status, including 5xx, comes back in the Response. When ctx ends first
// Do returns ctx.Err() and leaves the request to finish on its own deadline.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.URL(path))
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBodyRaw(body)
	}
	c.authorize(req)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	done := make(chan error, 1)
	go func() { done <- c.http.DoDeadline(req, resp, deadline) }()

	select {
	case <-ctx.Done():
		go func() {
			<-done
			release()
		}()
		return nil, ctx.Err()
	case err := <-done:
		defer release()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return &Response{
			Status: resp.StatusCode(),
			Body:   append([]byte(nil), resp.Body()...),
		}, nil
	}
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) authorize(req *fasthttp.Request) {
	switch {
	case c.cfg.APIKey != "":
		req.Header.Set(fasthttp.HeaderAuthorization, "ApiKey "+c.cfg.APIKey)
	case c.cfg.Username != "":
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		req.Header.Set(fasthttp.HeaderAuthorization, "Basic "+cred)
	}
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Truncate shortens s to n bytes for log and error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
