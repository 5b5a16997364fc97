package transport_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"docingest/internal/config"
	"docingest/internal/transport"
	"docingest/internal/transport/transporttest"
)

func TestClient_Do(t *testing.T) {
	srv := transporttest.NewServer(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "POST", string(ctx.Method()))
		assert.Equal(t, "/solr/docs/update", string(ctx.Path()))
		assert.Equal(t, "application/json", string(ctx.Request.Header.ContentType()))
		assert.Equal(t, "Basic dXNlcjpwYXNz", string(ctx.Request.Header.Peek("Authorization")))
		assert.Equal(t, "yes", string(ctx.Request.Header.Peek("X-Extra")))
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(`{"ok":true}`)
	})

	c := transport.New(transport.Config{
		BaseURL:  transporttest.BaseURL + "/solr/",
		Username: "user",
		Password: "pass",
		Headers:  map[string]string{"X-Extra": "yes"},
	}, config.RetryConfig{}, srv.Dial())

	resp, err := c.Do(context.Background(), "POST", "/docs/update", "application/json", []byte(`[]`))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestClient_APIKeyWinsOverBasicAuth(t *testing.T) {
	srv := transporttest.NewServer(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "ApiKey secret", string(ctx.Request.Header.Peek("Authorization")))
	})
	c := transport.New(transport.Config{BaseURL: transporttest.BaseURL, Username: "u", APIKey: "secret"}, config.RetryConfig{}, srv.Dial())
	_, err := c.Do(context.Background(), "GET", "/", "", nil)
	require.NoError(t, err)
}

func TestDial_RetriesPing(t *testing.T) {
	var calls atomic.Int32
	srv := transporttest.NewServer(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	c, err := transport.Dial(context.Background(), transport.Config{BaseURL: transporttest.BaseURL},
		config.RetryConfig{Attempts: 3, DelayMS: 1}, "/health", srv.Dial())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDial_GivesUp(t *testing.T) {
	srv := transporttest.NewServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	})
	_, err := transport.Dial(context.Background(), transport.Config{BaseURL: transporttest.BaseURL},
		config.RetryConfig{Attempts: 2, DelayMS: 1}, "/health", srv.Dial())
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 401, se.Status)
}

func TestClient_DoHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := transporttest.NewServer(t, func(ctx *fasthttp.RequestCtx) {
		<-release
	})
	defer close(release)

	c := transport.New(transport.Config{BaseURL: transporttest.BaseURL, Timeout: 5 * time.Second}, config.RetryConfig{}, srv.Dial())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, "GET", "/slow", "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_URL(t *testing.T) {
	c := transport.New(transport.Config{BaseURL: "http://h:9200/"}, config.RetryConfig{})
	assert.Equal(t, "http://h:9200/_bulk", c.URL("/_bulk"))
	assert.Equal(t, "abc...", transport.Truncate("abcdef", 3))
}
