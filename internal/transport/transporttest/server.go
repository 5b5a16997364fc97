// Package transporttest runs fasthttp handlers on an in-memory listener for
// tests of the remote sinks.
package transporttest

import (
	"net"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"docingest/internal/transport"
)

// BaseURL is the URL clients should use against a Server.
const BaseURL = "http://backend.test"

// Server is an in-memory fasthttp server.
type Server struct {
	ln *fasthttputil.InmemoryListener
}

// NewServer starts serving h until the test ends.
func NewServer(t testing.TB, h fasthttp.RequestHandler) *Server {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return &Server{ln: ln}
}

// Dial routes a transport.Client to this server.
func (s *Server) Dial() transport.Option {
	return transport.WithDial(func(string) (net.Conn, error) { return s.ln.Dial() })
}
