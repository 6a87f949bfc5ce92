package metric

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/pitwall/errors"
)

// Server is the node's HTTP server. It always serves the Prometheus handler
// at its metrics path; other routes are mounted with Handle before Start.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	mux      *http.ServeMux
	tlsConf  *tls.Config

	mu       sync.Mutex // protects server and listener
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server listening on addr (for example ":9090").
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		mux:      http.NewServeMux(),
	}
}

// Handler returns the Prometheus exposition handler for the registry.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Handle mounts an additional route. Patterns follow http.ServeMux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetTLSConfig makes Start serve HTTPS. It must be called before Start.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConf = cfg
}

// Start binds the listener and serves in the background. The bound address
// is available from Address once Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}
	if s.registry == nil {
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	s.mux.Handle(s.path, s.registry.Handler())

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(s.server)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	s.mux = http.NewServeMux()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the base URL of the running server, or the configured
// address if it has not been started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	scheme := "http://"
	if s.tlsConf != nil {
		scheme = "https://"
	}
	if s.listener != nil {
		return scheme + s.listener.Addr().String()
	}
	return scheme + s.addr
}
