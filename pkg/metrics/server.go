package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes a Metrics registry over HTTP: /metrics for Prometheus
// scraping and /health for a liveness probe. It owns no state beyond
// the http.Server itself, so a process can run one per pipeline
// instance without interference.
type Server struct {
	server *http.Server
	log    *logrus.Logger
}

// NewServer builds a Server bound to addr (a bare port, e.g. "9090",
// or a host:port pair). The server is not started until StartAsync is
// called.
func NewServer(addr string, m *Metrics, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if addr != "" && addr[0] != ':' {
		addr = ":" + addr
	}

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    logger,
	}
}

// StartAsync runs the HTTP server in a background goroutine. Bind or
// listen errors are logged rather than returned, matching the
// fire-and-forget lifecycle callers use: check reachability via a
// request to /health instead.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.WithError(err).Error("metrics server stopped unexpectedly")
			}
		}
	}()
}

// Stop gracefully shuts the server down, waiting for in-flight scrapes
// to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// WaitForReady blocks until the server responds on /health or ctx is
// done, whichever comes first. Useful in tests that need the listener
// bound before issuing requests.
func WaitForReady(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
