package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	ferrors "fanrelay/internal/errors"
)

// Server exposes a Collector over HTTP: Prometheus text format on
// /metrics and the JSON snapshot on /stats.
type Server struct {
	Addr      string
	Collector *Collector
	Logger    zerolog.Logger

	// ShutdownTimeout bounds graceful shutdown (default 5s).
	ShutdownTimeout time.Duration
}

// Handler builds the HTTP handler without binding a socket.
func (s *Server) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewPrometheusCollector(s.Collector),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.Logger},
	}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.Collector.JSON()))
	})
	return mux
}

// Serve listens on Addr and serves until ctx is cancelled.  A bind
// failure is returned as a listen NetworkError.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return ferrors.Wrap(ferrors.OpListen, s.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	return nil
}

// promLogger adapts zerolog to promhttp's Println-style error log.
type promLogger struct{ l zerolog.Logger }

func (p promLogger) Println(v ...interface{}) {
	p.l.Error().Msg("prometheus: " + fmt.Sprint(v...))
}
