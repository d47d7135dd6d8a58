// README: HTTP server wiring and graceful shutdown.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"barq/internal/infra"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/driver"
	"barq/internal/modules/order"
	"barq/internal/modules/route"
	"barq/internal/modules/traffic"
)

type ServerDeps struct {
	Orders   *order.Service
	Drivers  *driver.Service
	Dispatch *dispatch.Service
	Routes   *route.Service
	Traffic  *traffic.Service
	Breaker  *infra.Breaker
}

type Server struct {
	srv *http.Server
	log *logrus.Logger
}

func NewServer(addr string, deps ServerDeps, log *logrus.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps, log),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.WithField("addr", s.srv.Addr).Info("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
