// Package system owns the node's listening sockets and server lifecycle.
package system

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/driftdb/drift/node/admin"
	"github.com/driftdb/drift/node/ratelimiting"
)

type SystemOptions struct {
	Logger *zap.Logger

	AdminImpl *admin.Server

	RateLimiter    ratelimiting.RateLimiter
	AdminTlsConfig *tls.Config
	Debug          bool
}

type System struct {
	logger *zap.Logger

	adminServer *http.Server
}

func NewSystem(opts *SystemOptions) (*System, error) {
	if opts.AdminImpl == nil {
		return nil, errors.New("must specify an admin implementation for the system")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowCredentials: true,
		Debug:            opts.Debug,
	})

	var httpHandler http.Handler = opts.AdminImpl.Router()
	if opts.RateLimiter != nil {
		httpHandler = opts.RateLimiter.HttpMiddleware(httpHandler)
	}
	httpHandler = c.Handler(httpHandler)

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		httpHandler = otelhttp.NewHandler(httpHandler, "driftnode")
	}

	adminSrv := &http.Server{
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      httpHandler,
		TLSConfig:    opts.AdminTlsConfig,
	}

	s := &System{
		logger:      opts.Logger,
		adminServer: adminSrv,
	}

	return s, nil
}

func (s *System) Serve(ctx context.Context, l *Listeners) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = s.adminServer.Close()
	}()

	if l.adminListener != nil {
		wg.Add(1)
		go func() {
			var err error
			if s.adminServer.TLSConfig != nil {
				err = s.adminServer.ServeTLS(l.adminListener, "", "")
			} else {
				err = s.adminServer.Serve(l.adminListener)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("admin server serve failed", zap.Error(err))
			}
			wg.Done()
		}()
	}

	wg.Wait()
	return nil
}

func (s *System) Shutdown() {
	var wg sync.WaitGroup

	if s.adminServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.adminServer.SetKeepAlivesEnabled(false)
			_ = s.adminServer.Shutdown(context.Background())
		}()
	}

	wg.Wait()
}
