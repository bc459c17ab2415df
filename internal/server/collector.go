// Package server assembles the collector: storage, authentication, the live
// feed and the HTTPS listener.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pushwatch/internal/config"
	"pushwatch/internal/controllers"
	"pushwatch/internal/middleware"
	"pushwatch/internal/routes"
	"pushwatch/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

const feedPollInterval = time.Second

// Collector owns everything behind the collector's HTTP surface.
type Collector struct {
	cfg    config.CollectorConfig
	store  *services.RecordStore
	auth   *services.TokenAuthenticator
	feed   *services.RecordFeed
	router *gin.Engine
	log    logr.Logger
}

// NewCollector validates cfg and builds the router. Nothing is listening yet.
func NewCollector(cfg config.CollectorConfig, log logr.Logger) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.WithName("collector")

	store, err := services.NewRecordStore(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	auth, err := services.NewTokenAuthenticator(cfg.AuthToken, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	feed := services.NewRecordFeed(store, feedPollInterval, log)
	security := middleware.NewSecurityLogger(log)

	router := routes.NewRouter(routes.Dependencies{
		Metrics:  controllers.NewMetricsController(store, services.NewHostsCache(store, time.Duration(cfg.HostsCacheTTL)), log),
		Stream:   controllers.NewStreamController(feed, security, log),
		Auth:     auth,
		Security: security,
		Limiter:  middleware.NewRateLimiter(cfg.QueryRateLimit),
	}, middleware.RequestLogger(log))

	return &Collector{
		cfg:    cfg,
		store:  store,
		auth:   auth,
		feed:   feed,
		router: router,
		log:    log,
	}, nil
}

func (c *Collector) Handler() http.Handler {
	return c.router
}

func (c *Collector) Store() *services.RecordStore {
	return c.store
}

func (c *Collector) Authenticator() *services.TokenAuthenticator {
	return c.auth
}

// Start begins polling storage for the live feed.
func (c *Collector) Start() {
	c.feed.Start()
}

// Close stops the live feed and disconnects its subscribers.
func (c *Collector) Close() {
	c.feed.Stop()
}

// Run serves HTTPS until ctx is cancelled, then shuts down within the
// configured timeout. A missing certificate is generated first.
func (c *Collector) Run(ctx context.Context) error {
	generated, err := services.EnsureCertificate(c.cfg.CertFile, c.cfg.KeyFile, []string{c.cfg.Host})
	if err != nil {
		return fmt.Errorf("preparing TLS certificate: %w", err)
	}
	if generated {
		c.log.Info("generated self-signed certificate", "cert", c.cfg.CertFile, "key", c.cfg.KeyFile)
	}

	c.Start()
	defer c.Close()

	srv := &http.Server{
		Addr:              c.cfg.Addr(),
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("starting collector", "addr", "https://"+c.cfg.Addr(), "data_dir", c.cfg.DataDir,
			"signed_tokens", c.auth.SignedTokensEnabled())
		errCh <- srv.ListenAndServeTLS(c.cfg.CertFile, c.cfg.KeyFile)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("collector server: %w", err)
	case <-ctx.Done():
	}

	c.log.Info("shutting down collector")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("collector shutdown: %w", err)
	}
	return nil
}
