// Package opsapi serves read-only operational endpoints: key metadata,
// backup listings, audit history and compliance reports. It never exposes
// key material and offers no write operation.
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/compliance"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

const shutdownTimeout = 10 * time.Second

type KeyReader interface {
	KeyInfo() keys.KeyInfo
	ListBackups(ctx context.Context) ([]keys.BackupInfo, error)
}

type AuditReader interface {
	History(ctx context.Context, f audit.Filter) (audit.Page, error)
}

type ComplianceScanner interface {
	Scan(ctx context.Context, scope string) compliance.Report
}

// MetricsReader returns operation counters keyed by name and tags.
type MetricsReader interface {
	Snapshot() map[string]int64
}

// Deps are the read sides the API serves. Health and Metrics may be nil;
// without Metrics the /metrics route is not registered.
type Deps struct {
	Keys       KeyReader
	Audit      AuditReader
	Compliance ComplianceScanner
	Health     *HealthChecker
	Metrics    MetricsReader
}

type Config struct {
	Addr      string
	RateLimit RateLimitConfig
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	addr   string
	logger zerolog.Logger
}

func New(deps Deps, cfg Config, logger zerolog.Logger) (*Server, error) {
	if deps.Keys == nil || deps.Audit == nil || deps.Compliance == nil {
		return nil, fmt.Errorf("%w: ops API needs key, audit and compliance readers", phierr.ErrInvalidConfiguration)
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker()
	}
	if cfg.RateLimit.RequestsPerWindow <= 0 || cfg.RateLimit.Window <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerWindow
	}

	s := &Server{
		echo:   echo.New(),
		deps:   deps,
		addr:   cfg.Addr,
		logger: logger.With().Str("component", "opsapi").Logger(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(recovery(s.logger))
	s.echo.Use(requestLogger(s.logger))
	s.echo.Use(rateLimitByIP(cfg.RateLimit, s.logger))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/health/live", s.handleLive)
	s.echo.GET("/health/ready", s.handleReady)
	s.echo.GET("/keys/info", s.handleKeyInfo)
	s.echo.GET("/keys/backups", s.handleListBackups)
	s.echo.GET("/audit/events", s.handleAuditEvents)
	s.echo.GET("/compliance/report", s.handleComplianceReport)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", s.handleMetrics)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("starting ops API")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down ops API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops API shutdown: %w", err)
	}
	return <-errCh
}
