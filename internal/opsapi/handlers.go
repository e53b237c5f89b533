package opsapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/keys"
)

const defaultReportScope = "ops"

type backupsResponse struct {
	Count   int               `json:"count"`
	Backups []keys.BackupInfo `json:"backups"`
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": string(StatusHealthy)})
}

func (s *Server) handleReady(c echo.Context) error {
	report := s.deps.Health.CheckHealth(c.Request().Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) handleKeyInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Keys.KeyInfo())
}

func (s *Server) handleListBackups(c echo.Context) error {
	infos, err := s.deps.Keys.ListBackups(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list backups failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list backups")
	}
	if infos == nil {
		infos = []keys.BackupInfo{}
	}
	return c.JSON(http.StatusOK, backupsResponse{Count: len(infos), Backups: infos})
}

// handleAuditEvents binds query parameters to an audit filter. from and to
// are RFC 3339 timestamps.
func (s *Server) handleAuditEvents(c echo.Context) error {
	var (
		f        audit.Filter
		from, to time.Time
		typ, op  string
	)
	err := echo.QueryParamsBinder(c).
		String("user_id", &f.UserID).
		String("resource_type", &f.ResourceType).
		String("resource_id", &f.ResourceID).
		String("event_type", &typ).
		String("operation", &op).
		Time("from", &from, time.RFC3339).
		Time("to", &to, time.RFC3339).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f.Type = audit.EventType(typ)
	f.Operation = audit.Operation(op)
	if !from.IsZero() {
		f.From = &from
	}
	if !to.IsZero() {
		f.To = &to
	}
	if f.Limit < 0 || f.Offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit and offset must not be negative")
	}
	if f.Limit > audit.MaxPageLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "limit exceeds maximum page size")
	}

	page, err := s.deps.Audit.History(c.Request().Context(), f)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidQuery) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error().Err(err).Msg("audit history failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read audit history")
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleComplianceReport(c echo.Context) error {
	scope := c.QueryParam("scope")
	if scope == "" {
		scope = defaultReportScope
	}
	return c.JSON(http.StatusOK, s.deps.Compliance.Scan(c.Request().Context(), scope))
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"counters": s.deps.Metrics.Snapshot()})
}
