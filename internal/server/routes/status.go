package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nlisenk/hubwatch/internal/broadcast"
	"github.com/nlisenk/hubwatch/internal/monitor"
	"github.com/nlisenk/hubwatch/internal/store"
)

// QueryMetricsSource reports store query latency distributions.
type QueryMetricsSource interface {
	QueryLatencyStats() []store.QueryLatencyStats
}

// StatusRoutes exposes the observability surface: the live snapshot, the
// historical log query, query latency and liveness.
type StatusRoutes struct {
	bus         *monitor.Monitor
	broadcaster *broadcast.Broadcaster
	metrics     QueryMetricsSource
}

// NewStatusRoutes constructs status routes.
func NewStatusRoutes(bus *monitor.Monitor, broadcaster *broadcast.Broadcaster, metrics QueryMetricsSource) *StatusRoutes {
	return &StatusRoutes{
		bus:         bus,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// RegisterRoutes registers status endpoints.
func (s *StatusRoutes) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/logs", s.handleLogs)
	e.GET("/api/metrics/queries", s.handleQueryMetrics)
	e.GET("/ws", s.handleSocket)
}

func (s *StatusRoutes) handleQueryMetrics(c echo.Context) error {
	stats := s.metrics.QueryLatencyStats()
	if stats == nil {
		stats = []store.QueryLatencyStats{}
	}
	return c.JSON(http.StatusOK, map[string]any{"queries": stats})
}

func (s *StatusRoutes) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusRoutes) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bus.Snapshot())
}

func (s *StatusRoutes) handleSocket(c echo.Context) error {
	return s.broadcaster.Handle(c.Response(), c.Request())
}

func (s *StatusRoutes) handleLogs(c echo.Context) error {
	filter, err := parseLogFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	entries, err := s.bus.QueryLogs(filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "log query failed",
		})
	}
	if entries == nil {
		entries = []monitor.LogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func parseLogFilter(c echo.Context) (monitor.LogFilter, error) {
	var filter monitor.LogFilter

	filter.Category = monitor.Category(c.QueryParam("category"))
	filter.Level = monitor.Level(c.QueryParam("level"))

	if raw := c.QueryParam("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid since timestamp")
		}
		filter.Since = ts
	}
	if raw := c.QueryParam("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid until timestamp")
		}
		filter.Until = ts
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}
