// Package server exposes the admin API: the current rule snapshot, reload
// triggers, per-connection state and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/config"
	"github.com/am6737/packetguard/host"
	"github.com/am6737/packetguard/rules"
	"github.com/am6737/packetguard/transport/pcap"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	elog "github.com/labstack/gommon/log"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// maxReloadBody caps the size of a posted rule set.
const maxReloadBody = 4 << 20

// Reloader applies rule sets. An empty reload re-reads the configured
// rules.
type Reloader interface {
	ReloadRules(defs []rules.Definition) (*api.ReloadReport, error)
	ReloadFromConfig() (*api.ReloadReport, error)
}

type Server struct {
	logger   *logrus.Entry
	listen   string
	rules    *rules.Registry
	reloader Reloader
	conns    *host.ConnMap
	metrics  metrics.Registry

	e *echo.Echo
}

func NewServer(logger *logrus.Logger, listen string, registry *rules.Registry, reloader Reloader, conns *host.ConnMap, metricsRegistry metrics.Registry) *Server {
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry
	}
	s := &Server{
		logger:   logger.WithField("controller", "Admin"),
		listen:   listen,
		rules:    registry,
		reloader: reloader,
		conns:    conns,
		metrics:  metricsRegistry,
		e:        echo.New(),
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Logger.SetLevel(elog.OFF)
	s.e.Use(middleware.Recover())

	s.e.GET("/health", s.health)
	v1 := s.e.Group("/api/v1")
	v1.GET("/rules", s.getRules)
	v1.POST("/rules/reload", s.reload)
	v1.GET("/connections", s.getConnections)
	v1.GET("/connections/:id/history.pcap", s.getHistory)
	v1.GET("/metrics", s.getMetrics)
	return s
}

// Handler is the http handler of the API.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.listen).Info("Admin API started")
		errCh <- s.e.Start(s.listen)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("Admin API shutdown")
	}
	s.logger.Info("Admin API was shutdown gracefully")
	return nil
}

func (s *Server) health(c echo.Context) error {
	status := map[string]interface{}{
		"status":        "ok",
		"rules_version": s.rules.Snapshot().Version,
	}
	if s.conns != nil {
		status["connections"] = s.conns.Len()
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) getRules(c echo.Context) error {
	snap := s.rules.Snapshot()
	return c.JSONPretty(http.StatusOK, map[string]interface{}{
		"version": snap.Version,
		"rules":   snap.Rules(),
	}, "    ")
}

func (s *Server) reload(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxReloadBody+1))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if len(body) > maxReloadBody {
		return errorJSON(c, http.StatusRequestEntityTooLarge, errors.New("rule set too large"))
	}

	var report *api.ReloadReport
	defs, err := config.ParseRules(body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if defs == nil {
		report, err = s.reloader.ReloadFromConfig()
	} else {
		report, err = s.reloader.ReloadRules(defs)
	}

	switch {
	case errors.Is(err, api.ErrReloadInProgress):
		return errorJSON(c, http.StatusConflict, err)
	case err != nil:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	s.logger.WithField("report", report.String()).Info("Rules reloaded through admin API")
	return c.JSONPretty(http.StatusOK, report, "    ")
}

func (s *Server) getConnections(c echo.Context) error {
	if s.conns == nil {
		return c.JSON(http.StatusOK, []interface{}{})
	}
	return c.JSON(http.StatusOK, s.conns.Connections())
}

func (s *Server) getHistory(c echo.Context) error {
	id, err := url.PathUnescape(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if s.conns == nil {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("unknown connection %q", id))
	}
	conn, ok := s.conns.Get(api.ConnectionID(id))
	if !ok {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("unknown connection %q", id))
	}

	entries := conn.History.All()
	records := make([]pcap.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, pcap.Record{
			Time:         e.Time,
			Direction:    e.Direction,
			TypeID:       e.TypeID,
			ConnectionID: conn.ID,
			Data:         e.Data,
		})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/vnd.tcpdump.pcap")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="history.pcap"`)
	res.WriteHeader(http.StatusOK)
	return pcap.Write(res, records)
}

func (s *Server) getMetrics(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	res.WriteHeader(http.StatusOK)
	metrics.WriteJSONOnce(s.metrics, res)
	return nil
}

func errorJSON(c echo.Context, code int, err error) error {
	return c.JSON(code, map[string]interface{}{
		"message": err.Error(),
	})
}
