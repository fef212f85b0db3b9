// Package gateapi is the gate console's operator API: scan push for reader
// bridges, the reconciled log view and the provisioning workflow.
package gateapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/scansource"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type Dependencies struct {
	Logger *zap.Logger
	Addr   string
	// Scans receives pushed scans for the dispatcher.
	Scans       *scansource.ChannelSource
	View        *service.LogView
	Provisioner *service.Provisioner
	Bus         *service.Bus
	Health      *Health
	// Registry, when set, gets request metrics and is served on /metrics.
	Registry *prometheus.Registry
}

type Server struct {
	httpServer  *http.Server
	engine      *gin.Engine
	logger      *zap.Logger
	scans       *scansource.ChannelSource
	view        *service.LogView
	provisioner *service.Provisioner
	bus         *service.Bus

	// done ends open log streams on Shutdown.
	done      chan struct{}
	closeOnce sync.Once
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.With(zap.String("component", "gateapi"))

	var m *httpMetrics
	if d.Registry != nil {
		m = newHTTPMetrics(d.Registry)
	}

	r := gin.New()
	r.Use(requestID(), recovery(logger), accessLog(logger, m))

	s := &Server{
		engine:      r,
		logger:      logger,
		scans:       d.Scans,
		view:        d.View,
		provisioner: d.Provisioner,
		bus:         d.Bus,
		done:        make(chan struct{}),
	}

	r.GET("/healthz", livenessHandler)
	r.GET("/readyz", readinessHandler(d.Health))
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/scans", s.pushScan)

	logs := v1.Group("/logs")
	logs.GET("", s.getLogs)
	logs.GET("/stream", s.streamLogs)
	logs.POST("/refresh", s.refreshLogs)
	logs.POST("/focus", s.focusLogs)
	logs.PUT("/query", s.setQuery)
	logs.PUT("/page", s.setPage)

	prov := v1.Group("/provisioning/:serial")
	prov.GET("", s.getSession)
	prov.DELETE("", s.resetSession)
	prov.POST("/assignment", s.beginAssignment)
	prov.POST("/assign", s.assign)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

// ── Scans ────────────────────────────────────────────────────────────────────

func (s *Server) pushScan(c *gin.Context) {
	raw, err := readScan(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "bad_body", Message: err.Error()})
		return
	}
	if raw.Mode == "" {
		raw.Mode = types.ModeVerify
	}
	if raw.Mode != types.ModeVerify && raw.Mode != types.ModeProvision {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_mode", Message: "mode must be verify or provision"})
		return
	}
	if raw.Mode == types.ModeProvision && s.provisioner == nil {
		c.JSON(http.StatusConflict, errorBody{Error: "provisioning_disabled"})
		return
	}
	if raw.ScannedAt.IsZero() {
		raw.ScannedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	switch err := s.scans.Push(ctx, raw); {
	case err == nil:
	case errors.Is(err, scansource.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "shutting_down"})
		return
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "busy", Message: "scan queue full"})
		return
	default:
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_scan", Message: err.Error()})
		return
	}

	respond(c, http.StatusAccepted, map[string]any{"accepted": true, "card_id": raw.CardID, "mode": string(raw.Mode)})
}

// ── Logs ─────────────────────────────────────────────────────────────────────

func (s *Server) getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, s.view.Snapshot())
}

// streamLogs sends the view as a server-sent "view" event on connect and
// again after every change, until the client goes away.
func (s *Server) streamLogs(c *gin.Context) {
	changes, unsubscribe := s.view.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent("view", s.view.Snapshot())
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-changes:
			c.SSEvent("view", s.view.Snapshot())
			return true
		case <-s.done:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) refreshLogs(c *gin.Context) {
	err := s.view.Refresh(c.Request.Context())
	switch {
	case err == nil, errors.Is(err, service.ErrStaleResponse):
		// A superseded refresh still leaves the newest view in place.
		c.JSON(http.StatusOK, s.view.Snapshot())
	case store.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, s.view.Snapshot())
	default:
		s.logger.Warn("log refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, s.view.Snapshot())
	}
}

func (s *Server) focusLogs(c *gin.Context) {
	if s.bus != nil {
		s.bus.Publish(service.Event{Kind: service.EventSurfaceFocused, At: time.Now()})
	} else {
		s.view.Focus()
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "refreshing"})
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) setQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "bad_json", Message: "invalid JSON body"})
		return
	}
	s.view.SetQuery(req.Query)
	c.JSON(http.StatusAccepted, s.view.Snapshot())
}

type pageRequest struct {
	Page int `json:"page" binding:"required,min=1"`
}

func (s *Server) setPage(c *gin.Context) {
	var req pageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_page", Message: "page must be a positive integer"})
		return
	}
	s.view.SetPage(req.Page)
	c.JSON(http.StatusAccepted, s.view.Snapshot())
}

// ── Provisioning ─────────────────────────────────────────────────────────────

func (s *Server) getSession(c *gin.Context) {
	if !s.provisioningEnabled(c) {
		return
	}
	sess, ok := s.provisioner.Session(c.Param("serial"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "no_session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) resetSession(c *gin.Context) {
	if !s.provisioningEnabled(c) {
		return
	}
	s.provisioner.Reset(c.Param("serial"))
	c.Status(http.StatusNoContent)
}

func (s *Server) beginAssignment(c *gin.Context) {
	if !s.provisioningEnabled(c) {
		return
	}
	sess, err := s.provisioner.BeginAssignment(c.Request.Context(), c.Param("serial"))
	if err != nil {
		s.provisioningError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type assignRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) assign(c *gin.Context) {
	if !s.provisioningEnabled(c) {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "bad_json", Message: "value is required"})
		return
	}
	sess, err := s.provisioner.Assign(c.Request.Context(), c.Param("serial"), req.Value)
	if err != nil {
		s.provisioningError(c, sess, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) provisioningEnabled(c *gin.Context) bool {
	if s.provisioner == nil {
		c.JSON(http.StatusConflict, errorBody{Error: "provisioning_disabled"})
		return false
	}
	return true
}

type sessionError struct {
	Error   string                       `json:"error"`
	Message string                       `json:"message"`
	Session *service.ProvisioningSession `json:"session,omitempty"`
}

func (s *Server) provisioningError(c *gin.Context, sess service.ProvisioningSession, err error) {
	body := sessionError{Message: err.Error()}
	if sess.Serial != "" {
		body.Session = &sess
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNoSession):
		status, body.Error = http.StatusNotFound, "no_session"
	case errors.Is(err, service.ErrAlreadyAssigned):
		status, body.Error = http.StatusConflict, "already_assigned"
	case errors.Is(err, service.ErrInvalidTransition):
		status, body.Error = http.StatusConflict, "invalid_state"
	case errors.Is(err, service.ErrAmbiguousResolution):
		status, body.Error = http.StatusUnprocessableEntity, "ambiguous_customer"
	case errors.Is(err, store.ErrNotFound):
		status, body.Error = http.StatusNotFound, "not_found"
	case store.IsTransient(err):
		status, body.Error = http.StatusServiceUnavailable, "unavailable"
	default:
		body.Error = "internal_error"
		s.logger.Error("provisioning request failed", zap.String("serial", sess.Serial), zap.Error(err))
	}
	c.JSON(status, body)
}
