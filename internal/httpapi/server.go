// Package httpapi is the server of record's JSON API: the scan log, the
// device registry and customer lookup consumed by gate consoles.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type Dependencies struct {
	Logger    *zap.Logger
	Addr      string
	Logs      store.LogStore
	Devices   store.DeviceStore
	Customers store.CustomerStore
	// Registry, when set, gets request metrics and is served on /metrics.
	Registry *prometheus.Registry
	// Ready backs /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	logs       store.LogStore
	devices    store.DeviceStore
	customers  store.CustomerStore
	ready      func(ctx context.Context) error
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:    d.Logger.With(zap.String("component", "httpapi")),
		mux:       mux,
		logs:      d.Logs,
		devices:   d.Devices,
		customers: d.Customers,
		ready:     d.Ready,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /v1/events/{eventID}/logs", s.handleLogPage)
	mux.HandleFunc("GET /v1/logs", s.handleLogPage)
	mux.HandleFunc("GET /v1/logs/search", s.handleSearchLogs)
	mux.HandleFunc("POST /v1/logs", s.handleRecordScan)

	mux.HandleFunc("GET /v1/devices", s.handleFindDevice)
	mux.HandleFunc("POST /v1/devices", s.handleCreateDevice)
	mux.HandleFunc("PUT /v1/devices/{id}/customer", s.handleAssignDevice)

	mux.HandleFunc("GET /v1/customers", s.handleFindCustomers)

	var m *httpMetrics
	if d.Registry != nil {
		m = newHTTPMetrics(d.Registry)
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           observe(s.logger, m, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ── Logs ─────────────────────────────────────────────────────────────────────

func (s *Server) handleLogPage(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
			return
		}
		page = n
	}

	out, err := s.logs.FetchLogPage(r.Context(), r.PathValue("eventID"), page)
	if err != nil {
		s.writeStoreError(w, r, "fetch log page", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.logs.SearchLogs(r.Context(), types.LogFilter{
		EventID: q.Get("event_id"),
		Query:   q.Get("q"),
	})
	if err != nil {
		s.writeStoreError(w, r, "search logs", err)
		return
	}
	if out == nil {
		out = []types.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecordScan(w http.ResponseWriter, r *http.Request) {
	var req types.RecordScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if types.NormalizeCardID(req.CardID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_card_id", "card_id is required")
		return
	}
	if !req.Result.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_result", "unknown scan result")
		return
	}

	resp, err := s.logs.RecordScanResult(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, r, "record scan", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ── Devices ──────────────────────────────────────────────────────────────────

func (s *Server) handleFindDevice(w http.ResponseWriter, r *http.Request) {
	serial := types.NormalizeCardID(r.URL.Query().Get("serial"))
	if serial == "" {
		writeError(w, http.StatusBadRequest, "invalid_serial", "serial is required")
		return
	}

	dev, err := s.devices.FindDevice(r.Context(), serial)
	if err != nil {
		s.writeStoreError(w, r, "find device", err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if types.NormalizeCardID(req.Serial) == "" {
		writeError(w, http.StatusBadRequest, "invalid_serial", "serial is required")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown device status")
		return
	}

	dev, err := s.devices.CreateDevice(r.Context(), req.Serial, types.DeviceDefaults{
		Status:    req.Status,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeStoreError(w, r, "create device", err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAssignDevice(w http.ResponseWriter, r *http.Request) {
	var req types.AssignDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id is required")
		return
	}

	dev, err := s.devices.AssignDevice(r.Context(), r.PathValue("id"), req.CustomerID)
	if err != nil {
		s.writeStoreError(w, r, "assign device", err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// ── Customers ────────────────────────────────────────────────────────────────

func (s *Server) handleFindCustomers(w http.ResponseWriter, r *http.Request) {
	out, err := s.customers.FindCustomers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeStoreError(w, r, "find customers", err)
		return
	}
	if out == nil {
		out = []types.Customer{}
	}
	writeJSON(w, http.StatusOK, out)
}
