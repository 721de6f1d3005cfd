package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/karlseguin/ccache"

	"github.com/justin-oleary/fleetwatch/pkg/device"
	"github.com/justin-oleary/fleetwatch/pkg/healthcheck"
	"github.com/justin-oleary/fleetwatch/pkg/stats"
	"github.com/justin-oleary/fleetwatch/pkg/status"
)

// Options wires a Handler to its backends. Devices and Checker are
// optional; their routes answer 503 when unset.
type Options struct {
	Statuses  *status.Store
	Topology  status.Topology
	Devices   *device.Registry
	Checker   *healthcheck.Checker
	ReportTTL time.Duration
	Logger    *slog.Logger
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	statuses  *status.Store
	topology  status.Topology
	devices   *device.Registry
	checker   *healthcheck.Checker
	logger    *slog.Logger
	reports   *ccache.Cache
	reportTTL time.Duration
	mux       *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(o Options) *Handler {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	h := &Handler{
		statuses:  o.Statuses,
		topology:  o.Topology,
		devices:   o.Devices,
		checker:   o.Checker,
		logger:    o.Logger,
		reports:   ccache.New(ccache.Configure().MaxSize(4096).ItemsToPrune(256)),
		reportTTL: o.ReportTTL,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/status", h.listStatus)
	h.mux.HandleFunc("/api/v1/status/{node}/{index}", h.getStatus)
	h.mux.HandleFunc("/api/v1/reports/{node}/{index}", h.getReport)
	h.mux.HandleFunc("/api/v1/checks/{node}/{index}", h.runCheck)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Snapshot reads every device in the topology. The stream hub calls it on
// each tick.
func (h *Handler) Snapshot(ctx context.Context) SnapshotResponse {
	readings := h.statuses.Snapshot(ctx, h.topology)
	devices := make([]DeviceResponse, 0, len(readings))
	for _, rd := range readings {
		devices = append(devices, toDeviceResponse(rd))
	}
	return SnapshotResponse{
		Health:      summarize(readings, len(h.topology.Nodes)),
		Devices:     devices,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.Snapshot(r.Context()).Health)
}

// listStatus returns GET /api/v1/status.
func (h *Handler) listStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.Snapshot(r.Context()))
}

// getStatus returns GET /api/v1/status/{node}/{index}.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, toDeviceResponse(h.statuses.Inspect(r.Context(), dev)))
}

// getReport returns GET /api/v1/reports/{node}/{index}. Reports are cached
// for the configured TTL since each lookup scans the device's history.
func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.devices == nil {
		jsonErr(w, http.StatusServiceUnavailable, "benchmark history not configured")
		return
	}
	dev, ok := h.device(w, r)
	if !ok {
		return
	}

	key := "report:" + dev.String()
	if item := h.reports.Get(key); item != nil && !item.Expired() {
		jsonResp(w, http.StatusOK, item.Value())
		return
	}

	coll, err := h.devices.Collection(dev.Node, dev.Index)
	if errors.Is(err, device.ErrUnknownDevice) {
		jsonErr(w, http.StatusNotFound, "no benchmark history for device")
		return
	}
	if err != nil {
		h.logger.Error("report lookup failed", "device", dev.String(), "err", err)
		jsonErr(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	doc, err := stats.LatestReport(coll)
	if err != nil {
		h.logger.Error("report lookup failed", "device", dev.String(), "err", err)
		jsonErr(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	if doc == nil {
		jsonErr(w, http.StatusNotFound, "no health report for device")
		return
	}
	if h.reportTTL > 0 {
		h.reports.Set(key, doc, h.reportTTL)
	}
	jsonResp(w, http.StatusOK, doc)
}

// runCheck handles POST /api/v1/checks/{node}/{index}. The request blocks
// for the duration of the check; a client disconnect rolls the device back.
func (h *Handler) runCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.checker == nil {
		jsonErr(w, http.StatusServiceUnavailable, "health checks not enabled")
		return
	}
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	checkType := r.URL.Query().Get("type")
	if checkType == "" {
		checkType = healthcheck.TypeDummy
	}

	res, err := h.checker.CheckDevice(r.Context(), dev, checkType)
	switch {
	case errors.Is(err, healthcheck.ErrUnknownCheckType):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, healthcheck.ErrCheckInProgress):
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, healthcheck.ErrTopologyMismatch):
		jsonErr(w, http.StatusNotFound, err.Error())
	case err != nil:
		jsonResp(w, http.StatusServiceUnavailable, res)
	default:
		h.reports.Delete("report:" + dev.String())
		jsonResp(w, http.StatusOK, res)
	}
}

// device parses {node}/{index} and checks it against the topology.
func (h *Handler) device(w http.ResponseWriter, r *http.Request) (status.DeviceID, bool) {
	node := r.PathValue("node")
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "gpu index must be an integer")
		return status.DeviceID{}, false
	}
	if !h.topology.HasNode(node) || idx < 0 || idx >= h.topology.DevicesPerNode {
		jsonErr(w, http.StatusNotFound, "device not found")
		return status.DeviceID{}, false
	}
	return status.DeviceID{Node: node, Index: idx}, true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
