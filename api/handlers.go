// Package api exposes the scan session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-blescan-api/device"
	"github.com/robertof/go-blescan-api/scan"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// controlBurst is how many start/stop requests are let through at once.
const controlBurst = 5

var requestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "blescan_http_requests_total",
	Help: "HTTP requests served by the scanner API.",
}, []string{"handler", "code", "method"})

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestsCounter)
}

// Scanner is the part of scan.Session the API drives.
type Scanner interface {
	Launch() error
	Stop() error
	State() scan.State
	ListDevices(ctx context.Context) []device.Record
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type devicesResponse struct {
	Devices []device.Record `json:"devices"`
}

type statusResponse struct {
	State string `json:"state"`
}

type Handler struct {
	scanner Scanner
	control *rate.Limiter
}

// NewHandler creates the API handler. controlRate limits start/stop requests per
// second, zero or less disables the limit.
func NewHandler(scanner Scanner, controlRate float64) *Handler {
	limit := rate.Inf

	if controlRate > 0 {
		limit = rate.Limit(controlRate)
	}

	return &Handler{
		scanner: scanner,
		control: rate.NewLimiter(limit, controlBurst),
	}
}

// RegisterRoutes registers all HTTP routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /start_scan", instrument("start_scan", h.limitControl(h.StartScan)))
	mux.Handle("POST /stop_scan", instrument("stop_scan", h.limitControl(h.StopScan)))
	mux.Handle("GET /devices", instrument("devices", http.HandlerFunc(h.Devices)))
	mux.Handle("GET /status", instrument("status", http.HandlerFunc(h.Status)))
}

func instrument(name string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(
		requestsCounter.MustCurryWith(prometheus.Labels{"handler": name}),
		next,
	)
}

func (h *Handler) limitControl(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.control.Allow() {
			log.Warn().Str("Path", r.URL.Path).Str("Remote", r.RemoteAddr).Msg("api: rate limited")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next(w, r)
	}
}

// StartScan launches a scan in the background and answers right away.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Launch(); err != nil {
		writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, response{Status: "success", Message: "scan started"})
}

func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Stop(); err != nil {
		writeScanError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, response{Status: "success", Message: "scan stopped"})
}

func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, devicesResponse{Devices: h.scanner.ListDevices(r.Context())})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{State: h.scanner.State().String()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		return http.StatusLocked
	case errors.Is(err, scan.ErrNotRunning):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeScanError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api: scanner request failed")
		// details stay in the logs.
		message = scan.ErrInternal.Error()
	}

	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Status: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: failed to write response")
	}
}
