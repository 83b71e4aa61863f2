// Package handler provides HTTP handlers for the notifier's invocation and
// health endpoints. Handlers call the batch runner directly; there is no
// service layer.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/albapepper/parkwatch/internal/api/respond"
	"github.com/albapepper/parkwatch/internal/config"
	"github.com/albapepper/parkwatch/internal/notifications"
)

// Runner is the part of notifications.Runner the handlers drive.
type Runner interface {
	Run(ctx context.Context, opts notifications.Options) (*notifications.Report, error)
	Phase() notifications.Phase
	LastReport() *notifications.Report
}

// Pinger reports database reachability.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	runner Runner
	db     Pinger
	cfg    *config.Config
}

// New creates a Handler with shared dependencies.
func New(runner Runner, db Pinger, cfg *config.Config) *Handler {
	return &Handler{runner: runner, db: db, cfg: cfg}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "Parkwatch Notifier",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// Run executes one batch run and returns its report.
// @Summary Run the notifier
// @Description Detects changes, delivers pending events and retires them. Outside the delivery window events stay queued unless force is set.
// @Tags notifier
// @Produce json
// @Param force query bool false "Deliver even outside the delivery window"
// @Param batch query int false "Maximum events to process"
// @Param scope query string false "Default audience scope" Enums(favorites, all)
// @Success 200 {object} notifications.Report
// @Failure 400 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Failure 500 {object} notifications.Report
// @Router /run [post]
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	opts, err := parseRunOptions(r)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid run parameters", err.Error())
		return
	}

	rep, err := h.runner.Run(r.Context(), opts)
	switch {
	case errors.Is(err, notifications.ErrBusy):
		respond.WriteError(w, http.StatusConflict, "RUN_IN_PROGRESS", "A batch run is already in progress")
		return
	case err != nil:
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "RUN_FAILED", "Batch run failed", err.Error())
		return
	}

	status := http.StatusOK
	if !rep.OK {
		status = http.StatusInternalServerError
	}
	respond.WriteJSONObject(w, status, rep)
}

func parseRunOptions(r *http.Request) (notifications.Options, error) {
	q := r.URL.Query()
	var opts notifications.Options

	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("force must be a boolean")
		}
		opts.Force = force
	}
	if v := q.Get("batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, errors.New("batch must be a positive integer")
		}
		opts.BatchSize = n
	}
	if v := q.Get("scope"); v != "" {
		scope, err := notifications.ParseScope(v)
		if err != nil {
			return opts, err
		}
		opts.Scope = scope
	}
	return opts, nil
}

// HealthCheck returns the runner phase and the last run report.
// @Summary Health check
// @Description Returns runner phase, last run summary and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"phase":     h.runner.Phase(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if last := h.runner.LastReport(); last != nil {
		body["last_run"] = last
	}
	respond.WriteJSONObject(w, http.StatusOK, body)
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckConfig reports which credentials are present, never their values.
// @Summary Configuration check
// @Description Lists presence booleans for required credentials and enabled transports.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/config [get]
func (h *Handler) HealthCheckConfig(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.cfg.Validate(); err != nil {
		status, code = "misconfigured", http.StatusServiceUnavailable
	}
	respond.WriteJSONObject(w, code, map[string]any{
		"status":  status,
		"present": h.cfg.Presence(),
		"transports": map[string]bool{
			"webpush": h.cfg.WebPushEnabled(),
			"gateway": h.cfg.GatewayEnabled(),
		},
		"timezone": h.cfg.ParkTimezone,
	})
}
