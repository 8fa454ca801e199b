// Package api exposes the dispatch, emergency and telemetry services over HTTP.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"coldchain/internal/dispatch"
	"coldchain/internal/emergency"
	"coldchain/internal/metrics"
	"coldchain/internal/monitor"
	"coldchain/internal/scheduler"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
)

type Server struct {
	Store     store.Store
	Dispatch  *dispatch.Service
	Emergency *emergency.Service
	Telemetry *telemetry.Engine
	Monitor   *monitor.Monitor
	// Scheduler is optional; without it the admin job endpoints return 404.
	Scheduler *scheduler.Scheduler
	// Limiter is optional; nil disables rate limiting.
	Limiter *rate.Limiter
}

func NewServer(st store.Store, ds *dispatch.Service, es *emergency.Service, te *telemetry.Engine, mon *monitor.Monitor) *Server {
	return &Server{Store: st, Dispatch: ds, Emergency: es, Telemetry: te, Monitor: mon}
}

// NewLimiter returns a token bucket for the API, nil when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Routes registers every endpoint and wraps the mux in the request id,
// instrumentation and rate limit middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Orders and fleet master data
	mux.HandleFunc("/v1/orders", s.OrdersHandler)
	mux.HandleFunc("/v1/orders/", s.OrderByIDHandler)
	mux.HandleFunc("/v1/recurring-orders", s.RecurringOrdersHandler)
	mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)
	mux.HandleFunc("/v1/vehicles/", s.VehicleByIDHandler)

	// Optimization and dispatch lifecycle
	mux.HandleFunc("/v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("/v1/plan-runs", s.PlanRunsHandler)
	mux.HandleFunc("/v1/dispatches", s.DispatchesHandler)
	mux.HandleFunc("/v1/dispatches/", s.DispatchByIDHandler) // includes /{action} and /stops/{seq}/complete
	mux.HandleFunc("/v1/dispatch-actions/", s.DispatchActionsHandler)

	// Emergencies
	mux.HandleFunc("/v1/emergencies", s.EmergenciesHandler)
	mux.HandleFunc("/v1/emergencies/", s.EmergencyByIDHandler)
	mux.HandleFunc("/v1/reassignments", s.ReassignHandler)

	// Telemetry and live state
	mux.HandleFunc("/v1/telemetry", s.TelemetryHandler)
	mux.HandleFunc("/v1/telemetry/quarantine", s.QuarantineHandler)
	mux.HandleFunc("/v1/fleet", s.FleetHandler)
	mux.HandleFunc("/v1/fleet/", s.FleetVehicleHandler)
	mux.HandleFunc("/v1/alerts", s.AlertsHandler)
	mux.HandleFunc("/v1/stream", s.StreamHandler)
	mux.HandleFunc("/v1/ws", s.WSHandler)

	// Admin
	mux.HandleFunc("/v1/admin/jobs", s.JobsHandler)
	mux.HandleFunc("/v1/admin/jobs/", s.JobRunHandler)
	mux.HandleFunc("/debug/build", s.DebugJSON)

	// Docs, health, metrics
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return withRequestID(instrument(s.rateLimit(mux)))
}
