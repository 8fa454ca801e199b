package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // OptimizationRuns counts optimize calls by outcome (ok, superseded, conflict, error)
    OptimizationRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "optimization_runs_total", Help: "Optimization runs by outcome."},
        []string{"outcome"},
    )
    OptimizationDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "optimization_duration_seconds", Help: "Optimization run duration in seconds.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
    )
    // UnassignedOrders counts orders left out of a plan by reason code
    UnassignedOrders = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orders_unassigned_total", Help: "Orders left unassigned by reason."},
        []string{"reason"},
    )

    // Readings counts ingested telemetry by kind and outcome (accepted, rejected, quarantined)
    Readings = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "telemetry_readings_total", Help: "Telemetry readings by kind and outcome."},
        []string{"kind", "outcome"},
    )
    ReadingHistoryDropped = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "telemetry_history_dropped_total", Help: "Readings dropped from the history writer queue."},
    )
    // Alerts counts alert lifecycle events by level
    Alerts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "alerts_total", Help: "Alert events by level and event (raised, reraised, escalated, resolved)."},
        []string{"level", "event"},
    )
    Emergencies = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "emergency_events_total", Help: "Emergency events by type and source."},
        []string{"type", "source"},
    )
    Reassignments = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "reassignments_total", Help: "Reassignment attempts by outcome."},
        []string{"outcome"},
    )

    // MonitorDropped counts events a subscriber could not accept in time
    MonitorDropped = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "monitor_dropped_events_total", Help: "Fan-out events dropped per channel."},
        []string{"channel"},
    )
    Notifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notifications_total", Help: "Notification requests by channel and outcome."},
        []string{"channel", "outcome"},
    )
    SchedulerRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "scheduler_job_runs_total", Help: "Scheduled job runs by job and outcome."},
        []string{"job", "outcome"},
    )
    DistanceCache = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "distance_cache_lookups_total", Help: "Distance cache lookups by result."},
        []string{"result"},
    )
    DistanceFallbacks = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "distance_fallbacks_total", Help: "Distance lookups served by the geodesic fallback."},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(
            HTTPRequests, HTTPDuration,
            OptimizationRuns, OptimizationDuration, UnassignedOrders,
            Readings, ReadingHistoryDropped, Alerts, Emergencies, Reassignments,
            MonitorDropped, Notifications, SchedulerRuns,
            DistanceCache, DistanceFallbacks,
            WebhookDeliveries, WebhookLatency,
        )
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
