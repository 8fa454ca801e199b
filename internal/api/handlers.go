package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"coldchain/internal/buildinfo"
	"coldchain/internal/dispatch"
	"coldchain/internal/emergency"
	"coldchain/internal/model"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
)

// pathParts splits what follows prefix into its segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Orders []model.Order `json:"orders"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Orders) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid orders", "orders must not be empty", r.URL.Path)
			return
		}
		var errs []error
		for i := range req.Orders {
			o := &req.Orders[i]
			o.Status, o.Version = "", 0
			if err := o.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid orders", errors.Join(errs...).Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateOrders(r.Context(), req.Orders)
		if err != nil {
			writeError(w, r, "Create orders failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"created": created, "skipped": len(req.Orders) - len(created)})
	case http.MethodGet:
		f := store.OrderFilter{
			Status:      model.OrderStatus(strings.ToUpper(r.URL.Query().Get("status"))),
			ExternalRef: r.URL.Query().Get("externalRef"),
			Limit:       queryInt(r, "limit", 100),
		}
		items, err := s.Store.ListOrders(r.Context(), f)
		if err != nil {
			writeError(w, r, "List orders failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OrderByIDHandler handles GET /v1/orders/{id}
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/orders/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	orders, err := s.Store.GetOrders(r.Context(), parts)
	if err != nil {
		writeError(w, r, "Get order failed", err)
		return
	}
	writeJSON(w, http.StatusOK, orders[0])
}

// RecurringOrdersHandler handles POST/GET /v1/recurring-orders
func (s *Server) RecurringOrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var ro model.RecurringOrder
		if !decodeJSON(w, r, &ro) {
			return
		}
		if len(ro.Weekdays) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid recurring order", "weekdays must not be empty", r.URL.Path)
			return
		}
		if err := ro.Template.Validate(); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid recurring order", err.Error(), r.URL.Path)
			return
		}
		saved, err := s.Store.SaveRecurringOrder(r.Context(), ro)
		if err != nil {
			writeError(w, r, "Save recurring order failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	case http.MethodGet:
		items, err := s.Store.ListRecurringOrders(r.Context())
		if err != nil {
			writeError(w, r, "List recurring orders failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var v model.Vehicle
		if !decodeJSON(w, r, &v) {
			return
		}
		if err := validateVehicle(&v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid vehicle", err.Error(), r.URL.Path)
			return
		}
		saved, err := s.Store.UpsertVehicle(r.Context(), v)
		if err != nil {
			writeError(w, r, "Save vehicle failed", err)
			return
		}
		if s.Monitor != nil {
			s.Monitor.SetStatus(saved.ID, saved.Status)
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		f := store.VehicleFilter{Status: model.VehicleStatus(strings.ToUpper(r.URL.Query().Get("status")))}
		items, err := s.Store.ListVehicles(r.Context(), f)
		if err != nil {
			writeError(w, r, "List vehicles failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehicleByIDHandler handles GET /v1/vehicles/{id}
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/vehicles/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	v, err := s.Store.GetVehicle(r.Context(), parts[0])
	if err != nil {
		writeError(w, r, "Get vehicle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dispatch.OptimizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Dispatch.Optimize(r.Context(), req)
	if err != nil {
		writeError(w, r, "Optimize failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlanRunsHandler handles GET /v1/plan-runs?date=YYYY-MM-DD
func (s *Server) PlanRunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date := r.URL.Query().Get("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid date", "date must be YYYY-MM-DD", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "runs": s.Dispatch.RunHistory(date)})
}

// DispatchesHandler handles GET /v1/dispatches?vehicleId=&date=&from=&status=
func (s *Server) DispatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid filter", err.Error(), r.URL.Path)
		return
	}
	f := store.DispatchFilter{VehicleID: q.Get("vehicleId"), Date: q.Get("date"), FromDate: q.Get("from"), Statuses: statuses}
	items, err := s.Dispatch.ListDispatches(r.Context(), f)
	if err != nil {
		writeError(w, r, "List dispatches failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// lifecycle returns the dispatch service operation named by action.
func (s *Server) lifecycle(action string) (func(context.Context, []string) ([]model.Dispatch, error), bool) {
	switch action {
	case "confirm":
		return s.Dispatch.Confirm, true
	case "start":
		return s.Dispatch.Start, true
	case "complete":
		return s.Dispatch.Complete, true
	case "cancel":
		return s.Dispatch.Cancel, true
	}
	return nil, false
}

// DispatchByIDHandler handles GET /v1/dispatches/{id},
// POST /v1/dispatches/{id}/{confirm|start|complete|cancel} and
// POST /v1/dispatches/{id}/stops/{seq}/complete
func (s *Server) DispatchByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/dispatches/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d, err := s.Dispatch.GetDispatch(r.Context(), parts[0])
		if err != nil {
			writeError(w, r, "Get dispatch failed", err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case len(parts) == 2:
		op, ok := s.lifecycle(parts[1])
		if !ok {
			writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+parts[1], r.URL.Path)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		out, err := op(r.Context(), parts[:1])
		if err != nil {
			writeError(w, r, "Dispatch "+parts[1]+" failed", err)
			return
		}
		writeJSON(w, http.StatusOK, out[0])
	case len(parts) == 4 && parts[1] == "stops" && parts[3] == "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		seq, err := strconv.Atoi(parts[2])
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid stop", "seq must be an integer", r.URL.Path)
			return
		}
		d, err := s.Dispatch.CompleteStop(r.Context(), parts[0], seq)
		if err != nil {
			writeError(w, r, "Complete stop failed", err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// DispatchActionsHandler handles POST /v1/dispatch-actions/{action} with
// {"dispatchIds": [...]}; either every dispatch transitions or none does.
func (s *Server) DispatchActionsHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/dispatch-actions/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	op, ok := s.lifecycle(parts[0])
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+parts[0], r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DispatchIDs []string `json:"dispatchIds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.DispatchIDs) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "dispatchIds must not be empty", r.URL.Path)
		return
	}
	out, err := op(r.Context(), req.DispatchIDs)
	if err != nil {
		writeError(w, r, "Dispatch "+parts[0]+" failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// EmergenciesHandler handles POST/GET /v1/emergencies
func (s *Server) EmergenciesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var rep emergency.Report
		if !decodeJSON(w, r, &rep) {
			return
		}
		if rep.Source == emergency.SourceAutomatic {
			writeProblem(w, http.StatusBadRequest, "Invalid report", "source automatic is reserved", r.URL.Path)
			return
		}
		resp, err := s.Emergency.ReportEmergency(r.Context(), rep)
		if err != nil {
			writeError(w, r, "Report emergency failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	case http.MethodGet:
		f := store.EmergencyFilter{VehicleID: r.URL.Query().Get("vehicleId"), Status: model.EmergencyStatus(strings.ToLower(r.URL.Query().Get("status")))}
		items, err := s.Emergency.ListEmergencies(r.Context(), f)
		if err != nil {
			writeError(w, r, "List emergencies failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EmergencyByIDHandler handles GET /v1/emergencies/{id} and
// POST /v1/emergencies/{id}/resolve with optional {"cancelled": true}.
func (s *Server) EmergencyByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/emergencies/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		ev, err := s.Store.GetEmergency(r.Context(), parts[0])
		if err != nil {
			writeError(w, r, "Get emergency failed", err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		var req struct {
			Cancelled bool `json:"cancelled"`
		}
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		ev, err := s.Emergency.ResolveEmergency(r.Context(), parts[0], req.Cancelled)
		if err != nil {
			writeError(w, r, "Resolve emergency failed", err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "resolve"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// ReassignHandler handles POST /v1/reassignments. An infeasible
// re-sequencing is answered with 200 and feasible=false.
func (s *Server) ReassignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req emergency.ReassignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.Emergency.Reassign(r.Context(), req)
	if err != nil {
		writeError(w, r, "Reassign failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TelemetryHandler handles POST /v1/telemetry with one reading envelope.
func (s *Server) TelemetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&raw); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Telemetry.Ingest(r.Context(), raw)
	if err != nil {
		writeError(w, r, "Reading rejected", err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// QuarantineHandler handles GET /v1/telemetry/quarantine
func (s *Server) QuarantineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := []telemetry.Rejected{}
	if q := s.Telemetry.Quarantine; q != nil {
		items = append(items, q.List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// FleetHandler handles GET /v1/fleet
func (s *Server) FleetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Monitor.Snapshot()})
}

// FleetVehicleHandler handles GET /v1/fleet/{vehicleId}
func (s *Server) FleetVehicleHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/fleet/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	st, ok := s.Monitor.Vehicle(parts[0])
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "no live state for vehicle "+parts[0], r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AlertsHandler handles GET /v1/alerts?vehicleId=&active=true&limit=
func (s *Server) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	active, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	f := store.AlertFilter{VehicleID: r.URL.Query().Get("vehicleId"), ActiveOnly: active, Limit: queryInt(r, "limit", 200)}
	items, err := s.Store.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, r, "List alerts failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// JobsHandler handles GET /v1/admin/jobs
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "scheduler disabled", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type jobInfo struct {
		Name    string     `json:"name"`
		NextRun *time.Time `json:"nextRun,omitempty"`
	}
	jobs := s.Scheduler.Jobs()
	items := make([]jobInfo, 0, len(jobs))
	for name, next := range jobs {
		ji := jobInfo{Name: name}
		if !next.IsZero() {
			n := next
			ji.NextRun = &n
		}
		items = append(items, ji)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// JobRunHandler handles POST /v1/admin/jobs/{name}/run
func (s *Server) JobRunHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/admin/jobs/")
	if s.Scheduler == nil || len(parts) != 2 || parts[1] != "run" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	if err := s.Scheduler.RunNow(parts[0]); err != nil {
		writeError(w, r, "Job failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": parts[0], "durationMs": time.Since(start).Milliseconds()})
}

// HealthHandler always answers 200 while the process is serving.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the store.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DebugJSON reports build information.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":       buildinfo.Info(),
		"time":        time.Now().UTC().Format(time.RFC3339),
		"scheduler":   s.Scheduler != nil,
		"rateLimited": s.Limiter != nil,
	})
}
