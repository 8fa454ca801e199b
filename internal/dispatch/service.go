package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coldchain/internal/metrics"
	"coldchain/internal/model"
	"coldchain/internal/obs"
	"coldchain/internal/opt"
	"coldchain/internal/store"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoVehicles        = errors.New("no available vehicle in scope")
	ErrSuperseded        = errors.New("superseded by a newer run for the same date")
	ErrRetryLater        = errors.New("conflicting update, retry later")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Events receives dispatch changes for live subscribers.
type Events interface {
	PublishDispatch(d model.Dispatch, event string)
}

// Emitter queues outbound webhook events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any)
}

type Service struct {
	Store  store.Store
	Engine *opt.Engine
	Locks  *Locks
	Runs   *opt.RunLog
	Events Events
	Hooks  Emitter
	// LockWait bounds how long a run waits for vehicle intents.
	LockWait time.Duration
	Now      func() time.Time
}

func NewService(st store.Store, engine *opt.Engine, locks *Locks) *Service {
	if locks == nil {
		locks = NewLocks()
	}
	return &Service{Store: st, Engine: engine, Locks: locks, Runs: opt.NewRunLog(20), LockWait: 5 * time.Second, Now: time.Now}
}

type OptimizeRequest struct {
	OrderIDs   []string `json:"orderIds"`
	VehicleIDs []string `json:"vehicleIds,omitempty"`
	// Date defaults to today in the engine's location.
	Date string `json:"date,omitempty"`
}

type OptimizeResult struct {
	opt.Plan
	DurationMs int64 `json:"durationMs"`
}

// Optimize plans the given orders for one date and persists the DRAFT
// dispatches. Orders that cannot be placed are part of the result.
func (s *Service) Optimize(ctx context.Context, req OptimizeRequest) (res OptimizeResult, err error) {
	defer obs.Time(ctx, "dispatch.optimize")(&err)
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.OptimizationRuns.WithLabelValues(outcome).Inc()
		metrics.OptimizationDuration.Observe(time.Since(start).Seconds())
	}()

	if len(req.OrderIDs) == 0 {
		return OptimizeResult{}, fmt.Errorf("optimize: orderIds must not be empty: %w", ErrInvalidRequest)
	}
	date := req.Date
	if date == "" {
		date = s.Now().In(s.Engine.Location).Format(model.DateLayout)
	}
	if _, err := s.Engine.DayStart(date); err != nil {
		return OptimizeResult{}, fmt.Errorf("optimize: %v: %w", err, ErrInvalidRequest)
	}

	runCtx, release, err := s.Locks.BeginRun(ctx, date)
	if err != nil {
		if errors.Is(err, ErrSuperseded) {
			outcome = "superseded"
		}
		return OptimizeResult{}, fmt.Errorf("optimize %s: %w", date, err)
	}
	defer release()

	var plan opt.Plan
	for attempt := 1; ; attempt++ {
		plan, err = s.optimizeOnce(runCtx, date, req)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded) {
			if errors.Is(runErr(runCtx), ErrSuperseded) {
				outcome = "superseded"
				return OptimizeResult{}, fmt.Errorf("optimize %s: %w", date, ErrSuperseded)
			}
			return OptimizeResult{}, err
		}
		if errors.Is(err, store.ErrConflict) {
			if attempt == 1 {
				log.Printf("optimize %s: version conflict, retrying once: %v", date, err)
				continue
			}
			outcome = "conflict"
			return OptimizeResult{}, fmt.Errorf("optimize %s: %v: %w", date, err, ErrRetryLater)
		}
		return OptimizeResult{}, err
	}

	outcome = "ok"
	for _, f := range plan.Unassigned {
		metrics.UnassignedOrders.WithLabelValues(string(f.Reason)).Inc()
	}
	res = OptimizeResult{Plan: plan, DurationMs: time.Since(start).Milliseconds()}
	if s.Runs != nil {
		s.Runs.Record(opt.RunRecord{Date: date, At: start.UTC(), Outcome: outcome, DurationMs: res.DurationMs, Summary: plan.Summary})
	}
	for _, d := range plan.Dispatches {
		s.publish(ctx, d, "planned")
	}
	log.Printf("optimize %s: %d dispatches, %d assigned, %d unassigned", date, len(plan.Dispatches), plan.Summary.Assigned, plan.Summary.Unassigned)
	return res, nil
}

// optimizeOnce loads fresh snapshots, plans and writes back in one batch.
func (s *Service) optimizeOnce(ctx context.Context, date string, req OptimizeRequest) (opt.Plan, error) {
	orders, err := s.Store.GetOrders(ctx, dedupe(req.OrderIDs))
	if err != nil {
		return opt.Plan{}, fmt.Errorf("optimize: %w", err)
	}
	var vehicles []model.Vehicle
	if len(req.VehicleIDs) > 0 {
		vehicles, err = s.Store.GetVehicles(ctx, dedupe(req.VehicleIDs))
	} else {
		vehicles, err = s.Store.ListVehicles(ctx, store.VehicleFilter{Status: model.VehicleAvailable})
	}
	if err != nil {
		return opt.Plan{}, fmt.Errorf("optimize: %w", err)
	}
	busy, err := s.busyVehicles(ctx, date)
	if err != nil {
		return opt.Plan{}, err
	}
	inScope := vehicles[:0:0]
	for _, v := range vehicles {
		if v.Status == model.VehicleAvailable && !busy[v.ID] {
			inScope = append(inScope, v)
		}
	}
	if len(inScope) == 0 {
		return opt.Plan{}, ErrNoVehicles
	}

	pending := make([]model.Order, 0, len(orders))
	var notPending []opt.Failure
	for _, o := range orders {
		if o.Status != model.OrderPending {
			notPending = append(notPending, opt.Failure{OrderID: o.ID, Reason: opt.ReasonNotPending, Detail: "status " + string(o.Status)})
			continue
		}
		pending = append(pending, o)
	}

	ids := make([]string, len(inScope))
	for i, v := range inScope {
		ids[i] = v.ID
	}
	unlock, err := s.Locks.LockVehicles(ctx, ids, s.LockWait)
	if err != nil {
		return opt.Plan{}, err
	}
	defer unlock()

	plan, err := s.Engine.Plan(ctx, date, pending, inScope)
	if err != nil {
		return opt.Plan{}, err
	}
	plan.Unassigned = append(notPending, plan.Unassigned...)
	plan.Summary.Orders = len(orders)
	plan.Summary.Unassigned = len(plan.Unassigned)

	// a newer run must not see this one's writes
	if err := ctx.Err(); err != nil {
		return opt.Plan{}, runErr(ctx)
	}
	if err := s.Store.Apply(ctx, planBatch(plan, orders, inScope)); err != nil {
		return opt.Plan{}, fmt.Errorf("optimize: apply: %w", err)
	}
	for i := range plan.Dispatches {
		plan.Dispatches[i].Version = 1
	}
	return plan, nil
}

// planBatch assigns the planned orders and guards every used vehicle by
// version so a concurrent change to it fails the batch.
func planBatch(plan opt.Plan, orders []model.Order, vehicles []model.Vehicle) store.Batch {
	byOrder := map[string]model.Order{}
	for _, o := range orders {
		byOrder[o.ID] = o
	}
	byVehicle := map[string]model.Vehicle{}
	for _, v := range vehicles {
		byVehicle[v.ID] = v
	}
	var b store.Batch
	for _, d := range plan.Dispatches {
		for _, id := range d.OrderIDs() {
			o := byOrder[id]
			b.Orders = append(b.Orders, store.OrderUpdate{ID: id, Version: o.Version, Status: model.OrderAssigned})
		}
		v := byVehicle[d.VehicleID]
		b.Vehicles = append(b.Vehicles, store.VehicleUpdate{ID: v.ID, Version: v.Version, Status: v.Status})
		b.Dispatches = append(b.Dispatches, d)
	}
	return b
}

// busyVehicles are those already holding an active dispatch on date.
func (s *Service) busyVehicles(ctx context.Context, date string) (map[string]bool, error) {
	ds, err := s.Store.ListDispatches(ctx, store.DispatchFilter{Date: date, Statuses: activeStatuses})
	if err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	busy := map[string]bool{}
	for _, d := range ds {
		busy[d.VehicleID] = true
	}
	return busy, nil
}

var activeStatuses = []model.DispatchStatus{model.DispatchDraft, model.DispatchConfirmed, model.DispatchInProgress}

func (s *Service) publish(ctx context.Context, d model.Dispatch, event string) {
	if s.Events != nil {
		s.Events.PublishDispatch(d, event)
	}
	if s.Hooks != nil {
		s.Hooks.Emit(ctx, "dispatch."+event, map[string]any{
			"id": d.ID, "vehicleId": d.VehicleID, "date": d.Date, "status": d.Status, "orderIds": d.OrderIDs(),
		})
	}
}

func (s *Service) GetDispatch(ctx context.Context, id string) (model.Dispatch, error) {
	return s.Store.GetDispatch(ctx, id)
}

func (s *Service) ListDispatches(ctx context.Context, f store.DispatchFilter) ([]model.Dispatch, error) {
	return s.Store.ListDispatches(ctx, f)
}

// RunHistory returns the retained optimization runs for date.
func (s *Service) RunHistory(date string) []opt.RunRecord {
	if s.Runs == nil {
		return nil
	}
	return s.Runs.Runs(date)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
