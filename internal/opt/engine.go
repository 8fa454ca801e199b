package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/distance"
	"coldchain/internal/model"
)

// ErrNoVehicles is returned when a plan is requested without any vehicle.
var ErrNoVehicles = errors.New("no vehicles to plan with")

// Failure is an order the plan could not place. It is a result, not an error.
type Failure struct {
	OrderID string `json:"orderId"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type Summary struct {
	Orders        int     `json:"orders"`
	Assigned      int     `json:"assigned"`
	Unassigned    int     `json:"unassigned"`
	VehiclesUsed  int     `json:"vehiclesUsed"`
	DistanceKm    float64 `json:"distanceKm"`
	EmptyKm       float64 `json:"emptyKm"`
	EstimatedCost float64 `json:"estimatedCost"`
	MeanScore     float64 `json:"meanScore"`
}

type Plan struct {
	Date       string           `json:"date"`
	Dispatches []model.Dispatch `json:"dispatches"`
	Unassigned []Failure        `json:"unassignedOrders"`
	Summary    Summary          `json:"summary"`
}

// Engine is the greedy best-fit dispatch planner. It only reads the
// snapshots it is given; persisting the plan is the caller's job.
type Engine struct {
	Sequencer *Sequencer
	// ShiftStart is the offset from midnight at which routes leave the garage.
	ShiftStart time.Duration
	Location   *time.Location
	Now        func() time.Time
}

func NewEngine(seq *Sequencer, shiftStart time.Duration, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{Sequencer: seq, ShiftStart: shiftStart, Location: loc, Now: time.Now}
}

// DayStart is the departure time for routes on date.
func (e *Engine) DayStart(date string) (time.Time, error) {
	day, err := time.ParseInLocation(model.DateLayout, date, e.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day.Add(e.ShiftStart), nil
}

// bin is a vehicle's working set during a plan.
type bin struct {
	vehicle   model.Vehicle
	remaining model.Load
	frontier  model.GeoPoint
	orders    []model.Order
}

func (b *bin) open() bool { return len(b.orders) > 0 }

func (b *bin) add(o model.Order) {
	b.orders = append(b.orders, o)
	b.remaining = b.remaining.Sub(o.Load())
	b.frontier = o.Delivery.Point()
}

// spareAfter is the normalized capacity left if o were added. Lower is a
// tighter fit.
func (b *bin) spareAfter(o model.Order) float64 {
	r := b.remaining.Sub(o.Load())
	s := float64(r.Pallets)/math.Max(1, float64(b.vehicle.MaxPallets)) + r.WeightKg/math.Max(1, b.vehicle.MaxWeightKg)
	if b.vehicle.MaxVolumeM3 > 0 {
		s += r.VolumeM3 / b.vehicle.MaxVolumeM3
	}
	return s
}

// Plan assigns orders to vehicles for date. Orders that cannot be placed are
// returned in Plan.Unassigned; only ctx, distance lookups, a bad date or an
// empty vehicle list produce an error.
func (e *Engine) Plan(ctx context.Context, date string, orders []model.Order, vehicles []model.Vehicle) (Plan, error) {
	if len(vehicles) == 0 {
		return Plan{}, ErrNoVehicles
	}
	start, err := e.DayStart(date)
	if err != nil {
		return Plan{}, err
	}

	sorted := append([]model.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return orderBefore(sorted[i], sorted[j]) })
	vs := append([]model.Vehicle(nil), vehicles...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })

	bins := make([]*bin, len(vs))
	for i, v := range vs {
		bins[i] = &bin{vehicle: v, remaining: v.Capacity(), frontier: v.Garage.Point()}
	}

	plan := Plan{Date: date, Dispatches: []model.Dispatch{}, Unassigned: []Failure{}}
	for _, o := range sorted {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		if b := place(o, bins); b != nil {
			b.add(o)
			continue
		}
		plan.Unassigned = append(plan.Unassigned, unplaced(o, vs))
	}

	now := e.Now().UTC()
	for _, b := range bins {
		if !b.open() {
			continue
		}
		route, dropped, err := e.sequenceBin(ctx, b, start)
		if err != nil {
			return Plan{}, err
		}
		plan.Unassigned = append(plan.Unassigned, dropped...)
		if len(route.Stops) == 0 {
			continue
		}
		plan.Dispatches = append(plan.Dispatches, model.Dispatch{
			ID:        uuid.NewString(),
			VehicleID: b.vehicle.ID,
			Date:      date,
			Status:    model.DispatchDraft,
			Totals:    route.Totals,
			Stops:     route.Stops,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	plan.Summary = summarize(len(orders), plan)
	return plan, nil
}

// sequenceBin sequences a vehicle's working set, dropping the first
// violating order and retrying until the rest is feasible.
func (e *Engine) sequenceBin(ctx context.Context, b *bin, start time.Time) (Route, []Failure, error) {
	orders := b.orders
	var dropped []Failure
	for len(orders) > 0 {
		route, err := e.Sequencer.Sequence(ctx, Input{Vehicle: b.vehicle, Orders: orders, Start: start})
		if err != nil {
			return Route{}, nil, err
		}
		if route.Feasible() {
			return route, dropped, nil
		}
		v := route.Violations[0]
		dropped = append(dropped, Failure{OrderID: v.OrderID, Reason: v.Reason, Detail: v.Detail})
		orders = withoutOrder(orders, v.OrderID)
	}
	return Route{}, dropped, nil
}

// place picks the best-fit open vehicle, then the best-fit unused one.
func place(o model.Order, bins []*bin) *bin {
	var best *bin
	var bestSpare, bestDist float64
	consider := func(b *bin) {
		if !Compatible(o, b.vehicle, b.remaining) {
			return
		}
		spare := b.spareAfter(o)
		dist := distance.HaversineKm(b.frontier, o.Pickup.Point())
		switch {
		case best == nil:
		case spare < bestSpare-eps:
		case math.Abs(spare-bestSpare) <= eps && dist < bestDist-eps:
		default:
			return
		}
		best, bestSpare, bestDist = b, spare, dist
	}
	for _, b := range bins {
		if b.open() {
			consider(b)
		}
	}
	if best != nil {
		return best
	}
	for _, b := range bins {
		if !b.open() {
			consider(b)
		}
	}
	return best
}

func unplaced(o model.Order, vehicles []model.Vehicle) Failure {
	for _, v := range vehicles {
		if Eligible(o, v) {
			return Failure{OrderID: o.ID, Reason: ReasonNoCapacity, Detail: fmt.Sprintf("%d pallets / %.1f kg do not fit any compatible vehicle", o.Pallets, o.WeightKg)}
		}
	}
	return Failure{OrderID: o.ID, Reason: ReasonNoCompatibleVehicle, Detail: fmt.Sprintf("no vehicle carries %s%s", o.Zone, forkliftNote(o))}
}

func forkliftNote(o model.Order) string {
	if o.RequiresForklift {
		return " with forklift"
	}
	return ""
}

// orderBefore sorts by priority, requested delivery, then id. Orders without
// a requested delivery go after those with one.
func orderBefore(a, b model.Order) bool {
	if a.EffectivePriority() != b.EffectivePriority() {
		return a.EffectivePriority() < b.EffectivePriority()
	}
	ra, rb := a.RequestedDelivery(), b.RequestedDelivery()
	if !ra.Equal(rb) {
		if ra.IsZero() {
			return false
		}
		if rb.IsZero() {
			return true
		}
		return ra.Before(rb)
	}
	return a.ID < b.ID
}

func withoutOrder(orders []model.Order, id string) []model.Order {
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}

func summarize(total int, p Plan) Summary {
	s := Summary{Orders: total, Unassigned: len(p.Unassigned), VehiclesUsed: len(p.Dispatches)}
	for _, d := range p.Dispatches {
		s.Assigned += d.Totals.Orders
		s.DistanceKm += d.Totals.DistanceKm
		s.EmptyKm += d.Totals.EmptyKm
		s.EstimatedCost += d.Totals.EstimatedCost
		s.MeanScore += d.Totals.Score
	}
	if len(p.Dispatches) > 0 {
		s.MeanScore = round2(s.MeanScore / float64(len(p.Dispatches)))
	}
	s.EstimatedCost = round2(s.EstimatedCost)
	return s
}
