package opt

import (
	"context"
	"fmt"
	"math"
	"time"

	"coldchain/internal/distance"
	"coldchain/internal/model"
)

// Reason is a machine readable code for an order left out of a plan.
type Reason string

const (
	ReasonNoCompatibleVehicle Reason = "NO_COMPATIBLE_VEHICLE"
	ReasonNoCapacity          Reason = "NO_CAPACITY"
	ReasonTimeWindow          Reason = "TIME_WINDOW_VIOLATION"
	ReasonNotPending          Reason = "ORDER_NOT_PENDING"
)

// Violation names an order that made a stop sequence infeasible.
type Violation struct {
	OrderID string `json:"orderId"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type Params struct {
	AverageSpeedKmh float64
	ServiceDuration time.Duration
	// MaxIterations caps local-improvement passes.
	MaxIterations  int
	ReturnToGarage bool
	CostPerKm      float64
	CostPerHour    float64
}

func DefaultParams() Params {
	return Params{
		AverageSpeedKmh: 50,
		ServiceDuration: 15 * time.Minute,
		MaxIterations:   50,
		ReturnToGarage:  true,
		CostPerKm:       1.1,
		CostPerHour:     30,
	}
}

// Sequencer orders one vehicle's pickups and deliveries.
type Sequencer struct {
	Params   Params
	Distance distance.Provider
	Scorer   Scorer
}

func NewSequencer(p Params, d distance.Provider, s Scorer) *Sequencer {
	if d == nil {
		d = distance.Geodesic{SpeedKmh: p.AverageSpeedKmh}
	}
	if s == nil {
		s = DefaultScorer()
	}
	return &Sequencer{Params: p, Distance: d, Scorer: s}
}

type Input struct {
	Vehicle model.Vehicle
	Orders  []model.Order
	// Origin is where the vehicle starts; the garage when nil.
	Origin *model.GeoPoint
	Start  time.Time
}

// Route is a materialized stop list, or the violations that prevented one.
type Route struct {
	Stops      []model.RouteStop `json:"stops"`
	Totals     model.Totals      `json:"totals"`
	Violations []Violation       `json:"violations,omitempty"`
}

func (r Route) Feasible() bool { return len(r.Violations) == 0 }

// Sequence builds a nearest-neighbour tour from the origin and improves it
// with bounded swap / 2-opt moves. Infeasibility is reported through
// Route.Violations; the error is reserved for distance lookups and ctx.
// A vehicle arriving before a stop's window opens waits until the window
// start, then services the stop.
func (s *Sequencer) Sequence(ctx context.Context, in Input) (Route, error) {
	if len(in.Orders) == 0 {
		return Route{}, nil
	}
	p, err := s.newArena(ctx, in)
	if err != nil {
		return Route{}, err
	}
	seq, v := p.nearestNeighbor()
	if v != nil {
		return Route{Violations: []Violation{*v}}, nil
	}
	seq = p.improve(seq, s.Params.MaxIterations)
	return p.materialize(seq, s.Scorer), nil
}

// arena holds the nodes of one sequencing call. Node 0 is the origin, order
// i has its pickup at 1+2i and its delivery at 2+2i, the garage is last.
type arena struct {
	vehicle model.Vehicle
	orders  []model.Order
	pts     []model.GeoPoint
	legs    [][]distance.Result
	start   time.Time
	params  Params
}

const eps = 1e-9

func (s *Sequencer) newArena(ctx context.Context, in Input) (*arena, error) {
	n := len(in.Orders)
	origin := in.Vehicle.Garage.Point()
	if in.Origin != nil {
		origin = *in.Origin
	}
	pts := make([]model.GeoPoint, 0, 2*n+2)
	pts = append(pts, origin)
	for _, o := range in.Orders {
		pts = append(pts, o.Pickup.Point(), o.Delivery.Point())
	}
	pts = append(pts, in.Vehicle.Garage.Point())

	legs := make([][]distance.Result, len(pts))
	for i := range pts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		legs[i] = make([]distance.Result, len(pts))
		for j := range pts {
			if i == j || pts[i] == pts[j] {
				continue
			}
			r, err := s.Distance.Distance(ctx, pts[i], pts[j])
			if err != nil {
				return nil, fmt.Errorf("sequence vehicle %s: distance: %w", in.Vehicle.ID, err)
			}
			legs[i][j] = r
		}
	}
	return &arena{vehicle: in.Vehicle, orders: in.Orders, pts: pts, legs: legs, start: in.Start, params: s.Params}, nil
}

func (a *arena) orderOf(node int) int   { return (node - 1) / 2 }
func (a *arena) isPickup(node int) bool { return (node-1)%2 == 0 }
func (a *arena) pickupOf(oi int) int    { return 1 + 2*oi }
func (a *arena) deliveryOf(oi int) int  { return 2 + 2*oi }
func (a *arena) garage() int            { return len(a.pts) - 1 }

func (a *arena) window(node int) *model.TimeWindow {
	o := a.orders[a.orderOf(node)]
	if a.isPickup(node) {
		return o.PickupWindow
	}
	return o.DeliveryWindow
}

func (a *arena) travel(r distance.Result) time.Duration {
	mins := r.DurationMin
	if mins <= 0 {
		mins = distance.MinutesAt(r.DistanceKm, a.params.AverageSpeedKmh)
	}
	return time.Duration(mins * float64(time.Minute))
}

// closer reports whether node x should be visited before node y from cur:
// shorter leg, then higher priority, then order id, then pickup first.
func (a *arena) closer(cur, x, y int) bool {
	dx, dy := a.legs[cur][x].DistanceKm, a.legs[cur][y].DistanceKm
	if math.Abs(dx-dy) > eps {
		return dx < dy
	}
	ox, oy := a.orders[a.orderOf(x)], a.orders[a.orderOf(y)]
	if ox.EffectivePriority() != oy.EffectivePriority() {
		return ox.EffectivePriority() < oy.EffectivePriority()
	}
	if ox.ID != oy.ID {
		return ox.ID < oy.ID
	}
	return x < y
}

func (a *arena) nearestNeighbor() ([]int, *Violation) {
	n := len(a.orders)
	capacity := a.vehicle.Capacity()
	seq := make([]int, 0, 2*n)
	visited := make([]bool, 2*n+1)
	var load model.Load
	cur := 0
	for len(seq) < 2*n {
		best := -1
		for node := 1; node <= 2*n; node++ {
			if visited[node] {
				continue
			}
			oi := a.orderOf(node)
			if a.isPickup(node) {
				if !load.Add(a.orders[oi].Load()).Within(capacity) {
					continue
				}
			} else if !visited[a.pickupOf(oi)] {
				continue
			}
			if best < 0 || a.closer(cur, node, best) {
				best = node
			}
		}
		if best < 0 {
			return nil, a.capacityViolation(visited, load)
		}
		oi := a.orderOf(best)
		if a.isPickup(best) {
			load = load.Add(a.orders[oi].Load())
		} else {
			load = load.Sub(a.orders[oi].Load())
		}
		visited[best] = true
		seq = append(seq, best)
		cur = best
	}
	return seq, nil
}

// capacityViolation picks the lowest-priority pickup that could not be loaded.
func (a *arena) capacityViolation(visited []bool, load model.Load) *Violation {
	worst := -1
	for oi, o := range a.orders {
		if visited[a.pickupOf(oi)] {
			continue
		}
		if worst < 0 {
			worst = oi
			continue
		}
		w := a.orders[worst]
		if o.EffectivePriority() > w.EffectivePriority() || (o.EffectivePriority() == w.EffectivePriority() && o.ID > w.ID) {
			worst = oi
		}
	}
	o := a.orders[worst]
	c := a.vehicle.Capacity()
	return &Violation{
		OrderID: o.ID,
		Reason:  ReasonNoCapacity,
		Detail: fmt.Sprintf("load %d pallets / %.1f kg on board plus %d / %.1f exceeds capacity %d / %.1f",
			load.Pallets, load.WeightKg, o.Pallets, o.WeightKg, c.Pallets, c.WeightKg),
	}
}

func (a *arena) precedenceOK(seq []int) bool {
	pos := make([]int, len(a.pts))
	for i, node := range seq {
		pos[node] = i
	}
	for oi := range a.orders {
		if pos[a.pickupOf(oi)] > pos[a.deliveryOf(oi)] {
			return false
		}
	}
	return true
}

// evaluate walks seq and returns the travelled distance, the number of late
// stops and whether capacity held at every stop.
func (a *arena) evaluate(seq []int) (km float64, late int, ok bool) {
	capacity := a.vehicle.Capacity()
	var load model.Load
	t := a.start
	cur := 0
	for _, node := range seq {
		leg := a.legs[cur][node]
		km += leg.DistanceKm
		arrival := t.Add(a.travel(leg))
		w := a.window(node)
		begin := arrival
		if w.Early(arrival) {
			begin = w.Start
		}
		if w.Late(arrival) {
			late++
		}
		t = begin.Add(a.params.ServiceDuration)
		o := a.orders[a.orderOf(node)]
		if a.isPickup(node) {
			load = load.Add(o.Load())
			if !load.Within(capacity) {
				return km, late, false
			}
		} else {
			load = load.Sub(o.Load())
		}
		cur = node
	}
	if a.params.ReturnToGarage {
		km += a.legs[cur][a.garage()].DistanceKm
	}
	return km, late, true
}

func (a *arena) materialize(seq []int, scorer Scorer) Route {
	capacity := a.vehicle.Capacity()
	r := Route{Stops: make([]model.RouteStop, 0, len(seq))}
	var load model.Load
	t := a.start
	cur := 0
	peak := 0.0
	for i, node := range seq {
		o := a.orders[a.orderOf(node)]
		leg := a.legs[cur][node]
		if load.IsEmpty() {
			r.Totals.EmptyKm += leg.DistanceKm
		}
		r.Totals.DistanceKm += leg.DistanceKm
		travel := a.travel(leg)
		arrival := t.Add(travel)
		w := a.window(node)
		begin := arrival
		if w.Early(arrival) {
			begin = w.Start
		}
		if w.Late(arrival) {
			r.Violations = append(r.Violations, Violation{
				OrderID: o.ID,
				Reason:  ReasonTimeWindow,
				Detail:  fmt.Sprintf("arrival %s after window end %s", arrival.Format(time.RFC3339), w.End.Format(time.RFC3339)),
			})
		}
		departure := begin.Add(a.params.ServiceDuration)
		kind, loc := model.StopDelivery, o.Delivery
		if a.isPickup(node) {
			kind, loc = model.StopPickup, o.Pickup
			load = load.Add(o.Load())
			r.Totals.Orders++
			r.Totals.Pallets += o.Pallets
			r.Totals.WeightKg += o.WeightKg
		} else {
			load = load.Sub(o.Load())
		}
		peak = math.Max(peak, utilization(load, capacity))
		r.Stops = append(r.Stops, model.RouteStop{
			Seq:         i + 1,
			Kind:        kind,
			OrderID:     o.ID,
			Location:    loc,
			DistanceKm:  leg.DistanceKm,
			DurationMin: travel.Minutes(),
			Pallets:     load.Pallets,
			WeightKg:    load.WeightKg,
			VolumeM3:    load.VolumeM3,
			ArrivalAt:   arrival,
			DepartureAt: departure,
		})
		t = departure
		cur = node
	}
	if a.params.ReturnToGarage {
		leg := a.legs[cur][a.garage()]
		r.Totals.ReturnKm = leg.DistanceKm
		r.Totals.EmptyKm += leg.DistanceKm
		r.Totals.DistanceKm += leg.DistanceKm
		t = t.Add(a.travel(leg))
	}
	r.Totals.DurationMin = t.Sub(a.start).Minutes()
	r.Totals.EstimatedCost = round2(r.Totals.DistanceKm*a.params.CostPerKm + r.Totals.DurationMin/60*a.params.CostPerHour)
	if scorer != nil {
		r.Totals.Score = scorer.Score(ScoreInput{
			TotalKm:     r.Totals.DistanceKm,
			EmptyKm:     r.Totals.EmptyKm,
			Utilization: peak,
			Stops:       len(r.Stops),
		})
	}
	return r
}

func utilization(load, capacity model.Load) float64 {
	u := 0.0
	if capacity.Pallets > 0 {
		u = float64(load.Pallets) / float64(capacity.Pallets)
	}
	if capacity.WeightKg > 0 {
		u = math.Max(u, load.WeightKg/capacity.WeightKg)
	}
	return u
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
