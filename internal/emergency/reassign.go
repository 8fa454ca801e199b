package emergency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/dispatch"
	"coldchain/internal/metrics"
	"coldchain/internal/model"
	"coldchain/internal/notify"
	"coldchain/internal/obs"
	"coldchain/internal/opt"
	"coldchain/internal/store"
)

type ReassignRequest struct {
	BrokenVehicleID      string   `json:"brokenVehicleId"`
	ReplacementVehicleID string   `json:"replacementVehicleId"`
	DispatchIDs          []string `json:"dispatchIds"`
	NotifyCustomers      bool     `json:"notifyCustomers"`
}

func (r ReassignRequest) validate() error {
	switch {
	case r.BrokenVehicleID == "" || r.ReplacementVehicleID == "":
		return fmt.Errorf("reassign: brokenVehicleId and replacementVehicleId required: %w", dispatch.ErrInvalidRequest)
	case r.BrokenVehicleID == r.ReplacementVehicleID:
		return fmt.Errorf("reassign: replacement must differ from the broken vehicle: %w", dispatch.ErrInvalidRequest)
	case len(r.DispatchIDs) == 0:
		return fmt.Errorf("reassign: dispatchIds must not be empty: %w", dispatch.ErrInvalidRequest)
	}
	return nil
}

// ReassignResponse reports the outcome. An infeasible re-sequencing is not an
// error: Feasible is false and nothing was written.
type ReassignResponse struct {
	Feasible   bool             `json:"feasible"`
	Violations []opt.Violation  `json:"violations,omitempty"`
	Dispatches []model.Dispatch `json:"dispatches"`
	Closed     []model.Dispatch `json:"closedDispatches"`
	OrderIDs   []string         `json:"reassignedOrderIds"`
	Notified   int              `json:"notificationsQueued"`
}

// Reassign moves the unfinished work of the broken vehicle's dispatches to
// the replacement, merged with whatever the replacement already carries on
// the same date. Orders already on board are picked up again at the broken
// vehicle's last known position.
func (s *Service) Reassign(ctx context.Context, req ReassignRequest) (resp ReassignResponse, err error) {
	defer obs.Time(ctx, "emergency.reassign")(&err)
	outcome := "error"
	defer func() { metrics.Reassignments.WithLabelValues(outcome).Inc() }()
	if err := req.validate(); err != nil {
		return ReassignResponse{}, err
	}
	unlock, err := s.Locks.LockVehicles(ctx, []string{req.BrokenVehicleID, req.ReplacementVehicleID}, s.LockWait)
	if err != nil {
		return ReassignResponse{}, fmt.Errorf("reassign: %w", err)
	}
	defer unlock()

	var p *reassignPlan
	for attempt := 1; ; attempt++ {
		p, err = s.planReassign(ctx, req)
		if err != nil {
			return ReassignResponse{}, err
		}
		if len(p.violations) > 0 {
			outcome = "infeasible"
			return ReassignResponse{Feasible: false, Violations: p.violations, Dispatches: []model.Dispatch{}, Closed: []model.Dispatch{}, OrderIDs: p.orderIDs()}, nil
		}
		err = s.Store.Apply(ctx, p.batch())
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt == 1 {
			log.Printf("reassign %s -> %s: version conflict, retrying once: %v", req.BrokenVehicleID, req.ReplacementVehicleID, err)
			continue
		}
		if errors.Is(err, store.ErrConflict) {
			outcome = "conflict"
			return ReassignResponse{}, fmt.Errorf("reassign: %v: %w", err, dispatch.ErrRetryLater)
		}
		return ReassignResponse{}, fmt.Errorf("reassign: apply: %w", err)
	}
	outcome = "ok"

	for i := range p.replacement {
		p.replacement[i].Version++
	}
	for i := range p.closed {
		p.closed[i].Version++
	}
	resp = ReassignResponse{Feasible: true, Dispatches: p.replacement, Closed: p.closed, OrderIDs: p.orderIDs()}
	for _, d := range p.closed {
		s.publishDispatch(ctx, d, "closed")
	}
	for _, d := range p.replacement {
		s.publishDispatch(ctx, d, "reassigned")
	}
	if req.NotifyCustomers && s.Notifier != nil {
		resp.Notified = s.notifyCustomers(p)
	}
	log.Printf("reassign %s -> %s: %d orders onto %d dispatches, %d closed",
		req.BrokenVehicleID, req.ReplacementVehicleID, len(resp.OrderIDs), len(p.replacement), len(p.closed))
	return resp, nil
}

// reassignPlan is the write-back of one reassignment.
type reassignPlan struct {
	replacementVehicle model.Vehicle
	replacement        []model.Dispatch
	closed             []model.Dispatch
	// transferred orders in the order they were collected
	transferred []model.Order
	orders      map[string]model.Order
	violations  []opt.Violation
}

func (p *reassignPlan) orderIDs() []string {
	out := make([]string, len(p.transferred))
	for i, o := range p.transferred {
		out[i] = o.ID
	}
	return out
}

func (p *reassignPlan) batch() store.Batch {
	var b store.Batch
	for _, o := range p.transferred {
		if o.Status != model.OrderAssigned {
			b.Orders = append(b.Orders, store.OrderUpdate{ID: o.ID, Version: o.Version, Status: model.OrderAssigned})
		}
	}
	v := p.replacementVehicle
	b.Vehicles = append(b.Vehicles, store.VehicleUpdate{ID: v.ID, Version: v.Version, Status: v.Status})
	b.Dispatches = append(b.Dispatches, p.closed...)
	b.Dispatches = append(b.Dispatches, p.replacement...)
	return b
}

func (s *Service) planReassign(ctx context.Context, req ReassignRequest) (*reassignPlan, error) {
	broken, err := s.Store.GetVehicle(ctx, req.BrokenVehicleID)
	if err != nil {
		return nil, fmt.Errorf("reassign: %w", err)
	}
	repl, err := s.Store.GetVehicle(ctx, req.ReplacementVehicleID)
	if err != nil {
		return nil, fmt.Errorf("reassign: %w", err)
	}
	if repl.Status != model.VehicleAvailable {
		return nil, fmt.Errorf("reassign: replacement %s is %s: %w", repl.ID, repl.Status, dispatch.ErrInvalidRequest)
	}

	byDate := map[string][]model.Dispatch{}
	seen := map[string]bool{}
	var all []model.Dispatch
	for _, id := range req.DispatchIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := s.Store.GetDispatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reassign: %w", err)
		}
		if d.VehicleID != broken.ID {
			return nil, fmt.Errorf("reassign: dispatch %s belongs to %s, not %s: %w", d.ID, d.VehicleID, broken.ID, dispatch.ErrInvalidRequest)
		}
		if !d.Status.Active() {
			return nil, fmt.Errorf("reassign: dispatch %s is %s: %w", d.ID, d.Status, dispatch.ErrInvalidTransition)
		}
		byDate[d.Date] = append(byDate[d.Date], d)
		all = append(all, d)
	}
	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	p := &reassignPlan{replacementVehicle: repl, orders: map[string]model.Order{}}
	ids := []string{}
	for _, d := range all {
		ids = append(ids, d.OrderIDs()...)
	}
	if err := s.loadOrders(ctx, p, ids); err != nil {
		return nil, err
	}
	onBoardAt := s.lastKnown(ctx, broken, all)

	for _, date := range dates {
		olds := byDate[date]
		var seqOrders []model.Order
		var existing *model.Dispatch
		targets, err := s.Store.ListDispatches(ctx, store.DispatchFilter{VehicleID: repl.ID, Date: date, Statuses: activeStatuses})
		if err != nil {
			return nil, fmt.Errorf("reassign: %w", err)
		}
		if len(targets) > 0 {
			existing = &targets[0]
			kept := undelivered(*existing)
			if err := s.loadOrders(ctx, p, kept); err != nil {
				return nil, err
			}
			for _, id := range kept {
				seqOrders = append(seqOrders, p.orders[id])
			}
		}
		for _, old := range olds {
			picked := old.PickedUp()
			for _, id := range undelivered(old) {
				o := p.orders[id]
				p.transferred = append(p.transferred, o)
				if picked[id] {
					o.Pickup = model.Location{Lat: onBoardAt.Lat, Lng: onBoardAt.Lng, Address: "on board " + broken.ID}
					o.PickupWindow = nil
				}
				seqOrders = append(seqOrders, o)
			}
		}

		in := opt.Input{Vehicle: repl, Orders: seqOrders, Start: s.startFor(date)}
		if date == s.today() && s.Positions != nil {
			if pt, ok := s.Positions.Position(ctx, repl.ID); ok {
				in.Origin = &pt
			}
		}
		route, err := s.Engine.Sequencer.Sequence(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("reassign: sequence %s: %w", date, err)
		}
		if !route.Feasible() {
			p.violations = append(p.violations, route.Violations...)
			continue
		}

		var next model.Dispatch
		if existing != nil {
			next = *existing
		} else {
			next = model.Dispatch{ID: uuid.New().String(), VehicleID: repl.ID, Date: date, Status: model.DispatchConfirmed}
		}
		next.Stops = route.Stops
		next.Totals = route.Totals
		p.replacement = append(p.replacement, next)
		for _, old := range olds {
			p.closed = append(p.closed, closeOut(old, p.orders))
		}
	}
	return p, nil
}

func (s *Service) loadOrders(ctx context.Context, p *reassignPlan, ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := p.orders[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	orders, err := s.Store.GetOrders(ctx, missing)
	if err != nil {
		return fmt.Errorf("reassign: %w", err)
	}
	for _, o := range orders {
		p.orders[o.ID] = o
	}
	return nil
}

// closeOut cancels a dispatch that delivered nothing, or truncates it to
// its delivered orders and completes it.
func closeOut(d model.Dispatch, orders map[string]model.Order) model.Dispatch {
	delivered := d.Delivered()
	if len(delivered) == 0 {
		d.Status = model.DispatchCancelled
		return d
	}
	kept := []model.RouteStop{}
	totals := model.Totals{Score: d.Totals.Score}
	for _, st := range d.Stops {
		if !delivered[st.OrderID] {
			continue
		}
		st.Seq = len(kept) + 1
		kept = append(kept, st)
		totals.DistanceKm += st.DistanceKm
		totals.DurationMin += st.DurationMin
	}
	for id := range delivered {
		o := orders[id]
		totals.Orders++
		totals.Pallets += o.Pallets
		totals.WeightKg += o.WeightKg
	}
	d.Stops = kept
	d.Totals = totals
	d.Status = model.DispatchCompleted
	return d
}

// lastKnown is the broken vehicle's live position, else the location of its
// most recently completed stop, else its garage.
func (s *Service) lastKnown(ctx context.Context, v model.Vehicle, ds []model.Dispatch) model.GeoPoint {
	if s.Positions != nil {
		if pt, ok := s.Positions.Position(ctx, v.ID); ok {
			return pt
		}
	}
	var latest *model.RouteStop
	for _, d := range ds {
		for i := range d.Stops {
			st := d.Stops[i]
			if st.CompletedAt != nil && (latest == nil || st.CompletedAt.After(*latest.CompletedAt)) {
				latest = &st
			}
		}
	}
	if latest != nil {
		return latest.Location.Point()
	}
	return v.Garage.Point()
}

// startFor is when the replacement can leave: now for today, the shift start
// for later dates.
func (s *Service) startFor(date string) time.Time {
	now := s.Now()
	if s.Engine == nil {
		return now
	}
	start, err := s.Engine.DayStart(date)
	if err != nil || start.Before(now) {
		return now
	}
	return start
}

func (s *Service) notifyCustomers(p *reassignPlan) int {
	eta := map[string]time.Time{}
	dispatchOf := map[string]string{}
	for _, d := range p.replacement {
		for _, st := range d.Stops {
			if st.Kind == model.StopDelivery {
				eta[st.OrderID] = st.ArrivalAt
				dispatchOf[st.OrderID] = d.ID
			}
		}
	}
	sent := 0
	for _, o := range p.transferred {
		s.Notifier.Send(notify.Notification{
			Recipient: o.Customer.Recipient(),
			Channel:   o.Customer.Channel,
			Subject:   "Delivery update for order " + o.ID,
			Body: fmt.Sprintf("Your order %s has been moved to vehicle %s. New estimated arrival: %s.",
				o.ID, p.replacementVehicle.ID, eta[o.ID].Format(time.RFC3339)),
			Data: map[string]any{"orderId": o.ID, "vehicleId": p.replacementVehicle.ID, "dispatchId": dispatchOf[o.ID], "eta": eta[o.ID]},
		})
		sent++
	}
	return sent
}

func (s *Service) publishDispatch(ctx context.Context, d model.Dispatch, event string) {
	if s.Events != nil {
		s.Events.PublishDispatch(d, event)
	}
	if s.Hooks != nil {
		s.Hooks.Emit(ctx, "dispatch."+event, map[string]any{
			"id": d.ID, "vehicleId": d.VehicleID, "date": d.Date, "status": d.Status, "orderIds": d.OrderIDs(),
		})
	}
}
