package dispatch

import (
	"context"
	"fmt"

	"coldchain/internal/model"
	"coldchain/internal/obs"
	"coldchain/internal/store"
)

// transition describes one lifecycle step: the statuses it accepts, the one
// it produces, and which statuses make it a no-op.
type transition struct {
	name string
	from []model.DispatchStatus
	to   model.DispatchStatus
}

func (t transition) allowed(s model.DispatchStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

var (
	toConfirmed = transition{"confirm", []model.DispatchStatus{model.DispatchDraft}, model.DispatchConfirmed}
	toStarted   = transition{"start", []model.DispatchStatus{model.DispatchConfirmed}, model.DispatchInProgress}
	toCompleted = transition{"complete", []model.DispatchStatus{model.DispatchInProgress}, model.DispatchCompleted}
	toCancelled = transition{"cancel", []model.DispatchStatus{model.DispatchDraft, model.DispatchConfirmed, model.DispatchInProgress}, model.DispatchCancelled}
)

// Confirm moves DRAFT dispatches to CONFIRMED. Already CONFIRMED ones are
// returned unchanged.
func (s *Service) Confirm(ctx context.Context, ids []string) (out []model.Dispatch, err error) {
	defer obs.Time(ctx, "dispatch.confirm")(&err)
	return s.run(ctx, ids, toConfirmed, nil)
}

// Start puts CONFIRMED dispatches on the road: orders go IN_TRANSIT and the
// vehicle IN_USE. A vehicle in maintenance or broken down cannot start.
func (s *Service) Start(ctx context.Context, ids []string) (out []model.Dispatch, err error) {
	defer obs.Time(ctx, "dispatch.start")(&err)
	return s.run(ctx, ids, toStarted, func(c *change) error {
		v, err := s.Store.GetVehicle(ctx, c.dispatch.VehicleID)
		if err != nil {
			return err
		}
		if v.Status != model.VehicleAvailable && v.Status != model.VehicleInUse {
			return fmt.Errorf("start dispatch %s on %s vehicle %s: %w", c.dispatch.ID, v.Status, v.ID, ErrInvalidTransition)
		}
		for _, id := range c.dispatch.OrderIDs() {
			c.orders[id] = model.OrderInTransit
		}
		c.vehicle = model.VehicleInUse
		return nil
	})
}

// Complete closes IN_PROGRESS dispatches: open stops are stamped, orders are
// DELIVERED and the vehicle is released when it has nothing else active.
func (s *Service) Complete(ctx context.Context, ids []string) (out []model.Dispatch, err error) {
	defer obs.Time(ctx, "dispatch.complete")(&err)
	return s.run(ctx, ids, toCompleted, func(c *change) error {
		now := s.Now().UTC()
		delivered := c.dispatch.Delivered()
		for i := range c.dispatch.Stops {
			if c.dispatch.Stops[i].CompletedAt == nil {
				c.dispatch.Stops[i].CompletedAt = &now
			}
		}
		for _, id := range c.dispatch.OrderIDs() {
			if !delivered[id] {
				c.orders[id] = model.OrderDelivered
			}
		}
		c.release = true
		return nil
	})
}

// Cancel cancels dispatches that are not finished. Orders not yet delivered
// return to PENDING.
func (s *Service) Cancel(ctx context.Context, ids []string) (out []model.Dispatch, err error) {
	defer obs.Time(ctx, "dispatch.cancel")(&err)
	return s.run(ctx, ids, toCancelled, func(c *change) error {
		delivered := c.dispatch.Delivered()
		for _, id := range c.dispatch.OrderIDs() {
			if !delivered[id] {
				c.orders[id] = model.OrderPending
			}
		}
		c.release = true
		return nil
	})
}

// CompleteStop stamps one stop of an IN_PROGRESS dispatch. A delivery needs
// its pickup done first. Completing the last stop completes the dispatch.
func (s *Service) CompleteStop(ctx context.Context, id string, seq int) (out model.Dispatch, err error) {
	defer obs.Time(ctx, "dispatch.complete_stop")(&err)
	d, err := s.Store.GetDispatch(ctx, id)
	if err != nil {
		return model.Dispatch{}, err
	}
	unlock, err := s.Locks.LockVehicles(ctx, []string{d.VehicleID}, s.LockWait)
	if err != nil {
		return model.Dispatch{}, err
	}
	defer unlock()
	// re-read under the vehicle intent
	if d, err = s.Store.GetDispatch(ctx, id); err != nil {
		return model.Dispatch{}, err
	}
	if d.Status != model.DispatchInProgress {
		return model.Dispatch{}, fmt.Errorf("complete stop on %s dispatch %s: %w", d.Status, id, ErrInvalidTransition)
	}
	idx := -1
	for i, st := range d.Stops {
		if st.Seq == seq {
			idx = i
		}
	}
	if idx < 0 {
		return model.Dispatch{}, fmt.Errorf("dispatch %s has no stop %d: %w", id, seq, ErrInvalidRequest)
	}
	stop := d.Stops[idx]
	if stop.Done() {
		return d, nil
	}
	if stop.Kind == model.StopDelivery && !d.PickedUp()[stop.OrderID] {
		return model.Dispatch{}, fmt.Errorf("delivery of %s before its pickup: %w", stop.OrderID, ErrInvalidTransition)
	}

	now := s.Now().UTC()
	d.Stops = append([]model.RouteStop(nil), d.Stops...)
	d.Stops[idx].CompletedAt = &now
	c := &change{dispatch: d, orders: map[string]model.OrderStatus{}}
	if stop.Kind == model.StopDelivery {
		c.orders[stop.OrderID] = model.OrderDelivered
	}
	event := "stop_completed"
	if len(d.Remaining()) == 0 {
		c.dispatch.Status = model.DispatchCompleted
		c.release = true
		event = "completed"
	}
	saved, err := s.commit(ctx, []*change{c})
	if err != nil {
		return model.Dispatch{}, err
	}
	s.publish(ctx, saved[0], event)
	return saved[0], nil
}

// change is the write-back for one dispatch in a lifecycle call.
type change struct {
	dispatch model.Dispatch
	noop     bool
	orders   map[string]model.OrderStatus
	vehicle  model.VehicleStatus
	// release marks the vehicle AVAILABLE if nothing else keeps it busy.
	release bool
}

// run validates every id before mutating anything, then writes all changes
// in one batch.
func (s *Service) run(ctx context.Context, ids []string, t transition, mutate func(*change) error) ([]model.Dispatch, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: dispatch ids must not be empty: %w", t.name, ErrInvalidRequest)
	}
	ds := make([]model.Dispatch, 0, len(ids))
	vehicleIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		d, err := s.Store.GetDispatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		ds = append(ds, d)
		vehicleIDs = append(vehicleIDs, d.VehicleID)
	}
	unlock, err := s.Locks.LockVehicles(ctx, vehicleIDs, s.LockWait)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	defer unlock()

	changes := make([]*change, 0, len(ds))
	for _, d := range ds {
		// re-read under the vehicle intents
		cur, err := s.Store.GetDispatch(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		c := &change{dispatch: cur, orders: map[string]model.OrderStatus{}}
		switch {
		case cur.Status == t.to:
			c.noop = true
		case !t.allowed(cur.Status):
			return nil, fmt.Errorf("%s dispatch %s from %s: %w", t.name, cur.ID, cur.Status, ErrInvalidTransition)
		default:
			c.dispatch.Stops = append([]model.RouteStop(nil), cur.Stops...)
			c.dispatch.Status = t.to
			if mutate != nil {
				if err := mutate(c); err != nil {
					return nil, err
				}
			}
		}
		changes = append(changes, c)
	}
	out, err := s.commit(ctx, changes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	for i, c := range changes {
		if !c.noop {
			s.publish(ctx, out[i], string(t.to))
		}
	}
	return out, nil
}

// commit turns changes into one store batch. Vehicles are released only if
// no other active dispatch remains for them.
func (s *Service) commit(ctx context.Context, changes []*change) ([]model.Dispatch, error) {
	var b store.Batch
	orderIDs := []string{}
	orderStatus := map[string]model.OrderStatus{}
	vehicleStatus := map[string]model.VehicleStatus{}
	releasing := map[string]bool{}
	leaving := map[string]bool{}
	for _, c := range changes {
		if c.noop {
			continue
		}
		b.Dispatches = append(b.Dispatches, c.dispatch)
		for id, st := range c.orders {
			if _, ok := orderStatus[id]; !ok {
				orderIDs = append(orderIDs, id)
			}
			orderStatus[id] = st
		}
		if c.vehicle != "" {
			vehicleStatus[c.dispatch.VehicleID] = c.vehicle
		}
		if c.release {
			releasing[c.dispatch.VehicleID] = true
			leaving[c.dispatch.ID] = true
		}
	}
	if b.Empty() {
		out := make([]model.Dispatch, len(changes))
		for i, c := range changes {
			out[i] = c.dispatch
		}
		return out, nil
	}

	if len(orderIDs) > 0 {
		orders, err := s.Store.GetOrders(ctx, orderIDs)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.Status != orderStatus[o.ID] {
				b.Orders = append(b.Orders, store.OrderUpdate{ID: o.ID, Version: o.Version, Status: orderStatus[o.ID]})
			}
		}
	}
	for vid := range releasing {
		if _, set := vehicleStatus[vid]; set {
			continue
		}
		others, err := s.Store.ListDispatches(ctx, store.DispatchFilter{VehicleID: vid, Statuses: activeStatuses})
		if err != nil {
			return nil, err
		}
		idle := true
		for _, d := range others {
			if !leaving[d.ID] {
				idle = false
			}
		}
		if idle {
			vehicleStatus[vid] = model.VehicleAvailable
		}
	}
	for vid, st := range vehicleStatus {
		v, err := s.Store.GetVehicle(ctx, vid)
		if err != nil {
			return nil, err
		}
		// a broken-down vehicle stays out of service until resolved
		if st == model.VehicleAvailable && v.Status != model.VehicleInUse {
			continue
		}
		if v.Status != st {
			b.Vehicles = append(b.Vehicles, store.VehicleUpdate{ID: vid, Version: v.Version, Status: st})
		}
	}

	if err := s.Store.Apply(ctx, b); err != nil {
		return nil, err
	}
	out := make([]model.Dispatch, len(changes))
	now := s.Now().UTC()
	for i, c := range changes {
		d := c.dispatch
		if !c.noop {
			d.Version++
			d.UpdatedAt = now
		}
		out[i] = d
	}
	return out, nil
}
