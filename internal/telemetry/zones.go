package telemetry

import (
	"context"
	"sync"
	"time"

	"coldchain/internal/model"
	"coldchain/internal/store"
)

// ZoneSource is the part of the store zone resolution reads.
type ZoneSource interface {
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListDispatches(ctx context.Context, f store.DispatchFilter) ([]model.Dispatch, error)
	GetOrders(ctx context.Context, ids []string) ([]model.Order, error)
}

// VehicleZones resolves the band a vehicle's sensors are checked against:
// the zone of the load still on today's active dispatch (IN_PROGRESS before
// CONFIRMED), or the coldest zone the vehicle can hold when it runs empty.
// Lookups are cached for ttl so the store is not hit on every reading.
func VehicleZones(src ZoneSource, loc *time.Location, ttl time.Duration) ZoneFunc {
	if loc == nil {
		loc = time.UTC
	}
	type entry struct {
		zone model.Zone
		at   time.Time
	}
	var mu sync.Mutex
	cache := map[string]entry{}
	return func(ctx context.Context, vehicleID string) model.Zone {
		mu.Lock()
		if e, ok := cache[vehicleID]; ok && time.Since(e.at) < ttl {
			mu.Unlock()
			return e.zone
		}
		mu.Unlock()
		z, err := loadZone(ctx, src, vehicleID, time.Now().In(loc).Format(model.DateLayout))
		if err != nil {
			return ""
		}
		mu.Lock()
		cache[vehicleID] = entry{zone: z, at: time.Now()}
		mu.Unlock()
		return z
	}
}

func loadZone(ctx context.Context, src ZoneSource, vehicleID, date string) (model.Zone, error) {
	v, err := src.GetVehicle(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	ds, err := src.ListDispatches(ctx, store.DispatchFilter{VehicleID: vehicleID, Date: date,
		Statuses: []model.DispatchStatus{model.DispatchInProgress, model.DispatchConfirmed}})
	if err != nil {
		return "", err
	}
	var active *model.Dispatch
	for i := range ds {
		if ds[i].Status == model.DispatchInProgress {
			active = &ds[i]
			break
		}
		if active == nil {
			active = &ds[i]
		}
	}
	if active == nil {
		return v.ColdestZone(), nil
	}
	ids := undelivered(*active)
	if len(ids) == 0 {
		return v.ColdestZone(), nil
	}
	orders, err := src.GetOrders(ctx, ids)
	if err != nil {
		return "", err
	}
	if z := coldest(orders); z != "" {
		return z, nil
	}
	return v.ColdestZone(), nil
}

// undelivered lists the orders whose delivery stop is still open.
func undelivered(d model.Dispatch) []string {
	var ids []string
	for _, s := range d.Stops {
		if s.Kind == model.StopDelivery && !s.Done() && s.OrderID != "" {
			ids = append(ids, s.OrderID)
		}
	}
	return ids
}

// coldest picks the strictest zone in a mixed load.
func coldest(orders []model.Order) model.Zone {
	rank := map[model.Zone]int{model.ZoneFrozen: 3, model.ZoneChilled: 2, model.ZoneAmbient: 1}
	best := model.Zone("")
	for _, o := range orders {
		if rank[o.Zone] > rank[best] {
			best = o.Zone
		}
	}
	return best
}
