package telemetry

import (
	"context"
	"testing"
	"time"

	"coldchain/internal/model"
	"coldchain/internal/store"
)

func zoneFixture(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	garage := model.Location{Lat: 52, Lng: 4}
	for _, v := range []model.Vehicle{
		{ID: "dual-busy", Capabilities: []model.Zone{model.ZoneDual}, MaxPallets: 10, MaxWeightKg: 1000, Garage: garage},
		{ID: "dual-idle", Capabilities: []model.Zone{model.ZoneDual}, MaxPallets: 10, MaxWeightKg: 1000, Garage: garage},
		{ID: "chilled-ambient", Capabilities: []model.Zone{model.ZoneChilled, model.ZoneAmbient}, MaxPallets: 10, MaxWeightKg: 1000, Garage: garage},
	} {
		if _, err := st.UpsertVehicle(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	drop := model.Location{Lat: 52.1, Lng: 4}
	if _, err := st.CreateOrders(ctx, []model.Order{
		{ID: "chilled-1", Zone: model.ZoneChilled, Pallets: 1, WeightKg: 10, Delivery: drop},
		{ID: "ambient-1", Zone: model.ZoneAmbient, Pallets: 1, WeightKg: 10, Delivery: drop},
	}); err != nil {
		t.Fatal(err)
	}
	today := time.Now().UTC().Format(model.DateLayout)
	stops := func(order string) []model.RouteStop {
		return []model.RouteStop{
			{Seq: 1, Kind: model.StopPickup, OrderID: order, Location: garage},
			{Seq: 2, Kind: model.StopDelivery, OrderID: order, Location: drop},
		}
	}
	if err := st.Apply(ctx, store.Batch{Dispatches: []model.Dispatch{
		{ID: "d-dual", VehicleID: "dual-busy", Date: today, Status: model.DispatchConfirmed, Stops: stops("chilled-1")},
		{ID: "d-amb", VehicleID: "chilled-ambient", Date: today, Status: model.DispatchInProgress, Stops: stops("ambient-1")},
	}}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestVehicleZonesFollowsLoadOnBoard(t *testing.T) {
	zone := VehicleZones(zoneFixture(t), time.UTC, time.Minute)
	cases := []struct {
		vehicle string
		want    model.Zone
	}{
		{"dual-busy", model.ZoneChilled},
		{"dual-idle", model.ZoneFrozen},
		{"chilled-ambient", model.ZoneAmbient},
		{"missing", ""},
	}
	for _, tc := range cases {
		t.Run(tc.vehicle, func(t *testing.T) {
			if got := zone(context.Background(), tc.vehicle); got != tc.want {
				t.Fatalf("zone(%s) = %q, want %q", tc.vehicle, got, tc.want)
			}
		})
	}
}

func TestVehicleZonesIgnoresDeliveredOrders(t *testing.T) {
	ctx := context.Background()
	st := zoneFixture(t)
	d, err := st.GetDispatch(ctx, "d-dual")
	if err != nil {
		t.Fatal(err)
	}
	done := time.Now()
	for i := range d.Stops {
		d.Stops[i].CompletedAt = &done
	}
	if err := st.Apply(ctx, store.Batch{Dispatches: []model.Dispatch{d}}); err != nil {
		t.Fatal(err)
	}
	if got := VehicleZones(st, time.UTC, time.Minute)(ctx, "dual-busy"); got != model.ZoneFrozen {
		t.Fatalf("empty vehicle should fall back to its coldest zone, got %q", got)
	}
}

func TestDualVehicleOnChilledRunStaysInBand(t *testing.T) {
	st := zoneFixture(t)
	e := NewEngine(nil, bandOnly(), 10*time.Minute)
	e.Zone = VehicleZones(st, time.UTC, time.Minute)
	e.Alerts = st

	reading := func(vehicle string) model.Reading {
		return model.Reading{SensorID: "s1", VehicleID: vehicle, Kind: model.KindTemperature, Timestamp: t0, Payload: model.Temperature{Celsius: 3}}
	}
	res, err := e.IngestReading(context.Background(), reading("dual-busy"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Raised) != 0 {
		t.Fatalf("3°C is inside the chilled band, raised %+v", res.Raised)
	}

	res, err = e.IngestReading(context.Background(), reading("dual-idle"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Raised) != 1 || res.Raised[0].Level != model.AlertCritical {
		t.Fatalf("idle dual vehicle is checked against the frozen band, got %+v", res.Raised)
	}
}
