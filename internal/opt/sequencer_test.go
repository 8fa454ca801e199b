package opt

import (
	"context"
	"math"
	"testing"
	"time"

	"coldchain/internal/distance"
	"coldchain/internal/model"
)

// ~5 km of latitude at 52°N
const fiveKm = 0.04497

var garage = model.Location{Lat: 52.0, Lng: 4.0, Address: "Depot"}

func testSequencer() *Sequencer {
	return NewSequencer(DefaultParams(), distance.Geodesic{SpeedKmh: 50}, nil)
}

func dayStart(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
}

func frozenVehicle(id string, pallets int, kg float64) model.Vehicle {
	return model.Vehicle{
		ID:           id,
		Capabilities: []model.Zone{model.ZoneFrozen},
		MaxPallets:   pallets,
		MaxWeightKg:  kg,
		Garage:       garage,
		Status:       model.VehicleAvailable,
	}
}

func frozenOrder(id string, pallets int, kg float64) model.Order {
	return model.Order{
		ID:       id,
		Zone:     model.ZoneFrozen,
		Pickup:   model.Location{Lat: 52.0 + fiveKm, Lng: 4.0},
		Delivery: model.Location{Lat: 52.0 + 2*fiveKm, Lng: 4.0},
		Pallets:  pallets,
		WeightKg: kg,
		Priority: 3,
		Status:   model.OrderPending,
	}
}

func TestSequenceSingleOrderLoads(t *testing.T) {
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{frozenOrder("O1", 5, 200)},
		Start:   dayStart(t),
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if !r.Feasible() {
		t.Fatalf("unexpected violations: %+v", r.Violations)
	}
	if len(r.Stops) != 2 {
		t.Fatalf("want 2 stops, got %d", len(r.Stops))
	}
	p, d := r.Stops[0], r.Stops[1]
	if p.Kind != model.StopPickup || d.Kind != model.StopDelivery {
		t.Fatalf("stop kinds = %s, %s", p.Kind, d.Kind)
	}
	if p.Pallets != 5 || p.WeightKg != 200 {
		t.Fatalf("after pickup load = (%d, %v), want (5, 200)", p.Pallets, p.WeightKg)
	}
	if d.Pallets != 0 || d.WeightKg != 0 {
		t.Fatalf("after delivery load = (%d, %v), want (0, 0)", d.Pallets, d.WeightKg)
	}
	if math.Abs(p.DistanceKm-5) > 0.05 {
		t.Fatalf("garage to pickup = %.3f km, want ~5", p.DistanceKm)
	}
	// 5 km at 50 km/h is 6 minutes
	if got := p.ArrivalAt.Sub(dayStart(t)); math.Abs(got.Minutes()-6) > 0.1 {
		t.Fatalf("pickup arrival offset = %v", got)
	}
	if gap := d.ArrivalAt.Sub(p.DepartureAt).Minutes() - d.DurationMin; math.Abs(gap) > 1e-6 {
		t.Fatalf("delivery arrival must be previous departure plus travel, off by %v min", gap)
	}
	if d.DepartureAt.Sub(d.ArrivalAt) != DefaultParams().ServiceDuration {
		t.Fatalf("service duration not applied")
	}
	if r.Totals.ReturnKm <= 0 || r.Totals.EmptyKm < r.Totals.ReturnKm+p.DistanceKm-1e-9 {
		t.Fatalf("empty km should cover garage legs: %+v", r.Totals)
	}
	if r.Totals.Orders != 1 || r.Totals.Pallets != 5 {
		t.Fatalf("totals = %+v", r.Totals)
	}
}

func TestSequencePrecedenceAndNearestFirst(t *testing.T) {
	far := frozenOrder("FAR", 1, 10)
	far.Pickup = model.Location{Lat: 52.2, Lng: 4.0}
	far.Delivery = model.Location{Lat: 52.01, Lng: 4.0}
	near := frozenOrder("NEAR", 1, 10)
	near.Pickup = model.Location{Lat: 52.02, Lng: 4.0}
	near.Delivery = model.Location{Lat: 52.25, Lng: 4.0}

	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{far, near},
		Start:   dayStart(t),
	})
	if err != nil || !r.Feasible() {
		t.Fatalf("Sequence: %v %+v", err, r.Violations)
	}
	if r.Stops[0].OrderID != "NEAR" || r.Stops[0].Kind != model.StopPickup {
		t.Fatalf("first stop should be nearest pickup, got %+v", r.Stops[0])
	}
	assertPrecedence(t, r.Stops)
}

func TestSequenceTieBreaksOnPriority(t *testing.T) {
	a := frozenOrder("A", 1, 10)
	a.Priority = 7
	b := frozenOrder("B", 1, 10)
	b.Priority = 2
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{a, b},
		Start:   dayStart(t),
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if r.Stops[0].OrderID != "B" {
		t.Fatalf("equal distance should favour priority 2, got %s", r.Stops[0].OrderID)
	}
}

func TestSequenceTimeWindowViolation(t *testing.T) {
	o := frozenOrder("LATE", 1, 10)
	o.DeliveryWindow = &model.TimeWindow{Start: dayStart(t), End: dayStart(t).Add(5 * time.Minute)}
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{o},
		Start:   dayStart(t),
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if r.Feasible() || r.Violations[0].Reason != ReasonTimeWindow || r.Violations[0].OrderID != "LATE" {
		t.Fatalf("want TIME_WINDOW_VIOLATION for LATE, got %+v", r.Violations)
	}
}

func TestSequenceEarlyArrivalWaitsForWindow(t *testing.T) {
	o := frozenOrder("EARLY", 1, 10)
	open := dayStart(t).Add(2 * time.Hour)
	o.PickupWindow = &model.TimeWindow{Start: open, End: open.Add(time.Hour)}
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{o},
		Start:   dayStart(t),
	})
	if err != nil || !r.Feasible() {
		t.Fatalf("Sequence: %v %+v", err, r.Violations)
	}
	if want := open.Add(DefaultParams().ServiceDuration); !r.Stops[0].DepartureAt.Equal(want) {
		t.Fatalf("departure = %v, want %v", r.Stops[0].DepartureAt, want)
	}
}

func TestSequenceCapacityFailure(t *testing.T) {
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{frozenOrder("OK", 4, 100), frozenOrder("HUGE", 12, 100)},
		Start:   dayStart(t),
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if r.Feasible() || r.Violations[0].OrderID != "HUGE" || r.Violations[0].Reason != ReasonNoCapacity {
		t.Fatalf("want capacity violation on HUGE, got %+v", r.Violations)
	}
	if len(r.Stops) != 0 {
		t.Fatal("infeasible route must not carry stops")
	}
}

func TestSequenceInterleavesWhenCapacityTight(t *testing.T) {
	// Two 6-pallet orders on a 10-pallet truck must be carried one at a time.
	a := frozenOrder("A", 6, 100)
	b := frozenOrder("B", 6, 100)
	b.Pickup = model.Location{Lat: 52.0 + fiveKm, Lng: 4.001}
	r, err := testSequencer().Sequence(context.Background(), Input{
		Vehicle: frozenVehicle("V1", 10, 500),
		Orders:  []model.Order{a, b},
		Start:   dayStart(t),
	})
	if err != nil || !r.Feasible() {
		t.Fatalf("Sequence: %v %+v", err, r.Violations)
	}
	for _, s := range r.Stops {
		if s.Pallets > 10 {
			t.Fatalf("capacity exceeded at stop %d: %d pallets", s.Seq, s.Pallets)
		}
	}
	assertPrecedence(t, r.Stops)
}

func TestImproveNeverLengthensTour(t *testing.T) {
	orders := []model.Order{}
	pts := [][2]float64{{52.10, 4.00}, {52.00, 4.10}, {52.10, 4.10}, {52.05, 4.02}, {51.95, 4.05}, {52.08, 3.95}}
	for i := 0; i+1 < len(pts); i += 2 {
		o := frozenOrder(string(rune('A'+i)), 1, 10)
		o.Pickup = model.Location{Lat: pts[i][0], Lng: pts[i][1]}
		o.Delivery = model.Location{Lat: pts[i+1][0], Lng: pts[i+1][1]}
		orders = append(orders, o)
	}
	s := testSequencer()
	a, err := s.newArena(context.Background(), Input{Vehicle: frozenVehicle("V1", 10, 500), Orders: orders, Start: dayStart(t)})
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	seq, v := a.nearestNeighbor()
	if v != nil {
		t.Fatalf("unexpected violation %+v", v)
	}
	before, _, _ := a.evaluate(seq)
	improved := a.improve(seq, 100)
	after, _, ok := a.evaluate(improved)
	if !ok || after > before+1e-9 {
		t.Fatalf("improve lengthened tour: %.3f -> %.3f", before, after)
	}
	if !a.precedenceOK(improved) {
		t.Fatal("improve broke pickup/delivery precedence")
	}
}

func TestTwoOptSwap(t *testing.T) {
	got := twoOptSwap([]int{1, 2, 3, 4, 5}, 1, 3)
	want := []int{1, 4, 3, 2, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("twoOptSwap = %v, want %v", got, want)
		}
	}
}

func assertPrecedence(t *testing.T, stops []model.RouteStop) {
	t.Helper()
	pickup := map[string]int{}
	for i, s := range stops {
		switch s.Kind {
		case model.StopPickup:
			pickup[s.OrderID] = i
		case model.StopDelivery:
			p, ok := pickup[s.OrderID]
			if !ok || p >= i {
				t.Fatalf("order %s delivered at %d before pickup", s.OrderID, i)
			}
		}
	}
}
