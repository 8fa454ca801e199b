package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coldchain/internal/model"
	"coldchain/internal/opt"
	"coldchain/internal/store"
)

const (
	testDate = "2025-03-10"
	fiveKm   = 0.04497 // degrees of latitude
)

var garage = model.Location{Lat: 52, Lng: 4, Address: "depot"}

func newService(t *testing.T, st store.Store) *Service {
	t.Helper()
	eng := opt.NewEngine(opt.NewSequencer(opt.DefaultParams(), nil, nil), 6*time.Hour, time.UTC)
	s := NewService(st, eng, NewLocks())
	s.LockWait = 200 * time.Millisecond
	return s
}

func seedVehicle(t *testing.T, st store.Store, id string, pallets int, kg float64) model.Vehicle {
	t.Helper()
	v, err := st.UpsertVehicle(context.Background(), model.Vehicle{ID: id, Capabilities: []model.Zone{model.ZoneFrozen},
		MaxPallets: pallets, MaxWeightKg: kg, Garage: garage, Status: model.VehicleAvailable})
	if err != nil {
		t.Fatalf("UpsertVehicle: %v", err)
	}
	return v
}

func seedOrder(t *testing.T, st store.Store, id string, pallets int, kg float64) model.Order {
	t.Helper()
	o := model.Order{ID: id, Zone: model.ZoneFrozen, Pallets: pallets, WeightKg: kg, Priority: 3,
		Pickup:   model.Location{Lat: garage.Lat + fiveKm, Lng: garage.Lng},
		Delivery: model.Location{Lat: garage.Lat + 2*fiveKm, Lng: garage.Lng}}
	created, err := st.CreateOrders(context.Background(), []model.Order{o})
	if err != nil || len(created) != 1 {
		t.Fatalf("CreateOrders: %v", err)
	}
	return created[0]
}

func TestOptimizeSingleOrderScenario(t *testing.T) {
	st := store.NewMemory()
	seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 5, 200)
	s := newService(t, st)

	res, err := s.Optimize(context.Background(), OptimizeRequest{OrderIDs: []string{"O1"}, VehicleIDs: []string{"V1"}, Date: testDate})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(res.Dispatches) != 1 || len(res.Unassigned) != 0 {
		t.Fatalf("want 1 dispatch, got %+v", res.Plan)
	}
	d := res.Dispatches[0]
	if len(d.Stops) != 2 || d.Stops[0].Kind != model.StopPickup || d.Stops[1].Kind != model.StopDelivery {
		t.Fatalf("unexpected stops %+v", d.Stops)
	}
	if d.Stops[0].Pallets != 5 || d.Stops[0].WeightKg != 200 || d.Stops[1].Pallets != 0 || d.Stops[1].WeightKg != 0 {
		t.Fatalf("unexpected cumulative loads %+v", d.Stops)
	}
	stored, err := st.GetDispatch(context.Background(), d.ID)
	if err != nil || stored.Status != model.DispatchDraft {
		t.Fatalf("dispatch not persisted as DRAFT: %v %+v", err, stored)
	}
	orders, _ := st.GetOrders(context.Background(), []string{"O1"})
	if orders[0].Status != model.OrderAssigned {
		t.Fatalf("order should be ASSIGNED, got %s", orders[0].Status)
	}
	if runs := s.RunHistory(testDate); len(runs) != 1 || runs[0].Outcome != "ok" {
		t.Fatalf("run not recorded: %+v", runs)
	}
}

func TestOptimizeReportsInfeasibleOrders(t *testing.T) {
	st := store.NewMemory()
	seedVehicle(t, st, "V1", 10, 5000)
	seedOrder(t, st, "BIG", 12, 100)
	seedOrder(t, st, "DONE", 1, 10)
	ctx := context.Background()
	done, _ := st.GetOrders(ctx, []string{"DONE"})
	if err := st.Apply(ctx, store.Batch{Orders: []store.OrderUpdate{{ID: "DONE", Version: done[0].Version, Status: model.OrderDelivered}}}); err != nil {
		t.Fatal(err)
	}
	s := newService(t, st)
	res, err := s.Optimize(ctx, OptimizeRequest{OrderIDs: []string{"BIG", "DONE"}, Date: testDate})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	reasons := map[string]opt.Reason{}
	for _, f := range res.Unassigned {
		reasons[f.OrderID] = f.Reason
	}
	if reasons["BIG"] != opt.ReasonNoCapacity || reasons["DONE"] != opt.ReasonNotPending {
		t.Fatalf("unexpected failures %+v", res.Unassigned)
	}
	if res.Summary.Orders != 2 || res.Summary.Unassigned != 2 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
}

func TestOptimizeInputErrors(t *testing.T) {
	st := store.NewMemory()
	seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 1, 10)
	s := newService(t, st)
	cases := []struct {
		name string
		req  OptimizeRequest
		want error
	}{
		{"empty orders", OptimizeRequest{Date: testDate}, ErrInvalidRequest},
		{"bad date", OptimizeRequest{OrderIDs: []string{"O1"}, Date: "10/03/2025"}, ErrInvalidRequest},
		{"unknown order", OptimizeRequest{OrderIDs: []string{"nope"}, Date: testDate}, store.ErrNotFound},
		{"unknown vehicle", OptimizeRequest{OrderIDs: []string{"O1"}, VehicleIDs: []string{"V9"}, Date: testDate}, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Optimize(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
	orders, _ := st.GetOrders(context.Background(), []string{"O1"})
	if orders[0].Status != model.OrderPending {
		t.Fatalf("input errors must not mutate state")
	}
}

func TestOptimizeNoAvailableVehicle(t *testing.T) {
	st := store.NewMemory()
	v := seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 1, 10)
	_ = st.Apply(context.Background(), store.Batch{Vehicles: []store.VehicleUpdate{{ID: "V1", Version: v.Version, Status: model.VehicleBreakdown}}})
	s := newService(t, st)
	if _, err := s.Optimize(context.Background(), OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate}); !errors.Is(err, ErrNoVehicles) {
		t.Fatalf("want ErrNoVehicles, got %v", err)
	}
}

// flakyStore fails Apply with ErrConflict a fixed number of times.
type flakyStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
	applies   int
}

func (f *flakyStore) Apply(ctx context.Context, b store.Batch) error {
	f.mu.Lock()
	f.applies++
	fail := f.conflicts > 0
	if fail {
		f.conflicts--
	}
	f.mu.Unlock()
	if fail {
		return store.ErrConflict
	}
	return f.Memory.Apply(ctx, b)
}

func TestOptimizeRetriesConflictOnce(t *testing.T) {
	for _, tc := range []struct {
		conflicts int
		want      error
		applies   int
	}{
		{1, nil, 2},
		{2, ErrRetryLater, 2},
	} {
		st := &flakyStore{Memory: store.NewMemory(), conflicts: tc.conflicts}
		seedVehicle(t, st, "V1", 10, 500)
		seedOrder(t, st, "O1", 1, 10)
		s := newService(t, st)
		_, err := s.Optimize(context.Background(), OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate})
		if !errors.Is(err, tc.want) {
			t.Fatalf("conflicts=%d: want %v, got %v", tc.conflicts, tc.want, err)
		}
		if st.applies != tc.applies {
			t.Fatalf("conflicts=%d: want %d applies, got %d", tc.conflicts, tc.applies, st.applies)
		}
	}
}

// blockingStore parks the first GetOrders call until its context ends.
type blockingStore struct {
	*store.Memory
	once    sync.Once
	entered chan struct{}
}

func (b *blockingStore) GetOrders(ctx context.Context, ids []string) ([]model.Order, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.Memory.GetOrders(ctx, ids)
}

func TestNewerRunSupersedesOlder(t *testing.T) {
	st := &blockingStore{Memory: store.NewMemory(), entered: make(chan struct{})}
	seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 1, 10)
	s := newService(t, st)
	req := OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate}

	older := make(chan error, 1)
	go func() {
		_, err := s.Optimize(context.Background(), req)
		older <- err
	}()
	<-st.entered
	res, err := s.Optimize(context.Background(), req)
	if err != nil {
		t.Fatalf("newer run: %v", err)
	}
	if len(res.Dispatches) != 1 {
		t.Fatalf("newer run should plan the order, got %+v", res.Plan)
	}
	if err := <-older; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("older run: want ErrSuperseded, got %v", err)
	}
	all, _ := st.ListDispatches(context.Background(), store.DispatchFilter{Date: testDate})
	if len(all) != 1 {
		t.Fatalf("only the newer run writes, got %d dispatches", len(all))
	}
}

func TestOptimizeWaitsForVehicleIntent(t *testing.T) {
	st := store.NewMemory()
	seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 1, 10)
	s := newService(t, st)
	s.LockWait = 20 * time.Millisecond
	unlock, err := s.Locks.LockVehicles(context.Background(), []string{"V1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()
	if _, err := s.Optimize(context.Background(), OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate}); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("want ErrRetryLater while the vehicle is held, got %v", err)
	}
}

func planned(t *testing.T) (*Service, store.Store, model.Dispatch) {
	t.Helper()
	st := store.NewMemory()
	seedVehicle(t, st, "V1", 10, 500)
	seedOrder(t, st, "O1", 2, 50)
	s := newService(t, st)
	res, err := s.Optimize(context.Background(), OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate})
	if err != nil || len(res.Dispatches) != 1 {
		t.Fatalf("Optimize: %v", err)
	}
	return s, st, res.Dispatches[0]
}

func TestConfirmIsIdempotent(t *testing.T) {
	s, st, d := planned(t)
	ctx := context.Background()
	first, err := s.Confirm(ctx, []string{d.ID})
	if err != nil || first[0].Status != model.DispatchConfirmed {
		t.Fatalf("Confirm: %v %+v", err, first)
	}
	before, _ := st.GetDispatch(ctx, d.ID)
	second, err := s.Confirm(ctx, []string{d.ID})
	if err != nil {
		t.Fatalf("second Confirm must be a no-op, got %v", err)
	}
	after, _ := st.GetDispatch(ctx, d.ID)
	if second[0].Status != model.DispatchConfirmed || after.Version != before.Version {
		t.Fatalf("no-op confirm changed the dispatch: %+v", after)
	}
}

func TestLifecycleThroughStops(t *testing.T) {
	s, st, d := planned(t)
	ctx := context.Background()
	if _, err := s.Start(ctx, []string{d.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start from DRAFT: want ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Confirm(ctx, []string{d.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, []string{d.ID}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v, _ := st.GetVehicle(ctx, "V1")
	o, _ := st.GetOrders(ctx, []string{"O1"})
	if v.Status != model.VehicleInUse || o[0].Status != model.OrderInTransit {
		t.Fatalf("start should set IN_USE / IN_TRANSIT, got %s / %s", v.Status, o[0].Status)
	}
	if _, err := s.CompleteStop(ctx, d.ID, 2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("delivery before pickup: want ErrInvalidTransition, got %v", err)
	}
	if _, err := s.CompleteStop(ctx, d.ID, 9); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown stop: want ErrInvalidRequest, got %v", err)
	}
	got, err := s.CompleteStop(ctx, d.ID, 1)
	if err != nil || got.Status != model.DispatchInProgress || !got.Stops[0].Done() {
		t.Fatalf("pickup: %v %+v", err, got)
	}
	got, err = s.CompleteStop(ctx, d.ID, 2)
	if err != nil || got.Status != model.DispatchCompleted {
		t.Fatalf("last stop should complete the dispatch: %v %+v", err, got)
	}
	v, _ = st.GetVehicle(ctx, "V1")
	o, _ = st.GetOrders(ctx, []string{"O1"})
	if v.Status != model.VehicleAvailable || o[0].Status != model.OrderDelivered {
		t.Fatalf("completion should release the vehicle and deliver, got %s / %s", v.Status, o[0].Status)
	}
}

func TestStartRejectsVehicleOutOfService(t *testing.T) {
	s, st, d := planned(t)
	ctx := context.Background()
	if _, err := s.Confirm(ctx, []string{d.ID}); err != nil {
		t.Fatal(err)
	}
	v, _ := st.GetVehicle(ctx, "V1")
	if err := st.Apply(ctx, store.Batch{Vehicles: []store.VehicleUpdate{{ID: "V1", Version: v.Version, Status: model.VehicleBreakdown}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, []string{d.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start on broken-down vehicle: want ErrInvalidTransition, got %v", err)
	}
	v, _ = st.GetVehicle(ctx, "V1")
	cur, _ := st.GetDispatch(ctx, d.ID)
	o, _ := st.GetOrders(ctx, []string{"O1"})
	if v.Status != model.VehicleBreakdown || cur.Status != model.DispatchConfirmed || o[0].Status == model.OrderInTransit {
		t.Fatalf("rejected start changed state: vehicle=%s dispatch=%s order=%s", v.Status, cur.Status, o[0].Status)
	}
}

func TestCompleteDeliversRemainingOrders(t *testing.T) {
	s, st, d := planned(t)
	ctx := context.Background()
	_, _ = s.Confirm(ctx, []string{d.ID})
	_, _ = s.Start(ctx, []string{d.ID})
	out, err := s.Complete(ctx, []string{d.ID})
	if err != nil || out[0].Status != model.DispatchCompleted || len(out[0].Remaining()) != 0 {
		t.Fatalf("Complete: %v %+v", err, out)
	}
	o, _ := st.GetOrders(ctx, []string{"O1"})
	if o[0].Status != model.OrderDelivered {
		t.Fatalf("order should be DELIVERED, got %s", o[0].Status)
	}
}

func TestCancelValidatesAllBeforeMutating(t *testing.T) {
	s, st, d := planned(t)
	ctx := context.Background()
	if _, err := s.Cancel(ctx, []string{d.ID, "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if cur, _ := st.GetDispatch(ctx, d.ID); cur.Status != model.DispatchDraft {
		t.Fatalf("dispatch changed despite the failed call: %s", cur.Status)
	}
	out, err := s.Cancel(ctx, []string{d.ID})
	if err != nil || out[0].Status != model.DispatchCancelled {
		t.Fatalf("Cancel: %v", err)
	}
	o, _ := st.GetOrders(ctx, []string{"O1"})
	if o[0].Status != model.OrderPending {
		t.Fatalf("cancelled orders return to PENDING, got %s", o[0].Status)
	}
	// the freed order can be planned again
	res, err := s.Optimize(ctx, OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate})
	if err != nil || len(res.Dispatches) != 1 {
		t.Fatalf("re-plan after cancel: %v %+v", err, res.Plan)
	}
}

func TestLockVehiclesTimesOutWithoutHolding(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()
	unlockB, err := l.LockVehicles(ctx, []string{"B"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.LockVehicles(ctx, []string{"A", "B", "A"}, 10*time.Millisecond); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("want ErrRetryLater, got %v", err)
	}
	// A must have been released by the failed attempt
	unlockA, err := l.LockVehicles(ctx, []string{"A"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("A should be free: %v", err)
	}
	unlockA()
	unlockB()
	unlockB()
}
