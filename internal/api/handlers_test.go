package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"coldchain/internal/dispatch"
	"coldchain/internal/emergency"
	"coldchain/internal/model"
	"coldchain/internal/monitor"
	"coldchain/internal/opt"
	"coldchain/internal/scheduler"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
)

const testDate = "2025-03-10"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemory()
	engine := opt.NewEngine(opt.NewSequencer(opt.DefaultParams(), nil, nil), 6*time.Hour, time.UTC)
	locks := dispatch.NewLocks()
	mon := monitor.New(monitor.NewBroker("test"))
	ds := dispatch.NewService(st, engine, locks)
	ds.Events = mon
	es := emergency.NewService(st, engine, locks)
	es.Events = mon
	es.Positions = mon
	es.Now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	te := telemetry.NewEngine(nil, nil, 0)
	te.Alerts = st
	te.Publisher = mon
	te.Emergency = es
	return NewServer(st, ds, es, te, mon)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
}

var depot = model.Location{Lat: 52, Lng: 4, Address: "depot"}

func vehicleBody(id string) model.Vehicle {
	return model.Vehicle{ID: id, Capabilities: []model.Zone{model.ZoneFrozen}, MaxPallets: 10, MaxWeightKg: 1000, Garage: depot}
}

func orderBody(id string) model.Order {
	return model.Order{ID: id, Zone: model.ZoneFrozen, Pallets: 2, WeightKg: 100, Priority: 3,
		Pickup:   model.Location{Lat: 52.05, Lng: 4},
		Delivery: model.Location{Lat: 52.1, Lng: 4}}
}

func seed(t *testing.T, h http.Handler) {
	t.Helper()
	if rr := do(t, h, http.MethodPost, "/v1/vehicles", vehicleBody("V1")); rr.Code != http.StatusOK {
		t.Fatalf("vehicle: %d %s", rr.Code, rr.Body)
	}
	rr := do(t, h, http.MethodPost, "/v1/orders", map[string]any{"orders": []model.Order{orderBody("O1")}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("orders: %d %s", rr.Code, rr.Body)
	}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t).Routes()
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestOrdersCreateList(t *testing.T) {
	h := newTestServer(t).Routes()
	seed(t, h)

	rr := do(t, h, http.MethodPost, "/v1/orders", map[string]any{"orders": []model.Order{orderBody("O1")}})
	var created struct {
		Created []model.Order `json:"created"`
		Skipped int           `json:"skipped"`
	}
	decode(t, rr, &created)
	if len(created.Created) != 0 || created.Skipped != 1 {
		t.Fatalf("duplicate id must be skipped: %+v", created)
	}

	bad := orderBody("O2")
	bad.Zone = "WARM"
	if rr := do(t, h, http.MethodPost, "/v1/orders", map[string]any{"orders": []model.Order{bad}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid zone: got %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/v1/orders?status=pending", nil)
	var list struct {
		Items []model.Order `json:"items"`
	}
	decode(t, rr, &list)
	if len(list.Items) != 1 || list.Items[0].Status != model.OrderPending {
		t.Fatalf("list: %+v", list.Items)
	}
	if rr := do(t, h, http.MethodGet, "/v1/orders/O1", nil); rr.Code != 200 {
		t.Fatalf("get order: %d", rr.Code)
	}
}

func TestOptimizeAndLifecycle(t *testing.T) {
	h := newTestServer(t).Routes()
	seed(t, h)

	rr := do(t, h, http.MethodPost, "/v1/optimize", dispatch.OptimizeRequest{OrderIDs: []string{"O1"}, Date: testDate})
	if rr.Code != 200 {
		t.Fatalf("optimize: %d %s", rr.Code, rr.Body)
	}
	var res struct {
		Dispatches []model.Dispatch `json:"dispatches"`
	}
	decode(t, rr, &res)
	if len(res.Dispatches) != 1 || res.Dispatches[0].Status != model.DispatchDraft {
		t.Fatalf("want one DRAFT dispatch, got %+v", res.Dispatches)
	}
	id := res.Dispatches[0].ID

	rr = do(t, h, http.MethodPost, "/v1/dispatches/"+id+"/confirm", nil)
	var d model.Dispatch
	decode(t, rr, &d)
	if rr.Code != 200 || d.Status != model.DispatchConfirmed {
		t.Fatalf("confirm: %d %+v", rr.Code, d)
	}
	if rr := do(t, h, http.MethodPost, "/v1/dispatches/"+id+"/complete", nil); rr.Code != http.StatusConflict {
		t.Fatalf("complete before start: want 409, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/dispatch-actions/start", map[string]any{"dispatchIds": []string{id}}); rr.Code != 200 {
		t.Fatalf("start: %d %s", rr.Code, rr.Body)
	}
	rr = do(t, h, http.MethodPost, "/v1/dispatches/"+id+"/stops/1/complete", nil)
	decode(t, rr, &d)
	if rr.Code != 200 || !d.Stops[0].Done() {
		t.Fatalf("complete stop: %d %+v", rr.Code, d.Stops)
	}

	rr = do(t, h, http.MethodGet, "/v1/dispatches?status=IN_PROGRESS&date="+testDate, nil)
	var list struct {
		Items []model.Dispatch `json:"items"`
	}
	decode(t, rr, &list)
	if len(list.Items) != 1 {
		t.Fatalf("filter: %+v", list.Items)
	}

	rr = do(t, h, http.MethodGet, "/v1/plan-runs?date="+testDate, nil)
	var runs struct {
		Runs []opt.RunRecord `json:"runs"`
	}
	decode(t, rr, &runs)
	if len(runs.Runs) != 1 || runs.Runs[0].Outcome != "ok" {
		t.Fatalf("runs: %+v", runs.Runs)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()
	seed(t, h)
	parked := vehicleBody("V2")
	parked.Status = model.VehicleOutOfService
	if rr := do(t, h, http.MethodPost, "/v1/vehicles", parked); rr.Code != http.StatusOK {
		t.Fatalf("vehicle: %d", rr.Code)
	}
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown order", http.MethodPost, "/v1/optimize", dispatch.OptimizeRequest{OrderIDs: []string{"nope"}, Date: testDate}, http.StatusNotFound},
		{"empty orders", http.MethodPost, "/v1/optimize", dispatch.OptimizeRequest{}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/v1/optimize", dispatch.OptimizeRequest{OrderIDs: []string{"O1"}, Date: "10/03/2025"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/optimize", `{"orderIds":["O1"],"algo":"x"}`, http.StatusBadRequest},
		{"no available vehicle", http.MethodPost, "/v1/optimize", dispatch.OptimizeRequest{OrderIDs: []string{"O1"}, VehicleIDs: []string{"V2"}, Date: testDate}, http.StatusBadRequest},
		{"missing dispatch", http.MethodGet, "/v1/dispatches/nope", nil, http.StatusNotFound},
		{"unknown action", http.MethodPost, "/v1/dispatches/nope/teleport", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/dispatches?status=LOST", nil, http.StatusBadRequest},
		{"invalid report", http.MethodPost, "/v1/emergencies", emergency.Report{VehicleID: "V1", Type: "flood", Severity: model.SeverityCritical}, http.StatusBadRequest},
		{"unknown vehicle report", http.MethodPost, "/v1/emergencies", emergency.Report{VehicleID: "V9", Type: model.EmergencyBreakdown, Severity: model.SeverityCritical}, http.StatusNotFound},
		{"same vehicle reassign", http.MethodPost, "/v1/reassignments", emergency.ReassignRequest{BrokenVehicleID: "V1", ReplacementVehicleID: "V1", DispatchIDs: []string{"d"}}, http.StatusBadRequest},
		{"missing emergency", http.MethodPost, "/v1/emergencies/nope/resolve", nil, http.StatusNotFound},
		{"unknown kind", http.MethodPost, "/v1/telemetry", `{"kind":"co2","sensorId":"s","vehicleId":"V1","ts":"2025-03-10T08:00:00Z","payload":{}}`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/v1/orders", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, tc.method, tc.path, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("want %d, got %d %s", tc.want, rr.Code, rr.Body)
			}
			if rr.Code >= 400 && rr.Code != http.StatusMethodNotAllowed {
				var p Problem
				decode(t, rr, &p)
				if p.Status != rr.Code || p.RequestID == "" {
					t.Fatalf("problem body: %+v", p)
				}
			}
		})
	}

	rr := do(t, h, http.MethodGet, "/v1/telemetry/quarantine", nil)
	var q struct {
		Items []telemetry.Rejected `json:"items"`
	}
	decode(t, rr, &q)
	if len(q.Items) != 1 || !strings.Contains(q.Items[0].Raw, "co2") {
		t.Fatalf("quarantine: %+v", q.Items)
	}
}

func TestWriteErrorRetryLater(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", nil), "Optimize failed", errors.Join(errors.New("x"), dispatch.ErrRetryLater))
	if rr.Code != http.StatusConflict || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("got %d %v", rr.Code, rr.Header())
	}
}

func TestEmergencyReportAndResolve(t *testing.T) {
	h := newTestServer(t).Routes()
	seed(t, h)
	rr := do(t, h, http.MethodPost, "/v1/emergencies", emergency.Report{VehicleID: "V1", Type: model.EmergencyBreakdown, Severity: model.SeverityCritical})
	if rr.Code != http.StatusCreated {
		t.Fatalf("report: %d %s", rr.Code, rr.Body)
	}
	var resp emergency.Response
	decode(t, rr, &resp)
	if resp.Event.Status != model.EmergencyActive {
		t.Fatalf("event: %+v", resp.Event)
	}
	rr = do(t, h, http.MethodGet, "/v1/vehicles/V1", nil)
	var v model.Vehicle
	decode(t, rr, &v)
	if v.Status != model.VehicleBreakdown {
		t.Fatalf("vehicle status: %s", v.Status)
	}

	rr = do(t, h, http.MethodPost, "/v1/emergencies/"+resp.Event.ID+"/resolve", nil)
	var ev model.EmergencyEvent
	decode(t, rr, &ev)
	if rr.Code != 200 || ev.Status != model.EmergencyResolved {
		t.Fatalf("resolve: %d %+v", rr.Code, ev)
	}
	if rr := do(t, h, http.MethodPost, "/v1/emergencies/"+resp.Event.ID+"/resolve", map[string]bool{"cancelled": true}); rr.Code != http.StatusConflict {
		t.Fatalf("cancel after resolve: want 409, got %d", rr.Code)
	}
}

func TestTelemetryUpdatesFleet(t *testing.T) {
	h := newTestServer(t).Routes()
	raw := `{"kind":"gps","sensorId":"g1","vehicleId":"V1","ts":"2025-03-10T08:00:00Z","payload":{"lat":52.1,"lng":4.3,"speedKmh":40}}`
	if rr := do(t, h, http.MethodPost, "/v1/telemetry", raw); rr.Code != http.StatusAccepted {
		t.Fatalf("ingest: %d %s", rr.Code, rr.Body)
	}
	rr := do(t, h, http.MethodGet, "/v1/fleet/V1", nil)
	var st monitor.VehicleState
	decode(t, rr, &st)
	if st.Position == nil || st.Position.Lat != 52.1 {
		t.Fatalf("fleet state: %+v", st)
	}
	if rr := do(t, h, http.MethodGet, "/v1/fleet/V9", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown vehicle: %d", rr.Code)
	}
}

func TestRequestIDAndRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	h := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/vehicles", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 || rr.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("first: %d id=%q", rr.Code, rr.Header().Get(requestIDHeader))
	}
	rr = do(t, h, http.MethodGet, "/v1/vehicles", nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("second: want 429 with generated id, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != 200 {
		t.Fatalf("health is exempt: %d", rr.Code)
	}
}

func TestJobsEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.Scheduler = scheduler.New(time.UTC)
	ran := 0
	if err := s.Scheduler.Add(scheduler.Job{Name: "noop", Run: func(context.Context) error { ran++; return nil }}); err != nil {
		t.Fatal(err)
	}
	h := s.Routes()
	rr := do(t, h, http.MethodGet, "/v1/admin/jobs", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"noop"`) {
		t.Fatalf("jobs: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/v1/admin/jobs/noop/run", nil); rr.Code != 200 || ran != 1 {
		t.Fatalf("run: %d ran=%d", rr.Code, ran)
	}
	if rr := do(t, h, http.MethodPost, "/v1/admin/jobs/other/run", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", rr.Code)
	}
}

func TestStreamDeliversChannelEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stream?channel=alerts", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	next := func() string {
		t.Helper()
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimSpace(line)
	}
	if l := next(); l != "event: heartbeat" {
		t.Fatalf("first line %q", l)
	}
	next() // data
	next() // blank

	s.Monitor.Broker.Publish(monitor.ChannelFleet, monitor.Event{Type: "ignored"})
	s.Monitor.Broker.Publish(monitor.ChannelAlerts, monitor.Event{Type: "alert.raised", Data: map[string]string{"id": "a1"}})
	if l := next(); l != "event: alert.raised" {
		t.Fatalf("event line %q", l)
	}
	if l := next(); !strings.Contains(l, `"a1"`) || !strings.Contains(l, `"channel":"alerts"`) {
		t.Fatalf("data line %q", l)
	}

	if rr := do(t, s.Routes(), http.MethodGet, "/v1/stream?channel=nope", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad channel: %d", rr.Code)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsMessage {
		t.Helper()
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m.Type != "connection_ack" {
		t.Fatalf("want ack, got %+v", m)
	}

	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "bad", Payload: json.RawMessage(`{"channel":"weather"}`)}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m.Type != "error" || m.ID != "bad" {
		t.Fatalf("want error, got %+v", m)
	}
	read() // complete

	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"channel":"vehicle:V1"}`)}); err != nil {
		t.Fatal(err)
	}
	// messages are handled in order, so the pong means the subscription exists
	if err := c.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m.Type != "pong" {
		t.Fatalf("want pong, got %+v", m)
	}

	s.Monitor.SetStatus("V1", model.VehicleBreakdown) // fleet channel only
	s.Monitor.PublishEmergency(model.EmergencyEvent{ID: "e1", VehicleID: "V1"}, "reported")
	m := read()
	var evt monitor.Event
	if err := json.Unmarshal(m.Payload, &evt); err != nil {
		t.Fatal(err)
	}
	if m.Type != "next" || m.ID != "1" || evt.Type != "emergency.reported" || evt.Channel != "vehicle:V1" {
		t.Fatalf("unexpected %+v %+v", m, evt)
	}

	if err := c.WriteJSON(wsMessage{Type: "complete", ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m.Type != "complete" || m.ID != "1" {
		t.Fatalf("want complete, got %+v", m)
	}
}

func TestOpenAPIServed(t *testing.T) {
	h := newTestServer(t).Routes()
	rr := do(t, h, http.MethodGet, "/openapi.json", nil)
	var doc map[string]any
	decode(t, rr, &doc)
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/optimize"]; !ok {
		t.Fatalf("paths: %v", paths)
	}
}
