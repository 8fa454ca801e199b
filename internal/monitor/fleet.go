package monitor

import (
    "context"
    "log"
    "sort"
    "sync"
    "time"

    "coldchain/internal/model"
)

// PositionSource supplies the current coordinates of a vehicle.
type PositionSource interface {
    Position(ctx context.Context, vehicleID string) (model.GeoPoint, bool)
}

// PositionStore is a shared position index such as RedisPositions.
type PositionStore interface {
    PositionSource
    Update(ctx context.Context, vehicleID string, pt model.GeoPoint) error
}

// VehicleState is the live view of one vehicle.
type VehicleState struct {
    VehicleID    string              `json:"vehicleId"`
    Status       model.VehicleStatus `json:"status,omitempty"`
    Position     *model.Position     `json:"position,omitempty"`
    PositionAt   time.Time           `json:"positionAt,omitempty"`
    Temperature  *float64            `json:"temperature,omitempty"`
    DoorOpen     bool                `json:"doorOpen"`
    LastReading  time.Time           `json:"lastReading,omitempty"`
    ActiveAlerts []model.Alert       `json:"activeAlerts"`
}

// Monitor keeps live fleet state and publishes every change to the broker.
type Monitor struct {
    Broker *Broker
    // Positions is the shared index read when the local view has no fix.
    // Set it with SetPositions so writes go through the background writer.
    Positions PositionStore

    mu       sync.Mutex
    vehicles map[string]*vehicleState
    writer   *positionWriter
}

type vehicleState struct {
    VehicleState
    alerts map[string]model.Alert
}

func New(b *Broker) *Monitor {
    return &Monitor{Broker: b, vehicles: map[string]*vehicleState{}}
}

func (m *Monitor) state(id string) *vehicleState {
    s, ok := m.vehicles[id]
    if !ok {
        s = &vehicleState{VehicleState: VehicleState{VehicleID: id}, alerts: map[string]model.Alert{}}
        m.vehicles[id] = s
    }
    return s
}

// PublishReading folds a reading into the vehicle's state and fans it out.
func (m *Monitor) PublishReading(r model.Reading) {
    var pos *model.GeoPoint
    m.mu.Lock()
    s := m.state(r.VehicleID)
    if r.Timestamp.After(s.LastReading) { s.LastReading = r.Timestamp }
    switch p := r.Payload.(type) {
    case model.Temperature:
        c := p.Celsius
        s.Temperature = &c
    case model.Position:
        if r.Timestamp.After(s.PositionAt) || s.Position == nil {
            pp := p
            s.Position = &pp
            s.PositionAt = r.Timestamp
            pt := p.Point()
            pos = &pt
        }
    case model.Door:
        s.DoorOpen = p.Open
    }
    m.mu.Unlock()

    if pos != nil && m.writer != nil {
        m.writer.offer(r.VehicleID, *pos)
    }
    evt := Event{Type: "reading." + string(r.Kind), Data: r}
    m.Broker.Publish(ChannelFleet, evt)
    m.Broker.Publish(VehicleChannel(r.VehicleID), evt)
}

func (m *Monitor) PublishAlert(a model.Alert, event string) {
    m.mu.Lock()
    s := m.state(a.VehicleID)
    if a.Active {
        s.alerts[a.ID] = a
    } else {
        delete(s.alerts, a.ID)
    }
    m.mu.Unlock()
    evt := Event{Type: "alert." + event, Data: a}
    m.Broker.Publish(ChannelAlerts, evt)
    m.Broker.Publish(VehicleChannel(a.VehicleID), evt)
}

func (m *Monitor) PublishEmergency(e model.EmergencyEvent, event string) {
    evt := Event{Type: "emergency." + event, Data: e}
    m.Broker.Publish(ChannelEmergency, evt)
    m.Broker.Publish(VehicleChannel(e.VehicleID), evt)
}

func (m *Monitor) PublishDispatch(d model.Dispatch, event string) {
    evt := Event{Type: "dispatch." + event, Data: map[string]any{
        "id": d.ID, "vehicleId": d.VehicleID, "date": d.Date, "status": d.Status, "totals": d.Totals,
    }}
    m.Broker.Publish(ChannelFleet, evt)
    m.Broker.Publish(VehicleChannel(d.VehicleID), evt)
}

// SetPositions attaches a shared position index. Updates are coalesced per
// vehicle and written by one goroutine until stop is closed, so a slow index
// never delays PublishReading.
func (m *Monitor) SetPositions(ps PositionStore, stop <-chan struct{}) {
    w := &positionWriter{store: ps, pending: map[string]model.GeoPoint{}, wake: make(chan struct{}, 1)}
    m.mu.Lock()
    m.Positions = ps
    m.writer = w
    m.mu.Unlock()
    go w.run(stop)
}

type positionWriter struct {
    store   PositionStore
    mu      sync.Mutex
    pending map[string]model.GeoPoint // newest fix per vehicle
    wake    chan struct{}
}

func (w *positionWriter) offer(vehicleID string, pt model.GeoPoint) {
    w.mu.Lock()
    w.pending[vehicleID] = pt
    w.mu.Unlock()
    select {
    case w.wake <- struct{}{}:
    default:
    }
}

func (w *positionWriter) run(stop <-chan struct{}) {
    for {
        select {
        case <-stop:
            return
        case <-w.wake:
        }
        w.mu.Lock()
        batch := w.pending
        w.pending = map[string]model.GeoPoint{}
        w.mu.Unlock()
        for id, pt := range batch {
            ctx, cancel := context.WithTimeout(context.Background(), time.Second)
            if err := w.store.Update(ctx, id, pt); err != nil {
                log.Printf("monitor: position update %s: %v", id, err)
            }
            cancel()
        }
    }
}

// SetStatus records a vehicle status change.
func (m *Monitor) SetStatus(vehicleID string, status model.VehicleStatus) {
    m.mu.Lock()
    m.state(vehicleID).Status = status
    m.mu.Unlock()
    m.Broker.Publish(ChannelFleet, Event{Type: "vehicle.status", Data: map[string]any{"vehicleId": vehicleID, "status": status}})
}

// Position prefers the in-process view and falls back to the shared store.
func (m *Monitor) Position(ctx context.Context, vehicleID string) (model.GeoPoint, bool) {
    m.mu.Lock()
    s, ok := m.vehicles[vehicleID]
    if ok && s.Position != nil {
        pt := s.Position.Point()
        m.mu.Unlock()
        return pt, true
    }
    m.mu.Unlock()
    if m.Positions != nil {
        return m.Positions.Position(ctx, vehicleID)
    }
    return model.GeoPoint{}, false
}

// Vehicle returns the live state of one vehicle.
func (m *Monitor) Vehicle(id string) (VehicleState, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    s, ok := m.vehicles[id]
    if !ok { return VehicleState{}, false }
    return s.snapshot(), true
}

// Snapshot returns every known vehicle, sorted by id.
func (m *Monitor) Snapshot() []VehicleState {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]VehicleState, 0, len(m.vehicles))
    for _, s := range m.vehicles {
        out = append(out, s.snapshot())
    }
    sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
    return out
}

func (s *vehicleState) snapshot() VehicleState {
    v := s.VehicleState
    if v.Position != nil { p := *v.Position; v.Position = &p }
    if v.Temperature != nil { c := *v.Temperature; v.Temperature = &c }
    v.ActiveAlerts = make([]model.Alert, 0, len(s.alerts))
    for _, a := range s.alerts {
        v.ActiveAlerts = append(v.ActiveAlerts, a)
    }
    sort.Slice(v.ActiveAlerts, func(i, j int) bool { return v.ActiveAlerts[i].ID < v.ActiveAlerts[j].ID })
    return v
}
