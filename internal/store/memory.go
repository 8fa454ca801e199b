package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "coldchain/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu          sync.Mutex
    orders      map[string]model.Order            // id -> order
    byRef       map[string]string                 // external ref -> order id
    vehicles    map[string]model.Vehicle          // id -> vehicle
    dispatches  map[string]model.Dispatch         // id -> dispatch
    alerts      map[string]model.Alert            // id -> alert
    emergencies map[string]model.EmergencyEvent   // id -> event
    readings    []model.Reading                   // history, bounded
    maxReadings int
    recurring   map[string]model.RecurringOrder
    // Webhooks queue state
    deliveries  map[string]*memDelivery // id -> delivery state
    deliveryIDs []string                // insertion order
    dlq         []map[string]any        // dead-lettered deliveries
}

func NewMemory() *Memory {
    return &Memory{
        orders:      map[string]model.Order{},
        byRef:       map[string]string{},
        vehicles:    map[string]model.Vehicle{},
        dispatches:  map[string]model.Dispatch{},
        alerts:      map[string]model.Alert{},
        emergencies: map[string]model.EmergencyEvent{},
        maxReadings: 10000,
        recurring:   map[string]model.RecurringOrder{},
        deliveries:  map[string]*memDelivery{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateOrders(ctx context.Context, orders []model.Order) ([]model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Order{}
    now := time.Now().UTC()
    for _, o := range orders {
        if o.ExternalRef != "" {
            if _, ok := m.byRef[o.ExternalRef]; ok { continue }
        }
        if o.ID == "" { o.ID = uuid.New().String() }
        if _, ok := m.orders[o.ID]; ok { continue }
        if o.Status == "" { o.Status = model.OrderPending }
        if o.CreatedAt.IsZero() { o.CreatedAt = now }
        o.Version = 1
        m.orders[o.ID] = o
        if o.ExternalRef != "" { m.byRef[o.ExternalRef] = o.ID }
        out = append(out, o)
    }
    return out, nil
}

func (m *Memory) GetOrders(ctx context.Context, ids []string) ([]model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Order, 0, len(ids))
    for _, id := range ids {
        o, ok := m.orders[id]
        if !ok { return nil, fmt.Errorf("order %s: %w", id, ErrNotFound) }
        out = append(out, o)
    }
    return out, nil
}

func (m *Memory) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Order{}
    for _, o := range m.orders {
        if f.Status != "" && o.Status != f.Status { continue }
        if f.ExternalRef != "" && o.ExternalRef != f.ExternalRef { continue }
        out = append(out, o)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    if f.Limit > 0 && len(out) > f.Limit { out = out[:f.Limit] }
    return out, nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if v.ID == "" { v.ID = uuid.New().String() }
    if cur, ok := m.vehicles[v.ID]; ok {
        if v.Version != 0 && v.Version != cur.Version {
            return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", v.ID, ErrConflict)
        }
        v.Version = cur.Version + 1
    } else {
        v.Version = 1
    }
    if v.Status == "" { v.Status = model.VehicleAvailable }
    v = cloneVehicle(v)
    m.vehicles[v.ID] = v
    return cloneVehicle(v), nil
}

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    v, ok := m.vehicles[id]
    if !ok { return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, ErrNotFound) }
    return cloneVehicle(v), nil
}

func (m *Memory) GetVehicles(ctx context.Context, ids []string) ([]model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Vehicle, 0, len(ids))
    for _, id := range ids {
        v, ok := m.vehicles[id]
        if !ok { return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound) }
        out = append(out, cloneVehicle(v))
    }
    return out, nil
}

func (m *Memory) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Vehicle{}
    for _, v := range m.vehicles {
        if f.Status != "" && v.Status != f.Status { continue }
        out = append(out, cloneVehicle(v))
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (m *Memory) GetDispatch(ctx context.Context, id string) (model.Dispatch, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.dispatches[id]
    if !ok { return model.Dispatch{}, fmt.Errorf("dispatch %s: %w", id, ErrNotFound) }
    return cloneDispatch(d), nil
}

func (m *Memory) ListDispatches(ctx context.Context, f DispatchFilter) ([]model.Dispatch, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Dispatch{}
    for _, d := range m.dispatches {
        if f.match(d) { out = append(out, cloneDispatch(d)) }
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Date != out[j].Date { return out[i].Date < out[j].Date }
        return out[i].ID < out[j].ID
    })
    return out, nil
}

// Apply checks every version first and only then writes, so a conflict
// leaves the store untouched.
func (m *Memory) Apply(ctx context.Context, b Batch) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, u := range b.Orders {
        o, ok := m.orders[u.ID]
        if !ok { return fmt.Errorf("apply: order %s: %w", u.ID, ErrNotFound) }
        if o.Version != u.Version { return fmt.Errorf("apply: order %s at v%d, have v%d: %w", u.ID, o.Version, u.Version, ErrConflict) }
    }
    for _, u := range b.Vehicles {
        v, ok := m.vehicles[u.ID]
        if !ok { return fmt.Errorf("apply: vehicle %s: %w", u.ID, ErrNotFound) }
        if v.Version != u.Version { return fmt.Errorf("apply: vehicle %s at v%d, have v%d: %w", u.ID, v.Version, u.Version, ErrConflict) }
    }
    for _, d := range b.Dispatches {
        cur, ok := m.dispatches[d.ID]
        if d.Version == 0 && ok { return fmt.Errorf("apply: dispatch %s exists: %w", d.ID, ErrConflict) }
        if d.Version != 0 && (!ok || cur.Version != d.Version) { return fmt.Errorf("apply: dispatch %s: %w", d.ID, ErrConflict) }
    }
    for _, e := range b.Emergencies {
        cur, ok := m.emergencies[e.ID]
        if e.Version == 0 && ok { return fmt.Errorf("apply: emergency %s exists: %w", e.ID, ErrConflict) }
        if e.Version != 0 && (!ok || cur.Version != e.Version) { return fmt.Errorf("apply: emergency %s: %w", e.ID, ErrConflict) }
    }

    now := time.Now().UTC()
    for _, u := range b.Orders {
        o := m.orders[u.ID]
        o.Status = u.Status
        o.Version++
        m.orders[u.ID] = o
    }
    for _, u := range b.Vehicles {
        v := m.vehicles[u.ID]
        v.Status = u.Status
        v.Version++
        m.vehicles[u.ID] = v
    }
    for _, d := range b.Dispatches {
        d = cloneDispatch(d)
        if d.Version == 0 && d.CreatedAt.IsZero() { d.CreatedAt = now }
        d.Version++
        d.UpdatedAt = now
        m.dispatches[d.ID] = d
    }
    for _, e := range b.Emergencies {
        e.AffectedDispatchIDs = append([]string(nil), e.AffectedDispatchIDs...)
        e.Version++
        m.emergencies[e.ID] = e
    }
    return nil
}

func (m *Memory) SaveAlert(ctx context.Context, a model.Alert) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if a.ID == "" { return fmt.Errorf("save alert: empty id") }
    m.alerts[a.ID] = a
    return nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Alert{}
    for _, a := range m.alerts {
        if f.VehicleID != "" && a.VehicleID != f.VehicleID { continue }
        if f.ActiveOnly && !a.Active { continue }
        out = append(out, a)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
    if f.Limit > 0 && len(out) > f.Limit { out = out[:f.Limit] }
    return out, nil
}

func (m *Memory) GetEmergency(ctx context.Context, id string) (model.EmergencyEvent, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    e, ok := m.emergencies[id]
    if !ok { return model.EmergencyEvent{}, fmt.Errorf("emergency %s: %w", id, ErrNotFound) }
    e.AffectedDispatchIDs = append([]string(nil), e.AffectedDispatchIDs...)
    return e, nil
}

func (m *Memory) ListEmergencies(ctx context.Context, f EmergencyFilter) ([]model.EmergencyEvent, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.EmergencyEvent{}
    for _, e := range m.emergencies {
        if f.VehicleID != "" && e.VehicleID != f.VehicleID { continue }
        if f.Status != "" && e.Status != f.Status { continue }
        e.AffectedDispatchIDs = append([]string(nil), e.AffectedDispatchIDs...)
        out = append(out, e)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
    return out, nil
}

func (m *Memory) AppendReadings(ctx context.Context, rs []model.Reading) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.readings = append(m.readings, rs...)
    if over := len(m.readings) - m.maxReadings; over > 0 {
        m.readings = append([]model.Reading(nil), m.readings[over:]...)
    }
    return nil
}

// Readings returns the retained history for a vehicle, oldest first.
func (m *Memory) Readings(vehicleID string) []model.Reading {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Reading{}
    for _, r := range m.readings {
        if vehicleID == "" || r.VehicleID == vehicleID { out = append(out, r) }
    }
    return out
}

func (m *Memory) SaveRecurringOrder(ctx context.Context, r model.RecurringOrder) (model.RecurringOrder, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if r.ID == "" { r.ID = uuid.New().String() }
    r.Weekdays = append([]time.Weekday(nil), r.Weekdays...)
    m.recurring[r.ID] = r
    return r, nil
}

func (m *Memory) ListRecurringOrders(ctx context.Context) ([]model.RecurringOrder, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.RecurringOrder{}
    for _, r := range m.recurring { out = append(out, r) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveryIDs = append(m.deliveryIDs, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    d.WebhookDelivery.Status = d.Status
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil { d.Status = "failed" }
    m.dlq = append(m.dlq, map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
    return nil
}

func cloneVehicle(v model.Vehicle) model.Vehicle {
    v.Capabilities = append([]model.Zone(nil), v.Capabilities...)
    if v.Driver != nil { d := *v.Driver; v.Driver = &d }
    return v
}

func cloneDispatch(d model.Dispatch) model.Dispatch {
    d.Stops = append([]model.RouteStop(nil), d.Stops...)
    return d
}
