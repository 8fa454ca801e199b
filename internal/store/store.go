package store

import (
    "context"
    "errors"
    "time"

    "coldchain/internal/model"
)

// Store is the persistence interface used by the dispatch, emergency and
// telemetry services. Reads return snapshots; callers never share the
// stored records.
type Store interface {
    // Orders
    CreateOrders(ctx context.Context, orders []model.Order) (created []model.Order, err error)
    GetOrders(ctx context.Context, ids []string) ([]model.Order, error)
    ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

    // Vehicles
    UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
    GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
    GetVehicles(ctx context.Context, ids []string) ([]model.Vehicle, error)
    ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error)

    // Dispatches
    GetDispatch(ctx context.Context, id string) (model.Dispatch, error)
    ListDispatches(ctx context.Context, f DispatchFilter) ([]model.Dispatch, error)

    // Apply writes a batch atomically: either every record is written or none.
    Apply(ctx context.Context, b Batch) error

    // Alerts
    SaveAlert(ctx context.Context, a model.Alert) error
    ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error)

    // Emergencies
    GetEmergency(ctx context.Context, id string) (model.EmergencyEvent, error)
    ListEmergencies(ctx context.Context, f EmergencyFilter) ([]model.EmergencyEvent, error)

    // Telemetry history
    AppendReadings(ctx context.Context, rs []model.Reading) error

    // Recurring order templates
    SaveRecurringOrder(ctx context.Context, r model.RecurringOrder) (model.RecurringOrder, error)
    ListRecurringOrders(ctx context.Context) ([]model.RecurringOrder, error)

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error

    Ping(ctx context.Context) error
}

var (
    ErrNotFound = errors.New("not found")
    // ErrConflict means a record changed since it was read.
    ErrConflict = errors.New("version conflict")
)

// Batch is a minimal write-back: status changes carry the version they were
// read at, dispatches and emergencies are upserted (Version 0 inserts).
type Batch struct {
    Orders      []OrderUpdate
    Vehicles    []VehicleUpdate
    Dispatches  []model.Dispatch
    Emergencies []model.EmergencyEvent
}

func (b Batch) Empty() bool {
    return len(b.Orders) == 0 && len(b.Vehicles) == 0 && len(b.Dispatches) == 0 && len(b.Emergencies) == 0
}

type OrderUpdate struct {
    ID      string
    Version int
    Status  model.OrderStatus
}

type VehicleUpdate struct {
    ID      string
    Version int
    Status  model.VehicleStatus
}

type OrderFilter struct {
    Status      model.OrderStatus
    ExternalRef string
    Limit       int
}

type VehicleFilter struct {
    Status model.VehicleStatus
}

type DispatchFilter struct {
    VehicleID string
    Date      string
    // FromDate selects dates on or after it (YYYY-MM-DD compares lexically).
    FromDate string
    Statuses []model.DispatchStatus
}

func (f DispatchFilter) match(d model.Dispatch) bool {
    if f.VehicleID != "" && d.VehicleID != f.VehicleID {
        return false
    }
    if f.Date != "" && d.Date != f.Date {
        return false
    }
    if f.FromDate != "" && d.Date < f.FromDate {
        return false
    }
    if len(f.Statuses) > 0 {
        for _, s := range f.Statuses {
            if s == d.Status {
                return true
            }
        }
        return false
    }
    return true
}

type AlertFilter struct {
    VehicleID  string
    ActiveOnly bool
    Limit      int
}

type EmergencyFilter struct {
    VehicleID string
    Status    model.EmergencyStatus
}

type WebhookDelivery struct {
    ID        string
    EventType string
    URL       string
    Secret    string
    Payload   []byte
    Status    string
    Attempts  int
}
