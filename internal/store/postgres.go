package store

import (
    "context"
    "crypto/sha256"
    "database/sql"
    "embed"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "io/fs"
    "log"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "coldchain/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres keeps each record as a JSONB document next to the columns used for
// filtering. The version column is authoritative over the document's copy.
type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded migrations in name order, once each.
func (p *Postgres) Migrate(ctx context.Context) error {
    if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
        return fmt.Errorf("migrate: %w", err)
    }
    names, err := fs.Glob(migrations, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, name := range names {
        var seen string
        err := p.db.QueryRowContext(ctx, `SELECT name FROM schema_migrations WHERE name=$1`, name).Scan(&seen)
        if err == nil { continue }
        if !errors.Is(err, sql.ErrNoRows) { return fmt.Errorf("migrate %s: %w", name, err) }
        body, err := migrations.ReadFile(name)
        if err != nil { return err }
        tx, err := p.db.BeginTx(ctx, nil)
        if err != nil { return err }
        if _, err := tx.ExecContext(ctx, string(body)); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("migrate %s: %w", name, err)
        }
        if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("migrate %s: %w", name, err)
        }
        if err := tx.Commit(); err != nil { return err }
        log.Printf("store: applied migration %s", name)
    }
    return nil
}

// CreateOrders inserts orders. Dedup by external_ref.
func (p *Postgres) CreateOrders(ctx context.Context, orders []model.Order) ([]model.Order, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return nil, err }
    defer func(){ _ = tx.Rollback() }()

    out := []model.Order{}
    now := time.Now().UTC()
    for _, o := range orders {
        if o.ID == "" { o.ID = uuid.New().String() }
        if o.Status == "" { o.Status = model.OrderPending }
        if o.CreatedAt.IsZero() { o.CreatedAt = now }
        o.Version = 1
        doc, err := json.Marshal(o)
        if err != nil { return nil, err }
        res, err := tx.ExecContext(ctx, `INSERT INTO orders (id, external_ref, status, version, doc, created_at) VALUES ($1,$2,$3,1,$4,$5) ON CONFLICT DO NOTHING`,
            o.ID, nullIfEmpty(o.ExternalRef), string(o.Status), doc, o.CreatedAt)
        if err != nil { return nil, err }
        if n, _ := res.RowsAffected(); n == 0 { continue }
        out = append(out, o)
    }
    if err := tx.Commit(); err != nil { return nil, err }
    return out, nil
}

func (p *Postgres) GetOrders(ctx context.Context, ids []string) ([]model.Order, error) {
    out := make([]model.Order, 0, len(ids))
    for _, id := range ids {
        var o model.Order
        if err := p.getDoc(ctx, `SELECT doc, version FROM orders WHERE id=$1`, id, &o, &o.Version); err != nil {
            return nil, fmt.Errorf("order %s: %w", id, err)
        }
        out = append(out, o)
    }
    return out, nil
}

func (p *Postgres) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
    limit := f.Limit
    if limit <= 0 || limit > 5000 { limit = 5000 }
    rows, err := p.db.QueryContext(ctx, `SELECT doc, version FROM orders
        WHERE ($1='' OR status=$1) AND ($2='' OR external_ref=$2) ORDER BY id LIMIT $3`, string(f.Status), f.ExternalRef, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Order{}
    for rows.Next() {
        var o model.Order
        if err := scanDoc(rows, &o, &o.Version); err != nil { return nil, err }
        out = append(out, o)
    }
    return out, rows.Err()
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
    if v.ID == "" { v.ID = uuid.New().String() }
    if v.Status == "" { v.Status = model.VehicleAvailable }
    expected := v.Version
    v.Version = expected + 1
    if expected == 0 {
        // version 0 means "don't care": read the current one
        var cur int
        err := p.db.QueryRowContext(ctx, `SELECT version FROM vehicles WHERE id=$1`, v.ID).Scan(&cur)
        if err != nil && !errors.Is(err, sql.ErrNoRows) { return model.Vehicle{}, err }
        expected = cur
        v.Version = cur + 1
    }
    doc, err := json.Marshal(v)
    if err != nil { return model.Vehicle{}, err }
    res, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (id, status, version, doc, updated_at) VALUES ($1,$2,$3,$4,now())
        ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, version=EXCLUDED.version, doc=EXCLUDED.doc, updated_at=now()
        WHERE vehicles.version=$5`, v.ID, string(v.Status), v.Version, doc, expected)
    if err != nil { return model.Vehicle{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", v.ID, ErrConflict)
    }
    return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
    var v model.Vehicle
    if err := p.getDoc(ctx, `SELECT doc, version FROM vehicles WHERE id=$1`, id, &v, &v.Version); err != nil {
        return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, err)
    }
    return v, nil
}

func (p *Postgres) GetVehicles(ctx context.Context, ids []string) ([]model.Vehicle, error) {
    out := make([]model.Vehicle, 0, len(ids))
    for _, id := range ids {
        v, err := p.GetVehicle(ctx, id)
        if err != nil { return nil, err }
        out = append(out, v)
    }
    return out, nil
}

func (p *Postgres) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT doc, version FROM vehicles WHERE ($1='' OR status=$1) ORDER BY id`, string(f.Status))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Vehicle{}
    for rows.Next() {
        var v model.Vehicle
        if err := scanDoc(rows, &v, &v.Version); err != nil { return nil, err }
        out = append(out, v)
    }
    return out, rows.Err()
}

func (p *Postgres) GetDispatch(ctx context.Context, id string) (model.Dispatch, error) {
    var d model.Dispatch
    if err := p.getDoc(ctx, `SELECT doc, version FROM dispatches WHERE id=$1`, id, &d, &d.Version); err != nil {
        return model.Dispatch{}, fmt.Errorf("dispatch %s: %w", id, err)
    }
    return d, nil
}

func (p *Postgres) ListDispatches(ctx context.Context, f DispatchFilter) ([]model.Dispatch, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT doc, version FROM dispatches
        WHERE ($1='' OR vehicle_id=$1) AND ($2='' OR plan_date=$2) AND ($3='' OR plan_date>=$3)
        ORDER BY plan_date, id`, f.VehicleID, f.Date, f.FromDate)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Dispatch{}
    for rows.Next() {
        var d model.Dispatch
        if err := scanDoc(rows, &d, &d.Version); err != nil { return nil, err }
        // status set is small; filter here instead of building an ANY($n) array
        if f.match(d) { out = append(out, d) }
    }
    return out, rows.Err()
}

// Apply runs the batch in one transaction. Every update is guarded by the
// version it was read at; a miss rolls the whole batch back.
func (p *Postgres) Apply(ctx context.Context, b Batch) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()

    for _, u := range b.Orders {
        res, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, version=version+1, doc=jsonb_set(doc,'{status}',to_jsonb($1::text))
            WHERE id=$2 AND version=$3`, string(u.Status), u.ID, u.Version)
        if err := guard(ctx, tx, res, err, "orders", u.ID); err != nil { return fmt.Errorf("apply: %w", err) }
    }
    for _, u := range b.Vehicles {
        res, err := tx.ExecContext(ctx, `UPDATE vehicles SET status=$1, version=version+1, doc=jsonb_set(doc,'{status}',to_jsonb($1::text)), updated_at=now()
            WHERE id=$2 AND version=$3`, string(u.Status), u.ID, u.Version)
        if err := guard(ctx, tx, res, err, "vehicles", u.ID); err != nil { return fmt.Errorf("apply: %w", err) }
    }
    now := time.Now().UTC()
    for _, d := range b.Dispatches {
        expected := d.Version
        d.Version++
        d.UpdatedAt = now
        if expected == 0 && d.CreatedAt.IsZero() { d.CreatedAt = now }
        doc, err := json.Marshal(d)
        if err != nil { return err }
        var res sql.Result
        if expected == 0 {
            res, err = tx.ExecContext(ctx, `INSERT INTO dispatches (id, vehicle_id, plan_date, status, version, doc, created_at, updated_at)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`, d.ID, d.VehicleID, d.Date, string(d.Status), d.Version, doc, d.CreatedAt, now)
        } else {
            res, err = tx.ExecContext(ctx, `UPDATE dispatches SET vehicle_id=$2, plan_date=$3, status=$4, version=$5, doc=$6, updated_at=$7
                WHERE id=$1 AND version=$8`, d.ID, d.VehicleID, d.Date, string(d.Status), d.Version, doc, now, expected)
        }
        if err := guard(ctx, tx, res, err, "dispatches", d.ID); err != nil { return fmt.Errorf("apply: %w", err) }
    }
    for _, e := range b.Emergencies {
        expected := e.Version
        e.Version++
        doc, err := json.Marshal(e)
        if err != nil { return err }
        var res sql.Result
        if expected == 0 {
            res, err = tx.ExecContext(ctx, `INSERT INTO emergencies (id, vehicle_id, status, reported_at, version, doc)
                VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`, e.ID, e.VehicleID, string(e.Status), e.ReportedAt, e.Version, doc)
        } else {
            res, err = tx.ExecContext(ctx, `UPDATE emergencies SET status=$2, version=$3, doc=$4 WHERE id=$1 AND version=$5`,
                e.ID, string(e.Status), e.Version, doc, expected)
        }
        if err := guard(ctx, tx, res, err, "emergencies", e.ID); err != nil { return fmt.Errorf("apply: %w", err) }
    }
    return tx.Commit()
}

// guard turns a zero-row write into ErrNotFound or ErrConflict.
func guard(ctx context.Context, tx *sql.Tx, res sql.Result, err error, table, id string) error {
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n > 0 { return nil }
    var one int
    err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=$1`, id).Scan(&one)
    if errors.Is(err, sql.ErrNoRows) { return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound) }
    if err != nil { return err }
    return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ErrConflict)
}

func (p *Postgres) SaveAlert(ctx context.Context, a model.Alert) error {
    doc, err := json.Marshal(a)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO alerts (id, vehicle_id, active, raised_at, doc) VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO UPDATE SET active=EXCLUDED.active, doc=EXCLUDED.doc`, a.ID, a.VehicleID, a.Active, a.RaisedAt, doc)
    return err
}

func (p *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
    limit := f.Limit
    if limit <= 0 || limit > 1000 { limit = 200 }
    rows, err := p.db.QueryContext(ctx, `SELECT doc FROM alerts WHERE ($1='' OR vehicle_id=$1) AND (NOT $2 OR active)
        ORDER BY raised_at DESC LIMIT $3`, f.VehicleID, f.ActiveOnly, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Alert{}
    for rows.Next() {
        var raw []byte
        if err := rows.Scan(&raw); err != nil { return nil, err }
        var a model.Alert
        if err := json.Unmarshal(raw, &a); err != nil { return nil, err }
        out = append(out, a)
    }
    return out, rows.Err()
}

func (p *Postgres) GetEmergency(ctx context.Context, id string) (model.EmergencyEvent, error) {
    var e model.EmergencyEvent
    if err := p.getDoc(ctx, `SELECT doc, version FROM emergencies WHERE id=$1`, id, &e, &e.Version); err != nil {
        return model.EmergencyEvent{}, fmt.Errorf("emergency %s: %w", id, err)
    }
    return e, nil
}

func (p *Postgres) ListEmergencies(ctx context.Context, f EmergencyFilter) ([]model.EmergencyEvent, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT doc, version FROM emergencies WHERE ($1='' OR vehicle_id=$1) AND ($2='' OR status=$2)
        ORDER BY reported_at`, f.VehicleID, string(f.Status))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.EmergencyEvent{}
    for rows.Next() {
        var e model.EmergencyEvent
        if err := scanDoc(rows, &e, &e.Version); err != nil { return nil, err }
        out = append(out, e)
    }
    return out, rows.Err()
}

func (p *Postgres) AppendReadings(ctx context.Context, rs []model.Reading) error {
    if len(rs) == 0 { return nil }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    for _, r := range rs {
        if r.ID == "" { r.ID = uuid.New().String() }
        payload, err := json.Marshal(r.Payload)
        if err != nil { return err }
        if _, err := tx.ExecContext(ctx, `INSERT INTO readings (id, sensor_id, vehicle_id, kind, ts, payload) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
            r.ID, r.SensorID, r.VehicleID, string(r.Kind), r.Timestamp, payload); err != nil {
            return err
        }
    }
    return tx.Commit()
}

func (p *Postgres) SaveRecurringOrder(ctx context.Context, r model.RecurringOrder) (model.RecurringOrder, error) {
    if r.ID == "" { r.ID = uuid.New().String() }
    doc, err := json.Marshal(r)
    if err != nil { return model.RecurringOrder{}, err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO recurring_orders (id, doc) VALUES ($1,$2) ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, r.ID, doc)
    if err != nil { return model.RecurringOrder{}, err }
    return r, nil
}

func (p *Postgres) ListRecurringOrders(ctx context.Context) ([]model.RecurringOrder, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT doc FROM recurring_orders ORDER BY id`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.RecurringOrder{}
    for rows.Next() {
        var raw []byte
        if err := rows.Scan(&raw); err != nil { return nil, err }
        var r model.RecurringOrder
        if err := json.Unmarshal(raw, &r); err != nil { return nil, err }
        out = append(out, r)
    }
    return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,'pending',0,now(),$6)
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, eventType, url, nullIfEmpty(secret), payload, dk)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id, event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
            nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
        return err
    }
    // move to DLQ
    if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, delivery_id, event_type, url, payload, attempts, last_error)
        SELECT $3, id, event_type, url, payload, attempts+1, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError), uuid.New().String()); err != nil {
        return err
    }
    return tx.Commit()
}

func (p *Postgres) getDoc(ctx context.Context, q, id string, dst any, version *int) error {
    var raw []byte
    var v int
    err := p.db.QueryRowContext(ctx, q, id).Scan(&raw, &v)
    if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
    if err != nil { return err }
    if err := json.Unmarshal(raw, dst); err != nil { return err }
    *version = v
    return nil
}

func scanDoc(rows *sql.Rows, dst any, version *int) error {
    var raw []byte
    var v int
    if err := rows.Scan(&raw, &v); err != nil { return err }
    if err := json.Unmarshal(raw, dst); err != nil { return err }
    *version = v
    return nil
}

func computeDedupKey(payload []byte) string {
    // try to parse JSON and use id
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" {
            return v
        }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
