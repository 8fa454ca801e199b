//go:build postgres_integration

package store

import (
    "errors"
    "os"
    "testing"

    "github.com/google/uuid"
    "coldchain/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    defer p.Close()
    if err := p.Ping(t.Context()); err != nil { t.Fatalf("Ping: %v", err) }
    if err := p.Migrate(t.Context()); err != nil { t.Fatalf("Migrate: %v", err) }
    // second run is a no-op
    if err := p.Migrate(t.Context()); err != nil { t.Fatalf("Migrate again: %v", err) }

    created, err := p.CreateOrders(t.Context(), []model.Order{{ExternalRef: "it-" + uuid.NewString(), Zone: model.ZoneChilled, Pallets: 1}})
    if err != nil || len(created) != 1 { t.Fatalf("CreateOrders: %v %d", err, len(created)) }
    o := created[0]
    if err := p.Apply(t.Context(), Batch{Orders: []OrderUpdate{{ID: o.ID, Version: o.Version, Status: model.OrderAssigned}}}); err != nil {
        t.Fatalf("Apply: %v", err)
    }
    err = p.Apply(t.Context(), Batch{Orders: []OrderUpdate{{ID: o.ID, Version: o.Version, Status: model.OrderCancelled}}})
    if !errors.Is(err, ErrConflict) { t.Fatalf("stale version: want ErrConflict, got %v", err) }
}
