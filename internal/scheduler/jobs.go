package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"coldchain/internal/model"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
	"coldchain/internal/webhooks"
)

// RecurringRef is the external ref of the order generated from template id
// for date. It makes generation idempotent per template and date.
func RecurringRef(templateID, date string) string {
	return fmt.Sprintf("rec:%s:%s", templateID, date)
}

// RecurringOrders materialises active templates into PENDING orders for the
// day that is ahead days after now.
func RecurringOrders(st store.Store, loc *time.Location, ahead int, now func() time.Time) func(ctx context.Context) error {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		day := now().In(loc).AddDate(0, 0, ahead)
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		date := day.Format(model.DateLayout)
		templates, err := st.ListRecurringOrders(ctx)
		if err != nil {
			return fmt.Errorf("recurring orders: %w", err)
		}
		var batch []model.Order
		for _, r := range templates {
			if !r.Active || !onWeekday(r.Weekdays, day.Weekday()) {
				continue
			}
			o := r.Template
			o.ID = ""
			o.ExternalRef = RecurringRef(r.ID, date)
			o.Status = model.OrderPending
			o.Version = 0
			o.CreatedAt = time.Time{}
			o.PickupWindow = shiftWindow(o.PickupWindow, day)
			o.DeliveryWindow = shiftWindow(o.DeliveryWindow, day)
			if err := o.Validate(); err != nil {
				log.Printf("recurring orders: template %s skipped: %v", r.ID, err)
				continue
			}
			batch = append(batch, o)
		}
		if len(batch) == 0 {
			return nil
		}
		created, err := st.CreateOrders(ctx, batch)
		if err != nil {
			return fmt.Errorf("recurring orders: %w", err)
		}
		log.Printf("recurring orders: date=%s templates=%d created=%d", date, len(batch), len(created))
		return nil
	}
}

func onWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

// shiftWindow keeps the clock times of w and moves them onto day.
func shiftWindow(w *model.TimeWindow, day time.Time) *model.TimeWindow {
	if w == nil {
		return nil
	}
	at := func(t time.Time) time.Time {
		if t.IsZero() {
			return t
		}
		t = t.In(day.Location())
		return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, day.Location())
	}
	out := model.TimeWindow{Start: at(w.Start), End: at(w.End)}
	if !out.End.IsZero() && out.End.Before(out.Start) {
		out.End = out.End.AddDate(0, 0, 1)
	}
	return &out
}

// SensorWatch raises sensor_offline alerts for vehicles that went silent.
func SensorWatch(eng *telemetry.Engine) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if raised := eng.CheckStale(ctx); len(raised) > 0 {
			log.Printf("sensor watch: %d vehicles silent", len(raised))
		}
		return nil
	}
}

// WebhookDelivery drains due deliveries until a pass finds none or ctx ends.
func WebhookDelivery(w *webhooks.Worker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for ctx.Err() == nil {
			n, err := w.ProcessOnce(ctx)
			if err != nil {
				return fmt.Errorf("webhook delivery: %w", err)
			}
			if n == 0 {
				return nil
			}
		}
		return nil
	}
}
