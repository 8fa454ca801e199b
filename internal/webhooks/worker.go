package webhooks

import (
    "bytes"
    "context"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "coldchain/internal/metrics"
    "coldchain/internal/store"
)

type Queue interface {
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]store.WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

// Worker delivers queued webhooks. It has no loop of its own; the scheduler
// calls ProcessOnce.
type Worker struct {
    Store       Queue
    HTTP        *http.Client
    MaxAttempts int
    BatchSize   int
}

func NewWorker(s Queue, maxAttempts int) *Worker {
    if maxAttempts <= 0 { maxAttempts = 10 }
    return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, MaxAttempts: maxAttempts, BatchSize: 50}
}

// ProcessOnce delivers every due item once and reports how many succeeded.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
    items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
    if err != nil { return 0, fmt.Errorf("webhooks: fetch: %w", err) }
    delivered := 0
    for _, it := range items {
        success := false
        next := time.Now().Add(nextBackoff(it.Attempts))
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
        if err != nil {
            _ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
            continue
        }
        req.Header.Set("Content-Type", "application/json")
        req.Header.Set("X-Event-Type", it.EventType)
        req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
        if it.Secret != "" {
            req.Header.Set(SignatureHeader, Sign(it.Secret, time.Now(), it.Payload))
        }
        start := time.Now()
        resp, err := w.HTTP.Do(req)
        latency := int(time.Since(start).Milliseconds())
        code := 0
        if err == nil && resp != nil {
            code = resp.StatusCode
            if resp.Body != nil { _ = resp.Body.Close() }
            if code >= 200 && code < 300 { success = true }
        }
        lastErr := ""
        if !success {
            if err != nil { lastErr = err.Error() } else { lastErr = "status " + strconv.Itoa(code) }
        }
        status := "delivered"
        switch {
        case success:
            delivered++
        case it.Attempts+1 >= w.MaxAttempts:
            status = "failed"
        default:
            status = "retry"
        }
        metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
        metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
        if status == "failed" {
            _ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
            continue
        }
        _ = w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
    }
    return delivered, nil
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
