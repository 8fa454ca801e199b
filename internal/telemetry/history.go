package telemetry

import (
	"context"
	"log"
	"time"

	"coldchain/internal/metrics"
	"coldchain/internal/model"
)

type ReadingStore interface {
	AppendReadings(ctx context.Context, rs []model.Reading) error
}

// HistoryWriter batches accepted readings into the store off the ingest path.
type HistoryWriter struct {
	ch         chan model.Reading
	store      ReadingStore
	batchSize  int
	flushEvery time.Duration
}

func NewHistoryWriter(st ReadingStore, queue, batchSize int, flushEvery time.Duration) *HistoryWriter {
	if queue <= 0 {
		queue = 4096
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	return &HistoryWriter{ch: make(chan model.Reading, queue), store: st, batchSize: batchSize, flushEvery: flushEvery}
}

// Enqueue never blocks; a full queue drops the reading.
func (w *HistoryWriter) Enqueue(r model.Reading) bool {
	select {
	case w.ch <- r:
		return true
	default:
		metrics.ReadingHistoryDropped.Inc()
		return false
	}
}

// Run flushes until ctx is done, then writes whatever is still buffered.
func (w *HistoryWriter) Run(ctx context.Context) {
	batch := make([]model.Reading, 0, w.batchSize)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for {
				select {
				case r := <-w.ch:
					batch = append(batch, r)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				w.flush(fctx, batch)
				cancel()
			}
			return
		}
	}
}

func (w *HistoryWriter) flush(ctx context.Context, batch []model.Reading) {
	err := w.store.AppendReadings(ctx, batch)
	if err != nil {
		log.Printf("history: write failed (batch=%d), retrying: %v", len(batch), err)
		time.Sleep(500 * time.Millisecond)
		if err = w.store.AppendReadings(ctx, batch); err != nil {
			log.Printf("history: write permanently failed (batch=%d): %v", len(batch), err)
			metrics.ReadingHistoryDropped.Add(float64(len(batch)))
		}
	}
}
