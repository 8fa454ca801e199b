package distance

import (
	"context"
	"log"

	"coldchain/internal/metrics"
	"coldchain/internal/model"
)

// Fallback asks Primary first and degrades to Secondary on any error.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

// NewRouted caches primary answers and falls back to secondary uncached, so
// an outage never pins estimates in the cache. A nil primary means secondary
// alone.
func NewRouted(primary, secondary Provider, remote Store, maxEntries int) Provider {
	if primary == nil {
		return secondary
	}
	return Fallback{Primary: NewCached(primary, remote, maxEntries), Secondary: secondary}
}

func (f Fallback) Distance(ctx context.Context, from, to model.GeoPoint) (Result, error) {
	if f.Primary != nil {
		res, err := f.Primary.Distance(ctx, from, to)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Printf("op=distance.fallback from=%.5f,%.5f to=%.5f,%.5f err=%v", from.Lat, from.Lng, to.Lat, to.Lng, err)
		metrics.DistanceFallbacks.Inc()
	}
	return f.Secondary.Distance(ctx, from, to)
}
