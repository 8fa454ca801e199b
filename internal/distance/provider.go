package distance

import (
	"context"
	"math"

	"coldchain/internal/model"
)

// Result is a travel estimate between two points.
type Result struct {
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
}

// Provider estimates travel between two points. Implementations must be safe
// for concurrent use.
type Provider interface {
	Distance(ctx context.Context, from, to model.GeoPoint) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to model.GeoPoint) (Result, error)

func (f ProviderFunc) Distance(ctx context.Context, from, to model.GeoPoint) (Result, error) {
	return f(ctx, from, to)
}

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Geodesic is the straight-line fallback. Duration assumes a constant speed.
type Geodesic struct {
	SpeedKmh float64
}

func (g Geodesic) Distance(_ context.Context, from, to model.GeoPoint) (Result, error) {
	km := HaversineKm(from, to)
	return Result{DistanceKm: km, DurationMin: MinutesAt(km, g.SpeedKmh)}, nil
}

// MinutesAt converts a distance to travel minutes at speed. Speeds <= 0 use 50 km/h.
func MinutesAt(km, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = 50
	}
	return km / speedKmh * 60
}
