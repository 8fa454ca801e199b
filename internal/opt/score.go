package opt

import "math"

// ScoreInput is everything a Scorer may look at.
//   - TotalKm: route distance including the return leg when enabled
//   - EmptyKm: distance driven with nothing on board
//   - Utilization: peak load over capacity, 0..1 (max of pallets and weight)
//   - Stops: number of route stops
type ScoreInput struct {
	TotalKm     float64
	EmptyKm     float64
	Utilization float64
	Stops       int
}

// EmptyRatio is EmptyKm / TotalKm, 0 for a route that does not move.
func (in ScoreInput) EmptyRatio() float64 {
	if in.TotalKm <= 0 {
		return 0
	}
	return math.Min(1, in.EmptyKm/in.TotalKm)
}

// Scorer rates a sequenced route. Higher is better. Scores are reported
// only, they never steer route choice.
type Scorer interface {
	Score(in ScoreInput) float64
}

type ScoreFunc func(in ScoreInput) float64

func (f ScoreFunc) Score(in ScoreInput) float64 { return f(in) }

// WeightedScorer blends three 0..1 terms into 0..100:
// distance as 1/(1+km/ReferenceKm), 1-EmptyRatio, and Utilization.
type WeightedScorer struct {
	DistanceWeight    float64
	EmptyLegWeight    float64
	UtilizationWeight float64
	ReferenceKm       float64
}

func DefaultScorer() WeightedScorer {
	return WeightedScorer{DistanceWeight: 1, EmptyLegWeight: 1, UtilizationWeight: 1, ReferenceKm: 100}
}

func (w WeightedScorer) Score(in ScoreInput) float64 {
	sum := w.DistanceWeight + w.EmptyLegWeight + w.UtilizationWeight
	if sum <= 0 {
		return 0
	}
	ref := w.ReferenceKm
	if ref <= 0 {
		ref = 100
	}
	dist := 1 / (1 + math.Max(0, in.TotalKm)/ref)
	full := 1 - in.EmptyRatio()
	util := math.Max(0, math.Min(1, in.Utilization))
	s := 100 * (w.DistanceWeight*dist + w.EmptyLegWeight*full + w.UtilizationWeight*util) / sum
	return math.Round(s*100) / 100
}
