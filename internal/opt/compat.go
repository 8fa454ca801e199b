package opt

import "coldchain/internal/model"

// Rejection names the first compatibility rule an order fails on a vehicle.
type Rejection int

const (
	Accept Rejection = iota
	RejectTemperature
	RejectForklift
	RejectCapacity
)

func (r Rejection) String() string {
	switch r {
	case Accept:
		return "accept"
	case RejectTemperature:
		return "temperature"
	case RejectForklift:
		return "forklift"
	case RejectCapacity:
		return "capacity"
	}
	return "unknown"
}

// Check applies the temperature, forklift and capacity rules in that order.
// remaining is the vehicle's spare capacity; volume is compared only when
// both the vehicle and the order track it.
func Check(o model.Order, v model.Vehicle, remaining model.Load) Rejection {
	if !v.CarriesZone(o.Zone) {
		return RejectTemperature
	}
	if o.RequiresForklift && !v.HasForklift() {
		return RejectForklift
	}
	if remaining.Pallets < o.Pallets || remaining.WeightKg+1e-9 < o.WeightKg {
		return RejectCapacity
	}
	if v.MaxVolumeM3 > 0 && o.VolumeM3 > 0 && remaining.VolumeM3+1e-9 < o.VolumeM3 {
		return RejectCapacity
	}
	return Accept
}

// Compatible reports whether o may ride on v given its remaining capacity.
func Compatible(o model.Order, v model.Vehicle, remaining model.Load) bool {
	return Check(o, v, remaining) == Accept
}

// Eligible ignores capacity: v could carry o if it were empty enough.
func Eligible(o model.Order, v model.Vehicle) bool {
	r := Check(o, v, v.Capacity())
	return r == Accept || r == RejectCapacity
}
