package model

import (
	"fmt"
	"time"
)

// DateLayout is the plan date format used for dispatches and optimize requests.
const DateLayout = "2006-01-02"

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p GeoPoint) IsZero() bool { return p.Lat == 0 && p.Lng == 0 }

// Location is a point with its postal address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func (l Location) Point() GeoPoint { return GeoPoint{Lat: l.Lat, Lng: l.Lng} }

func (l Location) IsZero() bool { return l.Lat == 0 && l.Lng == 0 && l.Address == "" }

// TimeWindow bounds when a stop may be served. A zero Start or End is open.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Late reports whether t is after the window end.
func (w *TimeWindow) Late(t time.Time) bool {
	return w != nil && !w.End.IsZero() && t.After(w.End)
}

// Early reports whether t is before the window start.
func (w *TimeWindow) Early(t time.Time) bool {
	return w != nil && !w.Start.IsZero() && t.Before(w.Start)
}

func (w *TimeWindow) validate() error {
	if w == nil || w.Start.IsZero() || w.End.IsZero() {
		return nil
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Load is an amount carried or a remaining capacity.
type Load struct {
	Pallets  int     `json:"pallets"`
	WeightKg float64 `json:"weightKg"`
	VolumeM3 float64 `json:"volumeM3,omitempty"`
}

func (l Load) Add(o Load) Load {
	return Load{Pallets: l.Pallets + o.Pallets, WeightKg: l.WeightKg + o.WeightKg, VolumeM3: l.VolumeM3 + o.VolumeM3}
}

func (l Load) Sub(o Load) Load {
	return Load{Pallets: l.Pallets - o.Pallets, WeightKg: l.WeightKg - o.WeightKg, VolumeM3: l.VolumeM3 - o.VolumeM3}
}

// Within reports whether l fits inside capacity c. Volume is only compared
// when c tracks it.
func (l Load) Within(c Load) bool {
	if l.Pallets > c.Pallets || l.WeightKg > c.WeightKg+1e-9 {
		return false
	}
	if c.VolumeM3 > 0 && l.VolumeM3 > c.VolumeM3+1e-9 {
		return false
	}
	return true
}

func (l Load) IsEmpty() bool { return l.Pallets <= 0 && l.WeightKg <= 1e-9 && l.VolumeM3 <= 1e-9 }

// Contact is a notification recipient.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (c Contact) Recipient() string {
	switch {
	case c.Email != "":
		return c.Email
	case c.Phone != "":
		return c.Phone
	}
	return c.Name
}
