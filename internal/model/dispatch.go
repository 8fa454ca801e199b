package model

import "time"

type DispatchStatus string

const (
	DispatchDraft      DispatchStatus = "DRAFT"
	DispatchConfirmed  DispatchStatus = "CONFIRMED"
	DispatchInProgress DispatchStatus = "IN_PROGRESS"
	DispatchCompleted  DispatchStatus = "COMPLETED"
	DispatchCancelled  DispatchStatus = "CANCELLED"
)

// Active is true while the dispatch still holds its vehicle.
func (s DispatchStatus) Active() bool {
	return s == DispatchDraft || s == DispatchConfirmed || s == DispatchInProgress
}

type StopKind string

const (
	StopPickup   StopKind = "PICKUP"
	StopDelivery StopKind = "DELIVERY"
)

// RouteStop is owned by value by its Dispatch and refers to its order by id.
type RouteStop struct {
	Seq         int        `json:"seq"`
	Kind        StopKind   `json:"kind"`
	OrderID     string     `json:"orderId,omitempty"`
	Location    Location   `json:"location"`
	DistanceKm  float64    `json:"distanceKm"`
	DurationMin float64    `json:"durationMin"`
	Pallets     int        `json:"pallets"`
	WeightKg    float64    `json:"weightKg"`
	VolumeM3    float64    `json:"volumeM3,omitempty"`
	ArrivalAt   time.Time  `json:"arrivalAt"`
	DepartureAt time.Time  `json:"departureAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s RouteStop) Done() bool { return s.CompletedAt != nil }

type Totals struct {
	Orders        int     `json:"orders"`
	Pallets       int     `json:"pallets"`
	WeightKg      float64 `json:"weightKg"`
	DistanceKm    float64 `json:"distanceKm"`
	EmptyKm       float64 `json:"emptyKm"`
	ReturnKm      float64 `json:"returnKm"`
	DurationMin   float64 `json:"durationMin"`
	EstimatedCost float64 `json:"estimatedCost"`
	Score         float64 `json:"score"`
}

type Dispatch struct {
	ID        string         `json:"id"`
	VehicleID string         `json:"vehicleId"`
	Date      string         `json:"date"`
	Status    DispatchStatus `json:"status"`
	Totals    Totals         `json:"totals"`
	Stops     []RouteStop    `json:"stops"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// OrderIDs lists the orders served by the dispatch in first-visit order.
func (d Dispatch) OrderIDs() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range d.Stops {
		if s.OrderID == "" {
			continue
		}
		if _, ok := seen[s.OrderID]; ok {
			continue
		}
		seen[s.OrderID] = struct{}{}
		out = append(out, s.OrderID)
	}
	return out
}

// Remaining returns the stops not yet completed, in sequence.
func (d Dispatch) Remaining() []RouteStop {
	out := []RouteStop{}
	for _, s := range d.Stops {
		if !s.Done() {
			out = append(out, s)
		}
	}
	return out
}

// Delivered lists orders whose delivery stop is completed.
func (d Dispatch) Delivered() map[string]bool {
	out := map[string]bool{}
	for _, s := range d.Stops {
		if s.Kind == StopDelivery && s.Done() {
			out[s.OrderID] = true
		}
	}
	return out
}

// PickedUp lists orders whose pickup stop is completed.
func (d Dispatch) PickedUp() map[string]bool {
	out := map[string]bool{}
	for _, s := range d.Stops {
		if s.Kind == StopPickup && s.Done() {
			out[s.OrderID] = true
		}
	}
	return out
}

func (d Dispatch) HasOrder(id string) bool {
	for _, s := range d.Stops {
		if s.OrderID == id {
			return true
		}
	}
	return false
}
