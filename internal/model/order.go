package model

import (
	"errors"
	"fmt"
	"time"
)

// Zone is a temperature category required by an order or held by a vehicle.
type Zone string

const (
	ZoneFrozen  Zone = "FROZEN"
	ZoneChilled Zone = "CHILLED"
	ZoneAmbient Zone = "AMBIENT"
	// ZoneDual is a vehicle capability covering FROZEN and CHILLED.
	ZoneDual Zone = "DUAL"
)

func (z Zone) Valid() bool {
	switch z {
	case ZoneFrozen, ZoneChilled, ZoneAmbient, ZoneDual:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderAssigned  OrderStatus = "ASSIGNED"
	OrderInTransit OrderStatus = "IN_TRANSIT"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// DefaultPriority is used when an order arrives without one.
const DefaultPriority = 5

type Order struct {
	ID               string      `json:"id"`
	ExternalRef      string      `json:"externalRef,omitempty"`
	Zone             Zone        `json:"zone"`
	Pickup           Location    `json:"pickup"`
	Delivery         Location    `json:"delivery"`
	Pallets          int         `json:"pallets"`
	WeightKg         float64     `json:"weightKg"`
	VolumeM3         float64     `json:"volumeM3,omitempty"`
	PickupWindow     *TimeWindow `json:"pickupWindow,omitempty"`
	DeliveryWindow   *TimeWindow `json:"deliveryWindow,omitempty"`
	Priority         int         `json:"priority"`
	RequiresForklift bool        `json:"requiresForklift,omitempty"`
	Stackable        bool        `json:"stackable,omitempty"`
	LoadWaived       bool        `json:"loadWaived,omitempty"`
	Status           OrderStatus `json:"status"`
	Customer         Contact     `json:"customer,omitempty"`
	Version          int         `json:"version"`
	CreatedAt        time.Time   `json:"createdAt"`
}

func (o Order) Load() Load {
	return Load{Pallets: o.Pallets, WeightKg: o.WeightKg, VolumeM3: o.VolumeM3}
}

// EffectivePriority maps an unset priority to DefaultPriority.
func (o Order) EffectivePriority() int {
	if o.Priority <= 0 {
		return DefaultPriority
	}
	return o.Priority
}

// RequestedDelivery is the start of the delivery window, zero when open.
func (o Order) RequestedDelivery() time.Time {
	if o.DeliveryWindow == nil {
		return time.Time{}
	}
	return o.DeliveryWindow.Start
}

func (o Order) Validate() error {
	var errs []error
	if o.Zone != ZoneFrozen && o.Zone != ZoneChilled && o.Zone != ZoneAmbient {
		errs = append(errs, fmt.Errorf("zone %q not one of FROZEN, CHILLED, AMBIENT", o.Zone))
	}
	if o.Delivery.IsZero() {
		errs = append(errs, errors.New("delivery location required"))
	}
	if !o.LoadWaived && (o.Pallets <= 0 || o.WeightKg <= 0) {
		errs = append(errs, errors.New("pallets and weight must be > 0"))
	}
	if o.Pallets < 0 || o.WeightKg < 0 || o.VolumeM3 < 0 {
		errs = append(errs, errors.New("load must not be negative"))
	}
	if o.Priority < 0 || o.Priority > 10 {
		errs = append(errs, fmt.Errorf("priority %d outside 1..10", o.Priority))
	}
	if err := o.PickupWindow.validate(); err != nil {
		errs = append(errs, fmt.Errorf("pickup %w", err))
	}
	if err := o.DeliveryWindow.validate(); err != nil {
		errs = append(errs, fmt.Errorf("delivery %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("order %s: %w", o.ID, errors.Join(errs...))
}

// RecurringOrder is a template materialised into a PENDING order on the
// listed weekdays.
type RecurringOrder struct {
	ID       string         `json:"id"`
	Weekdays []time.Weekday `json:"weekdays"`
	Template Order          `json:"template"`
	Active   bool           `json:"active"`
}

func (r RecurringOrder) RunsOn(day time.Weekday) bool {
	for _, d := range r.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}
