package model

type VehicleStatus string

const (
	VehicleAvailable            VehicleStatus = "AVAILABLE"
	VehicleInUse                VehicleStatus = "IN_USE"
	VehicleEmergencyMaintenance VehicleStatus = "EMERGENCY_MAINTENANCE"
	VehicleBreakdown            VehicleStatus = "BREAKDOWN"
	VehicleOutOfService         VehicleStatus = "OUT_OF_SERVICE"
)

type Driver struct {
	Name              string `json:"name"`
	Phone             string `json:"phone,omitempty"`
	Email             string `json:"email,omitempty"`
	ForkliftCertified bool   `json:"forkliftCertified,omitempty"`
}

type Vehicle struct {
	ID               string        `json:"id"`
	Plate            string        `json:"plate,omitempty"`
	Capabilities     []Zone        `json:"capabilities"`
	MaxPallets       int           `json:"maxPallets"`
	MaxWeightKg      float64       `json:"maxWeightKg"`
	MaxVolumeM3      float64       `json:"maxVolumeM3,omitempty"`
	ForkliftOperator bool          `json:"forkliftOperator,omitempty"`
	Garage           Location      `json:"garage"`
	Status           VehicleStatus `json:"status"`
	Driver           *Driver       `json:"driver,omitempty"`
	Version          int           `json:"version"`
}

func (v Vehicle) Capacity() Load {
	return Load{Pallets: v.MaxPallets, WeightKg: v.MaxWeightKg, VolumeM3: v.MaxVolumeM3}
}

// HasForklift is true when the vehicle or its driver can operate a forklift.
func (v Vehicle) HasForklift() bool {
	return v.ForkliftOperator || (v.Driver != nil && v.Driver.ForkliftCertified)
}

// CarriesZone reports whether the capability set covers z.
// DUAL covers FROZEN and CHILLED, never AMBIENT.
func (v Vehicle) CarriesZone(z Zone) bool {
	for _, c := range v.Capabilities {
		if c == z {
			return true
		}
		if c == ZoneDual && (z == ZoneFrozen || z == ZoneChilled) {
			return true
		}
	}
	return false
}

// ColdestZone is the strictest band the vehicle can hold. Sensors of an idle
// vehicle are checked against it.
func (v Vehicle) ColdestZone() Zone {
	best := Zone("")
	for _, c := range v.Capabilities {
		switch c {
		case ZoneFrozen, ZoneDual:
			return ZoneFrozen
		case ZoneChilled:
			best = ZoneChilled
		case ZoneAmbient:
			if best == "" {
				best = ZoneAmbient
			}
		}
	}
	return best
}

// Contact returns the driver as a notification contact.
func (v Vehicle) Contact() Contact {
	if v.Driver == nil {
		return Contact{}
	}
	return Contact{Name: v.Driver.Name, Phone: v.Driver.Phone, Email: v.Driver.Email}
}
