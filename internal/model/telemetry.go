package model

import "time"

type ReadingKind string

const (
	KindTemperature ReadingKind = "temperature"
	KindGPS         ReadingKind = "gps"
	KindDoor        ReadingKind = "door"
	KindHumidity    ReadingKind = "humidity"
)

// Payload is the kind-specific body of a reading.
type Payload interface {
	Kind() ReadingKind
	// Scalar is the value rules compare against.
	Scalar() float64
}

type Temperature struct {
	Celsius float64 `json:"celsius"`
}

func (Temperature) Kind() ReadingKind  { return KindTemperature }
func (t Temperature) Scalar() float64 { return t.Celsius }

type Position struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SpeedKmh float64 `json:"speedKmh,omitempty"`
	Heading  float64 `json:"heading,omitempty"`
}

func (Position) Kind() ReadingKind  { return KindGPS }
func (p Position) Scalar() float64 { return p.SpeedKmh }
func (p Position) Point() GeoPoint { return GeoPoint{Lat: p.Lat, Lng: p.Lng} }

type Door struct {
	Open bool `json:"open"`
}

func (Door) Kind() ReadingKind { return KindDoor }
func (d Door) Scalar() float64 {
	if d.Open {
		return 1
	}
	return 0
}

type Humidity struct {
	Percent float64 `json:"percent"`
}

func (Humidity) Kind() ReadingKind  { return KindHumidity }
func (h Humidity) Scalar() float64 { return h.Percent }

// Reading is one sensor sample. Persisted for history only.
type Reading struct {
	ID        string      `json:"id"`
	SensorID  string      `json:"sensorId"`
	VehicleID string      `json:"vehicleId"`
	Kind      ReadingKind `json:"kind"`
	Timestamp time.Time   `json:"ts"`
	Payload   Payload     `json:"payload"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank orders levels; unknown levels rank 0.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertInfo:
		return 1
	case AlertWarning:
		return 2
	case AlertCritical:
		return 3
	}
	return 0
}

type Alert struct {
	ID           string      `json:"id"`
	Level        AlertLevel  `json:"level"`
	SensorID     string      `json:"sensorId"`
	VehicleID    string      `json:"vehicleId"`
	Rule         string      `json:"rule"`
	Message      string      `json:"message"`
	Value        float64     `json:"value"`
	RaisedAt     time.Time   `json:"raisedAt"`
	LastRaisedAt time.Time   `json:"lastRaisedAt"`
	ResolvedAt   *time.Time  `json:"resolvedAt,omitempty"`
	Active       bool        `json:"active"`
	Count        int         `json:"count"`
	Kind         ReadingKind `json:"kind,omitempty"`
}
