package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/model"
)

var (
	// ErrUnknownKind marks a reading whose kind tag is not one we parse.
	ErrUnknownKind = errors.New("unknown reading kind")
	ErrMalformed   = errors.New("malformed reading")
)

// envelope is the wire shape of a reading. The kind tag is read before the
// payload is parsed.
type envelope struct {
	ID        string          `json:"id,omitempty"`
	Kind      string          `json:"kind"`
	SensorID  string          `json:"sensorId"`
	VehicleID string          `json:"vehicleId"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode classifies raw by its kind tag and parses the matching payload.
func Decode(raw []byte) (model.Reading, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := model.ReadingKind(env.Kind)
	switch kind {
	case model.KindTemperature, model.KindGPS, model.KindDoor, model.KindHumidity:
	default:
		return model.Reading{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if env.SensorID == "" || env.VehicleID == "" {
		return model.Reading{}, fmt.Errorf("%w: sensorId and vehicleId are required", ErrMalformed)
	}
	if env.TS.IsZero() {
		return model.Reading{}, fmt.Errorf("%w: ts is required", ErrMalformed)
	}
	payload, err := decodePayload(kind, env.Payload)
	if err != nil {
		return model.Reading{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, kind, err)
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	return model.Reading{
		ID:        env.ID,
		SensorID:  env.SensorID,
		VehicleID: env.VehicleID,
		Kind:      kind,
		Timestamp: env.TS.UTC(),
		Payload:   payload,
	}, nil
}

func decodePayload(kind model.ReadingKind, raw json.RawMessage) (model.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, errors.New("missing")
	}
	switch kind {
	case model.KindTemperature:
		var p struct {
			Celsius *float64 `json:"celsius"`
		}
		if err := strict(raw, &p); err != nil {
			return nil, err
		}
		if p.Celsius == nil {
			return nil, errors.New("celsius is required")
		}
		if *p.Celsius < -100 || *p.Celsius > 100 {
			return nil, fmt.Errorf("celsius %.1f out of sensor range", *p.Celsius)
		}
		return model.Temperature{Celsius: *p.Celsius}, nil
	case model.KindGPS:
		var p model.Position
		if err := strict(raw, &p); err != nil {
			return nil, err
		}
		if math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180 {
			return nil, fmt.Errorf("position %.5f,%.5f out of range", p.Lat, p.Lng)
		}
		return p, nil
	case model.KindDoor:
		var p struct {
			Open *bool `json:"open"`
		}
		if err := strict(raw, &p); err != nil {
			return nil, err
		}
		if p.Open == nil {
			return nil, errors.New("open is required")
		}
		return model.Door{Open: *p.Open}, nil
	case model.KindHumidity:
		var p model.Humidity
		if err := strict(raw, &p); err != nil {
			return nil, err
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("percent %.1f out of range", p.Percent)
		}
		return p, nil
	}
	return nil, ErrUnknownKind
}

func strict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Rejected is a reading that failed Decode, kept for inspection.
type Rejected struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Raw    string    `json:"raw"`
}

// Quarantine is a bounded ring of rejected readings; the oldest entry is
// overwritten once it is full.
type Quarantine struct {
	mu    sync.Mutex
	items []Rejected
	next  int
	full  bool
}

func NewQuarantine(size int) *Quarantine {
	if size <= 0 {
		size = 256
	}
	return &Quarantine{items: make([]Rejected, size)}
}

func (q *Quarantine) Add(raw []byte, reason error, at time.Time) {
	const maxRaw = 2048
	if len(raw) > maxRaw {
		raw = raw[:maxRaw]
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[q.next] = Rejected{At: at, Reason: reason.Error(), Raw: string(raw)}
	q.next = (q.next + 1) % len(q.items)
	if q.next == 0 {
		q.full = true
	}
}

// List returns the retained entries, oldest first.
func (q *Quarantine) List() []Rejected {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.full {
		return append([]Rejected(nil), q.items[:q.next]...)
	}
	out := make([]Rejected, 0, len(q.items))
	out = append(out, q.items[q.next:]...)
	return append(out, q.items[:q.next]...)
}
