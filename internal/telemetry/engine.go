package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/metrics"
	"coldchain/internal/model"
)

// Publisher receives everything the engine accepts or decides. Implementations
// must not block.
type Publisher interface {
	PublishReading(r model.Reading)
	PublishAlert(a model.Alert, event string)
}

// EmergencyTrigger starts the emergency flow for a vehicle whose
// refrigeration is in sustained critical breach.
type EmergencyTrigger interface {
	TriggerAutomatic(ctx context.Context, vehicleID, reason string) error
}

type AlertStore interface {
	SaveAlert(ctx context.Context, a model.Alert) error
}

// ZoneFunc returns the zone a vehicle's temperature is checked against, or
// "" when unknown.
type ZoneFunc func(ctx context.Context, vehicleID string) model.Zone

const ruleSensorOffline = "sensor_offline"

type Engine struct {
	Bands      map[model.Zone]Band
	Rules      []Rule
	Cooldown   time.Duration
	StaleAfter time.Duration
	Zone       ZoneFunc

	Alerts     AlertStore
	Publisher  Publisher
	Emergency  EmergencyTrigger
	History    *HistoryWriter
	Quarantine *Quarantine

	// EmergencyTimeout bounds each asynchronous emergency trigger.
	EmergencyTimeout time.Duration
	Now              func() time.Time

	mu       sync.Mutex
	sensors  map[string]*sensorState
	lastSeen map[string]time.Time  // vehicle -> newest reading
	offline  map[string]*ruleState // vehicle -> sensor_offline state
}

type sensorState struct {
	mu    sync.Mutex
	rules map[string]*ruleState
}

type ruleState struct {
	samples   []sample
	since     time.Time // start of the current breach episode
	critSince time.Time
	alert     *model.Alert
	triggered bool
}

// Result is the outcome of one ingest call.
type Result struct {
	Accepted bool          `json:"accepted"`
	Reading  model.Reading `json:"reading,omitempty"`
	Raised   []model.Alert `json:"raised,omitempty"`
	Resolved []model.Alert `json:"resolved,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

func NewEngine(bands map[model.Zone]Band, rules []Rule, cooldown time.Duration) *Engine {
	if bands == nil {
		bands = DefaultBands()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Engine{
		Bands:            bands,
		Rules:            rules,
		Cooldown:         cooldown,
		StaleAfter:       10 * time.Minute,
		Quarantine:       NewQuarantine(256),
		EmergencyTimeout: 30 * time.Second,
		Now:              time.Now,
		sensors:          map[string]*sensorState{},
		lastSeen:         map[string]time.Time{},
		offline:          map[string]*ruleState{},
	}
}

// Ingest decodes and processes one raw reading. Rejected readings are
// quarantined and reported through the returned error.
func (e *Engine) Ingest(ctx context.Context, raw []byte) (Result, error) {
	r, err := Decode(raw)
	if err != nil {
		outcome := "rejected"
		if errors.Is(err, ErrUnknownKind) {
			outcome = "quarantined"
		}
		metrics.Readings.WithLabelValues("unknown", outcome).Inc()
		if e.Quarantine != nil {
			e.Quarantine.Add(raw, err, e.Now())
		}
		return Result{Reason: err.Error()}, err
	}
	return e.IngestReading(ctx, r)
}

// IngestReading evaluates an already decoded reading. Calls for the same
// sensor are serialized; other sensors proceed in parallel.
func (e *Engine) IngestReading(ctx context.Context, r model.Reading) (Result, error) {
	if r.SensorID == "" || r.VehicleID == "" || r.Timestamp.IsZero() || r.Payload == nil {
		metrics.Readings.WithLabelValues(string(r.Kind), "rejected").Inc()
		return Result{Reason: ErrMalformed.Error()}, fmt.Errorf("ingest: %w", ErrMalformed)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	res := Result{Accepted: true, Reading: r}

	var band *Band
	if r.Kind == model.KindTemperature && e.Zone != nil {
		if b, ok := e.Bands[e.Zone(ctx, r.VehicleID)]; ok {
			band = &b
		}
	}

	st := e.sensor(r.VehicleID + "/" + r.SensorID)
	st.mu.Lock()
	for _, rule := range e.Rules {
		if rule.Kind != r.Kind {
			continue
		}
		e.apply(ctx, st.state(rule.Name), rule, band, r, &res)
	}
	st.mu.Unlock()

	if back := e.markSeen(ctx, r.VehicleID, r.Timestamp); back != nil {
		res.Resolved = append(res.Resolved, *back)
	}
	metrics.Readings.WithLabelValues(string(r.Kind), "accepted").Inc()
	if e.History != nil {
		e.History.Enqueue(r)
	}
	if e.Publisher != nil {
		e.Publisher.PublishReading(r)
	}
	return res, nil
}

func (e *Engine) sensor(key string) *sensorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sensors[key]
	if !ok {
		st = &sensorState{rules: map[string]*ruleState{}}
		e.sensors[key] = st
	}
	return st
}

func (s *sensorState) state(rule string) *ruleState {
	rs, ok := s.rules[rule]
	if !ok {
		rs = &ruleState{}
		s.rules[rule] = rs
	}
	return rs
}

func (e *Engine) apply(ctx context.Context, rs *ruleState, rule Rule, band *Band, r model.Reading, res *Result) {
	at := r.Timestamp
	if n := len(rs.samples); n > 0 && at.Before(rs.samples[n-1].at) {
		// out of order for this rule; history still gets it
		return
	}
	rs.samples = append(rs.samples, sample{at: at, value: r.Payload.Scalar()})
	keep := 1
	if rule.Window > 0 {
		cut := at.Add(-rule.Window)
		keep = 0
		for _, s := range rs.samples {
			if !s.at.Before(cut) {
				keep++
			}
		}
	}
	rs.samples = rs.samples[len(rs.samples)-keep:]

	v := rule.evaluate(band, rs.samples)
	if !v.breached {
		if v.cleared {
			rs.since, rs.critSince, rs.triggered = time.Time{}, time.Time{}, false
			if a := resolve(rs, at); a != nil {
				e.emit(ctx, *a, "resolved")
				res.Resolved = append(res.Resolved, *a)
			}
		}
		return
	}

	if rs.since.IsZero() {
		rs.since = at
	}
	level := v.level
	if level.Rank() == 0 {
		level = model.AlertCritical
	}
	msg := v.message
	if level == model.AlertWarning && rule.EscalateAfter > 0 && at.Sub(rs.since) >= rule.EscalateAfter {
		level = model.AlertCritical
		msg += fmt.Sprintf(" for %s", at.Sub(rs.since).Round(time.Second))
	}
	if level == model.AlertCritical {
		if rs.critSince.IsZero() {
			rs.critSince = at
		}
	} else {
		rs.critSince = time.Time{}
	}
	if rule.Sustain > 0 && at.Sub(rs.since) < rule.Sustain {
		return
	}

	if a, event, ok := e.raise(rs, rule, r, level, v.value, msg, at); ok {
		e.emit(ctx, a, event)
		res.Raised = append(res.Raised, a)
	}

	if rule.Emergency && level == model.AlertCritical && !rs.triggered && at.Sub(rs.critSince) >= rule.EmergencyAfter {
		rs.triggered = true
		e.triggerEmergency(r.VehicleID, fmt.Sprintf("%s: %s", rule.Name, msg))
	}
}

// raise applies dedup: a new episode raises, a higher level escalates at
// once, the same or a lower level re-raises only after the cooldown. It only
// updates rs; the caller emits the returned event.
func (e *Engine) raise(rs *ruleState, rule Rule, r model.Reading, level model.AlertLevel, value float64, msg string, at time.Time) (model.Alert, string, bool) {
	a := rs.alert
	event := "raised"
	switch {
	case a == nil:
		a = &model.Alert{ID: uuid.NewString(), Level: level, SensorID: r.SensorID, VehicleID: r.VehicleID, Rule: rule.Name,
			RaisedAt: at, Active: true, Kind: r.Kind}
		rs.alert = a
	case level.Rank() > a.Level.Rank():
		a.Level = level
		event = "escalated"
	case at.Sub(a.LastRaisedAt) >= e.Cooldown:
		event = "reraised"
	default:
		return model.Alert{}, "", false
	}
	a.Message = msg
	a.Value = value
	a.LastRaisedAt = at
	a.Count++
	return *a, event, true
}

// resolve closes the open alert in rs, if any. The caller emits it.
func resolve(rs *ruleState, at time.Time) *model.Alert {
	a := rs.alert
	if a == nil {
		return nil
	}
	rs.alert = nil
	a.Active = false
	a.ResolvedAt = &at
	return a
}

func (e *Engine) emit(ctx context.Context, a model.Alert, event string) {
	metrics.Alerts.WithLabelValues(string(a.Level), event).Inc()
	log.Printf("alert %s level=%s vehicle=%s sensor=%s rule=%s count=%d msg=%q", event, a.Level, a.VehicleID, a.SensorID, a.Rule, a.Count, a.Message)
	if e.Alerts != nil {
		if err := e.Alerts.SaveAlert(ctx, a); err != nil {
			log.Printf("alert save %s: %v", a.ID, err)
		}
	}
	if e.Publisher != nil {
		e.Publisher.PublishAlert(a, event)
	}
}

func (e *Engine) triggerEmergency(vehicleID, reason string) {
	if e.Emergency == nil {
		return
	}
	timeout := e.EmergencyTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.Emergency.TriggerAutomatic(ctx, vehicleID, reason); err != nil {
			log.Printf("telemetry: automatic emergency for %s: %v", vehicleID, err)
		}
	}()
}

// markSeen records activity and resolves an open sensor_offline alert.
// e.mu covers the bookkeeping only; the alert is saved and published after
// it is released.
func (e *Engine) markSeen(ctx context.Context, vehicleID string, at time.Time) *model.Alert {
	e.mu.Lock()
	if last, ok := e.lastSeen[vehicleID]; !ok || at.After(last) {
		e.lastSeen[vehicleID] = at
	}
	var back *model.Alert
	if rs := e.offline[vehicleID]; rs != nil {
		back = resolve(rs, at)
	}
	e.mu.Unlock()
	if back != nil {
		e.emit(ctx, *back, "resolved")
	}
	return back
}

// CheckStale raises a WARNING for every vehicle whose newest reading is
// older than StaleAfter. Run periodically by the scheduler.
func (e *Engine) CheckStale(ctx context.Context) []model.Alert {
	if e.StaleAfter <= 0 {
		return nil
	}
	now := e.Now()
	e.mu.Lock()
	vehicles := make([]string, 0, len(e.lastSeen))
	for v := range e.lastSeen {
		vehicles = append(vehicles, v)
	}
	sort.Strings(vehicles)
	out := []model.Alert{}
	var events []string
	for _, v := range vehicles {
		last := e.lastSeen[v]
		silent := now.Sub(last)
		if silent < e.StaleAfter {
			continue
		}
		rs := e.offline[v]
		if rs == nil {
			rs = &ruleState{}
			e.offline[v] = rs
		}
		rule := Rule{Name: ruleSensorOffline}
		r := model.Reading{VehicleID: v}
		msg := fmt.Sprintf("no readings for %s", silent.Round(time.Second))
		if a, event, ok := e.raise(rs, rule, r, model.AlertWarning, silent.Minutes(), msg, now); ok {
			out = append(out, a)
			events = append(events, event)
		}
	}
	e.mu.Unlock()

	for i, a := range out {
		e.emit(ctx, a, events[i])
	}
	return out
}

// ActiveAlerts returns the alerts currently open, newest first.
func (e *Engine) ActiveAlerts() []model.Alert {
	e.mu.Lock()
	sensors := make([]*sensorState, 0, len(e.sensors))
	for _, s := range e.sensors {
		sensors = append(sensors, s)
	}
	out := []model.Alert{}
	for _, rs := range e.offline {
		if rs.alert != nil {
			out = append(out, *rs.alert)
		}
	}
	e.mu.Unlock()
	for _, s := range sensors {
		s.mu.Lock()
		for _, rs := range s.rules {
			if rs.alert != nil {
				out = append(out, *rs.alert)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastRaisedAt.After(out[j].LastRaisedAt) })
	return out
}
