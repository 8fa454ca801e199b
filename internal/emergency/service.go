package emergency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/dispatch"
	"coldchain/internal/distance"
	"coldchain/internal/metrics"
	"coldchain/internal/model"
	"coldchain/internal/monitor"
	"coldchain/internal/notify"
	"coldchain/internal/obs"
	"coldchain/internal/opt"
	"coldchain/internal/store"
)

var ErrInvalidReport = errors.New("invalid emergency report")

// ManualDispatchRequired flags a report for which no replacement vehicle
// qualifies.
const ManualDispatchRequired = "MANUAL_DISPATCH_REQUIRED"

// SourceAutomatic marks events raised by the alert engine.
const SourceAutomatic = "automatic"

// Events receives emergency and dispatch changes for live subscribers.
type Events interface {
	PublishEmergency(e model.EmergencyEvent, event string)
	PublishDispatch(d model.Dispatch, event string)
	SetStatus(vehicleID string, status model.VehicleStatus)
}

type Service struct {
	Store store.Store
	// Engine supplies the sequencer and the shift start for future dates.
	Engine    *opt.Engine
	Locks     *dispatch.Locks
	Positions monitor.PositionSource
	Notifier  *notify.Async
	Events    Events
	Hooks     dispatch.Emitter

	TopN            int
	StopMinutes     float64
	IncidentPenalty time.Duration
	LockWait        time.Duration
	Now             func() time.Time

	autoMu sync.Mutex
}

func NewService(st store.Store, engine *opt.Engine, locks *dispatch.Locks) *Service {
	if locks == nil {
		locks = dispatch.NewLocks()
	}
	return &Service{
		Store:           st,
		Engine:          engine,
		Locks:           locks,
		TopN:            5,
		StopMinutes:     15,
		IncidentPenalty: 30 * time.Minute,
		LockWait:        5 * time.Second,
		Now:             time.Now,
	}
}

type Report struct {
	VehicleID          string              `json:"vehicleId"`
	Type               model.EmergencyType `json:"type"`
	Severity           model.Severity      `json:"severity"`
	Description        string              `json:"description,omitempty"`
	EstimatedRepairMin int                 `json:"estimatedRepairMin,omitempty"`
	Source             string              `json:"source,omitempty"`
}

func (r Report) validate() error {
	var problems []string
	if strings.TrimSpace(r.VehicleID) == "" {
		problems = append(problems, "vehicleId required")
	}
	if !r.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type %q not one of breakdown, malfunction, accident, other", r.Type))
	}
	if !r.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("severity %q not one of minor, warning, critical", r.Severity))
	}
	if r.EstimatedRepairMin < 0 {
		problems = append(problems, "estimatedRepairMin must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), ErrInvalidReport)
	}
	return nil
}

// AffectedDispatch is one dispatch of the stricken vehicle with work left.
type AffectedDispatch struct {
	DispatchID     string               `json:"dispatchId"`
	Date           string               `json:"date"`
	Status         model.DispatchStatus `json:"status"`
	RemainingStops int                  `json:"remainingStops"`
	OrderIDs       []string             `json:"orderIds"`
	Load           model.Load           `json:"load"`
	DelayMin       float64              `json:"estimatedDelayMin"`
	NextStop       *model.RouteStop     `json:"nextStop,omitempty"`

	zones []model.Zone
}

// Candidate is a vehicle able to take over the affected work.
type Candidate struct {
	VehicleID string `json:"vehicleId"`
	Plate     string `json:"plate,omitempty"`
	// DistanceKm is measured to the first unvisited stop.
	DistanceKm   float64        `json:"distanceKm"`
	LivePosition bool           `json:"livePosition"`
	Spare        model.Load     `json:"spare"`
	Driver       *model.Contact `json:"driver,omitempty"`
}

type Response struct {
	Event      model.EmergencyEvent `json:"event"`
	Affected   []AffectedDispatch   `json:"affectedDispatches"`
	Candidates []Candidate          `json:"candidates"`
	Flags      []string             `json:"flags,omitempty"`
}

func (r Response) ManualDispatchRequired() bool {
	for _, f := range r.Flags {
		if f == ManualDispatchRequired {
			return true
		}
	}
	return false
}

var affectedStatuses = []model.DispatchStatus{model.DispatchConfirmed, model.DispatchInProgress}

// ReportEmergency takes the vehicle out of service, records the event and
// lists the work it leaves behind together with ranked replacements.
func (s *Service) ReportEmergency(ctx context.Context, r Report) (resp Response, err error) {
	defer obs.Time(ctx, "emergency.report")(&err)
	if err := r.validate(); err != nil {
		return Response{}, err
	}
	if _, err := s.Store.GetVehicle(ctx, r.VehicleID); err != nil {
		return Response{}, fmt.Errorf("report emergency: %w", err)
	}
	unlock, err := s.Locks.LockVehicles(ctx, []string{r.VehicleID}, s.LockWait)
	if err != nil {
		return Response{}, fmt.Errorf("report emergency: %w", err)
	}
	defer unlock()

	var event model.EmergencyEvent
	var affected []model.Dispatch
	for attempt := 1; ; attempt++ {
		event, affected, err = s.reportOnce(ctx, r)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt == 1 {
			continue
		}
		if errors.Is(err, store.ErrConflict) {
			return Response{}, fmt.Errorf("report emergency: %v: %w", err, dispatch.ErrRetryLater)
		}
		return Response{}, err
	}
	metrics.Emergencies.WithLabelValues(string(event.Type), sourceLabel(event.Source)).Inc()

	resp = Response{Event: event, Affected: []AffectedDispatch{}, Candidates: []Candidate{}}
	for _, d := range affected {
		a, err := s.describe(ctx, d)
		if err != nil {
			return Response{}, err
		}
		resp.Affected = append(resp.Affected, a)
	}
	if len(resp.Affected) > 0 {
		resp.Candidates, err = s.candidates(ctx, r.VehicleID, resp.Affected)
		if err != nil {
			return Response{}, err
		}
		if len(resp.Candidates) == 0 {
			resp.Flags = append(resp.Flags, ManualDispatchRequired)
		}
	}

	if s.Events != nil {
		s.Events.SetStatus(event.VehicleID, vehicleStatusFor(event.Type))
		s.Events.PublishEmergency(event, "reported")
	}
	if s.Hooks != nil {
		s.Hooks.Emit(ctx, "emergency.reported", map[string]any{
			"id": event.ID, "vehicleId": event.VehicleID, "type": event.Type, "severity": event.Severity,
			"affectedDispatchIds": event.AffectedDispatchIDs, "manualDispatchRequired": resp.ManualDispatchRequired(),
		})
	}
	log.Printf("emergency %s: vehicle=%s type=%s severity=%s affected=%d candidates=%d",
		event.ID, event.VehicleID, event.Type, event.Severity, len(resp.Affected), len(resp.Candidates))
	return resp, nil
}

func (s *Service) reportOnce(ctx context.Context, r Report) (model.EmergencyEvent, []model.Dispatch, error) {
	v, err := s.Store.GetVehicle(ctx, r.VehicleID)
	if err != nil {
		return model.EmergencyEvent{}, nil, fmt.Errorf("report emergency: %w", err)
	}
	affected, err := s.Store.ListDispatches(ctx, store.DispatchFilter{VehicleID: v.ID, FromDate: s.today(), Statuses: affectedStatuses})
	if err != nil {
		return model.EmergencyEvent{}, nil, fmt.Errorf("report emergency: %w", err)
	}
	sort.Slice(affected, func(i, j int) bool {
		if affected[i].Date != affected[j].Date {
			return affected[i].Date < affected[j].Date
		}
		return affected[i].ID < affected[j].ID
	})
	event := model.EmergencyEvent{
		ID:                  uuid.New().String(),
		VehicleID:           v.ID,
		Type:                r.Type,
		Severity:            r.Severity,
		Description:         r.Description,
		EstimatedRepairMin:  r.EstimatedRepairMin,
		Source:              r.Source,
		ReportedAt:          s.Now().UTC(),
		AffectedDispatchIDs: []string{},
		Status:              model.EmergencyActive,
	}
	for _, d := range affected {
		event.AffectedDispatchIDs = append(event.AffectedDispatchIDs, d.ID)
	}
	b := store.Batch{
		Vehicles:    []store.VehicleUpdate{{ID: v.ID, Version: v.Version, Status: vehicleStatusFor(r.Type)}},
		Emergencies: []model.EmergencyEvent{event},
	}
	if err := s.Store.Apply(ctx, b); err != nil {
		return model.EmergencyEvent{}, nil, fmt.Errorf("report emergency: apply: %w", err)
	}
	event.Version = 1
	return event, affected, nil
}

// vehicleStatusFor maps the kind of incident to the out-of-service status.
func vehicleStatusFor(t model.EmergencyType) model.VehicleStatus {
	switch t {
	case model.EmergencyBreakdown, model.EmergencyAccident:
		return model.VehicleBreakdown
	}
	return model.VehicleEmergencyMaintenance
}

// describe summarizes the unfinished part of d.
func (s *Service) describe(ctx context.Context, d model.Dispatch) (AffectedDispatch, error) {
	remaining := d.Remaining()
	a := AffectedDispatch{
		DispatchID:     d.ID,
		Date:           d.Date,
		Status:         d.Status,
		RemainingStops: len(remaining),
		OrderIDs:       undelivered(d),
		DelayMin:       float64(len(remaining))*s.StopMinutes + s.IncidentPenalty.Minutes(),
	}
	if len(remaining) > 0 {
		next := remaining[0]
		a.NextStop = &next
	}
	if len(a.OrderIDs) == 0 {
		return a, nil
	}
	orders, err := s.Store.GetOrders(ctx, a.OrderIDs)
	if err != nil {
		return AffectedDispatch{}, fmt.Errorf("report emergency: %w", err)
	}
	for _, o := range orders {
		a.Load = a.Load.Add(o.Load())
		a.zones = append(a.zones, o.Zone)
	}
	return a, nil
}

// undelivered lists the orders of d whose delivery is still open.
func undelivered(d model.Dispatch) []string {
	delivered := d.Delivered()
	out := []string{}
	for _, id := range d.OrderIDs() {
		if !delivered[id] {
			out = append(out, id)
		}
	}
	return out
}

// candidates ranks AVAILABLE vehicles that can carry every affected order
// by their distance to the first unvisited stop. At most TopN are returned.
func (s *Service) candidates(ctx context.Context, brokenID string, affected []AffectedDispatch) ([]Candidate, error) {
	var target *model.RouteStop
	for _, a := range affected {
		if a.NextStop != nil {
			target = a.NextStop
			break
		}
	}
	if target == nil {
		return []Candidate{}, nil
	}
	needByDate := map[string]model.Load{}
	var zones []model.Zone
	for _, a := range affected {
		needByDate[a.Date] = needByDate[a.Date].Add(a.Load)
		zones = append(zones, a.zones...)
	}

	vehicles, err := s.Store.ListVehicles(ctx, store.VehicleFilter{Status: model.VehicleAvailable})
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	out := []Candidate{}
	for _, v := range vehicles {
		if v.ID == brokenID || !carriesAll(v, zones) {
			continue
		}
		spare, ok, err := s.spareFor(ctx, v, needByDate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		from, live := v.Garage.Point(), false
		if s.Positions != nil {
			if p, found := s.Positions.Position(ctx, v.ID); found {
				from, live = p, true
			}
		}
		c := Candidate{
			VehicleID:    v.ID,
			Plate:        v.Plate,
			DistanceKm:   distance.HaversineKm(from, target.Location.Point()),
			LivePosition: live,
			Spare:        spare,
		}
		if v.Driver != nil {
			contact := v.Contact()
			c.Driver = &contact
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	if s.TopN > 0 && len(out) > s.TopN {
		out = out[:s.TopN]
	}
	return out, nil
}

func carriesAll(v model.Vehicle, zones []model.Zone) bool {
	for _, z := range zones {
		if !v.CarriesZone(z) {
			return false
		}
	}
	return true
}

// spareFor checks that v has room for the affected load on every date,
// counting what its active dispatches already carry. The returned spare is
// the tightest one across those dates.
func (s *Service) spareFor(ctx context.Context, v model.Vehicle, need map[string]model.Load) (model.Load, bool, error) {
	tightest := v.Capacity()
	first := true
	for date, load := range need {
		spare := v.Capacity()
		ds, err := s.Store.ListDispatches(ctx, store.DispatchFilter{VehicleID: v.ID, Date: date, Statuses: activeStatuses})
		if err != nil {
			return model.Load{}, false, fmt.Errorf("candidates: %w", err)
		}
		for _, d := range ds {
			spare = spare.Sub(model.Load{Pallets: d.Totals.Pallets, WeightKg: d.Totals.WeightKg})
		}
		if spare.Pallets < load.Pallets || spare.WeightKg+1e-9 < load.WeightKg {
			return model.Load{}, false, nil
		}
		if v.MaxVolumeM3 > 0 && load.VolumeM3 > 0 && spare.VolumeM3+1e-9 < load.VolumeM3 {
			return model.Load{}, false, nil
		}
		if first || spare.Pallets < tightest.Pallets {
			tightest = spare
			first = false
		}
	}
	return tightest, true, nil
}

var activeStatuses = []model.DispatchStatus{model.DispatchDraft, model.DispatchConfirmed, model.DispatchInProgress}

// ResolveEmergency closes an active event. Resolving returns the vehicle to
// AVAILABLE unless another active event still holds it.
func (s *Service) ResolveEmergency(ctx context.Context, id string, cancelled bool) (ev model.EmergencyEvent, err error) {
	defer obs.Time(ctx, "emergency.resolve")(&err)
	target := model.EmergencyResolved
	if cancelled {
		target = model.EmergencyCancelled
	}
	e, err := s.Store.GetEmergency(ctx, id)
	if err != nil {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %w", err)
	}
	unlock, err := s.Locks.LockVehicles(ctx, []string{e.VehicleID}, s.LockWait)
	if err != nil {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %w", err)
	}
	defer unlock()
	if e, err = s.Store.GetEmergency(ctx, id); err != nil {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %w", err)
	}
	if e.Status == target {
		return e, nil
	}
	if e.Status != model.EmergencyActive {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency %s from %s: %w", id, e.Status, dispatch.ErrInvalidTransition)
	}

	now := s.Now().UTC()
	e.Status = target
	e.ResolvedAt = &now
	b := store.Batch{Emergencies: []model.EmergencyEvent{e}}

	others, err := s.Store.ListEmergencies(ctx, store.EmergencyFilter{VehicleID: e.VehicleID, Status: model.EmergencyActive})
	if err != nil {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %w", err)
	}
	stillHeld := false
	for _, o := range others {
		if o.ID != e.ID {
			stillHeld = true
		}
	}
	v, err := s.Store.GetVehicle(ctx, e.VehicleID)
	if err != nil {
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %w", err)
	}
	released := false
	if !stillHeld && (v.Status == model.VehicleBreakdown || v.Status == model.VehicleEmergencyMaintenance) {
		b.Vehicles = append(b.Vehicles, store.VehicleUpdate{ID: v.ID, Version: v.Version, Status: model.VehicleAvailable})
		released = true
	}
	if err := s.Store.Apply(ctx, b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: %v: %w", err, dispatch.ErrRetryLater)
		}
		return model.EmergencyEvent{}, fmt.Errorf("resolve emergency: apply: %w", err)
	}
	e.Version++

	if s.Events != nil {
		if released {
			s.Events.SetStatus(v.ID, model.VehicleAvailable)
		}
		s.Events.PublishEmergency(e, string(target))
	}
	if s.Hooks != nil {
		s.Hooks.Emit(ctx, "emergency."+string(target), map[string]any{"id": e.ID, "vehicleId": e.VehicleID})
	}
	return e, nil
}

// TriggerAutomatic reports a refrigeration malfunction raised by the alert
// engine. A vehicle has at most one active automatic event.
func (s *Service) TriggerAutomatic(ctx context.Context, vehicleID, reason string) error {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	active, err := s.Store.ListEmergencies(ctx, store.EmergencyFilter{VehicleID: vehicleID, Status: model.EmergencyActive})
	if err != nil {
		return fmt.Errorf("trigger emergency: %w", err)
	}
	for _, e := range active {
		if e.Source == SourceAutomatic {
			return nil
		}
	}
	_, err = s.ReportEmergency(ctx, Report{
		VehicleID:   vehicleID,
		Type:        model.EmergencyMalfunction,
		Severity:    model.SeverityCritical,
		Description: reason,
		Source:      SourceAutomatic,
	})
	return err
}

// ListEmergencies returns events matching f.
func (s *Service) ListEmergencies(ctx context.Context, f store.EmergencyFilter) ([]model.EmergencyEvent, error) {
	return s.Store.ListEmergencies(ctx, f)
}

func (s *Service) today() string {
	loc := time.UTC
	if s.Engine != nil {
		loc = s.Engine.Location
	}
	return s.Now().In(loc).Format(model.DateLayout)
}

func sourceLabel(src string) string {
	if src == "" {
		return "manual"
	}
	return src
}
