package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"coldchain/internal/dispatch"
	"coldchain/internal/model"
	"coldchain/internal/monitor"
)

func validateOptimizeRequest(req *dispatch.OptimizeRequest) error {
	if len(req.OrderIDs) == 0 {
		return fmt.Errorf("orderIds must not be empty")
	}
	for _, id := range req.OrderIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("orderIds must not contain blanks")
		}
	}
	if req.Date != "" {
		if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
			return fmt.Errorf("date must be YYYY-MM-DD: %q", req.Date)
		}
	}
	return nil
}

func validateVehicle(v *model.Vehicle) error {
	var errs []error
	if strings.TrimSpace(v.ID) == "" {
		errs = append(errs, errors.New("id required"))
	}
	if len(v.Capabilities) == 0 {
		errs = append(errs, errors.New("capabilities must not be empty"))
	}
	for _, z := range v.Capabilities {
		if !z.Valid() {
			errs = append(errs, fmt.Errorf("capability %q not one of FROZEN, CHILLED, AMBIENT, DUAL", z))
		}
	}
	if v.MaxPallets <= 0 || v.MaxWeightKg <= 0 {
		errs = append(errs, errors.New("maxPallets and maxWeightKg must be > 0"))
	}
	if v.MaxVolumeM3 < 0 {
		errs = append(errs, errors.New("maxVolumeM3 must not be negative"))
	}
	if v.Garage.IsZero() {
		errs = append(errs, errors.New("garage location required"))
	}
	switch v.Status {
	case "", model.VehicleAvailable, model.VehicleInUse, model.VehicleEmergencyMaintenance, model.VehicleBreakdown, model.VehicleOutOfService:
	default:
		errs = append(errs, fmt.Errorf("status %q unknown", v.Status))
	}
	return errors.Join(errs...)
}

// validChannel accepts the well-known channels and vehicle:<id>.
func validChannel(ch string) bool {
	switch ch {
	case monitor.ChannelFleet, monitor.ChannelAlerts, monitor.ChannelEmergency:
		return true
	}
	id, ok := strings.CutPrefix(ch, "vehicle:")
	return ok && id != ""
}

var dispatchStatuses = map[string]model.DispatchStatus{
	string(model.DispatchDraft):      model.DispatchDraft,
	string(model.DispatchConfirmed):  model.DispatchConfirmed,
	string(model.DispatchInProgress): model.DispatchInProgress,
	string(model.DispatchCompleted):  model.DispatchCompleted,
	string(model.DispatchCancelled):  model.DispatchCancelled,
}

// parseStatuses reads a comma separated status list such as "CONFIRMED,IN_PROGRESS".
func parseStatuses(raw string) ([]model.DispatchStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []model.DispatchStatus
	for _, part := range strings.Split(raw, ",") {
		st, ok := dispatchStatuses[strings.ToUpper(strings.TrimSpace(part))]
		if !ok {
			return nil, fmt.Errorf("unknown dispatch status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}
