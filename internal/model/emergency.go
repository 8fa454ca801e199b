package model

import "time"

type EmergencyType string

const (
	EmergencyBreakdown   EmergencyType = "breakdown"
	EmergencyMalfunction EmergencyType = "malfunction"
	EmergencyAccident    EmergencyType = "accident"
	EmergencyOther       EmergencyType = "other"
)

func (t EmergencyType) Valid() bool {
	switch t {
	case EmergencyBreakdown, EmergencyMalfunction, EmergencyAccident, EmergencyOther:
		return true
	}
	return false
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityMinor || s == SeverityWarning || s == SeverityCritical
}

type EmergencyStatus string

const (
	EmergencyActive    EmergencyStatus = "active"
	EmergencyResolved  EmergencyStatus = "resolved"
	EmergencyCancelled EmergencyStatus = "cancelled"
)

type EmergencyEvent struct {
	ID                  string          `json:"id"`
	VehicleID           string          `json:"vehicleId"`
	Type                EmergencyType   `json:"type"`
	Severity            Severity        `json:"severity"`
	Description         string          `json:"description,omitempty"`
	EstimatedRepairMin  int             `json:"estimatedRepairMin,omitempty"`
	Source              string          `json:"source,omitempty"`
	ReportedAt          time.Time       `json:"reportedAt"`
	AffectedDispatchIDs []string        `json:"affectedDispatchIds"`
	Status              EmergencyStatus `json:"status"`
	ResolvedAt          *time.Time      `json:"resolvedAt,omitempty"`
	Version             int             `json:"version"`
}
