package telemetry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"coldchain/internal/model"
)

type RuleType string

const (
	RuleBand         RuleType = "band"
	RuleThreshold    RuleType = "threshold"
	RuleRateOfChange RuleType = "rate_of_change"
)

// Rule is one declarative condition -> action pair, usually loaded from YAML:
//
//	- name: door_open_long
//	  type: threshold
//	  kind: door
//	  op: ">="
//	  value: 1
//	  sustain: 10m
//	  raise: WARNING
type Rule struct {
	Name string            `yaml:"name" json:"name"`
	Type RuleType          `yaml:"type" json:"type"`
	Kind model.ReadingKind `yaml:"kind" json:"kind"`

	// threshold
	Op    string   `yaml:"op,omitempty" json:"op,omitempty"`
	Value float64  `yaml:"value,omitempty" json:"value,omitempty"`
	Clear *float64 `yaml:"clear,omitempty" json:"clear,omitempty"`

	// rate_of_change: |delta| per minute over Window must reach Value
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty"`

	// Sustain is how long the condition must hold before the action fires.
	Sustain time.Duration `yaml:"sustain,omitempty" json:"sustain,omitempty"`
	// EscalateAfter promotes a band WARNING that persists this long to CRITICAL.
	EscalateAfter time.Duration `yaml:"escalate_after,omitempty" json:"escalateAfter,omitempty"`

	Raise     model.AlertLevel `yaml:"raise,omitempty" json:"raise,omitempty"`
	Emergency bool             `yaml:"emergency,omitempty" json:"emergency,omitempty"`
	// EmergencyAfter is how long a CRITICAL condition must hold before the
	// emergency flow is triggered.
	EmergencyAfter time.Duration `yaml:"emergency_after,omitempty" json:"emergencyAfter,omitempty"`
}

// DefaultRules cover the refrigeration band plus the door and humidity checks
// most reefers ship with.
func DefaultRules() []Rule {
	ninety := 85.0
	return []Rule{
		{Name: "temperature_band", Type: RuleBand, Kind: model.KindTemperature,
			EscalateAfter: 15 * time.Minute, Emergency: true, EmergencyAfter: 10 * time.Minute},
		{Name: "temperature_rate", Type: RuleRateOfChange, Kind: model.KindTemperature,
			Value: 1, Window: 5 * time.Minute, Raise: model.AlertWarning},
		{Name: "door_open", Type: RuleThreshold, Kind: model.KindDoor,
			Op: ">=", Value: 1, Sustain: 10 * time.Minute, Raise: model.AlertWarning},
		{Name: "humidity_high", Type: RuleThreshold, Kind: model.KindHumidity,
			Op: ">", Value: 95, Clear: &ninety, Sustain: 5 * time.Minute, Raise: model.AlertInfo},
	}
}

// ParseRules reads a YAML list of rules.
func ParseRules(b []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return rules, ValidateRules(rules)
}

func ValidateRules(rules []Rule) error {
	var errs []error
	seen := map[string]bool{}
	for i, r := range rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", r.Name))
		}
		seen[r.Name] = true
		switch r.Kind {
		case model.KindTemperature, model.KindGPS, model.KindDoor, model.KindHumidity:
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind))
		}
		switch r.Type {
		case RuleBand:
			if r.Kind != model.KindTemperature {
				errs = append(errs, fmt.Errorf("rule %s: band rules apply to temperature only", r.Name))
			}
		case RuleThreshold:
			if _, ok := compare(r.Op, 0, 0); !ok {
				errs = append(errs, fmt.Errorf("rule %s: unknown op %q", r.Name, r.Op))
			}
			if r.Raise.Rank() == 0 && !r.Emergency {
				errs = append(errs, fmt.Errorf("rule %s: raise level or emergency required", r.Name))
			}
		case RuleRateOfChange:
			if r.Window <= 0 || r.Value <= 0 {
				errs = append(errs, fmt.Errorf("rule %s: window and value must be positive", r.Name))
			}
			if r.Raise.Rank() == 0 && !r.Emergency {
				errs = append(errs, fmt.Errorf("rule %s: raise level or emergency required", r.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type))
		}
		if r.Sustain < 0 || r.EscalateAfter < 0 || r.EmergencyAfter < 0 {
			errs = append(errs, fmt.Errorf("rule %s: durations must not be negative", r.Name))
		}
	}
	return errors.Join(errs...)
}

// compare applies op; ok is false for an unknown operator.
func compare(op string, a, b float64) (hit bool, ok bool) {
	switch op {
	case ">":
		return a > b, true
	case ">=":
		return a >= b, true
	case "<":
		return a < b, true
	case "<=":
		return a <= b, true
	case "==":
		return a == b, true
	case "!=":
		return a != b, true
	}
	return false, false
}

type sample struct {
	at    time.Time
	value float64
}

// verdict is the outcome of evaluating a rule against the newest reading.
type verdict struct {
	breached bool
	cleared  bool
	level    model.AlertLevel
	value    float64
	message  string
}

// evaluate checks one reading. recent holds the samples inside the rule's
// window, newest last, including the current one.
func (r Rule) evaluate(band *Band, recent []sample) verdict {
	cur := recent[len(recent)-1]
	switch r.Type {
	case RuleBand:
		if band == nil {
			return verdict{}
		}
		level, out := band.Classify(cur.value)
		if out {
			if r.Raise.Rank() > level.Rank() {
				level = r.Raise
			}
			return verdict{breached: true, level: level, value: cur.value,
				message: fmt.Sprintf("%.1f°C is %.1f°C outside %.1f..%.1f", cur.value, band.Deviation(cur.value), band.Min, band.Max)}
		}
		return verdict{cleared: band.Cleared(cur.value), value: cur.value}
	case RuleThreshold:
		hit, _ := compare(r.Op, cur.value, r.Value)
		if hit {
			return verdict{breached: true, level: r.Raise, value: cur.value,
				message: fmt.Sprintf("%s %.2f %s %.2f", r.Kind, cur.value, r.Op, r.Value)}
		}
		cleared := true
		if r.Clear != nil {
			// still between the trip and clear values: hold state
			stillHot, _ := compare(r.Op, cur.value, *r.Clear)
			cleared = !stillHot
		}
		return verdict{cleared: cleared, value: cur.value}
	case RuleRateOfChange:
		first := recent[0]
		mins := cur.at.Sub(first.at).Minutes()
		if len(recent) < 2 || mins <= 0 {
			return verdict{}
		}
		rate := (cur.value - first.value) / mins
		if math.Abs(rate) >= r.Value {
			return verdict{breached: true, level: r.Raise, value: rate,
				message: fmt.Sprintf("%s changing %.2f/min over %s", r.Kind, rate, cur.at.Sub(first.at).Round(time.Second))}
		}
		return verdict{cleared: true, value: rate}
	}
	return verdict{}
}
