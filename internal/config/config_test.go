package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coldchain/internal/model"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(nil, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Addr() != ":8080" {
		t.Errorf("port default: %d", cfg.Server.Port)
	}
	if cfg.Optimizer.ShiftStart != 6*time.Hour || cfg.Optimizer.LockWait != 5*time.Second {
		t.Errorf("optimizer defaults: %+v", cfg.Optimizer)
	}
	if !cfg.SequencerParams().ReturnToGarage {
		t.Errorf("return to garage should default on")
	}
	if len(cfg.Telemetry.Bands) != 3 || len(cfg.Telemetry.Rules) == 0 {
		t.Errorf("telemetry defaults missing")
	}
	if cfg.Emergency.TopN != 5 || cfg.Emergency.IncidentPenalty != 30*time.Minute {
		t.Errorf("emergency defaults: %+v", cfg.Emergency)
	}
	if cfg.Database.URL != "" {
		t.Errorf("memory store is the default")
	}
}

func TestParseFile(t *testing.T) {
	data := []byte(`
server:
  port: 9090
timezone: Europe/Amsterdam
optimizer:
  shift_start: 5h30m
  return_to_garage: false
  weights:
    distance: 2
telemetry:
  cooldown: 2m
  bands:
    CHILLED: {min: 2, max: 6, tolerance: 0.5, critical_delta: 3, hysteresis: 0.3}
  rules:
    - name: door_open
      type: threshold
      kind: door
      op: ">="
      value: 1
      sustain: 5m
      raise: WARNING
webhooks:
  subscriptions:
    - url: https://hooks.example.com/coldchain
      secret: s
      events: [alert.raised]
`)
	cfg, err := parse(data, env(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Location().String() != "Europe/Amsterdam" {
		t.Errorf("server/timezone not read: %+v %s", cfg.Server, cfg.Timezone)
	}
	if cfg.Optimizer.ShiftStart != 5*time.Hour+30*time.Minute || cfg.SequencerParams().ReturnToGarage {
		t.Errorf("optimizer not read: %+v", cfg.Optimizer)
	}
	if w := cfg.Scorer(); w.DistanceWeight != 2 || w.EmptyLegWeight != 0 {
		t.Errorf("explicit weights must not be merged with defaults: %+v", w)
	}
	if b := cfg.Telemetry.Bands[model.ZoneChilled]; b.Max != 6 || b.Hysteresis != 0.3 {
		t.Errorf("band not read: %+v", b)
	}
	if len(cfg.Telemetry.Rules) != 1 || cfg.Telemetry.Rules[0].Sustain != 5*time.Minute {
		t.Errorf("rules not read: %+v", cfg.Telemetry.Rules)
	}
	if cfg.Telemetry.Cooldown != 2*time.Minute {
		t.Errorf("cooldown: %v", cfg.Telemetry.Cooldown)
	}
	if len(cfg.Webhooks.Subscriptions) != 1 || cfg.Webhooks.Subscriptions[0].Events[0] != "alert.raised" {
		t.Errorf("subscriptions: %+v", cfg.Webhooks.Subscriptions)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := parse([]byte("server:\n  port: 9090\n"), env(map[string]string{
		"PORT":              "7000",
		"DATABASE_URL":      "postgres://localhost/coldchain",
		"REDIS_URL":         "redis://localhost:6379/0",
		"SLACK_WEBHOOK_URL": "https://hooks.slack.com/services/x",
		"RATE_RPS":          "2.5",
		"RATE_BURST":        "4",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Server.RateRPS != 2.5 || cfg.Server.RateBurst != 4 {
		t.Errorf("server overrides: %+v", cfg.Server)
	}
	if cfg.Database.URL == "" || cfg.Redis.URL == "" || cfg.Notify.SlackWebhookURL == "" {
		t.Errorf("url overrides missing: %+v", cfg)
	}
	if _, err := parse(nil, env(map[string]string{"PORT": "eighty"})); err == nil {
		t.Errorf("non-numeric PORT must fail")
	}
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	data := []byte(`
server:
  port: 70000
timezone: Mars/Olympus
telemetry:
  bands:
    FROZEN: {min: -18, max: -25}
  rules:
    - name: x
      type: sometimes
      kind: temperature
webhooks:
  subscriptions:
    - url: ftp://example.com
`)
	_, err := parse(data, env(nil))
	if err == nil {
		t.Fatal("want validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config: validation failed: ") {
		t.Fatalf("unexpected prefix: %s", msg)
	}
	for _, want := range []string{"server.port", "timezone", "telemetry.bands.FROZEN", "unknown type", "subscriptions[0]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %s", want, msg)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coldchain.yaml")
	if err := os.WriteFile(path, []byte("emergency:\n  top_n: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Emergency.TopN != 3 {
		t.Errorf("top_n: %d", cfg.Emergency.TopN)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file must fail")
	}
}
