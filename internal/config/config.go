// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"coldchain/internal/model"
	"coldchain/internal/opt"
	"coldchain/internal/telemetry"
	"coldchain/internal/webhooks"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Timezone  string          `yaml:"timezone"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Distance  DistanceConfig  `yaml:"distance"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Emergency EmergencyConfig `yaml:"emergency"`
	Notify    NotifyConfig    `yaml:"notify"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Schedules SchedulesConfig `yaml:"schedules"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateRPS         float64       `yaml:"rate_rps"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store: Postgres when URL is set, memory
// otherwise.
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	// RelayPrefix is the pub/sub channel prefix used by the monitor relay.
	RelayPrefix  string `yaml:"relay_prefix"`
	PositionsKey string `yaml:"positions_key"`
}

type OptimizerConfig struct {
	ShiftStart      time.Duration `yaml:"shift_start"`
	AverageSpeedKmh float64       `yaml:"average_speed_kmh"`
	ServiceDuration time.Duration `yaml:"service_duration"`
	MaxIterations   int           `yaml:"max_iterations"`
	ReturnToGarage  *bool         `yaml:"return_to_garage"`
	CostPerKm       float64       `yaml:"cost_per_km"`
	CostPerHour     float64       `yaml:"cost_per_hour"`
	LockWait        time.Duration `yaml:"lock_wait"`
	RunHistory      int           `yaml:"run_history"`
	Weights         ScoreWeights  `yaml:"weights"`
}

type ScoreWeights struct {
	Distance    float64 `yaml:"distance"`
	EmptyLeg    float64 `yaml:"empty_leg"`
	Utilization float64 `yaml:"utilization"`
	ReferenceKm float64 `yaml:"reference_km"`
}

type DistanceConfig struct {
	ORSAPIKey    string        `yaml:"ors_api_key"`
	CacheEntries int           `yaml:"cache_entries"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type TelemetryConfig struct {
	Bands          map[model.Zone]telemetry.Band `yaml:"bands"`
	Rules          []telemetry.Rule              `yaml:"rules"`
	Cooldown       time.Duration                 `yaml:"cooldown"`
	StaleAfter     time.Duration                 `yaml:"stale_after"`
	QuarantineSize int                           `yaml:"quarantine_size"`
	ZoneCacheTTL   time.Duration                 `yaml:"zone_cache_ttl"`
	History        HistoryConfig                 `yaml:"history"`
}

type HistoryConfig struct {
	Queue      int           `yaml:"queue"`
	Batch      int           `yaml:"batch"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

type EmergencyConfig struct {
	TopN            int           `yaml:"top_n"`
	StopMinutes     float64       `yaml:"stop_minutes"`
	IncidentPenalty time.Duration `yaml:"incident_penalty"`
}

type NotifyConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	Timeout         time.Duration `yaml:"timeout"`
}

type WebhooksConfig struct {
	Subscriptions []webhooks.Subscription `yaml:"subscriptions"`
	MaxAttempts   int                     `yaml:"max_attempts"`
}

// SchedulesConfig holds cron specs; an empty spec disables the job.
type SchedulesConfig struct {
	RecurringOrders string `yaml:"recurring_orders"`
	RecurringAhead  int    `yaml:"recurring_ahead_days"`
	SensorWatch     string `yaml:"sensor_watch"`
	WebhookDelivery string `yaml:"webhook_delivery"`
}

// Load reads path (CONFIG_FILE when path is empty). A missing file yields
// the defaults; environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config with environment
// overrides applied.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateRPS == 0 {
		c.Server.RateRPS = 50
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 100
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Redis.RelayPrefix == "" {
		c.Redis.RelayPrefix = "coldchain:events:"
	}
	if c.Redis.PositionsKey == "" {
		c.Redis.PositionsKey = "coldchain:positions"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}

	d := opt.DefaultParams()
	o := &c.Optimizer
	if o.ShiftStart == 0 {
		o.ShiftStart = 6 * time.Hour
	}
	if o.AverageSpeedKmh == 0 {
		o.AverageSpeedKmh = d.AverageSpeedKmh
	}
	if o.ServiceDuration == 0 {
		o.ServiceDuration = d.ServiceDuration
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.ReturnToGarage == nil {
		v := d.ReturnToGarage
		o.ReturnToGarage = &v
	}
	if o.CostPerKm == 0 {
		o.CostPerKm = d.CostPerKm
	}
	if o.CostPerHour == 0 {
		o.CostPerHour = d.CostPerHour
	}
	if o.LockWait == 0 {
		o.LockWait = 5 * time.Second
	}
	if o.RunHistory == 0 {
		o.RunHistory = 20
	}
	if o.Weights == (ScoreWeights{}) {
		w := opt.DefaultScorer()
		o.Weights = ScoreWeights{Distance: w.DistanceWeight, EmptyLeg: w.EmptyLegWeight, Utilization: w.UtilizationWeight, ReferenceKm: w.ReferenceKm}
	}

	if c.Distance.CacheEntries == 0 {
		c.Distance.CacheEntries = 10000
	}
	if c.Distance.CacheTTL == 0 {
		c.Distance.CacheTTL = 24 * time.Hour
	}

	t := &c.Telemetry
	if t.Bands == nil {
		t.Bands = telemetry.DefaultBands()
	}
	if t.Rules == nil {
		t.Rules = telemetry.DefaultRules()
	}
	if t.Cooldown == 0 {
		t.Cooldown = 10 * time.Minute
	}
	if t.StaleAfter == 0 {
		t.StaleAfter = 5 * time.Minute
	}
	if t.QuarantineSize == 0 {
		t.QuarantineSize = 200
	}
	if t.ZoneCacheTTL == 0 {
		t.ZoneCacheTTL = 30 * time.Second
	}
	if t.History.Queue == 0 {
		t.History.Queue = 4096
	}
	if t.History.Batch == 0 {
		t.History.Batch = 200
	}
	if t.History.FlushEvery == 0 {
		t.History.FlushEvery = 2 * time.Second
	}

	if c.Emergency.TopN == 0 {
		c.Emergency.TopN = 5
	}
	if c.Emergency.StopMinutes == 0 {
		c.Emergency.StopMinutes = 15
	}
	if c.Emergency.IncidentPenalty == 0 {
		c.Emergency.IncidentPenalty = 30 * time.Minute
	}

	if c.Notify.RatePerSecond == 0 {
		c.Notify.RatePerSecond = 5
	}
	if c.Notify.Burst == 0 {
		c.Notify.Burst = 10
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 10
	}
	if c.Schedules.RecurringOrders == "" {
		c.Schedules.RecurringOrders = "0 18 * * *"
	}
	if c.Schedules.RecurringAhead == 0 {
		c.Schedules.RecurringAhead = 1
	}
	if c.Schedules.SensorWatch == "" {
		c.Schedules.SensorWatch = "@every 1m"
	}
	if c.Schedules.WebhookDelivery == "" {
		c.Schedules.WebhookDelivery = "@every 5s"
	}
}

// applyEnv lets deployment variables override the file.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Redis.URL)
	str("ORS_API_KEY", &c.Distance.ORSAPIKey)
	str("SLACK_WEBHOOK_URL", &c.Notify.SlackWebhookURL)
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PORT %q is not a number", v))
		} else {
			c.Server.Port = p
		}
	}
	if v := getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("RATE_RPS %q is not a number", v))
		} else {
			c.Server.RateRPS = f
		}
	}
	if v := getenv("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("RATE_BURST %q is not a number", v))
		} else {
			c.Server.RateBurst = n
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validate collects every problem into one error.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, "server rate limits must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}
	o := c.Optimizer
	if o.ShiftStart < 0 || o.ShiftStart >= 24*time.Hour {
		errs = append(errs, "optimizer.shift_start must be within the day")
	}
	if o.AverageSpeedKmh <= 0 {
		errs = append(errs, "optimizer.average_speed_kmh must be > 0")
	}
	if o.MaxIterations < 0 {
		errs = append(errs, "optimizer.max_iterations must not be negative")
	}
	if o.Weights.Distance < 0 || o.Weights.EmptyLeg < 0 || o.Weights.Utilization < 0 {
		errs = append(errs, "optimizer.weights must not be negative")
	}
	for zone, b := range c.Telemetry.Bands {
		if !zone.Valid() || zone == model.ZoneDual {
			errs = append(errs, fmt.Sprintf("telemetry.bands: unknown zone %q", zone))
			continue
		}
		if err := b.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("telemetry.bands.%s: %v", zone, err))
		}
	}
	if err := telemetry.ValidateRules(c.Telemetry.Rules); err != nil {
		errs = append(errs, strings.ReplaceAll(err.Error(), "\n", "; "))
	}
	if c.Telemetry.Cooldown < 0 || c.Telemetry.StaleAfter < 0 {
		errs = append(errs, "telemetry durations must not be negative")
	}
	if c.Emergency.TopN < 0 || c.Emergency.StopMinutes < 0 {
		errs = append(errs, "emergency.top_n and stop_minutes must not be negative")
	}
	for i, s := range c.Webhooks.Subscriptions {
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			errs = append(errs, fmt.Sprintf("webhooks.subscriptions[%d].url must be http(s)", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Server.Port) }

// SequencerParams maps the optimizer section onto sequencer parameters.
func (c *Config) SequencerParams() opt.Params {
	o := c.Optimizer
	return opt.Params{
		AverageSpeedKmh: o.AverageSpeedKmh,
		ServiceDuration: o.ServiceDuration,
		MaxIterations:   o.MaxIterations,
		ReturnToGarage:  o.ReturnToGarage != nil && *o.ReturnToGarage,
		CostPerKm:       o.CostPerKm,
		CostPerHour:     o.CostPerHour,
	}
}

func (c *Config) Scorer() opt.WeightedScorer {
	w := c.Optimizer.Weights
	return opt.WeightedScorer{DistanceWeight: w.Distance, EmptyLegWeight: w.EmptyLeg, UtilizationWeight: w.Utilization, ReferenceKm: w.ReferenceKm}
}
