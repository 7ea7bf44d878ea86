package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missioncore.yml. Defaults are seeded by Default and every
// loaded file is validated before use.
type Config struct {
	Scheduler struct {
		TickInterval    time.Duration `yaml:"tick_interval"`
		MonitorInterval time.Duration `yaml:"monitor_interval"`
		RecoverInterval time.Duration `yaml:"recover_interval"`
		StaleAfter      time.Duration `yaml:"stale_after"`
		MaxWallClock    time.Duration `yaml:"max_wall_clock"`
		MaxRetries      int           `yaml:"max_retries"`
		BackoffBase     time.Duration `yaml:"backoff_base"`
		BackoffFactor   int           `yaml:"backoff_factor"`
		// ErrorRateEscalate is the fleet failure ratio at which retries
		// stop being granted to missions that already failed once.
		ErrorRateEscalate float64 `yaml:"error_rate_escalate"`
	} `yaml:"scheduler"`

	Resources struct {
		CrewCapacity  int            `yaml:"crew_capacity"`
		ReaperGrace   time.Duration  `yaml:"reaper_grace"`
		ReaperSweep   time.Duration  `yaml:"reaper_sweep"`
		QuotaWindow   time.Duration  `yaml:"quota_window"`
		ProviderQuota map[string]int `yaml:"provider_quota"`
	} `yaml:"resources"`

	Domains struct {
		// EWMA smoothing is derived from the half-life: after HalfLife
		// consecutive outcomes the weight of an old observation halves.
		HalfLife        int     `yaml:"half_life"`
		CustomFloor     float64 `yaml:"custom_floor"`
		PrewarmedFloor  float64 `yaml:"prewarmed_floor"`
		DegradedBelow   float64 `yaml:"degraded_below"`
		QuarantineBelow float64 `yaml:"quarantine_below"`
	} `yaml:"domains"`

	Analytics struct {
		AggregateInterval time.Duration `yaml:"aggregate_interval"`
		SnapshotCron      string        `yaml:"snapshot_cron"`
		TrendLookback     time.Duration `yaml:"trend_lookback"`
		SuccessDropDelta  float64       `yaml:"success_drop_delta"`
		DurationSpikeMult float64       `yaml:"duration_spike_mult"`
		ReputationDelta   float64       `yaml:"reputation_delta"`
	} `yaml:"analytics"`

	Reasoning struct {
		Model       string        `yaml:"model"`
		APIKeyEnv   string        `yaml:"api_key_env"`
		Timeout     time.Duration `yaml:"timeout"`
		RequeueDrop int           `yaml:"requeue_drop"`
	} `yaml:"reasoning"`

	Bus struct {
		RetainPerTopic int           `yaml:"retain_per_topic"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"bus"`

	Worker struct {
		MaxConcurrent int64         `yaml:"max_concurrent"`
		StepDelay     time.Duration `yaml:"step_delay"`
	} `yaml:"worker"`

	Server struct {
		Addr           string        `yaml:"addr"`
		BasePath       string        `yaml:"base_path"`
		JWTSecret      string        `yaml:"jwt_secret"`
		KeepAlive      time.Duration `yaml:"keep_alive"`
		AllowAnonymous bool          `yaml:"allow_anonymous"`
	} `yaml:"server"`
}

// Default returns the seed configuration.
func Default() *Config {
	c := &Config{}
	c.Scheduler.TickInterval = 30 * time.Second
	c.Scheduler.MonitorInterval = 30 * time.Second
	c.Scheduler.RecoverInterval = 60 * time.Second
	c.Scheduler.StaleAfter = 5 * time.Minute
	c.Scheduler.MaxWallClock = 2 * time.Hour
	c.Scheduler.MaxRetries = 3
	c.Scheduler.BackoffBase = 30 * time.Second
	c.Scheduler.BackoffFactor = 2
	c.Scheduler.ErrorRateEscalate = 0.5
	c.Resources.CrewCapacity = 3
	c.Resources.ReaperGrace = 10 * time.Minute
	c.Resources.ReaperSweep = time.Minute
	c.Resources.QuotaWindow = time.Minute
	c.Resources.ProviderQuota = map[string]int{"default": 60}
	c.Domains.HalfLife = 5
	c.Domains.CustomFloor = 0.7
	c.Domains.PrewarmedFloor = 0.8
	c.Domains.DegradedBelow = 0.85
	c.Domains.QuarantineBelow = 0.5
	c.Analytics.AggregateInterval = 5 * time.Second
	c.Analytics.SnapshotCron = "0 * * * *"
	c.Analytics.TrendLookback = 24 * time.Hour
	c.Analytics.SuccessDropDelta = 0.2
	c.Analytics.DurationSpikeMult = 2.0
	c.Analytics.ReputationDelta = 0.15
	c.Reasoning.Model = "gemini-2.0-flash"
	c.Reasoning.APIKeyEnv = "GEMINI_API_KEY"
	c.Reasoning.Timeout = 20 * time.Second
	c.Reasoning.RequeueDrop = 10
	c.Bus.RetainPerTopic = 1000
	c.Bus.RequestTimeout = 10 * time.Second
	c.Worker.MaxConcurrent = 3
	c.Worker.StepDelay = 0
	c.Server.Addr = ":8080"
	c.Server.BasePath = "/v0"
	c.Server.KeepAlive = 15 * time.Second
	return c
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missioncore.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults, so partial files are valid.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.BackoffFactor < 2 {
		return fmt.Errorf("scheduler.backoff_factor must be >= 2")
	}
	if c.Scheduler.BackoffBase <= 0 {
		return fmt.Errorf("scheduler.backoff_base must be positive")
	}
	if c.Scheduler.MaxWallClock <= 0 {
		return fmt.Errorf("scheduler.max_wall_clock must be positive")
	}
	if c.Scheduler.ErrorRateEscalate <= 0 || c.Scheduler.ErrorRateEscalate > 1 {
		return fmt.Errorf("scheduler.error_rate_escalate must be in (0, 1]")
	}
	if c.Resources.CrewCapacity < 1 {
		return fmt.Errorf("resources.crew_capacity must be >= 1")
	}
	for provider, n := range c.Resources.ProviderQuota {
		if n < 1 {
			return fmt.Errorf("resources.provider_quota.%s must be >= 1", provider)
		}
	}
	if c.Domains.HalfLife < 1 {
		return fmt.Errorf("domains.half_life must be >= 1")
	}
	for name, v := range map[string]float64{
		"domains.custom_floor":     c.Domains.CustomFloor,
		"domains.prewarmed_floor":  c.Domains.PrewarmedFloor,
		"domains.degraded_below":   c.Domains.DegradedBelow,
		"domains.quarantine_below": c.Domains.QuarantineBelow,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if c.Domains.QuarantineBelow > c.Domains.DegradedBelow {
		return fmt.Errorf("domains.quarantine_below must not exceed domains.degraded_below")
	}
	if c.Bus.RetainPerTopic < 1 {
		return fmt.Errorf("bus.retain_per_topic must be >= 1")
	}
	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be >= 1")
	}
	if c.Analytics.SnapshotCron == "" {
		return fmt.Errorf("analytics.snapshot_cron is required")
	}
	return nil
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
