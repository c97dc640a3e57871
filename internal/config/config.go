package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a YAML string like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Probe describes a single liveness or readiness probe and the check it runs.
type Probe struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Type         string   `yaml:"type"`
	Target       string   `yaml:"target"`
	Interval     Duration `yaml:"interval"`
	Timeout      Duration `yaml:"timeout"`
	StartPeriod  Duration `yaml:"start_period"`
	Retries      int      `yaml:"retries"`
	HoldStarting bool     `yaml:"hold_starting"`

	// http
	ExpectedStatus int               `yaml:"expected_status"`
	Headers        map[string]string `yaml:"headers"`

	// exec
	Args []string `yaml:"args"`

	// postgres
	Query string `yaml:"query"`

	// s3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// WebhookConfig holds alert webhook settings.
type WebhookConfig struct {
	URL       string   `yaml:"url"`
	Cooldown  Duration `yaml:"cooldown"`
	RateLimit float64  `yaml:"rate_limit"`
}

// AlertsConfig holds all alert configuration.
type AlertsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address    string   `yaml:"address"`
	DrainDelay Duration `yaml:"drain_delay"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// LogConfig holds logger settings. File enables a size-rotated log file in
// addition to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the root application configuration.
type Config struct {
	Probes  []Probe       `yaml:"probes"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// Defaults follow the Docker HEALTHCHECK defaults.
const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultStartPeriod = 0
	DefaultRetries     = 3
)

var validKinds = map[string]bool{
	"liveness":  true,
	"readiness": true,
}

var validTypes = map[string]bool{
	"http":     true,
	"tcp":      true,
	"exec":     true,
	"docker":   true,
	"postgres": true,
	"s3":       true,
}

// Load reads, expands ${VAR} references, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses and validates YAML config data. Environment expansion is the
// caller's job.
func Parse(data []byte) (*Config, error) {
	// Unmarshal into a raw intermediate to detect YAML parse errors vs duration errors.
	type rawProbe struct {
		Name           string            `yaml:"name"`
		Kind           string            `yaml:"kind"`
		Type           string            `yaml:"type"`
		Target         string            `yaml:"target"`
		Interval       string            `yaml:"interval"`
		Timeout        string            `yaml:"timeout"`
		StartPeriod    string            `yaml:"start_period"`
		Retries        *int              `yaml:"retries"`
		HoldStarting   bool              `yaml:"hold_starting"`
		ExpectedStatus int               `yaml:"expected_status"`
		Headers        map[string]string `yaml:"headers"`
		Args           []string          `yaml:"args"`
		Query          string            `yaml:"query"`
		Bucket         string            `yaml:"bucket"`
		Region         string            `yaml:"region"`
		AccessKey      string            `yaml:"access_key"`
		SecretKey      string            `yaml:"secret_key"`
		UseSSL         bool              `yaml:"use_ssl"`
	}
	type rawConfig struct {
		Probes  []rawProbe    `yaml:"probes"`
		Alerts  AlertsConfig  `yaml:"alerts"`
		Server  ServerConfig  `yaml:"server"`
		Storage StorageConfig `yaml:"storage"`
		Log     LogConfig     `yaml:"log"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults.
	if raw.Server.Address == "" {
		raw.Server.Address = ":8081"
	}
	if raw.Storage.Path == "" {
		raw.Storage.Path = "healthgate.db"
	}
	if raw.Storage.Retention.Duration == 0 {
		raw.Storage.Retention = Duration{7 * 24 * time.Hour}
	}
	if raw.Log.Level == "" {
		raw.Log.Level = "info"
	}
	if raw.Log.Format == "" {
		raw.Log.Format = "json"
	}
	if raw.Alerts.Webhook.Cooldown.Duration == 0 {
		raw.Alerts.Webhook.Cooldown = Duration{5 * time.Minute}
	}

	if raw.Log.Format != "json" && raw.Log.Format != "text" {
		return nil, fmt.Errorf("log: invalid format %q (must be json or text)", raw.Log.Format)
	}
	if raw.Server.DrainDelay.Duration < 0 {
		return nil, fmt.Errorf("server: drain_delay must not be negative")
	}

	if len(raw.Probes) == 0 {
		return nil, fmt.Errorf("at least one probe must be configured")
	}

	cfg := &Config{
		Alerts:  raw.Alerts,
		Server:  raw.Server,
		Storage: raw.Storage,
		Log:     raw.Log,
	}

	names := make(map[string]bool, len(raw.Probes))
	for i, rp := range raw.Probes {
		if rp.Name == "" {
			return nil, fmt.Errorf("probe[%d]: name is required", i)
		}
		if names[rp.Name] {
			return nil, fmt.Errorf("duplicate probe name %q", rp.Name)
		}
		names[rp.Name] = true

		if !validKinds[rp.Kind] {
			return nil, fmt.Errorf("probe %q: invalid kind %q (must be liveness or readiness)", rp.Name, rp.Kind)
		}
		if !validTypes[rp.Type] {
			return nil, fmt.Errorf("probe %q: invalid type %q (must be http, tcp, exec, docker, postgres, or s3)", rp.Name, rp.Type)
		}
		if rp.Target == "" {
			return nil, fmt.Errorf("probe %q: target is required", rp.Name)
		}

		p := Probe{
			Name:           rp.Name,
			Kind:           rp.Kind,
			Type:           rp.Type,
			Target:         rp.Target,
			HoldStarting:   rp.HoldStarting,
			ExpectedStatus: rp.ExpectedStatus,
			Headers:        rp.Headers,
			Args:           rp.Args,
			Query:          rp.Query,
			Bucket:         rp.Bucket,
			Region:         rp.Region,
			AccessKey:      rp.AccessKey,
			SecretKey:      rp.SecretKey,
			UseSSL:         rp.UseSSL,
		}

		var err error
		if p.Interval, err = parseDuration(rp.Name, "interval", rp.Interval, DefaultInterval); err != nil {
			return nil, err
		}
		if p.Timeout, err = parseDuration(rp.Name, "timeout", rp.Timeout, DefaultTimeout); err != nil {
			return nil, err
		}
		if p.StartPeriod, err = parseDuration(rp.Name, "start_period", rp.StartPeriod, DefaultStartPeriod); err != nil {
			return nil, err
		}
		if p.Interval.Duration <= 0 {
			return nil, fmt.Errorf("probe %q: interval must be positive", rp.Name)
		}
		if p.Timeout.Duration <= 0 {
			return nil, fmt.Errorf("probe %q: timeout must be positive", rp.Name)
		}
		if p.StartPeriod.Duration < 0 {
			return nil, fmt.Errorf("probe %q: start_period must not be negative", rp.Name)
		}

		p.Retries = DefaultRetries
		if rp.Retries != nil {
			if *rp.Retries < 1 {
				return nil, fmt.Errorf("probe %q: retries must be at least 1, got %d", rp.Name, *rp.Retries)
			}
			p.Retries = *rp.Retries
		}

		if rp.ExpectedStatus != 0 && (rp.ExpectedStatus < 100 || rp.ExpectedStatus > 599) {
			return nil, fmt.Errorf("probe %q: invalid expected_status %d", rp.Name, rp.ExpectedStatus)
		}

		cfg.Probes = append(cfg.Probes, p)
	}

	return cfg, nil
}

func parseDuration(probe, field, raw string, def time.Duration) (Duration, error) {
	if raw == "" {
		return Duration{def}, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return Duration{}, fmt.Errorf("probe %q: invalid %s %q: %w", probe, field, raw, err)
	}
	return Duration{d}, nil
}
