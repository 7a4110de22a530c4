package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Node struct {
		ID string `yaml:"id"`
	} `yaml:"node"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Session struct {
		QuestionDuration string  `yaml:"questionDuration"`
		GradingWindow    string  `yaml:"gradingWindow"`
		LeaseTTL         string  `yaml:"leaseTTL"`
		RenewInterval    string  `yaml:"renewInterval"`
		SubmissionRate   float64 `yaml:"submissionRate"`
		SubmissionBurst  int     `yaml:"submissionBurst"`
		EarlyClose       *bool   `yaml:"earlyClose"`
		ArchiveGrace     string  `yaml:"archiveGrace"`
	} `yaml:"session"`
	Connections struct {
		Buffer           int    `yaml:"buffer"`
		MaxFailures      int    `yaml:"maxFailures"`
		HeartbeatTimeout string `yaml:"heartbeatTimeout"`
	} `yaml:"connections"`
	Events struct {
		QueueSize     int    `yaml:"queueSize"`
		MaxRetries    int    `yaml:"maxRetries"`
		RetryInterval string `yaml:"retryInterval"`
	} `yaml:"events"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if
// empty or malformed.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// IntOr returns the fallback when the configured value is unset.
func IntOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// BoolOr returns the fallback when the configured value is unset.
func BoolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// FloatOr returns the fallback when the configured value is unset.
func FloatOr(v float64, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
