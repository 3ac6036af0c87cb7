package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Database    DatabaseConfig   `yaml:"database"`
	Influx      InfluxConfig     `yaml:"influx"`
	DeadLetter  DeadLetterConfig `yaml:"dead_letter"`
	Stoppage    StoppageConfig   `yaml:"stoppage"`
	Jobs        JobConfig        `yaml:"jobs"`
	Push        PushConfig       `yaml:"push"`
	WorkerPool  WorkerPoolConfig `yaml:"worker_pool"`
	Devices     []DeviceConfig   `yaml:"devices"`
	ReasonCodes []ReasonCategory `yaml:"reason_codes"`
	Breaks      []ScheduledBreak `yaml:"scheduled_breaks"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// IngestConfig selects the sample source and the polling cadence.
type IngestConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Source          string        `yaml:"source"` // "kafka" or "simulator"
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	Kafka           KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig holds the Kafka sample-source configuration.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// DatabaseConfig holds the relational database configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// InfluxConfig holds the time-series backend configuration.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// DeadLetterConfig tunes the reliable writer's retry behaviour.
type DeadLetterConfig struct {
	RetryBaseSeconds    int `yaml:"retry_base_seconds"`
	RetryMaxSeconds     int `yaml:"retry_max_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
	BatchLimit          int `yaml:"batch_limit"`
}

// StoppageConfig tunes automatic stoppage detection.
type StoppageConfig struct {
	DebounceSeconds       int `yaml:"debounce_seconds"`
	ShortThresholdSeconds int `yaml:"short_threshold_seconds"`
	AlertThresholdSeconds int `yaml:"alert_threshold_seconds"`
	TickSeconds           int `yaml:"tick_seconds"`
}

// JobConfig tunes job lifecycle validation.
type JobConfig struct {
	CompletionThresholdPct float64 `yaml:"completion_threshold_pct"`
}

// PushConfig holds the VAPID keys for operator alert push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// DeviceConfig describes a monitored device and its counter channels.
type DeviceConfig struct {
	DeviceID string          `yaml:"device_id"`
	Name     string          `yaml:"name"`
	Location string          `yaml:"location"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one counter channel and its per-channel policy.
type ChannelConfig struct {
	Channel         int    `yaml:"channel"`
	Role            string `yaml:"role"` // "count" or "reject"
	BitWidth        int    `yaml:"bit_width"`
	WindowSeconds   int    `yaml:"window_seconds"`
	ImplausibleJump uint64 `yaml:"implausible_jump"`
	WindowCapacity  int    `yaml:"window_capacity"`
}

// ReasonCategory is one row of the data-driven stoppage reason matrix.
type ReasonCategory struct {
	Code     int             `yaml:"code"`
	Label    string          `yaml:"label"`
	Subcodes []ReasonSubcode `yaml:"subcodes"`
}

// ReasonSubcode is a second-level stoppage reason under a category.
type ReasonSubcode struct {
	Code  int    `yaml:"code"`
	Label string `yaml:"label"`
}

// ScheduledBreak is a recurring daily non-production window for a device.
type ScheduledBreak struct {
	DeviceID string `yaml:"device_id"`
	Start    string `yaml:"start"` // "HH:MM"
	End      string `yaml:"end"`   // "HH:MM"
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Ingest.IntervalSeconds <= 0 {
		cfg.Ingest.IntervalSeconds = 5
	}
	cfg.Ingest.Interval = time.Duration(cfg.Ingest.IntervalSeconds) * time.Second

	if cfg.Ingest.Source == "" {
		cfg.Ingest.Source = "simulator"
	}

	if cfg.DeadLetter.RetryBaseSeconds <= 0 {
		cfg.DeadLetter.RetryBaseSeconds = 1
	}
	if cfg.DeadLetter.RetryMaxSeconds <= 0 {
		cfg.DeadLetter.RetryMaxSeconds = 30
	}
	if cfg.DeadLetter.MaxAttempts <= 0 {
		cfg.DeadLetter.MaxAttempts = 10
	}
	if cfg.DeadLetter.ScanIntervalSeconds <= 0 {
		cfg.DeadLetter.ScanIntervalSeconds = 1
	}
	if cfg.DeadLetter.BatchLimit <= 0 {
		cfg.DeadLetter.BatchLimit = 50
	}

	if cfg.Stoppage.DebounceSeconds <= 0 {
		cfg.Stoppage.DebounceSeconds = 30
	}
	if cfg.Stoppage.ShortThresholdSeconds <= 0 {
		cfg.Stoppage.ShortThresholdSeconds = 120
	}
	if cfg.Stoppage.AlertThresholdSeconds <= 0 {
		cfg.Stoppage.AlertThresholdSeconds = cfg.Stoppage.ShortThresholdSeconds
	}
	if cfg.Stoppage.TickSeconds <= 0 {
		cfg.Stoppage.TickSeconds = 5
	}

	if cfg.Jobs.CompletionThresholdPct <= 0 {
		cfg.Jobs.CompletionThresholdPct = 90
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	for i := range cfg.Devices {
		for j := range cfg.Devices[i].Channels {
			ch := &cfg.Devices[i].Channels[j]
			if ch.BitWidth != 16 && ch.BitWidth != 32 {
				ch.BitWidth = 32
			}
			if ch.WindowSeconds <= 0 {
				ch.WindowSeconds = 60
			}
			if ch.WindowCapacity <= 0 {
				ch.WindowCapacity = 200
			}
			if ch.ImplausibleJump == 0 {
				// Anything larger than one full wrap is treated as a device
				// reset rather than legitimate wraparound.
				ch.ImplausibleJump = uint64(1) << uint(ch.BitWidth)
			}
			if ch.Role == "" {
				ch.Role = "count"
			}
		}
	}

	if err := validateReasonCodes(cfg.ReasonCodes); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateReasonCodes rejects duplicate category or subcode entries.
func validateReasonCodes(categories []ReasonCategory) error {
	seen := make(map[int]bool, len(categories))
	for _, cat := range categories {
		if seen[cat.Code] {
			return fmt.Errorf("duplicate reason category code %d", cat.Code)
		}
		seen[cat.Code] = true

		seenSub := make(map[int]bool, len(cat.Subcodes))
		for _, sub := range cat.Subcodes {
			if seenSub[sub.Code] {
				return fmt.Errorf("duplicate reason subcode %d under category %d", sub.Code, cat.Code)
			}
			seenSub[sub.Code] = true
		}
	}
	return nil
}
