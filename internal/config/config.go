// Package config loads marketbus's runtime tunables from environment
// variables, applying sane defaults and collecting every validation
// problem before returning (never a partially-applied config).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the demo front door listens on.
	DefaultAddr = ":8743"
	// DefaultPingInterval controls the keepalive cadence for exchange and client WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent front-door WebSocket sessions. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultProjectorBuffer is the capacity of each C4 merged stream's output channel;
	// the per-key latest-wins slot always holds a single event.
	DefaultProjectorBuffer = 1

	// DefaultReconnectBackoff is the initial delay before retrying a dropped exchange connection.
	DefaultReconnectBackoff = time.Second
	// DefaultReconnectBackoffMax caps the exchange connector's exponential backoff.
	DefaultReconnectBackoffMax = 30 * time.Second

	// DefaultLogLevel controls verbosity for marketbus logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "marketbus.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultUpstreamEndpoint is the base URL the reference exchange connector dials.
	DefaultUpstreamEndpoint = "ws://localhost:9000"

	// DefaultAuditCodec is the compression codec applied to audit records when none is configured.
	DefaultAuditCodec = "snappy"
)

// Config captures all runtime tunables for the marketbus service.
type Config struct {
	Address             string
	AllowedOrigins      []string
	MaxPayloadBytes     int64
	PingInterval        time.Duration
	MaxClients          int
	AdminToken          string
	ProjectorBuffer     int
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
	UpstreamEndpoint    string
	AuditPath           string
	AuditCodec          string
	Logging             LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the marketbus configuration from environment variables,
// applying sane defaults and returning descriptive errors for invalid
// overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:             getString("MARKETBUS_ADDR", DefaultAddr),
		AllowedOrigins:      parseList(os.Getenv("MARKETBUS_ALLOWED_ORIGINS")),
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		PingInterval:        DefaultPingInterval,
		MaxClients:          DefaultMaxClients,
		AdminToken:          strings.TrimSpace(os.Getenv("MARKETBUS_ADMIN_TOKEN")),
		ProjectorBuffer:     DefaultProjectorBuffer,
		ReconnectBackoff:    DefaultReconnectBackoff,
		ReconnectBackoffMax: DefaultReconnectBackoffMax,
		UpstreamEndpoint:    getString("MARKETBUS_UPSTREAM_ENDPOINT", DefaultUpstreamEndpoint),
		AuditPath:           strings.TrimSpace(os.Getenv("MARKETBUS_AUDIT_PATH")),
		AuditCodec:          getString("MARKETBUS_AUDIT_CODEC", DefaultAuditCodec),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MARKETBUS_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MARKETBUS_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_PROJECTOR_BUFFER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_PROJECTOR_BUFFER must be a positive integer, got %q", raw))
		} else {
			cfg.ProjectorBuffer = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_RECONNECT_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_RECONNECT_BACKOFF must be a positive duration, got %q", raw))
		} else {
			cfg.ReconnectBackoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_RECONNECT_BACKOFF_MAX")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_RECONNECT_BACKOFF_MAX must be a positive duration, got %q", raw))
		} else {
			cfg.ReconnectBackoffMax = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MARKETBUS_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MARKETBUS_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MARKETBUS_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.AuditCodec {
	case "snappy", "zstd":
	default:
		problems = append(problems, fmt.Sprintf("MARKETBUS_AUDIT_CODEC must be %q or %q, got %q", "snappy", "zstd", cfg.AuditCodec))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
