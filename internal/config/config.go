// Package config implements the Config & Timeout Hierarchy (C1): flat
// env-var loading and the derived, startup-validated timeout tier table.
// The env-var helper style (envOr/envIntOr/envDurationSecsOr) is grounded on
// registry/cmd/registry/main.go.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigError is a fatal startup error; cmd/brokerd maps it to exit code 1.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// TimeoutTier is the derived, per-tier deadline table.
// The four values form a strict nesting: Tool < Daemon < Frontend < Client.
type TimeoutTier struct {
	Tool     time.Duration
	Daemon   time.Duration
	Frontend time.Duration
	Client   time.Duration
}

// Config is the fully loaded and validated configuration.
type Config struct {
	Timeouts map[string]TimeoutTier // keyed by tier name: simple/workflow/expert

	GlobalMaxInflight   int
	ProviderMaxInflight int
	SessionMaxInflight  int

	WSHost      string
	WSPort      int
	WSAuthToken string

	HelloTimeout time.Duration

	CoalesceDisabledTools map[string]bool

	TelemetryPath string

	// Ambient stack settings: logging, tracing/metrics, and optional
	// telemetry persistence sinks.
	LogFormat               string
	OTELTraces               bool
	OTELMetrics              bool
	RedisURL                 string
	RedisPassword            string
	MongoURI                 string
	MongoDatabase            string
	ShutdownGraceMultiplier  float64
}

const tierBaseRatio = 1.0
const daemonRatio = 1.5
const frontendRatio = 2.0
const clientRatio = 2.5

// Load reads configuration from the environment and validates it. Any
// validation failure is returned as a *ConfigError.
func Load() (*Config, error) {
	cfg := &Config{
		GlobalMaxInflight:       envIntOr("GLOBAL_MAX_INFLIGHT", 16),
		ProviderMaxInflight:     envIntOr("PROVIDER_MAX_INFLIGHT", 8),
		SessionMaxInflight:      envIntOr("SESSION_MAX_INFLIGHT", 4),
		WSHost:                  envOr("WS_HOST", "127.0.0.1"),
		WSPort:                  envIntOr("WS_PORT", 8765),
		WSAuthToken:             os.Getenv("WS_AUTH_TOKEN"),
		HelloTimeout:            envDurationSecsOr("HELLO_TIMEOUT_SECS", 10*time.Second),
		CoalesceDisabledTools:   envCommaSetOr("COALESCE_DISABLED_TOOLS"),
		TelemetryPath:           os.Getenv("TELEMETRY_PATH"),
		LogFormat:               envOr("LOG_FORMAT", "json"),
		OTELTraces:              envBoolOr("OTEL_TRACES", false),
		OTELMetrics:             envBoolOr("OTEL_METRICS", false),
		RedisURL:                os.Getenv("REDIS_URL"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		MongoURI:                os.Getenv("MONGO_URI"),
		MongoDatabase:           envOr("MONGO_DATABASE", "brokerd"),
		ShutdownGraceMultiplier: envFloatOr("SHUTDOWN_GRACE_MULTIPLIER", 1.2),
	}

	simple := envIntOr("TOOL_TIMEOUT_SIMPLE", 10)
	workflow := envIntOr("TOOL_TIMEOUT_WORKFLOW", 60)
	expert := envIntOr("TOOL_TIMEOUT_EXPERT", 300)

	tiers := map[string]int{"simple": simple, "workflow": workflow, "expert": expert}
	cfg.Timeouts = make(map[string]TimeoutTier, len(tiers))
	for name, secs := range tiers {
		if secs <= 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf("TOOL_TIMEOUT_%s must be positive, got %d", strings.ToUpper(name), secs)}
		}
		tier, err := deriveTier(secs)
		if err != nil {
			return nil, err
		}
		cfg.Timeouts[name] = tier
	}

	if cfg.GlobalMaxInflight < 1 {
		return nil, &ConfigError{Reason: "GLOBAL_MAX_INFLIGHT must be >= 1"}
	}
	if cfg.ProviderMaxInflight < 1 {
		return nil, &ConfigError{Reason: "PROVIDER_MAX_INFLIGHT must be >= 1"}
	}
	if cfg.SessionMaxInflight < 1 {
		return nil, &ConfigError{Reason: "SESSION_MAX_INFLIGHT must be >= 1"}
	}

	return cfg, nil
}

// deriveTier computes the daemon/frontend/client deadlines from a tool-tier
// base value in seconds, and validates the strict nesting after integer
// rounding.
func deriveTier(toolSecs int) (TimeoutTier, error) {
	tool := time.Duration(toolSecs) * time.Second
	daemonSecs := int(math.Round(float64(toolSecs) * daemonRatio))
	frontendSecs := int(math.Round(float64(toolSecs) * frontendRatio))
	clientSecs := int(math.Round(float64(toolSecs) * clientRatio))

	if !(toolSecs < daemonSecs && daemonSecs < frontendSecs && frontendSecs < clientSecs) {
		return TimeoutTier{}, &ConfigError{Reason: fmt.Sprintf(
			"timeout hierarchy collapsed under rounding: tool=%d daemon=%d frontend=%d client=%d",
			toolSecs, daemonSecs, frontendSecs, clientSecs)}
	}

	return TimeoutTier{
		Tool:     tool,
		Daemon:   time.Duration(daemonSecs) * time.Second,
		Frontend: time.Duration(frontendSecs) * time.Second,
		Client:   time.Duration(clientSecs) * time.Second,
	}, nil
}

// MaxToolTimeout returns the largest tool-tier deadline across all tiers,
// used to size the shutdown drain deadline.
func (c *Config) MaxToolTimeout() time.Duration {
	var max time.Duration
	for _, t := range c.Timeouts {
		if t.Tool > max {
			max = t.Tool
		}
	}
	return max
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationSecsOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func envCommaSetOr(key string) map[string]bool {
	set := make(map[string]bool)
	v := os.Getenv(key)
	if v == "" {
		return set
	}
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
	return set
}
