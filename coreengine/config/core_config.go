// Package config provides leadflow orchestration configuration.
//
// This module contains the knobs that shape a conversation:
//   - Qualification threshold and scoring inputs
//   - Aggregation, memory and routing limits
//   - Retry and timeout bounds for downstream calls
//   - Role roster (see roles.go)
//
// Loading from YAML and LEADFLOW_* environment variables lives in loader.go.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/typeutil"
)

var configValidate = validator.New()

// StoreConfig selects the turn persistence backend.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" koanf:"driver" validate:"oneof=memory sqlite badger"`
	Path   string `json:"path" yaml:"path" koanf:"path" validate:"required_unless=Driver memory"`
}

// LLMConfig configures the generator backing the roles.
type LLMConfig struct {
	Provider          string  `json:"provider" yaml:"provider" koanf:"provider" validate:"oneof=template openai"`
	Model             string  `json:"model" yaml:"model" koanf:"model"`
	BaseURL           string  `json:"base_url" yaml:"base_url" koanf:"base_url"`
	APIKeyEnv         string  `json:"api_key_env" yaml:"api_key_env" koanf:"api_key_env"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" koanf:"burst" validate:"gte=0"`
}

// ServerConfig holds listen addresses for the serve command.
type ServerConfig struct {
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr" koanf:"grpc_addr" validate:"required"`
	HTTPAddr string `json:"http_addr" yaml:"http_addr" koanf:"http_addr" validate:"required"`
	// AllowedOrigins are the CORS origins of the HTTP API; one "*" wildcard
	// per entry.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" koanf:"allowed_origins"`
}

// TelemetryConfig configures trace export. An empty endpoint disables export.
type TelemetryConfig struct {
	ServiceName  string `json:"service_name" yaml:"service_name" koanf:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" koanf:"otlp_endpoint"`
}

// CoreConfig holds leadflow configuration.
type CoreConfig struct {
	// Qualification
	QualificationThreshold float64  `json:"qualification_threshold" yaml:"qualification_threshold" koanf:"qualification_threshold" validate:"gt=0"`
	Slots                  []string `json:"slots" yaml:"slots" koanf:"slots" validate:"min=1,dive,required"`

	// Aggregation
	AggregationWindowSeconds float64 `json:"aggregation_window_seconds" yaml:"aggregation_window_seconds" koanf:"aggregation_window_seconds" validate:"gte=0"`
	MaxBatchSize             int     `json:"max_batch_size" yaml:"max_batch_size" koanf:"max_batch_size" validate:"gte=1"`

	// Memory and routing limits
	RoleMemoryWindow      int `json:"role_memory_window" yaml:"role_memory_window" koanf:"role_memory_window" validate:"gte=1"`
	ExtractionWindow      int `json:"extraction_window" yaml:"extraction_window" koanf:"extraction_window" validate:"gte=0"`
	MaxEscalationAttempts int `json:"max_escalation_attempts" yaml:"max_escalation_attempts" koanf:"max_escalation_attempts" validate:"gte=1"`
	MaxRoleHops           int `json:"max_role_hops" yaml:"max_role_hops" koanf:"max_role_hops" validate:"gte=1"`

	// Inbound flood protection per session. Zero disables it.
	InboundPerMinute int `json:"inbound_per_minute" yaml:"inbound_per_minute" koanf:"inbound_per_minute" validate:"gte=0"`
	InboundBurst     int `json:"inbound_burst" yaml:"inbound_burst" koanf:"inbound_burst" validate:"gte=0"`

	// Timeouts (seconds)
	TurnTimeout       int `json:"turn_timeout" yaml:"turn_timeout" koanf:"turn_timeout" validate:"gt=0"`
	GenerationTimeout int `json:"generation_timeout" yaml:"generation_timeout" koanf:"generation_timeout" validate:"gt=0"`
	SessionIdleTTL    int `json:"session_idle_ttl" yaml:"session_idle_ttl" koanf:"session_idle_ttl" validate:"gte=0"`
	CleanupInterval   int `json:"cleanup_interval" yaml:"cleanup_interval" koanf:"cleanup_interval" validate:"gt=0"`

	// Retries
	MaxGenerationRetries  int `json:"max_generation_retries" yaml:"max_generation_retries" koanf:"max_generation_retries" validate:"gte=0"`
	MaxPersistenceRetries int `json:"max_persistence_retries" yaml:"max_persistence_retries" koanf:"max_persistence_retries" validate:"gte=0"`
	RetryInitialMs        int `json:"retry_initial_ms" yaml:"retry_initial_ms" koanf:"retry_initial_ms" validate:"gt=0"`
	RetryMaxMs            int `json:"retry_max_ms" yaml:"retry_max_ms" koanf:"retry_max_ms" validate:"gtefield=RetryInitialMs"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level" koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" yaml:"log_format" koanf:"log_format" validate:"oneof=json console"`

	Store     StoreConfig     `json:"store" yaml:"store" koanf:"store"`
	LLM       LLMConfig       `json:"llm" yaml:"llm" koanf:"llm"`
	Server    ServerConfig    `json:"server" yaml:"server" koanf:"server"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" koanf:"telemetry"`
	Roster    RosterConfig    `json:"roster" yaml:"roster" koanf:"roster"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		// Qualification
		QualificationThreshold: 300,
		Slots:                  []string{"Lunes 10:00", "Martes 16:00", "Jueves 11:00"},

		// Aggregation
		AggregationWindowSeconds: 15,
		MaxBatchSize:             10,

		// Memory and routing limits
		RoleMemoryWindow:      8,
		ExtractionWindow:      6,
		MaxEscalationAttempts: 3,
		MaxRoleHops:           3,

		InboundPerMinute: 30,
		InboundBurst:     10,

		// Timeouts (seconds)
		TurnTimeout:       60,
		GenerationTimeout: 20,
		SessionIdleTTL:    3600,
		CleanupInterval:   300,

		// Retries
		MaxGenerationRetries:  2,
		MaxPersistenceRetries: 3,
		RetryInitialMs:        200,
		RetryMaxMs:            2000,

		// Logging
		LogLevel:  "info",
		LogFormat: "json",

		Store: StoreConfig{Driver: "memory"},
		LLM: LLMConfig{
			Provider:          "template",
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Server: ServerConfig{
			GRPCAddr:       ":50051",
			HTTPAddr:       ":8080",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Telemetry: TelemetryConfig{ServiceName: "leadflow"},
		Roster:    DefaultRoster(),
	}
}

// Validate checks field constraints and the roster.
func (c *CoreConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid core config: %w", err)
	}
	if err := c.Roster.Validate(); err != nil {
		return fmt.Errorf("invalid roster: %w", err)
	}
	return nil
}

// AggregationWindow returns the aggregation window as a duration.
func (c *CoreConfig) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationWindowSeconds * float64(time.Second))
}

// TurnTimeoutDuration returns the per-turn deadline.
func (c *CoreConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(c.TurnTimeout) * time.Second
}

// GenerationTimeoutDuration returns the per-call generation deadline.
func (c *CoreConfig) GenerationTimeoutDuration() time.Duration {
	return time.Duration(c.GenerationTimeout) * time.Second
}

// SessionIdleTTLDuration returns how long an idle session is kept. Zero keeps
// sessions until they are ended.
func (c *CoreConfig) SessionIdleTTLDuration() time.Duration {
	return time.Duration(c.SessionIdleTTL) * time.Second
}

// CleanupIntervalDuration returns the idle-session sweep interval.
func (c *CoreConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// FromMap creates CoreConfig from a flat map of scalar settings.
// Unknown keys are ignored; nested sections keep their defaults.
func CoreConfigFromMap(config map[string]any) *CoreConfig {
	c := DefaultCoreConfig()

	c.QualificationThreshold = typeutil.SafeFloat64Default(config["qualification_threshold"], c.QualificationThreshold)
	c.Slots = typeutil.SafeStringSliceDefault(config["slots"], c.Slots)
	c.AggregationWindowSeconds = typeutil.SafeFloat64Default(config["aggregation_window_seconds"], c.AggregationWindowSeconds)
	c.MaxBatchSize = typeutil.SafeIntDefault(config["max_batch_size"], c.MaxBatchSize)
	c.RoleMemoryWindow = typeutil.SafeIntDefault(config["role_memory_window"], c.RoleMemoryWindow)
	c.ExtractionWindow = typeutil.SafeIntDefault(config["extraction_window"], c.ExtractionWindow)
	c.MaxEscalationAttempts = typeutil.SafeIntDefault(config["max_escalation_attempts"], c.MaxEscalationAttempts)
	c.MaxRoleHops = typeutil.SafeIntDefault(config["max_role_hops"], c.MaxRoleHops)
	c.InboundPerMinute = typeutil.SafeIntDefault(config["inbound_per_minute"], c.InboundPerMinute)
	c.InboundBurst = typeutil.SafeIntDefault(config["inbound_burst"], c.InboundBurst)
	c.TurnTimeout = typeutil.SafeIntDefault(config["turn_timeout"], c.TurnTimeout)
	c.GenerationTimeout = typeutil.SafeIntDefault(config["generation_timeout"], c.GenerationTimeout)
	c.SessionIdleTTL = typeutil.SafeIntDefault(config["session_idle_ttl"], c.SessionIdleTTL)
	c.CleanupInterval = typeutil.SafeIntDefault(config["cleanup_interval"], c.CleanupInterval)
	c.MaxGenerationRetries = typeutil.SafeIntDefault(config["max_generation_retries"], c.MaxGenerationRetries)
	c.MaxPersistenceRetries = typeutil.SafeIntDefault(config["max_persistence_retries"], c.MaxPersistenceRetries)
	c.RetryInitialMs = typeutil.SafeIntDefault(config["retry_initial_ms"], c.RetryInitialMs)
	c.RetryMaxMs = typeutil.SafeIntDefault(config["retry_max_ms"], c.RetryMaxMs)
	c.LogLevel = typeutil.SafeStringDefault(config["log_level"], c.LogLevel)
	c.LogFormat = typeutil.SafeStringDefault(config["log_format"], c.LogFormat)

	return c
}

// ToMap converts the scalar settings to a map.
func (c *CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"qualification_threshold":    c.QualificationThreshold,
		"slots":                      append([]string(nil), c.Slots...),
		"aggregation_window_seconds": c.AggregationWindowSeconds,
		"max_batch_size":             c.MaxBatchSize,
		"role_memory_window":         c.RoleMemoryWindow,
		"extraction_window":          c.ExtractionWindow,
		"max_escalation_attempts":    c.MaxEscalationAttempts,
		"max_role_hops":              c.MaxRoleHops,
		"inbound_per_minute":         c.InboundPerMinute,
		"inbound_burst":              c.InboundBurst,
		"turn_timeout":               c.TurnTimeout,
		"generation_timeout":         c.GenerationTimeout,
		"session_idle_ttl":           c.SessionIdleTTL,
		"cleanup_interval":           c.CleanupInterval,
		"max_generation_retries":     c.MaxGenerationRetries,
		"max_persistence_retries":    c.MaxPersistenceRetries,
		"retry_initial_ms":           c.RetryInitialMs,
		"retry_max_ms":               c.RetryMaxMs,
		"log_level":                  c.LogLevel,
		"log_format":                 c.LogFormat,
	}
}

// =============================================================================
// GLOBAL CONFIG (set by cmd bootstrap)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
