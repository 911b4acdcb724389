package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	// Application
	App AppConfig

	// Backend authority API
	Backend BackendConfig

	// Realtime classroom channel
	Realtime RealtimeConfig

	// Safety limits
	Safety SafetyConfig

	// Classroom sync
	Classroom ClassroomConfig

	// Local incident journal
	Incidents IncidentsConfig

	// Authority server (cmd/authority only)
	Authority AuthorityConfig

	// Feature Flags
	Features *FeatureFlags

	// Observability
	Observability ObservabilityConfig
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string
	Environment Environment
	Debug       bool
	Version     string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration
}

// BackendConfig holds backend authority API settings.
type BackendConfig struct {
	// Base URL of the backend authority
	BaseURL string

	// Bearer token attached to every call (parent/device credential)
	AuthToken string

	// Per-request timeout
	RequestTimeout time.Duration

	// Retry settings for the start call
	StartMaxRetries    int
	StartRetryBase     time.Duration
	StartRetryMax      time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatBudget    int // consecutive misses before the connection is judged lost
	HeartbeatWindow    int // size of the recent-heartbeat window

	// Circuit breaker settings
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time before half-open
	CircuitBreakerHalfOpenMax int           // max requests in half-open
}

// RealtimeConfig holds the websocket classroom channel settings.
type RealtimeConfig struct {
	// Base URL of the realtime endpoint (ws:// or wss://)
	URL string

	// Dial and write deadlines
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Reconnect backoff
	ReconnectMaxRetries int
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration

	// Outbound delta queue size per classroom
	SendBuffer int
}

// SafetyConfig holds session safety limits by age bracket. The limits
// are floors and ceilings on what a caller-supplied policy may request.
type SafetyConfig struct {
	// Hard ceiling on any session regardless of policy
	MaxSessionDuration time.Duration

	// Default policy values when the caller supplies none
	DefaultMaxDuration    time.Duration
	DefaultWarningLead    time.Duration

	// Safety tick interval
	TickInterval time.Duration

	// A gap between ticks larger than this is treated as a clock anomaly
	// and the session is torn down
	SuspiciousTickGap time.Duration

	EmergencyStopEnabled bool
}

// ClassroomConfig holds classroom sync settings.
type ClassroomConfig struct {
	// Participants not heard from within this window are marked disconnected
	PresenceTimeout time.Duration

	// Sweep interval for the presence check
	SweepInterval time.Duration

	// Maximum participants the hub will track per classroom
	MaxParticipants int
}

// IncidentsConfig holds the local incident journal settings.
type IncidentsConfig struct {
	// SQLite file path. Empty disables the journal.
	Path string
}

// AuthorityConfig holds settings for the development authority server.
type AuthorityConfig struct {
	// HTTP listen address
	ListenAddr string

	// PostgreSQL connection string
	DatabaseURL string

	// Connection pool settings
	MaxConns        int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration

	// Redis connection for presence and sequence allocation
	RedisURL      string
	RedisDisabled bool
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App = loadAppConfig()
	cfg.Backend = loadBackendConfig()
	cfg.Realtime = loadRealtimeConfig()
	cfg.Safety = loadSafetyConfig()
	cfg.Classroom = loadClassroomConfig()
	cfg.Incidents = loadIncidentsConfig()
	cfg.Authority = loadAuthorityConfig()
	cfg.Features = LoadFeatureFlags()
	cfg.Observability = loadObservabilityConfig()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadAppConfig() AppConfig {
	env := Environment(getEnv("APP_ENV", "development"))

	return AppConfig{
		Name:            getEnv("APP_NAME", "session-core"),
		Environment:     env,
		Debug:           env == EnvDevelopment || getEnvBool("APP_DEBUG", false),
		Version:         getEnv("APP_VERSION", "0.1.0"),
		ShutdownTimeout: getEnvDuration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadBackendConfig() BackendConfig {
	return BackendConfig{
		BaseURL:                   getEnv("BACKEND_BASE_URL", "http://localhost:8080"),
		AuthToken:                 getEnv("BACKEND_AUTH_TOKEN", ""),
		RequestTimeout:            getEnvDuration("BACKEND_REQUEST_TIMEOUT", 10*time.Second),
		StartMaxRetries:           getEnvInt("BACKEND_START_MAX_RETRIES", 3),
		StartRetryBase:            getEnvDuration("BACKEND_START_RETRY_BASE", 500*time.Millisecond),
		StartRetryMax:             getEnvDuration("BACKEND_START_RETRY_MAX", 5*time.Second),
		HeartbeatInterval:         getEnvDuration("BACKEND_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:          getEnvDuration("BACKEND_HEARTBEAT_TIMEOUT", 5*time.Second),
		HeartbeatBudget:           getEnvInt("BACKEND_HEARTBEAT_BUDGET", 3),
		HeartbeatWindow:           getEnvInt("BACKEND_HEARTBEAT_WINDOW", 5),
		CircuitBreakerThreshold:   getEnvInt("BACKEND_CB_THRESHOLD", 3),
		CircuitBreakerTimeout:     getEnvDuration("BACKEND_CB_TIMEOUT", 30*time.Second),
		CircuitBreakerHalfOpenMax: getEnvInt("BACKEND_CB_HALF_OPEN_MAX", 1),
	}
}

func loadRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		URL:                 getEnv("REALTIME_URL", "ws://localhost:8080/v1/classrooms"),
		DialTimeout:         getEnvDuration("REALTIME_DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout:        getEnvDuration("REALTIME_WRITE_TIMEOUT", 10*time.Second),
		ReconnectMaxRetries: getEnvInt("REALTIME_RECONNECT_MAX_RETRIES", 5),
		ReconnectBase:       getEnvDuration("REALTIME_RECONNECT_BASE", 1*time.Second),
		ReconnectMax:        getEnvDuration("REALTIME_RECONNECT_MAX", 30*time.Second),
		SendBuffer:          getEnvInt("REALTIME_SEND_BUFFER", 64),
	}
}

func loadSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MaxSessionDuration:   getEnvDuration("SAFETY_MAX_SESSION_DURATION", 2*time.Hour),
		DefaultMaxDuration:   getEnvDuration("SAFETY_DEFAULT_MAX_DURATION", 30*time.Minute),
		DefaultWarningLead:   getEnvDuration("SAFETY_DEFAULT_WARNING_LEAD", 5*time.Minute),
		TickInterval:         getEnvDuration("SAFETY_TICK_INTERVAL", 1*time.Second),
		SuspiciousTickGap:    getEnvDuration("SAFETY_SUSPICIOUS_TICK_GAP", 30*time.Second),
		EmergencyStopEnabled: getEnvBool("SAFETY_EMERGENCY_STOP_ENABLED", true),
	}
}

func loadClassroomConfig() ClassroomConfig {
	return ClassroomConfig{
		PresenceTimeout: getEnvDuration("CLASSROOM_PRESENCE_TIMEOUT", 45*time.Second),
		SweepInterval:   getEnvDuration("CLASSROOM_SWEEP_INTERVAL", 10*time.Second),
		MaxParticipants: getEnvInt("CLASSROOM_MAX_PARTICIPANTS", 40),
	}
}

func loadIncidentsConfig() IncidentsConfig {
	return IncidentsConfig{
		Path: getEnv("INCIDENTS_DB_PATH", "incidents.db"),
	}
}

func loadAuthorityConfig() AuthorityConfig {
	url := getEnv("DATABASE_URL", "")
	if url == "" {
		host := getEnv("DB_HOST", "")
		port := getEnv("DB_PORT", "5432")
		user := getEnv("DB_USER", "")
		pass := getEnv("DB_PASSWORD", "")
		name := getEnv("DB_NAME", "postgres")
		sslmode := getEnv("DB_SSLMODE", "require")

		if host != "" && user != "" {
			url = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
				user, pass, host, port, name, sslmode)
		}
	}

	return AuthorityConfig{
		ListenAddr:      getEnv("AUTHORITY_LISTEN_ADDR", ":8080"),
		DatabaseURL:     url,
		MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 30*time.Second),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisDisabled:   getEnvBool("REDIS_DISABLED", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Backend.BaseURL == "" {
		errs = append(errs, "BACKEND_BASE_URL is required")
	}

	if c.Safety.DefaultMaxDuration <= 0 {
		errs = append(errs, "SAFETY_DEFAULT_MAX_DURATION must be positive")
	}

	if c.Safety.DefaultWarningLead >= c.Safety.DefaultMaxDuration {
		errs = append(errs, "SAFETY_DEFAULT_WARNING_LEAD must be shorter than SAFETY_DEFAULT_MAX_DURATION")
	}

	if c.Safety.MaxSessionDuration > 0 && c.Safety.DefaultMaxDuration > c.Safety.MaxSessionDuration {
		errs = append(errs, "SAFETY_DEFAULT_MAX_DURATION must not exceed SAFETY_MAX_SESSION_DURATION")
	}

	if c.Backend.HeartbeatBudget <= 0 {
		errs = append(errs, "BACKEND_HEARTBEAT_BUDGET must be positive")
	}

	// Database URL is required for the authority in production
	if c.App.Environment == EnvProduction {
		if c.Authority.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// --- Helper functions for environment variable parsing ---

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
