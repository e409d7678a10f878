package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration. It is built once at startup
// and passed into component constructors; no component reads the environment
// itself.
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Remote      RemoteConfig
	Validation  ValidationConfig
	Upload      UploadConfig
	Sync        SyncConfig
	Collector   CollectorConfig
	Supervisor  SupervisorConfig
}

// DatabaseConfig holds local buffer database settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	EventExchange     string
	EventRoutingKey   string
	AlertRoutingKey   string
	ConfigExchange    string
	ConfigQueue       string
	ConfigRoutingKey  string
	ConfigDLQQueue    string
	PrefetchCount     int
	ConsumeConfigPush bool
}

// RemoteConfig holds the Client System endpoint settings
type RemoteConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxElapsedTime time.Duration
}

// ValidationConfig holds the data-quality pipeline settings
type ValidationConfig struct {
	Enabled            bool
	StrictMode         bool
	RejectMockData     bool
	MaxReadingAge      time.Duration
	FutureTolerance    time.Duration
	MinInterval        time.Duration
	MaxGap             time.Duration
	MinValidRate       float64
	MockAlertThreshold int
}

// UploadConfig holds upload cycle settings
type UploadConfig struct {
	BatchLimit     int
	Interval       time.Duration
	RetentionHours int
	ReportHistory  int
}

// SyncConfig holds configuration reconciliation settings
type SyncConfig struct {
	Interval              time.Duration
	EnableMeterDeletes    bool
	EnableRegisterDeletes bool
}

// CollectorConfig holds device polling settings
type CollectorConfig struct {
	PollInterval         time.Duration
	CommandTimeout       time.Duration
	MaxConsecutiveErrors int
	UseFakeDevice        bool
	DeviceTimeout        time.Duration
}

// SupervisorConfig holds worker restart policy settings
type SupervisorConfig struct {
	InitialDelay            time.Duration
	MaxDelay                time.Duration
	BackoffMultiplier       float64
	MaxRestartAttempts      int
	CircuitBreakerThreshold int
	CircuitResetTimeout     time.Duration
	ResetCounterAfter       time.Duration
	StartTimeout            time.Duration
	StopTimeout             time.Duration
	HeartbeatTimeout        time.Duration
	HealthCheckInterval     time.Duration
	MemoryLimitMB           int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-sync-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 4),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			EventExchange:     getEnv("RABBITMQ_EVENT_EXCHANGE", "meter-sync.worker.events.exchange"),
			EventRoutingKey:   getEnv("RABBITMQ_EVENT_ROUTING_KEY", "meter.sync.cycle"),
			AlertRoutingKey:   getEnv("RABBITMQ_ALERT_ROUTING_KEY", "meter.sync.alert"),
			ConfigExchange:    getEnv("RABBITMQ_CONFIG_EXCHANGE", "meter-sync.config.exchange"),
			ConfigQueue:       getEnv("RABBITMQ_CONFIG_QUEUE", "meter-sync.config.queue"),
			ConfigRoutingKey:  getEnv("RABBITMQ_CONFIG_ROUTING_KEY", "config.changed"),
			ConfigDLQQueue:    getEnv("RABBITMQ_CONFIG_DLQ_QUEUE", "meter-sync.config.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
			ConsumeConfigPush: getEnvAsBool("RABBITMQ_CONSUME_CONFIG_PUSH", true),
		},
		Remote: RemoteConfig{
			BaseURL:        getEnv("REMOTE_BASE_URL", ""),
			APIKey:         getEnv("REMOTE_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("REMOTE_REQUEST_TIMEOUT", 15*time.Second),
			MaxElapsedTime: getEnvAsDuration("REMOTE_MAX_ELAPSED_TIME", 45*time.Second),
		},
		Validation: ValidationConfig{
			Enabled:            getEnvAsBool("VALIDATION_ENABLED", true),
			StrictMode:         getEnvAsBool("VALIDATION_STRICT_MODE", false),
			RejectMockData:     getEnvAsBool("VALIDATION_REJECT_MOCK_DATA", true),
			MaxReadingAge:      getEnvAsDuration("VALIDATION_MAX_READING_AGE", 365*24*time.Hour),
			FutureTolerance:    getEnvAsDuration("VALIDATION_FUTURE_TOLERANCE", 5*time.Minute),
			MinInterval:        getEnvAsDuration("VALIDATION_MIN_INTERVAL", 60*time.Second),
			MaxGap:             getEnvAsDuration("VALIDATION_MAX_GAP", time.Hour),
			MinValidRate:       getEnvAsFloat("VALIDATION_MIN_RATE", 0.9),
			MockAlertThreshold: getEnvAsInt("VALIDATION_MOCK_ALERT_THRESHOLD", 5),
		},
		Upload: UploadConfig{
			BatchLimit:     getEnvAsInt("UPLOAD_BATCH_LIMIT", 100),
			Interval:       getEnvAsDuration("UPLOAD_INTERVAL", 5*time.Minute),
			RetentionHours: getEnvAsInt("UPLOAD_RETENTION_HOURS", 0),
			ReportHistory:  getEnvAsInt("UPLOAD_REPORT_HISTORY", 50),
		},
		Sync: SyncConfig{
			Interval:              getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
			EnableMeterDeletes:    getEnvAsBool("SYNC_ENABLE_METER_DELETES", false),
			EnableRegisterDeletes: getEnvAsBool("SYNC_ENABLE_REGISTER_DELETES", false),
		},
		Collector: CollectorConfig{
			PollInterval:         getEnvAsDuration("COLLECTOR_POLL_INTERVAL", 60*time.Second),
			CommandTimeout:       getEnvAsDuration("COLLECTOR_COMMAND_TIMEOUT", 10*time.Second),
			MaxConsecutiveErrors: getEnvAsInt("COLLECTOR_MAX_CONSECUTIVE_ERRORS", 5),
			UseFakeDevice:        getEnvAsBool("COLLECTOR_USE_FAKE_DEVICE", false),
			DeviceTimeout:        getEnvAsDuration("COLLECTOR_DEVICE_TIMEOUT", 5*time.Second),
		},
		Supervisor: SupervisorConfig{
			InitialDelay:            getEnvAsDuration("SUPERVISOR_INITIAL_DELAY", 5*time.Second),
			MaxDelay:                getEnvAsDuration("SUPERVISOR_MAX_DELAY", 5*time.Minute),
			BackoffMultiplier:       getEnvAsFloat("SUPERVISOR_BACKOFF_MULTIPLIER", 2.0),
			MaxRestartAttempts:      getEnvAsInt("SUPERVISOR_MAX_RESTART_ATTEMPTS", 10),
			CircuitBreakerThreshold: getEnvAsInt("SUPERVISOR_CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitResetTimeout:     getEnvAsDuration("SUPERVISOR_CIRCUIT_RESET_TIMEOUT", 10*time.Minute),
			ResetCounterAfter:       getEnvAsDuration("SUPERVISOR_RESET_COUNTER_AFTER", 30*time.Minute),
			StartTimeout:            getEnvAsDuration("SUPERVISOR_START_TIMEOUT", 30*time.Second),
			StopTimeout:             getEnvAsDuration("SUPERVISOR_STOP_TIMEOUT", 15*time.Second),
			HeartbeatTimeout:        getEnvAsDuration("SUPERVISOR_HEARTBEAT_TIMEOUT", 3*time.Minute),
			HealthCheckInterval:     getEnvAsDuration("SUPERVISOR_HEALTH_CHECK_INTERVAL", 30*time.Second),
			MemoryLimitMB:           getEnvAsInt("SUPERVISOR_MEMORY_LIMIT_MB", 512),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL is required but not set in environment variables")
	}
	if cfg.Supervisor.BackoffMultiplier < 1.0 {
		return nil, fmt.Errorf("SUPERVISOR_BACKOFF_MULTIPLIER must be >= 1.0, got %v", cfg.Supervisor.BackoffMultiplier)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
