package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Storage       string
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the PAM ledger. When nil, the ledger uses the main DB.
	Auth          AuthConfig
	PAM           PAMConfig
	Redis         *RedisConfig // Optional: scheduler lease across instances
	Kafka         *KafkaConfig // Optional: ledger export
	Stream        StreamConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// PAMConfig holds engine runtime settings. Elevation policy itself lives in
// app_settings and is seeded from PolicyFile.
type PAMConfig struct {
	PolicyFile           string
	StoreTimeout         time.Duration
	SchedulerInterval    time.Duration
	SchedulerBatchSize   int
	ConfigReloadInterval time.Duration
	AuditWorkers         int
	AuditMaxRetries      int
	AuditRetryBackoff    time.Duration
	AuditMaxBackoff      time.Duration
	PageSize             int
	MaxPageSize          int
}

// RedisConfig holds the scheduler lease store settings
type RedisConfig struct {
	URL      string
	LeaseKey string
	LeaseTTL time.Duration
}

// KafkaConfig holds ledger export settings
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// StreamConfig holds live event stream settings
type StreamConfig struct {
	Enabled    bool
	BufferSize int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables.
// envFiles are loaded first when present; missing files are ignored.
func New(ctx context.Context, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Storage:     getEnv("PAM_STORAGE", StoragePostgres),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "atlasconnect"),
			Audience:  getEnv("JWT_AUDIENCE", "atlasconnect-pam"),
		},
		PAM: PAMConfig{
			PolicyFile:           getEnv("PAM_POLICY_FILE", ""),
			StoreTimeout:         getEnvAsDuration("PAM_STORE_TIMEOUT", 5*time.Second),
			SchedulerInterval:    getEnvAsDuration("PAM_SCHEDULER_INTERVAL", 15*time.Second),
			SchedulerBatchSize:   getEnvAsInt("PAM_SCHEDULER_BATCH_SIZE", 500),
			ConfigReloadInterval: getEnvAsDuration("PAM_CONFIG_RELOAD_INTERVAL", 30*time.Second),
			AuditWorkers:         getEnvAsInt("PAM_AUDIT_WORKERS", 4),
			AuditMaxRetries:      getEnvAsInt("PAM_AUDIT_MAX_RETRIES", 8),
			AuditRetryBackoff:    getEnvAsDuration("PAM_AUDIT_RETRY_BACKOFF", 200*time.Millisecond),
			AuditMaxBackoff:      getEnvAsDuration("PAM_AUDIT_MAX_BACKOFF", 30*time.Second),
			PageSize:             getEnvAsInt("PAM_PAGE_SIZE", 50),
			MaxPageSize:          getEnvAsInt("PAM_MAX_PAGE_SIZE", 500),
		},
		Redis: loadRedisConfig(),
		Kafka: loadKafkaConfig(),
		Stream: StreamConfig{
			Enabled:    getEnvAsBool("PAM_STREAM_ENABLED", true),
			BufferSize: getEnvAsInt("PAM_STREAM_BUFFER", 64),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory storage is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage)
	}

	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.PAM.StoreTimeout <= 0 {
		return fmt.Errorf("PAM_STORE_TIMEOUT must be positive")
	}
	if c.PAM.SchedulerInterval <= 0 {
		return fmt.Errorf("PAM_SCHEDULER_INTERVAL must be positive")
	}
	if c.PAM.AuditWorkers <= 0 {
		return fmt.Errorf("PAM_AUDIT_WORKERS must be positive")
	}
	if c.PAM.PageSize <= 0 || c.PAM.MaxPageSize < c.PAM.PageSize {
		return fmt.Errorf("PAM_PAGE_SIZE must be positive and not exceed PAM_MAX_PAGE_SIZE")
	}

	if c.Kafka != nil && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "atlas")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "atlasconnect")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// loadAuditDatabaseConfig returns nil when DATABASE_URL_AUDIT is not set
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadRedisConfig() *RedisConfig {
	redisURL := getEnv("REDIS_URL", "")
	if redisURL == "" {
		return nil
	}
	return &RedisConfig{
		URL:      redisURL,
		LeaseKey: getEnv("PAM_SCHEDULER_LEASE_KEY", "pam:scheduler:lease"),
		LeaseTTL: getEnvAsDuration("PAM_SCHEDULER_LEASE_TTL", 10*time.Second),
	}
}

func loadKafkaConfig() *KafkaConfig {
	brokers := getEnvAsList("KAFKA_BROKERS", nil)
	if len(brokers) == 0 {
		return nil
	}
	return &KafkaConfig{
		Brokers:      brokers,
		Topic:        getEnv("KAFKA_AUDIT_TOPIC", "pam.audit"),
		WriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
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

// getEnvAsList splits a comma-separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
