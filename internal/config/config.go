// Package config provides configuration loading and validation for the ledger server and CLI.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the ledger.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	StorageDriver  string `koanf:"storage_driver"` // postgres, sqlite or memory
	DatabaseURL    string `koanf:"database_url"`
	SQLitePath     string `koanf:"sqlite_path"`
	DBMaxOpenConns int    `koanf:"db_max_open_conns"`

	// Append engine
	AppendTimeoutMS       int    `koanf:"append_timeout_ms"`
	LockTimeoutMS         int    `koanf:"lock_timeout_ms"`
	DefaultComplianceMode string `koanf:"default_compliance_mode"`
	RedactionPolicyFile   string `koanf:"redaction_policy_file"`

	// Redis stream-id cache (optional)
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // Accepted for validation during rotation

	// Archive (S3-compatible object storage, optional)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"` // Empty for AWS S3
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`

	// Verification sweep
	VerifyIntervalMinutes int     `koanf:"verify_interval_minutes"` // 0 disables the periodic sweep
	VerifyRatePerSecond   float64 `koanf:"verify_rate_per_second"`

	// Observability
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	MetricsEnabled    bool    `koanf:"metrics_enabled"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required for the postgres storage driver")
	ErrMissingSQLitePath             = errors.New("SQLITE_PATH is required for the sqlite storage driver")
	ErrInvalidStorageDriver          = errors.New("STORAGE_DRIVER must be one of postgres, sqlite, memory")
	ErrMemoryDriverInProduction      = errors.New("the memory storage driver is not allowed in production")
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrInvalidComplianceMode         = errors.New("DEFAULT_COMPLIANCE_MODE must be STANDARD or STRICT")
	ErrInvalidTimeout                = errors.New("APPEND_TIMEOUT_MS and LOCK_TIMEOUT_MS must not be negative")
	ErrLockTimeoutExceedsAppend      = errors.New("LOCK_TIMEOUT_MS must be less than APPEND_TIMEOUT_MS")
	ErrMissingArchiveBucket          = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrInvalidTracingExporter        = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
	ErrInvalidSampleRate             = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidVerifyRate             = errors.New("VERIFY_RATE_PER_SECOND must be positive")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort                  = 8080
	DefaultEnv                   = "development"
	DefaultStorageDriver         = "postgres"
	DefaultDBMaxOpenConns        = 20
	DefaultAppendTimeoutMS       = 5000
	DefaultLockTimeoutMS         = 2000
	DefaultComplianceMode        = "STANDARD"
	DefaultVerifyIntervalMinutes = 60
	DefaultVerifyRatePerSecond   = 10.0
	DefaultTracingExporter       = "otlp-http"
	DefaultTracingSampleRate     = 0.1
	DefaultMetricsEnabled        = true
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(envKeys []string, key string, def int) int {
		v, err := getEnvIntOrDefaultMulti(envKeys, k.Int(key), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	floatVal := func(envKey, key string, def float64) float64 {
		v, err := getEnvFloatOrDefault(envKey, k.Float64(key), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port:                   intVal([]string{"AUDITLEDGER_PORT", "PORT"}, "port", DefaultPort),
		Env:                    getEnvOrDefaultMulti([]string{"AUDITLEDGER_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		StorageDriver:          strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", k.String("storage_driver"), DefaultStorageDriver)),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		SQLitePath:             getEnvOrKoanf("SQLITE_PATH", k, "sqlite_path"),
		DBMaxOpenConns:         intVal([]string{"DB_MAX_OPEN_CONNS"}, "db_max_open_conns", DefaultDBMaxOpenConns),
		AppendTimeoutMS:        intVal([]string{"APPEND_TIMEOUT_MS"}, "append_timeout_ms", DefaultAppendTimeoutMS),
		LockTimeoutMS:          intVal([]string{"LOCK_TIMEOUT_MS"}, "lock_timeout_ms", DefaultLockTimeoutMS),
		DefaultComplianceMode:  strings.ToUpper(getEnvOrDefault("DEFAULT_COMPLIANCE_MODE", k.String("default_compliance_mode"), DefaultComplianceMode)),
		RedactionPolicyFile:    getEnvOrKoanf("REDACTION_POLICY_FILE", k, "redaction_policy_file"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		VerifyIntervalMinutes:  intVal([]string{"VERIFY_INTERVAL_MINUTES"}, "verify_interval_minutes", DefaultVerifyIntervalMinutes),
		VerifyRatePerSecond:    floatVal("VERIFY_RATE_PER_SECOND", "verify_rate_per_second", DefaultVerifyRatePerSecond),
		TracingEnabled:         getEnvBool("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:        getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate:      floatVal("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		MetricsEnabled:         getEnvBool("METRICS_ENABLED", k, "metrics_enabled", DefaultMetricsEnabled),
	}

	// An explicit 0 in the file disables the sweep; the int helper reads 0 as unset.
	if os.Getenv("VERIFY_INTERVAL_MINUTES") == "" && k.Exists("verify_interval_minutes") && k.Int("verify_interval_minutes") == 0 {
		cfg.VerifyIntervalMinutes = 0
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// AppendTimeout returns the configured whole-append bound.
func (c *Config) AppendTimeout() time.Duration {
	return time.Duration(c.AppendTimeoutMS) * time.Millisecond
}

// LockTimeout returns the configured stream lock wait bound.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// VerifyInterval returns the sweep interval, zero when disabled.
func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalMinutes) * time.Minute
}

// ArchiveEnabled reports whether archive uploads are configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBool reads a boolean flag. Unrecognized env values leave the file/default value.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	v := defaultVal
	if k.Exists(koanfKey) {
		v = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			v = true
		case "false", "0", "no", "off":
			v = false
		}
	}
	return v
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if key == "PORT" || key == "AUDITLEDGER_PORT" {
					return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
				}
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, ErrMissingSQLitePath)
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, ErrMemoryDriverInProduction)
		}
	default:
		errs = append(errs, ErrInvalidStorageDriver)
	}

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.DefaultComplianceMode != "STANDARD" && c.DefaultComplianceMode != "STRICT" {
		errs = append(errs, ErrInvalidComplianceMode)
	}
	if c.AppendTimeoutMS < 0 || c.LockTimeoutMS < 0 {
		errs = append(errs, ErrInvalidTimeout)
	} else if c.AppendTimeoutMS > 0 && c.LockTimeoutMS >= c.AppendTimeoutMS {
		errs = append(errs, ErrLockTimeoutExceedsAppend)
	}
	if c.VerifyRatePerSecond <= 0 {
		errs = append(errs, ErrInvalidVerifyRate)
	}

	// Archive configuration is optional. Only validate fields if any archive value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"storage_driver":            c.StorageDriver,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"sqlite_path":               c.SQLitePath,
		"db_max_open_conns":         fmt.Sprintf("%d", c.DBMaxOpenConns),
		"append_timeout_ms":         fmt.Sprintf("%d", c.AppendTimeoutMS),
		"lock_timeout_ms":           fmt.Sprintf("%d", c.LockTimeoutMS),
		"default_compliance_mode":   c.DefaultComplianceMode,
		"redaction_policy_file":     c.RedactionPolicyFile,
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_previous_secret":       maskSecret(c.JWTPreviousSecret),
		"archive_bucket":            c.ArchiveBucket,
		"archive_endpoint":          c.ArchiveEndpoint,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"verify_interval_minutes":   fmt.Sprintf("%d", c.VerifyIntervalMinutes),
		"verify_rate_per_second":    strconv.FormatFloat(c.VerifyRatePerSecond, 'g', -1, 64),
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":          c.TracingExporter,
		"otlp_endpoint":             c.OTLPEndpoint,
		"tracing_sample_rate":       strconv.FormatFloat(c.TracingSampleRate, 'g', -1, 64),
		"metrics_enabled":           fmt.Sprintf("%t", c.MetricsEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
