package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	// Backend
	APIBaseURL     string
	RequestTimeout time.Duration

	// Session timers
	InactivityWindow time.Duration
	RefreshLead      time.Duration
	RefreshMargin    time.Duration

	// Retry policy
	MaxRetries int
	BaseDelay  time.Duration

	// Credential store
	CredentialFile string
	CredentialKey  string // 64-char hex (32 bytes), optional

	// Audit
	AuditCapacity int
	AuditEndpoint string
	AuditDSN      string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),

		InactivityWindow: getEnvDuration("INACTIVITY_WINDOW", 30*time.Minute),
		RefreshLead:      getEnvDuration("REFRESH_LEAD", 55*time.Minute),
		RefreshMargin:    getEnvDuration("REFRESH_MARGIN", 5*time.Minute),

		MaxRetries: getEnvInt("MAX_RETRIES", 3),
		BaseDelay:  getEnvDuration("BASE_DELAY", time.Second),

		CredentialFile: getEnv("CREDENTIAL_FILE", "credentials.json"),
		CredentialKey:  getEnv("CREDENTIAL_KEY", ""),

		AuditCapacity: getEnvInt("AUDIT_CAPACITY", 1000),
		AuditEndpoint: getEnv("AUDIT_ENDPOINT", ""),
		AuditDSN:      getEnv("AUDIT_DSN", ""),
	}

	if cfg.CredentialKey != "" {
		key, err := hex.DecodeString(cfg.CredentialKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("CREDENTIAL_KEY must be 64-char hex (32 bytes)")
		}
	}

	return cfg, nil
}

// EncryptionKey returns the decoded credential key, or nil when at-rest
// encryption is disabled.
func (c *Config) EncryptionKey() []byte {
	if c.CredentialKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.CredentialKey)
	if err != nil {
		return nil
	}
	return key
}

// HasRemoteAudit returns true if a remote audit sink is configured.
func (c *Config) HasRemoteAudit() bool {
	return c.AuditEndpoint != "" || c.AuditDSN != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
