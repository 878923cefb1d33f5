// Package config loads runtime configuration from environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrMissingPepper is returned when GANTRY_PEPPER is absent or malformed.
// The vault cannot derive tenant keys without it, so process start must fail.
var ErrMissingPepper = errors.New("config: GANTRY_PEPPER must be 32 bytes, base64-encoded")

// ArtifactMode selects the artifact blob storage backend.
type ArtifactMode string

const (
	ArtifactMemory     ArtifactMode = "memory"
	ArtifactFilesystem ArtifactMode = "filesystem"
	ArtifactExternal   ArtifactMode = "external"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Pepper is the process-wide vault pepper (exactly 32 bytes).
	Pepper []byte

	ArtifactMode     ArtifactMode
	ArtifactDir      string
	ArtifactS3Bucket string
	ArtifactS3Region string
	ArtifactS3Endpoint string
	ArtifactS3Prefix string
	VerboseArtifacts bool

	RedisAddr   string
	VaultDSN    string
	MeteringDSN string

	WebhookSecret  string
	JWTSecret      string
	RedactionRules string

	OTLPEndpoint string
}

// Load reads configuration from the environment. It fails only when a value
// required for safe operation is missing or malformed.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		ArtifactMode:       ArtifactMode(getenv("GANTRY_ARTIFACT_MODE", string(ArtifactMemory))),
		ArtifactDir:        getenv("GANTRY_ARTIFACT_DIR", "data/artifacts"),
		ArtifactS3Bucket:   os.Getenv("GANTRY_ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:   os.Getenv("GANTRY_ARTIFACT_S3_REGION"),
		ArtifactS3Endpoint: os.Getenv("GANTRY_ARTIFACT_S3_ENDPOINT"),
		ArtifactS3Prefix:   os.Getenv("GANTRY_ARTIFACT_S3_PREFIX"),
		RedisAddr:          os.Getenv("GANTRY_REDIS_ADDR"),
		VaultDSN:           os.Getenv("GANTRY_VAULT_DSN"),
		MeteringDSN:        os.Getenv("GANTRY_METERING_DSN"),
		WebhookSecret:      os.Getenv("GANTRY_WEBHOOK_SECRET"),
		JWTSecret:          os.Getenv("GANTRY_JWT_SECRET"),
		RedactionRules:     os.Getenv("GANTRY_REDACTION_RULES"),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
	}

	if v := os.Getenv("GANTRY_VERBOSE_ARTIFACTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: GANTRY_VERBOSE_ARTIFACTS: %w", err)
		}
		cfg.VerboseArtifacts = b
	}

	pepper, err := decodePepper(os.Getenv("GANTRY_PEPPER"))
	if err != nil {
		return nil, err
	}
	cfg.Pepper = pepper

	switch cfg.ArtifactMode {
	case ArtifactMemory, ArtifactFilesystem, ArtifactExternal:
	default:
		return nil, fmt.Errorf("config: unsupported artifact mode %q", cfg.ArtifactMode)
	}
	if cfg.ArtifactMode == ArtifactExternal && cfg.ArtifactS3Bucket == "" {
		return nil, errors.New("config: GANTRY_ARTIFACT_S3_BUCKET is required for external artifact storage")
	}

	return cfg, nil
}

func decodePepper(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrMissingPepper
	}
	pepper, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(pepper) != 32 {
		return nil, ErrMissingPepper
	}
	return pepper, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
