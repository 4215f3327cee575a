package archive

import (
	"errors"
	"time"
)

// maxStatementTruncateLen is the maximum length for operation
// descriptions recorded in OpenTelemetry trace spans. Object keys embed
// tenant identifiers, so statements are truncated before they reach
// telemetry systems.
const maxStatementTruncateLen = 100

// Default settings for Kubernetes deployments.
const (
	// DefaultEndpoint is the Kubernetes Service DNS name for the MinIO
	// server.
	DefaultEndpoint = "minio.databases.svc.cluster.local:9000"

	// DefaultRegion is the S3 region for MinIO.
	DefaultRegion = "us-east-1"

	// DefaultBucket is the bucket that holds archived flow snapshots.
	DefaultBucket = "flowforge-archives"

	// DefaultUseSSL disables application-level TLS because the service
	// mesh provides mTLS at the network layer. Set UseSSL for direct
	// internet-facing deployments.
	DefaultUseSSL = false

	// DefaultHealthTimeout is the maximum time for a health check probe
	// when the caller's context has no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// Secret is a string type that prevents accidental logging of the MinIO
// secret key. Its String and GoString methods return a redacted
// placeholder; use [Secret.Value] to retrieve the actual value.
type Secret string

// redacted is the placeholder returned by Secret's string methods.
const redacted = "[REDACTED]"

// String returns "[REDACTED]" to prevent accidental logging.
func (s Secret) String() string {
	return redacted
}

// GoString returns "[REDACTED]" for fmt.Sprintf("%#v", secret) safety.
func (s Secret) GoString() string {
	return redacted
}

// Value returns the actual secret string.
func (s Secret) Value() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler, returning "[REDACTED]".
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Config holds the object storage configuration for the flow archive.
type Config struct {
	// Endpoint is the MinIO server hostname and port.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"FLOWFORGE_MINIO_ENDPOINT"`

	// AccessKey is the MinIO access key for authentication.
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty" env:"FLOWFORGE_MINIO_ACCESS_KEY"`

	// SecretKey is the MinIO secret key, redacted in logs via [Secret].
	SecretKey Secret `json:"-" yaml:"secret_key,omitempty" env:"FLOWFORGE_MINIO_SECRET_KEY"`

	// Region is the S3 region for the MinIO server.
	Region string `json:"region,omitempty" yaml:"region,omitempty" env:"FLOWFORGE_MINIO_REGION"`

	// UseSSL enables TLS for the connection to MinIO.
	UseSSL bool `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty" env:"FLOWFORGE_MINIO_USE_SSL"`

	// Bucket is the bucket that holds archived flow snapshots. The
	// archiver creates it on startup if it does not exist.
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty" env:"FLOWFORGE_MINIO_BUCKET"`
}

// DefaultConfig returns a Config with defaults suitable for a Kubernetes
// deployment. Callers must supply credentials before passing the config
// to [New].
func DefaultConfig() *Config {
	return &Config{
		Endpoint: DefaultEndpoint,
		Region:   DefaultRegion,
		Bucket:   DefaultBucket,
		UseSSL:   DefaultUseSSL,
	}
}

// Validate checks the configuration for invalid values and applies
// defaults for zero-valued fields.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("archive: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("archive: config access_key must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	return nil
}

// truncateStatement truncates an operation description to
// [maxStatementTruncateLen] runes for safe inclusion in trace spans.
// The truncation is rune-aware to avoid splitting multi-byte UTF-8
// characters.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
