package cache

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Default connection and mirror settings for Kubernetes deployments.
const (
	// DefaultHost is the Kubernetes Service DNS name for Redis.
	DefaultHost = "redis.databases.svc.cluster.local"

	// DefaultPort is the standard Redis port.
	DefaultPort = 6379

	// DefaultDB is the Redis logical database index.
	DefaultDB = 0

	// DefaultPoolSize is the maximum number of socket connections.
	DefaultPoolSize = 10

	// DefaultMinIdleConns is the minimum number of idle connections kept
	// open to avoid dial latency.
	DefaultMinIdleConns = 2

	// DefaultMaxRetries is the number of command retries before giving up.
	DefaultMaxRetries = 3

	// DefaultDialTimeout is the timeout for establishing new connections.
	DefaultDialTimeout = 5 * time.Second

	// DefaultReadTimeout is the timeout for socket reads.
	DefaultReadTimeout = 3 * time.Second

	// DefaultWriteTimeout is the timeout for socket writes.
	DefaultWriteTimeout = 3 * time.Second

	// DefaultHealthTimeout is the maximum time for a health check ping
	// when the caller's context has no deadline.
	DefaultHealthTimeout = 5 * time.Second

	// DefaultMirrorTTL is how long a mirrored working-state document
	// lives without refresh. The mirror is a read accelerator; PostgreSQL
	// remains the source of truth, so expiry only costs a database read.
	DefaultMirrorTTL = 24 * time.Hour
)

// Secret is a string type that prevents accidental logging of sensitive
// values such as the Redis password. See the store package's Secret for
// the same pattern on database credentials.
type Secret string

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

// Config holds the Redis connection configuration for the working-state
// mirror. When [Config.URI] is set it takes precedence over the
// individual fields.
type Config struct {
	// URI is a Redis connection string (e.g., "redis://host:6379/0").
	URI string `json:"uri,omitempty" yaml:"uri,omitempty" env:"FLOWFORGE_REDIS_URI"`

	// Host is the Redis server hostname or IP address.
	Host string `json:"host,omitempty" yaml:"host,omitempty" env:"FLOWFORGE_REDIS_HOST"`

	// Port is the Redis server port.
	Port int `json:"port,omitempty" yaml:"port,omitempty" env:"FLOWFORGE_REDIS_PORT"`

	// DB is the Redis logical database index.
	DB int `json:"db,omitempty" yaml:"db,omitempty" env:"FLOWFORGE_REDIS_DB"`

	// Password is the Redis password, redacted in logs via [Secret].
	Password Secret `json:"-" yaml:"password,omitempty" env:"FLOWFORGE_REDIS_PASSWORD"`

	// TLSEnabled enables TLS for the connection.
	TLSEnabled bool `json:"tls_enabled,omitempty" yaml:"tls_enabled,omitempty" env:"FLOWFORGE_REDIS_TLS_ENABLED"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `json:"pool_size,omitempty" yaml:"pool_size,omitempty" env:"FLOWFORGE_REDIS_POOL_SIZE"`

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int `json:"min_idle_conns,omitempty" yaml:"min_idle_conns,omitempty" env:"FLOWFORGE_REDIS_MIN_IDLE_CONNS"`

	// MaxRetries is the number of command retries before giving up.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" env:"FLOWFORGE_REDIS_MAX_RETRIES"`

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" env:"FLOWFORGE_REDIS_DIAL_TIMEOUT"`

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty" env:"FLOWFORGE_REDIS_READ_TIMEOUT"`

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty" env:"FLOWFORGE_REDIS_WRITE_TIMEOUT"`

	// MirrorTTL is how long mirrored working-state documents live
	// without refresh. Default: [DefaultMirrorTTL].
	MirrorTTL time.Duration `json:"mirror_ttl,omitempty" yaml:"mirror_ttl,omitempty" env:"FLOWFORGE_REDIS_MIRROR_TTL"`
}

// DefaultConfig returns a Config with defaults suitable for a Kubernetes
// deployment.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		MirrorTTL:    DefaultMirrorTTL,
	}
}

// Validate checks the configuration for invalid values and applies
// defaults for zero-valued fields.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		if _, err := url.Parse(c.URI); err != nil {
			return fmt.Errorf("cache: config URI is invalid: %w", err)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("cache: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("cache: config db must be between 0 and 15, got %d", c.DB)
	}
	if c.PoolSize < c.MinIdleConns {
		return errors.New("cache: config pool_size must be >= min_idle_conns")
	}

	return nil
}

// applyDefaults sets defaults for zero-valued pool and timeout fields.
func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MirrorTTL == 0 {
		c.MirrorTTL = DefaultMirrorTTL
	}
}
