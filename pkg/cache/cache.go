// Package cache provides a Redis-backed read mirror for child flow
// working-state documents.
//
// The mirror is strictly an accelerator: PostgreSQL remains the source
// of truth for all flow state, and every mirror write happens after the
// owning database transaction commits. A mirror miss or a stale entry
// costs one database read; it can never corrupt flow state. For the same
// reason, mirror failures during flow mutation and cleanup are reported
// as warnings rather than errors.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package, following the Go module path convention.
const tracerName = "github.com/FlowForge/flowforge-core/pkg/cache"

// keyPrefix namespaces all mirror keys in a shared Redis instance.
const keyPrefix = "flowforge:ws"

// Cmdable defines the Redis command surface the mirror uses. It is
// satisfied by [*redis.Client] and by mock implementations, enabling
// dependency injection via [NewFromClient] for testing without a real
// Redis instance. The interface is intentionally narrow: the mirror
// needs string get/set, deletion, and ping, nothing more.
type Cmdable interface {
	// Set sets the string value of a key with an optional expiration.
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd

	// Get returns the string value of a key.
	Get(ctx context.Context, key string) *redis.StringCmd

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) *redis.IntCmd

	// Ping pings the Redis server.
	Ping(ctx context.Context) *redis.StatusCmd

	// Close closes the client connection.
	Close() error
}

// Compile-time interface compliance check.
var _ Cmdable = (*redis.Client)(nil)

// Mirror is the working-state read mirror. It is safe for concurrent
// use by multiple goroutines.
//
// Create a Mirror with [New] for production use, or [NewFromClient] for
// testing with mock implementations.
type Mirror struct {
	cmdable Cmdable
	config  *Config
	tracer  trace.Tracer
	dbIndex int
}

// New creates a Mirror with a new Redis connection. It validates the
// configuration and verifies connectivity with a ping. The caller must
// call [Mirror.Close] when done.
//
// Error codes returned:
//   - [fferr.CodeValidation]: invalid configuration
//   - [fferr.CodeUnavailableDependency]: cannot connect to Redis
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fferr.Wrap(err, fferr.CodeValidation,
			"cache: invalid configuration")
	}

	var opts *redis.Options
	if cfg.URI != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, fferr.Wrap(err, fferr.CodeValidation,
				"cache: failed to parse connection URI")
		}
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.MinIdleConns
		opts.MaxRetries = cfg.MaxRetries
	} else {
		opts = &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password.Value(),
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"cache: failed to connect to server")
	}

	dbIndex := cfg.DB
	if cfg.URI != "" {
		dbIndex = opts.DB
	}

	return &Mirror{
		cmdable: rdb,
		config:  &cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: dbIndex,
	}, nil
}

// NewFromClient creates a Mirror with a pre-existing [Cmdable]. This
// constructor is intended for testing with mock implementations. The
// cfg parameter is stored but not validated; pass nil for a zero-value
// config with default TTL in tests.
func NewFromClient(cmdable Cmdable, cfg *Config) *Mirror {
	if cfg == nil {
		cfg = &Config{MirrorTTL: DefaultMirrorTTL}
	}
	if cfg.MirrorTTL == 0 {
		cfg.MirrorTTL = DefaultMirrorTTL
	}
	return &Mirror{
		cmdable: cmdable,
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: cfg.DB,
	}
}

// Key returns the mirror key for a flow's working state. Keys embed the
// tenant scope so cross-tenant reads cannot collide even on equal flow
// IDs.
func Key(scope models.TenantScope, flowID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, scope.AccountID, scope.EngagementID, flowID)
}

// MirrorWorkingState writes a flow's working-state document to the
// mirror with the configured TTL. Call it only after the owning
// database transaction has committed.
func (m *Mirror) MirrorWorkingState(ctx context.Context, scope models.TenantScope, flowID string, workingState map[string]any) error {
	key := Key(scope, flowID)
	ctx, span := m.startSpan(ctx, "MirrorWorkingState", "SET "+key)

	data, err := json.Marshal(workingState)
	if err != nil {
		finishSpan(span, err)
		return fferr.Wrap(err, fferr.CodeInternal,
			"cache: failed to encode working state")
	}

	err = m.cmdable.Set(ctx, key, data, m.config.MirrorTTL).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "cache: failed to mirror working state")
	}
	return nil
}

// GetWorkingState reads a flow's mirrored working-state document.
// Returns (nil, false, nil) on a mirror miss; callers fall back to the
// store.
func (m *Mirror) GetWorkingState(ctx context.Context, scope models.TenantScope, flowID string) (map[string]any, bool, error) {
	key := Key(scope, flowID)
	ctx, span := m.startSpan(ctx, "GetWorkingState", "GET "+key)

	data, err := m.cmdable.Get(ctx, key).Bytes()
	if err != nil {
		finishSpan(span, err)
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, wrapError(err, "cache: failed to read working state")
	}
	finishSpan(span, nil)

	var workingState map[string]any
	if err := json.Unmarshal(data, &workingState); err != nil {
		return nil, false, fferr.Wrap(err, fferr.CodeInternal,
			"cache: failed to decode mirrored working state")
	}
	return workingState, true, nil
}

// PurgeFlow removes a flow's mirror entry, returning the number of keys
// removed (0 or 1). The cleanup coordinator calls this after deleting a
// flow; failures there degrade to warnings because the TTL bounds how
// long an orphaned entry can linger.
func (m *Mirror) PurgeFlow(ctx context.Context, scope models.TenantScope, flowID string) (int64, error) {
	key := Key(scope, flowID)
	ctx, span := m.startSpan(ctx, "PurgeFlow", "DEL "+key)

	removed, err := m.cmdable.Del(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "cache: failed to purge flow mirror entry")
	}
	return removed, nil
}

// Health verifies that the Redis connection is alive. It applies
// [DefaultHealthTimeout] if the provided context has no deadline.
func (m *Mirror) Health(ctx context.Context) error {
	ctx, span := m.startSpan(ctx, "Health", "PING")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := m.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"cache: health check failed")
	}
	return nil
}

// Close releases all connection resources. Close is safe to call
// multiple times.
func (m *Mirror) Close() error {
	return m.cmdable.Close()
}

// startSpan creates an OpenTelemetry span with standard database
// semantic attributes.
func (m *Mirror) startSpan(ctx context.Context, operationName, statement string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "cache."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", m.dbIndex),
		attribute.String("db.statement", statement),
	)
	return ctx, span
}

// finishSpan records an error on the span (if any) and ends it. A miss
// ([redis.Nil]) is recorded as OK, not an error.
func finishSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError converts a Redis error to a platform [*fferr.Error].
// Deadline expiry is retryable; cancellation is not, because the caller
// abandoned the operation.
func wrapError(err error, message string) *fferr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fferr.Wrap(err, fferr.CodeTimeoutDatabase, message)
	}
	return fferr.Wrap(err, fferr.CodeInternalDatabase, message)
}
