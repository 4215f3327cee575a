// Package store provides PostgreSQL persistence for flow orchestration:
// master and child flow records, idempotency records, and the transition
// audit log.
//
// # Connection Management
//
// The store uses pgxpool for connection pooling. Connection retry for
// transient failures is handled internally by pgxpool; failed
// connections are replaced and the health check period keeps the pool
// healthy. Callers do not need their own retry logic for
// connection-level errors.
//
// # Transactions
//
// Multi-record operations (creating a flow pair, phase transitions,
// cascade deletion) run inside a single transaction via [Store.WithTx],
// so a failure at any step leaves no partial state behind. Methods that
// must participate in a caller's transaction accept a [Querier], which
// is satisfied by both the pool and [pgx.Tx].
//
// # Tenant Scoping
//
// Every flow query filters by account and engagement ID. A record that
// exists under a different tenant scope is reported as not found,
// indistinguishable from a record that does not exist at all.
//
// # Configuration
//
// Create a store with [New] and a [Config]:
//
//	cfg := store.DefaultConfig()
//	cfg.Password = store.Secret(os.Getenv("FLOWFORGE_DB_PASSWORD"))
//	st, err := store.New(ctx, *cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// For testing, use [NewFromPool] to inject a mock pool:
//
//	mock, _ := pgxmock.NewPool()
//	st := store.NewFromPool(mock, nil)
package store

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package, following the Go module path convention.
const tracerName = "github.com/FlowForge/flowforge-core/pkg/store"

// Pool defines the interface for PostgreSQL connection pool operations.
// It is satisfied by [*pgxpool.Pool] and by mock implementations such as
// pgxmock, enabling dependency injection via [NewFromPool] for testing
// without a real database.
//
// All methods follow the pgx v5 API signatures exactly.
type Pool interface {
	// Query executes a SQL query that returns rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// QueryRow executes a SQL query that returns at most one row.
	// Errors are deferred until the returned pgx.Row is scanned.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// Exec executes a SQL statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Begin starts a new database transaction.
	Begin(ctx context.Context) (pgx.Tx, error)

	// Ping verifies the connection to the database is alive.
	Ping(ctx context.Context) error

	// Close releases all pool resources.
	Close()
}

// Compile-time interface compliance check.
var _ Pool = (*pgxpool.Pool)(nil)

// Querier is the query subset of [Pool] shared with [pgx.Tx]. Store
// methods that can run either standalone or inside a caller's
// transaction take a Querier.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface compliance checks.
var (
	_ Querier = (Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Store is the PostgreSQL-backed persistence layer for flow
// orchestration, with OpenTelemetry tracing and structured error
// handling on every operation.
//
// A Store is safe for concurrent use by multiple goroutines. Create one
// per database and share it across the application.
type Store struct {
	pool         Pool
	config       *Config
	tracer       trace.Tracer
	databaseName string
}

// New creates a Store with a new connection pool. It validates the
// configuration, configures TLS if a custom CA certificate is provided,
// and verifies connectivity with a ping. The caller must call
// [Store.Close] when done.
//
// Error codes returned:
//   - [fferr.CodeValidation]: invalid configuration
//   - [fferr.CodeInternalConfiguration]: TLS setup failure
//   - [fferr.CodeUnavailableDependency]: cannot connect to the database
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fferr.Wrap(err, fferr.CodeValidation,
			"store: invalid configuration")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeValidation,
			"store: failed to parse connection string")
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeInternalConfiguration,
			"store: failed to configure TLS")
	}
	if tlsCfg != nil {
		poolCfg.ConnConfig.TLSConfig = tlsCfg
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"store: failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"store: failed to connect to database")
	}

	// Extract the database name for span attributes.
	dbName := cfg.Database
	if cfg.URI != "" {
		if u, parseErr := url.Parse(cfg.URI); parseErr == nil {
			dbName = strings.TrimPrefix(u.Path, "/")
		}
	}

	return &Store{
		pool:         pool,
		config:       &cfg,
		tracer:       otel.Tracer(tracerName),
		databaseName: dbName,
	}, nil
}

// NewFromPool creates a Store with a pre-existing [Pool]. This
// constructor is intended for testing with mock pools (e.g., pgxmock).
// The cfg parameter is stored but not validated; pass nil for a
// zero-value config in tests.
func NewFromPool(pool Pool, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Store{
		pool:         pool,
		config:       cfg,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.Database,
	}
}

// WithTx runs fn inside a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise; the rollback error (if any)
// is ignored in favor of fn's error.
//
// Example:
//
//	err := st.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
//	    if err := st.InsertMasterFlow(ctx, tx, master); err != nil {
//	        return err
//	    }
//	    return st.InsertChildFlow(ctx, tx, child)
//	})
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, span := s.startSpan(ctx, "WithTx", "BEGIN")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		finishSpan(span, err)
		return wrapError(err, "store: begin transaction failed")
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		finishSpan(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		finishSpan(span, err)
		return wrapError(err, "store: commit transaction failed")
	}
	finishSpan(span, nil)
	return nil
}

// Health verifies that the database connection is alive. It applies
// [DefaultHealthTimeout] if the provided context has no deadline.
// Designed for health check endpoints and readiness probes.
func (s *Store) Health(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Health", "SELECT 1")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := s.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"store: health check failed")
	}
	return nil
}

// Close releases all connection pool resources. After Close, the store
// must not be used. Close is safe to call multiple times.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying [Pool] for operations not covered by the
// store's methods. The returned Pool should not be closed directly.
func (s *Store) Pool() Pool {
	return s.pool
}

// db resolves the Querier for an operation: the given q when non-nil
// (the caller's transaction), otherwise the pool.
func (s *Store) db(q Querier) Querier {
	if q != nil {
		return q
	}
	return s.pool
}

// startSpan creates an OpenTelemetry span with standard database
// semantic attributes.
func (s *Store) startSpan(ctx context.Context, operationName, sql string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "store."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", s.databaseName),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	return ctx, span
}

// finishSpan records an error on the span (if any) and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// wrapError converts a database error to a platform [*fferr.Error].
// Timeouts and cancellations map to [fferr.CodeTimeoutDatabase], unique
// constraint violations to [fferr.CodeConflict], and everything else to
// [fferr.CodeInternalDatabase].
func wrapError(err error, message string) *fferr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fferr.Wrap(err, fferr.CodeTimeoutDatabase, message)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fferr.Wrap(err, fferr.CodeConflict, message)
	}
	return fferr.Wrap(err, fferr.CodeInternalDatabase, message)
}
