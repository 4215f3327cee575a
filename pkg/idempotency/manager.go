package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// TTL bounds for idempotency records. A non-positive requested TTL is
// replaced by the default; requests above the maximum are capped.
const (
	DefaultTTL = time.Hour
	MaxTTL     = 24 * time.Hour
)

// Store is the durable idempotency record persistence the manager
// coordinates with. The store's atomic claim is what provides
// at-most-once semantics across processes; the manager's cache only
// short-circuits repeat lookups within one process.
//
// Lookup methods return (nil, nil) when no record exists for a key.
type Store interface {
	// GetIdempotencyRecord returns the record for key, or (nil, nil) when
	// absent.
	GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)

	// ClaimIdempotencyKey atomically installs rec if the key has no live
	// record, overwriting an expired or failed one. It reports false when
	// a live pending, in-progress, or completed record already holds the
	// key.
	ClaimIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)

	// UpdateIdempotencyRecord persists a status change on an existing
	// record.
	UpdateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error

	// DeleteIdempotencyRecord removes the record for key if present.
	DeleteIdempotencyRecord(ctx context.Context, key string) error

	// DeleteExpiredIdempotencyRecords removes every record expired at now
	// and returns the number removed.
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// Manager coordinates idempotent operation execution: claiming keys,
// recording outcomes, and serving cached results to duplicate callers.
// It is safe for concurrent use.
type Manager struct {
	// mu serializes claim decisions within this process so that two
	// concurrent StartOperation calls for the same key cannot both
	// observe an empty cache. Cross-process races are resolved by the
	// store's atomic claim.
	mu sync.Mutex

	store      Store
	cache      *recordCache
	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore attaches durable record storage. Without a store the manager
// operates on its in-process cache alone, which is only safe for
// single-instance deployments and tests.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithCacheCapacity overrides the in-process cache bound
// ([DefaultCacheCapacity]).
func WithCacheCapacity(capacity int) ManagerOption {
	return func(m *Manager) {
		m.cache = newRecordCache(capacity)
	}
}

// WithDefaultTTL overrides [DefaultTTL] for records created without an
// explicit TTL.
func WithDefaultTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithLogger sets a custom [*slog.Logger]. If not set, [slog.Default]
// is used.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the manager's time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:      newRecordCache(DefaultCacheCapacity),
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckIdempotency returns the live record for key if one exists. When
// no record exists, a pending placeholder with the clamped TTL and the
// given request hash is claimed and (nil, nil) is returned, signalling
// the caller to proceed. If another process claims the key concurrently,
// that process's record is returned instead.
func (m *Manager) CheckIdempotency(ctx context.Context, key, operation, requestHash string, ttl time.Duration) (*models.IdempotencyRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	existing, err := m.lookup(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	placeholder := m.newRecord(key, operation, requestHash, models.IdempotencyStatusPending, ttl, now)
	claimed, err := m.claim(ctx, placeholder)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the race to another process; surface its record.
		return m.lookup(ctx, key, now)
	}
	return nil, nil
}

// StartOperation attempts to begin executing the operation for key.
// It reports true when this caller won the claim and must execute, and
// false when a duplicate is already pending, in progress, or completed.
// A failed record permits one retry: the retry overwrites it with a
// fresh in-progress record and reports true.
func (m *Manager) StartOperation(ctx context.Context, key, operation, requestHash string, ttl time.Duration) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	existing, err := m.lookup(ctx, key, now)
	if err != nil {
		return false, err
	}

	if existing != nil {
		switch existing.Status {
		case models.IdempotencyStatusInProgress, models.IdempotencyStatusCompleted:
			return false, nil
		case models.IdempotencyStatusPending:
			// This caller's own placeholder from CheckIdempotency; promote it.
			existing.Status = models.IdempotencyStatusInProgress
			existing.UpdatedAt = now
			if err := m.update(ctx, existing); err != nil {
				return false, err
			}
			return true, nil
		case models.IdempotencyStatusFailed:
			m.logger.InfoContext(ctx, "retrying failed idempotent operation",
				"key", key, "operation", operation)
		}
	}

	rec := m.newRecord(key, operation, requestHash, models.IdempotencyStatusInProgress, ttl, now)
	claimed, err := m.claim(ctx, rec)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CompleteOperation marks the operation for key completed and caches the
// result payload for duplicate callers until the record expires.
func (m *Manager) CompleteOperation(ctx context.Context, key string, result map[string]any) error {
	return m.finish(ctx, key, func(rec *models.IdempotencyRecord) {
		rec.Status = models.IdempotencyStatusCompleted
		rec.Result = result
		rec.ErrorMessage = ""
	})
}

// FailOperation marks the operation for key failed with the given
// message, permitting one retry.
func (m *Manager) FailOperation(ctx context.Context, key, errorMessage string) error {
	return m.finish(ctx, key, func(rec *models.IdempotencyRecord) {
		rec.Status = models.IdempotencyStatusFailed
		rec.ErrorMessage = errorMessage
		rec.Result = nil
	})
}

// GetCachedResult returns the result payload of a completed, unexpired
// operation, or (nil, nil) when no such payload exists. Expired records
// are evicted on the way.
func (m *Manager) GetCachedResult(ctx context.Context, key string) (map[string]any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(ctx, key, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != models.IdempotencyStatusCompleted {
		return nil, nil
	}
	return rec.Result, nil
}

// CleanupExpired evicts every expired record from the cache and the
// store, returning the number removed from durable storage.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	evicted := m.cache.removeExpired(now)
	if evicted > 0 {
		m.logger.DebugContext(ctx, "evicted expired idempotency records from cache",
			"count", evicted)
	}

	if m.store == nil {
		return int64(evicted), nil
	}
	removed, err := m.store.DeleteExpiredIdempotencyRecords(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternalDatabase,
			"idempotency: failed to delete expired records")
	}
	return removed, nil
}

// lookup resolves the live record for key, preferring the cache and
// falling back to the store. Expired store records are deleted
// best-effort on the way.
func (m *Manager) lookup(ctx context.Context, key string, now time.Time) (*models.IdempotencyRecord, error) {
	if rec := m.cache.get(key, now); rec != nil {
		return rec, nil
	}
	if m.store == nil {
		return nil, nil
	}

	rec, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternalDatabase,
			"idempotency: failed to load record %q", key)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Expired(now) {
		if err := m.store.DeleteIdempotencyRecord(ctx, key); err != nil {
			m.logger.WarnContext(ctx, "failed to delete expired idempotency record",
				"key", key, "error", err)
		}
		return nil, nil
	}

	m.cache.put(rec)
	return rec, nil
}

// claim installs rec in the store and, on success, the cache.
func (m *Manager) claim(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	if m.store != nil {
		claimed, err := m.store.ClaimIdempotencyKey(ctx, rec)
		if err != nil {
			return false, errors.Wrapf(err, errors.CodeInternalDatabase,
				"idempotency: failed to claim key %q", rec.Key)
		}
		if !claimed {
			return false, nil
		}
	}
	m.cache.put(rec)
	return true, nil
}

// update persists a mutated record to the store and cache.
func (m *Manager) update(ctx context.Context, rec *models.IdempotencyRecord) error {
	if m.store != nil {
		if err := m.store.UpdateIdempotencyRecord(ctx, rec); err != nil {
			return errors.Wrapf(err, errors.CodeInternalDatabase,
				"idempotency: failed to update record %q", rec.Key)
		}
	}
	m.cache.put(rec)
	return nil
}

// finish applies a terminal mutation to the record for key.
func (m *Manager) finish(ctx context.Context, key string, mutate func(*models.IdempotencyRecord)) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec, err := m.lookup(ctx, key, now)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.NotFoundf("idempotency: no record for key %q", key)
	}

	mutate(rec)
	rec.UpdatedAt = now
	return m.update(ctx, rec)
}

// newRecord builds a record with the clamped TTL.
func (m *Manager) newRecord(key, operation, requestHash string, status models.IdempotencyStatus, ttl time.Duration, now time.Time) *models.IdempotencyRecord {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &models.IdempotencyRecord{
		Key:         key,
		Operation:   operation,
		Status:      status,
		RequestHash: requestHash,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}
