package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// mockCmdable is an in-memory Cmdable for unit tests, with optional
// error injection.
type mockCmdable struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (m *mockCmdable) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	case string:
		m.values[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewStringResult("", m.err)
	}
	val, ok := m.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	var removed int64
	for _, key := range keys {
		if _, ok := m.values[key]; ok {
			delete(m.values, key)
			delete(m.ttls, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Close() error { return nil }

func testScope() models.TenantScope {
	return models.TenantScope{AccountID: "acct-1", EngagementID: "eng-1"}
}

// ===========================================================================
// Mirror Tests
// ===========================================================================

// TestKey verifies tenant scope embedding in mirror keys.
func TestKey(t *testing.T) {
	t.Parallel()

	key := Key(testScope(), "flow-1")
	assert.Equal(t, "flowforge:ws:acct-1:eng-1:flow-1", key)

	other := Key(models.TenantScope{AccountID: "acct-2", EngagementID: "eng-1"}, "flow-1")
	assert.NotEqual(t, key, other)
}

// TestMirrorRoundTrip verifies write, read, and TTL application.
func TestMirrorRoundTrip(t *testing.T) {
	t.Parallel()
	mock := newMockCmdable()
	m := NewFromClient(mock, nil)
	ctx := context.Background()

	workingState := map[string]any{
		"status_before_pause": "in_progress",
		"collected_records":   float64(120),
	}
	require.NoError(t, m.MirrorWorkingState(ctx, testScope(), "flow-1", workingState))
	assert.Equal(t, DefaultMirrorTTL, mock.ttls[Key(testScope(), "flow-1")])

	got, ok, err := m.GetWorkingState(ctx, testScope(), "flow-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "in_progress", got["status_before_pause"])
	assert.Equal(t, float64(120), got["collected_records"])
}

// TestGetWorkingState_Miss verifies the (nil, false, nil) miss contract.
func TestGetWorkingState_Miss(t *testing.T) {
	t.Parallel()
	m := NewFromClient(newMockCmdable(), nil)

	got, ok, err := m.GetWorkingState(context.Background(), testScope(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

// TestGetWorkingState_TenantIsolation verifies that another scope's read
// misses even with the same flow ID.
func TestGetWorkingState_TenantIsolation(t *testing.T) {
	t.Parallel()
	mock := newMockCmdable()
	m := NewFromClient(mock, nil)
	ctx := context.Background()

	require.NoError(t, m.MirrorWorkingState(ctx, testScope(), "flow-1", map[string]any{"a": "b"}))

	other := models.TenantScope{AccountID: "acct-2", EngagementID: "eng-2"}
	_, ok, err := m.GetWorkingState(ctx, other, "flow-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestPurgeFlow verifies removal counts for present and absent entries.
func TestPurgeFlow(t *testing.T) {
	t.Parallel()
	mock := newMockCmdable()
	m := NewFromClient(mock, nil)
	ctx := context.Background()

	require.NoError(t, m.MirrorWorkingState(ctx, testScope(), "flow-1", map[string]any{"a": "b"}))

	removed, err := m.PurgeFlow(ctx, testScope(), "flow-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	removed, err = m.PurgeFlow(ctx, testScope(), "flow-1")
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, ok, err := m.GetWorkingState(ctx, testScope(), "flow-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMirror_ErrorClassification verifies platform error wrapping on
// backend failures.
func TestMirror_ErrorClassification(t *testing.T) {
	t.Parallel()
	mock := newMockCmdable()
	mock.err = context.DeadlineExceeded
	m := NewFromClient(mock, nil)
	ctx := context.Background()

	err := m.MirrorWorkingState(ctx, testScope(), "flow-1", map[string]any{"a": "b"})
	require.Error(t, err)
	assert.True(t, fferr.IsTimeout(err))

	_, _, err = m.GetWorkingState(ctx, testScope(), "flow-1")
	require.Error(t, err)
	assert.True(t, fferr.IsTimeout(err))

	err = m.Health(ctx)
	require.Error(t, err)
	assert.True(t, fferr.IsUnavailable(err))
}
