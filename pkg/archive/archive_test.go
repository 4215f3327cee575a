package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// ===========================================================================
// Mock ObjectStore
// ===========================================================================

// mockObjectStore is a testify/mock implementation of ObjectStore for
// unit testing Archiver methods without a real MinIO server.
type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *mockObjectStore) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	obj, _ := args.Get(0).(*minio.Object)
	return obj, args.Error(1)
}

func (m *mockObjectStore) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *mockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func testScope() models.TenantScope {
	return models.TenantScope{AccountID: "acct-1", EngagementID: "eng-1"}
}

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	ft := models.FlowType{Name: "discovery", Phases: []string{"collect", "analyze", "report"}}
	master, child, err := models.NewFlowPair(ft, testScope(), nil)
	require.NoError(t, err)
	return &Snapshot{
		ArchivedAt: time.Now().UTC(),
		Reason:     "user_request",
		DeletedBy:  "ops@example.com",
		Master:     master,
		Child:      child,
	}
}

// ===========================================================================
// Archiver Tests
// ===========================================================================

// TestObjectKey verifies tenant scope embedding in snapshot keys.
func TestObjectKey(t *testing.T) {
	t.Parallel()

	key := ObjectKey(testScope(), "flow-1")
	assert.Equal(t, "flows/acct-1/eng-1/flow-1.json", key)

	other := ObjectKey(models.TenantScope{AccountID: "acct-2", EngagementID: "eng-1"}, "flow-1")
	assert.NotEqual(t, key, other)
}

// TestArchiveFlow verifies the snapshot is serialized and written to the
// configured bucket under the flow's key.
func TestArchiveFlow(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	a := NewFromStore(ms, nil)
	snap := testSnapshot(t)
	wantKey := ObjectKey(snap.Master.Scope, snap.Master.FlowID)

	var written []byte
	ms.On("PutObject", mock.Anything, DefaultBucket, wantKey, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			reader := args.Get(3).(io.Reader)
			data, err := io.ReadAll(reader)
			require.NoError(t, err)
			written = data

			opts := args.Get(5).(minio.PutObjectOptions)
			assert.Equal(t, snapshotContentType, opts.ContentType)
		}).
		Return(minio.UploadInfo{}, nil)

	key, err := a.ArchiveFlow(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, wantKey, key)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(written, &decoded))
	assert.Equal(t, snap.Master.FlowID, decoded.Master.FlowID)
	assert.Equal(t, "user_request", decoded.Reason)
	require.NotNil(t, decoded.Child)
	assert.Equal(t, snap.Child.FlowID, decoded.Child.FlowID)
	ms.AssertExpectations(t)
}

// TestArchiveFlow_RequiresMaster verifies validation of incomplete
// snapshots.
func TestArchiveFlow_RequiresMaster(t *testing.T) {
	t.Parallel()
	a := NewFromStore(&mockObjectStore{}, nil)

	_, err := a.ArchiveFlow(context.Background(), nil)
	assert.True(t, fferr.IsValidation(err))

	_, err = a.ArchiveFlow(context.Background(), &Snapshot{})
	assert.True(t, fferr.IsValidation(err))
}

// TestArchiveFlow_StorageError verifies error classification on write
// failure.
func TestArchiveFlow_StorageError(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	ms.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(minio.UploadInfo{}, context.DeadlineExceeded)
	a := NewFromStore(ms, nil)

	_, err := a.ArchiveFlow(context.Background(), testSnapshot(t))
	require.Error(t, err)
	assert.True(t, fferr.IsTimeout(err))
}

// TestEnsureBucket verifies creation only happens when the bucket is
// missing, and that losing a creation race is not an error.
func TestEnsureBucket(t *testing.T) {
	t.Parallel()

	t.Run("already exists", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, DefaultBucket).Return(true, nil)
		a := NewFromStore(ms, nil)

		require.NoError(t, a.EnsureBucket(context.Background()))
		ms.AssertNotCalled(t, "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing is created", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, DefaultBucket).Return(false, nil)
		ms.On("MakeBucket", mock.Anything, DefaultBucket, mock.Anything).Return(nil)
		a := NewFromStore(ms, nil)

		require.NoError(t, a.EnsureBucket(context.Background()))
		ms.AssertExpectations(t)
	})

	t.Run("lost creation race", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, DefaultBucket).Return(false, nil)
		ms.On("MakeBucket", mock.Anything, DefaultBucket, mock.Anything).
			Return(minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou"})
		a := NewFromStore(ms, nil)

		require.NoError(t, a.EnsureBucket(context.Background()))
	})
}

// TestHasSnapshot verifies existence checks including the missing-object
// case.
func TestHasSnapshot(t *testing.T) {
	t.Parallel()
	scope := testScope()
	key := ObjectKey(scope, "flow-1")

	t.Run("present", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("StatObject", mock.Anything, DefaultBucket, key, mock.Anything).
			Return(minio.ObjectInfo{Key: key}, nil)
		a := NewFromStore(ms, nil)

		ok, err := a.HasSnapshot(context.Background(), scope, "flow-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("StatObject", mock.Anything, DefaultBucket, key, mock.Anything).
			Return(minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey"})
		a := NewFromStore(ms, nil)

		ok, err := a.HasSnapshot(context.Background(), scope, "flow-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("storage error", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("StatObject", mock.Anything, DefaultBucket, key, mock.Anything).
			Return(minio.ObjectInfo{}, minio.ErrorResponse{Code: "AccessDenied"})
		a := NewFromStore(ms, nil)

		_, err := a.HasSnapshot(context.Background(), scope, "flow-1")
		require.Error(t, err)
		assert.True(t, fferr.IsInternal(err))
	})
}

// TestHealth_Unreachable verifies error classification on probe failure.
func TestHealth_Unreachable(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	ms.On("BucketExists", mock.Anything, DefaultBucket).
		Return(false, minio.ErrorResponse{Code: "SlowDown"})
	a := NewFromStore(ms, nil)

	err := a.Health(context.Background())
	require.Error(t, err)
	assert.True(t, fferr.IsUnavailable(err))
}

// ===========================================================================
// Config Tests
// ===========================================================================

// TestConfig_Validate verifies rejection rules and default application.
func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AccessKey = "key"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBucket, cfg.Bucket)
	assert.Equal(t, DefaultRegion, cfg.Region)

	empty := &Config{AccessKey: "key"}
	assert.Error(t, empty.Validate())

	noCreds := &Config{Endpoint: "localhost:9000"}
	assert.Error(t, noCreds.Validate())
}

// TestSecret_Redaction verifies the secret never leaks through string
// formatting or text marshaling.
func TestSecret_Redaction(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.Equal(t, "hunter2", s.Value())

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))
}
