// Package archive persists final flow snapshots to MinIO S3-compatible
// object storage before a flow is deleted.
//
// # Purpose
//
// Cascading deletion removes a flow's master record, child record, and
// transition audit entries from PostgreSQL. The archive keeps a
// point-in-time JSON snapshot of everything deleted, so compliance
// review and incident investigation remain possible after the rows are
// gone. Snapshots are written before the deleting transaction starts; a
// snapshot of a flow that survived a failed deletion is harmless.
//
// # Object Layout
//
// Snapshots are stored one object per flow, keyed by tenant scope:
//
//	flows/<account_id>/<engagement_id>/<flow_id>.json
//
// # Configuration
//
// Create an Archiver with [New] and a [Config]:
//
//	cfg := archive.DefaultConfig()
//	cfg.AccessKey = os.Getenv("FLOWFORGE_MINIO_ACCESS_KEY")
//	cfg.SecretKey = archive.Secret(os.Getenv("FLOWFORGE_MINIO_SECRET_KEY"))
//	arch, err := archive.New(ctx, *cfg)
//
// For testing, use [NewFromStore] to inject a mock store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// tracerName is the OpenTelemetry instrumentation scope name for this
// package, following the Go module path convention.
const tracerName = "github.com/FlowForge/flowforge-core/pkg/archive"

// snapshotContentType is the MIME type set on archived snapshot objects.
const snapshotContentType = "application/json"

// ObjectStore defines the object storage surface the archiver uses. It
// is satisfied by [*minio.Client] and by mock implementations, enabling
// dependency injection via [NewFromStore] for testing without a real
// MinIO server. All methods follow the minio-go v7 API signatures
// exactly.
type ObjectStore interface {
	// PutObject uploads an object to a bucket.
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)

	// GetObject retrieves an object from a bucket. The returned
	// *minio.Object implements io.ReadCloser and must be closed by the
	// caller.
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)

	// StatObject retrieves metadata about an object without downloading it.
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)

	// BucketExists checks whether a bucket exists on the server.
	BucketExists(ctx context.Context, bucketName string) (bool, error)

	// MakeBucket creates a new bucket with the given name and options.
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// Compile-time interface compliance check.
var _ ObjectStore = (*minio.Client)(nil)

// Snapshot is the archived final state of a flow: the paired records and
// every transition audit entry that references the flow, captured at the
// moment deletion was requested.
type Snapshot struct {
	// ArchivedAt is when the snapshot was captured, in UTC.
	ArchivedAt time.Time `json:"archived_at"`

	// Reason records why the flow was deleted (e.g. "user_request",
	// "retention_policy").
	Reason string `json:"reason,omitempty"`

	// DeletedBy identifies the principal that requested the deletion.
	DeletedBy string `json:"deleted_by,omitempty"`

	// Master is the master flow record at deletion time.
	Master *models.MasterFlowRecord `json:"master"`

	// Child is the child flow record at deletion time. Nil when the
	// child record was already missing.
	Child *models.ChildFlowRecord `json:"child,omitempty"`

	// AuditEntries are the transition audit entries referencing the
	// flow, oldest first.
	AuditEntries []*models.TransitionAuditEntry `json:"audit_entries,omitempty"`
}

// Archiver writes and reads flow snapshots in object storage. It is
// safe for concurrent use by multiple goroutines.
//
// Create an Archiver with [New] for production use, or [NewFromStore]
// for testing with mock stores.
type Archiver struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer
}

// New creates an Archiver with a new MinIO connection. It validates the
// configuration, verifies connectivity, and creates the archive bucket
// if it does not exist.
//
// Error codes returned:
//   - [fferr.CodeValidation]: invalid configuration
//   - [fferr.CodeUnavailableDependency]: cannot connect to MinIO
//   - [fferr.CodeInternalDatabase]: bucket creation failure
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fferr.Wrap(err, fferr.CodeValidation,
			"archive: invalid configuration")
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeInternalDatabase,
			"archive: failed to create client")
	}

	a := &Archiver{
		store:  minioClient,
		config: &cfg,
		tracer: otel.Tracer(tracerName),
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFromStore creates an Archiver with a pre-existing [ObjectStore].
// This constructor is intended for testing with mock stores. The cfg
// parameter is stored but not validated; pass nil for a default bucket
// in tests.
func NewFromStore(store ObjectStore, cfg *Config) *Archiver {
	if cfg == nil {
		cfg = &Config{Bucket: DefaultBucket}
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	return &Archiver{
		store:  store,
		config: cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// ObjectKey returns the storage key for a flow's snapshot. Keys embed
// the tenant scope so cross-tenant snapshots cannot collide even on
// equal flow IDs.
func ObjectKey(scope models.TenantScope, flowID string) string {
	return fmt.Sprintf("flows/%s/%s/%s.json", scope.AccountID, scope.EngagementID, flowID)
}

// EnsureBucket creates the archive bucket if it does not exist. A
// concurrent creation by another replica is treated as success.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	ctx, span := a.startSpan(ctx, "EnsureBucket", "MAKE "+a.config.Bucket)

	exists, err := a.store.BucketExists(ctx, a.config.Bucket)
	if err != nil {
		finishSpan(span, err)
		return fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"archive: failed to connect to server")
	}
	if exists {
		finishSpan(span, nil)
		return nil
	}

	err = a.store.MakeBucket(ctx, a.config.Bucket, minio.MakeBucketOptions{Region: a.config.Region})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			finishSpan(span, nil)
			return nil
		}
		finishSpan(span, err)
		return fferr.Wrap(err, fferr.CodeInternalDatabase,
			"archive: failed to create bucket")
	}
	finishSpan(span, nil)
	return nil
}

// ArchiveFlow writes a flow snapshot to the archive bucket, returning
// the object key. An existing snapshot for the same flow is overwritten;
// deletion is the final act in a flow's life, so the last snapshot wins.
func (a *Archiver) ArchiveFlow(ctx context.Context, snapshot *Snapshot) (string, error) {
	if snapshot == nil || snapshot.Master == nil {
		return "", fferr.Validation("archive: snapshot must include the master record")
	}
	if snapshot.ArchivedAt.IsZero() {
		snapshot.ArchivedAt = time.Now().UTC()
	}

	key := ObjectKey(snapshot.Master.Scope, snapshot.Master.FlowID)
	ctx, span := a.startSpan(ctx, "ArchiveFlow", "PUT "+a.config.Bucket+"/"+key)

	data, err := json.Marshal(snapshot)
	if err != nil {
		finishSpan(span, err)
		return "", fferr.Wrap(err, fferr.CodeInternal,
			"archive: failed to encode snapshot")
	}

	_, err = a.store.PutObject(ctx, a.config.Bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: snapshotContentType})
	finishSpan(span, err)
	if err != nil {
		return "", wrapError(err, "archive: failed to write snapshot")
	}
	return key, nil
}

// GetSnapshot reads an archived flow snapshot.
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: no snapshot exists for the flow
//   - [fferr.CodeTimeoutDatabase]: context deadline exceeded
//   - [fferr.CodeInternalDatabase]: other storage errors
func (a *Archiver) GetSnapshot(ctx context.Context, scope models.TenantScope, flowID string) (*Snapshot, error) {
	key := ObjectKey(scope, flowID)
	ctx, span := a.startSpan(ctx, "GetSnapshot", "GET "+a.config.Bucket+"/"+key)

	obj, err := a.store.GetObject(ctx, a.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		finishSpan(span, err)
		return nil, wrapError(err, "archive: failed to read snapshot")
	}
	defer obj.Close()

	// minio-go defers the actual request until the first read, so the
	// not-found case surfaces here rather than from GetObject.
	data, err := io.ReadAll(obj)
	finishSpan(span, err)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fferr.FlowNotFound(flowID)
		}
		return nil, wrapError(err, "archive: failed to read snapshot")
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fferr.Wrap(err, fferr.CodeInternal,
			"archive: failed to decode snapshot")
	}
	return &snapshot, nil
}

// HasSnapshot reports whether a snapshot exists for the flow without
// downloading it.
func (a *Archiver) HasSnapshot(ctx context.Context, scope models.TenantScope, flowID string) (bool, error) {
	key := ObjectKey(scope, flowID)
	ctx, span := a.startSpan(ctx, "HasSnapshot", "STAT "+a.config.Bucket+"/"+key)

	_, err := a.store.StatObject(ctx, a.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			finishSpan(span, nil)
			return false, nil
		}
		finishSpan(span, err)
		return false, wrapError(err, "archive: failed to stat snapshot")
	}
	finishSpan(span, nil)
	return true, nil
}

// Health verifies that the MinIO server is reachable by probing the
// archive bucket. It applies [DefaultHealthTimeout] if the provided
// context has no deadline.
func (a *Archiver) Health(ctx context.Context) error {
	ctx, span := a.startSpan(ctx, "Health", "HEAD "+a.config.Bucket)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	_, err := a.store.BucketExists(ctx, a.config.Bucket)
	finishSpan(span, err)
	if err != nil {
		return fferr.Wrap(err, fferr.CodeUnavailableDependency,
			"archive: health check failed")
	}
	return nil
}

// Close is a no-op. The MinIO client uses stateless HTTP connections
// with no pool to release; the method exists for interface consistency
// with the other storage packages.
func (a *Archiver) Close() {
}

// startSpan creates an OpenTelemetry span with standard database
// semantic attributes.
func (a *Archiver) startSpan(ctx context.Context, operationName, statement string) (context.Context, trace.Span) {
	ctx, span := a.tracer.Start(ctx, "archive."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", a.config.Bucket),
		attribute.String("db.statement", truncateStatement(statement)),
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

// wrapError converts a storage error to a platform [*fferr.Error].
// Deadline expiry is retryable; everything else is an internal storage
// error.
func wrapError(err error, message string) *fferr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fferr.Wrap(err, fferr.CodeTimeoutDatabase, message)
	}
	return fferr.Wrap(err, fferr.CodeInternalDatabase, message)
}
