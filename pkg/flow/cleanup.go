package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FlowForge/flowforge-core/pkg/archive"
	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
	"github.com/FlowForge/flowforge-core/pkg/store"
)

// DeleteOptions controls a flow deletion request.
type DeleteOptions struct {
	// Force deletes the flow even while it is active. Forced deletion
	// of an active flow is recorded as a warning in the summary.
	Force bool

	// Reason records why the flow is deleted, stored on the archive
	// snapshot.
	Reason string

	// Actor identifies who or what requested the deletion. Defaults to
	// "system".
	Actor string
}

// DeleteSummary reports the outcome of a cascading deletion.
type DeleteSummary struct {
	// FlowID is the deleted flow.
	FlowID string `json:"flow_id"`

	// Counts holds the per-category row counts removed.
	Counts store.CascadeCounts `json:"counts"`

	// Archived reports whether the pre-deletion snapshot was written.
	Archived bool `json:"archived"`

	// ArchiveKey is the object key of the snapshot, when archived.
	ArchiveKey string `json:"archive_key,omitempty"`

	// Warnings lists non-fatal conditions: forced deletion of an active
	// flow, significant completed progress, best-effort mirror purge
	// failure, missing archive configuration.
	Warnings []string `json:"warnings,omitempty"`
}

// Cleaner performs cascading, audited flow deletion. The primary
// deletion is one transaction; auxiliary stores (the working-state
// mirror) are cleaned best-effort afterwards, with failures downgraded
// to warnings because the mirror's TTL bounds how long an orphaned
// entry survives.
type Cleaner struct {
	store    Store
	archiver SnapshotArchiver
	mirror   WorkingStateMirror
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithArchiver attaches the snapshot archiver. Without it, deletions
// proceed with a warning in the summary instead of a snapshot.
func WithArchiver(a SnapshotArchiver) CleanerOption {
	return func(c *Cleaner) {
		c.archiver = a
	}
}

// WithCleanerMirror attaches the working-state mirror for best-effort
// purge.
func WithCleanerMirror(m WorkingStateMirror) CleanerOption {
	return func(c *Cleaner) {
		c.mirror = m
	}
}

// WithCleanerLogger sets a custom [*slog.Logger]. If not set,
// [slog.Default] is used.
func WithCleanerLogger(logger *slog.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithCleanerClock overrides the time source for tests.
func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *Cleaner) {
		c.now = now
	}
}

// NewCleaner creates a Cleaner over the given store.
func NewCleaner(st Store, opts ...CleanerOption) (*Cleaner, error) {
	if st == nil {
		return nil, fferr.Validation("flow: cleaner requires a store")
	}
	c := &Cleaner{
		store:  st,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeleteFlow deletes a flow and everything that depends on it: the
// child record, audit entries referencing the flow, the master record,
// and dangling back-references on linked flows. The snapshot is written
// to the archive before any destructive change; an archive failure
// aborts the deletion, because irrecoverable destruction without an
// audit trail is worse than a delayed deletion.
//
// Error codes returned:
//   - [fferr.CodeNotFoundFlow]: flow absent or outside the tenant scope
//   - [fferr.CodeInvalidStateActive]: flow active and Force not set
func (c *Cleaner) DeleteFlow(ctx context.Context, scope models.TenantScope, flowID string, opts DeleteOptions) (*DeleteSummary, error) {
	ctx, span := c.tracer.Start(ctx, "flow.DeleteFlow",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("flow.account_id", scope.AccountID),
		attribute.String("flow.engagement_id", scope.EngagementID),
		attribute.String("flow.id", flowID),
		attribute.Bool("flow.force", opts.Force),
	)

	summary, err := c.deleteFlow(ctx, scope, flowID, opts)
	finishSpan(span, err)
	return summary, err
}

func (c *Cleaner) deleteFlow(ctx context.Context, scope models.TenantScope, flowID string, opts DeleteOptions) (*DeleteSummary, error) {
	master, err := c.store.GetMasterFlow(ctx, nil, scope, flowID)
	if err != nil {
		return nil, err
	}

	summary := &DeleteSummary{FlowID: flowID}

	if master.Status.IsActive() {
		if !opts.Force {
			return nil, fferr.Newf(fferr.CodeInvalidStateActive,
				"flow: cannot delete %s flow %q without force", master.Status, flowID).
				WithDetail("status", string(master.Status))
		}
		summary.Warnings = append(summary.Warnings, fmt.Sprintf(
			"active flow in status %q deleted with force", master.Status))
	}

	child, err := c.store.GetChildFlow(ctx, nil, scope, flowID)
	if fferr.IsNotFound(err) {
		// A missing child half is an invariant violation worth
		// surfacing, but not a reason to keep the orphaned master.
		summary.Warnings = append(summary.Warnings,
			"child record missing; master deleted without its pair")
		child = nil
	} else if err != nil {
		return nil, err
	}

	if child != nil {
		if n := child.CompletedPhaseCount(); n > 0 {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf(
				"flow has significant progress: %d completed phases", n))
		}
	}

	// Audit snapshot before any destructive change.
	if c.archiver == nil {
		summary.Warnings = append(summary.Warnings,
			"no archive configured; flow deleted without snapshot")
	} else {
		audits, err := c.store.ListTransitionAudits(ctx, scope, flowID)
		if err != nil {
			return nil, err
		}
		key, err := c.archiver.ArchiveFlow(ctx, &archive.Snapshot{
			ArchivedAt:   c.now(),
			Reason:       opts.Reason,
			DeletedBy:    c.actor(opts),
			Master:       master,
			Child:        child,
			AuditEntries: audits,
		})
		if err != nil {
			return nil, fferr.Wrap(err, fferr.CodeUnavailableDependency,
				"flow: pre-deletion snapshot failed; flow not deleted")
		}
		summary.Archived = true
		summary.ArchiveKey = key
	}

	err = c.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		counts, err := c.store.DeleteFlowCascade(ctx, tx, scope, flowID)
		if err != nil {
			return err
		}
		summary.Counts = counts
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Best-effort auxiliary cleanup. The primary deletion already
	// committed; a purge failure is a warning, never an error.
	if c.mirror != nil {
		if _, err := c.mirror.PurgeFlow(ctx, scope, flowID); err != nil {
			c.logger.WarnContext(ctx, "flow: working-state mirror purge failed",
				"flow_id", flowID,
				"error", err)
			summary.Warnings = append(summary.Warnings,
				"working-state mirror purge failed; entry expires by TTL")
		}
	}

	c.logger.InfoContext(ctx, "flow: deleted",
		"flow_id", flowID,
		"rows_removed", summary.Counts.Total(),
		"archived", summary.Archived,
		"warnings", len(summary.Warnings))
	return summary, nil
}

func (c *Cleaner) actor(opts DeleteOptions) string {
	if opts.Actor == "" {
		return "system"
	}
	return opts.Actor
}
