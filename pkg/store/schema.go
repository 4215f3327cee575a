package store

import (
	"context"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
)

// schema is the flow store DDL. Statements are idempotent so Migrate can
// run on every startup.
//
// Design notes:
//   - master_flows and child_flows share the flow_id primary key; the
//     child carries a foreign key so a child can never outlive its
//     master. Deletion is performed explicitly (child first) so the
//     cascade can report per-category counts.
//   - business_key uniqueness is scoped to tenant and flow type and only
//     enforced among active flows, so a completed flow's key can be
//     reused by a new run.
//   - Status columns carry CHECK constraints mirroring the Go-side
//     status types, catching writes that bypass model validation.
const schema = `
CREATE TABLE IF NOT EXISTS master_flows (
    flow_id            TEXT PRIMARY KEY,
    flow_type          TEXT NOT NULL,
    account_id         TEXT NOT NULL,
    engagement_id      TEXT NOT NULL,
    business_key       TEXT,
    status             TEXT NOT NULL CHECK (status IN
        ('initialized', 'running', 'paused', 'completed', 'failed', 'cancelled')),
    current_phase      TEXT NOT NULL,
    phase_metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
    upstream_flow_id   TEXT,
    downstream_flow_id TEXT,
    transitioned_at    TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_master_flows_scope
    ON master_flows (account_id, engagement_id);

CREATE INDEX IF NOT EXISTS idx_master_flows_scope_type_status
    ON master_flows (account_id, engagement_id, flow_type, status);

CREATE UNIQUE INDEX IF NOT EXISTS uq_master_flows_business_key
    ON master_flows (account_id, engagement_id, flow_type, business_key)
    WHERE business_key IS NOT NULL
      AND status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS child_flows (
    flow_id            TEXT PRIMARY KEY REFERENCES master_flows (flow_id),
    account_id         TEXT NOT NULL,
    engagement_id      TEXT NOT NULL,
    operational_status TEXT NOT NULL CHECK (operational_status IN
        ('pending', 'in_progress', 'paused', 'completed', 'failed')),
    phases             JSONB NOT NULL DEFAULT '[]'::jsonb,
    working_state      JSONB NOT NULL DEFAULT '{}'::jsonb,
    config             JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_child_flows_scope
    ON child_flows (account_id, engagement_id);

CREATE TABLE IF NOT EXISTS idempotency_records (
    key           TEXT PRIMARY KEY,
    operation     TEXT NOT NULL,
    status        TEXT NOT NULL CHECK (status IN
        ('pending', 'in_progress', 'completed', 'failed')),
    result        JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    request_hash  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
    ON idempotency_records (expires_at);

CREATE TABLE IF NOT EXISTS transition_audit (
    id                 TEXT PRIMARY KEY,
    upstream_flow_id   TEXT NOT NULL,
    downstream_flow_id TEXT NOT NULL,
    account_id         TEXT NOT NULL,
    engagement_id      TEXT NOT NULL,
    actor              TEXT NOT NULL,
    warnings           TEXT[] NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transition_audit_upstream
    ON transition_audit (upstream_flow_id);

CREATE INDEX IF NOT EXISTS idx_transition_audit_downstream
    ON transition_audit (downstream_flow_id);
`

// Migrate applies the flow store schema. All statements are idempotent;
// running Migrate against an up-to-date database is a no-op.
func Migrate(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fferr.Wrap(err, fferr.CodeInternalDatabase,
			"store: schema migration failed")
	}
	return nil
}
