package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	fferr "github.com/FlowForge/flowforge-core/pkg/errors"
	"github.com/FlowForge/flowforge-core/pkg/models"
)

// idempotencyColumns is the column list shared by every idempotency
// record query, in scan order.
const idempotencyColumns = `key, operation, status, result, error_message,
	request_hash, created_at, updated_at, expires_at`

// GetIdempotencyRecord loads an idempotency record by key, returning
// (nil, nil) when no record exists. Idempotency records are not tenant
// scoped: the key already fingerprints the full request, scope included.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	sql := `SELECT ` + idempotencyColumns + ` FROM idempotency_records WHERE key = $1`
	ctx, span := s.startSpan(ctx, "GetIdempotencyRecord", sql)
	defer span.End()

	row := s.pool.QueryRow(ctx, sql, key)
	rec, err := scanIdempotencyRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "store: failed to load idempotency record")
	}
	return rec, nil
}

// ClaimIdempotencyKey atomically installs rec: a plain insert when the
// key is free, an overwrite when the existing record is expired or
// failed. It reports false without error when a live pending,
// in-progress, or completed record already holds the key.
//
// The conditional upsert runs as a single statement, so two processes
// racing on the same key resolve at the database rather than in
// application code.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fferr.Wrap(err, fferr.CodeValidation,
			"store: invalid idempotency record")
	}

	sql := `INSERT INTO idempotency_records (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			operation = EXCLUDED.operation,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			request_hash = EXCLUDED.request_hash,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.status = 'failed'
		   OR idempotency_records.expires_at <= EXCLUDED.created_at`
	ctx, span := s.startSpan(ctx, "ClaimIdempotencyKey", sql)

	result, err := marshalResult(rec.Result)
	if err != nil {
		finishSpan(span, err)
		return false, err
	}

	tag, err := s.pool.Exec(ctx, sql,
		rec.Key, rec.Operation, string(rec.Status), result, rec.ErrorMessage,
		rec.RequestHash, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
	)
	finishSpan(span, err)
	if err != nil {
		return false, wrapError(err, "store: failed to claim idempotency key")
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateIdempotencyRecord persists a status change on an existing
// record. Returns [fferr.CodeNotFound] when the key has no record.
func (s *Store) UpdateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	if err := rec.Validate(); err != nil {
		return fferr.Wrap(err, fferr.CodeValidation,
			"store: invalid idempotency record")
	}

	sql := `UPDATE idempotency_records SET
			status = $1, result = $2, error_message = $3, updated_at = $4
		WHERE key = $5`
	ctx, span := s.startSpan(ctx, "UpdateIdempotencyRecord", sql)

	result, err := marshalResult(rec.Result)
	if err != nil {
		finishSpan(span, err)
		return err
	}

	tag, err := s.pool.Exec(ctx, sql,
		string(rec.Status), result, rec.ErrorMessage, rec.UpdatedAt, rec.Key,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to update idempotency record")
	}
	if tag.RowsAffected() == 0 {
		return fferr.NotFoundf("no idempotency record for key %q", rec.Key)
	}
	return nil
}

// DeleteIdempotencyRecord removes the record for key. Deleting an absent
// key is not an error.
func (s *Store) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	sql := `DELETE FROM idempotency_records WHERE key = $1`
	ctx, span := s.startSpan(ctx, "DeleteIdempotencyRecord", sql)

	_, err := s.pool.Exec(ctx, sql, key)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "store: failed to delete idempotency record")
	}
	return nil
}

// DeleteExpiredIdempotencyRecords removes every record expired at now
// and returns the number removed.
func (s *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	sql := `DELETE FROM idempotency_records WHERE expires_at <= $1`
	ctx, span := s.startSpan(ctx, "DeleteExpiredIdempotencyRecords", sql)

	tag, err := s.pool.Exec(ctx, sql, now)
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "store: failed to delete expired idempotency records")
	}
	return tag.RowsAffected(), nil
}

// scanIdempotencyRecord scans one row in [idempotencyColumns] order.
func scanIdempotencyRecord(row pgx.Row) (*models.IdempotencyRecord, error) {
	var (
		rec    models.IdempotencyRecord
		status string
		result []byte
	)
	err := row.Scan(
		&rec.Key, &rec.Operation, &status, &result, &rec.ErrorMessage,
		&rec.RequestHash, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = models.IdempotencyStatus(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return nil, fmt.Errorf("store: failed to decode idempotency result: %w", err)
		}
	}
	normalizeTimes(&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	return &rec, nil
}

// marshalResult encodes the result payload, preserving NULL for absent
// results so completed and uncompleted records stay distinguishable.
func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fferr.Wrap(err, fferr.CodeInternal,
			"store: failed to encode idempotency result")
	}
	return data, nil
}
