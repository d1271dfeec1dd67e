package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/storage"
)

var _ scanning.FindingRepository = (*findingStore)(nil)

// findingStore implements scanning.FindingRepository using Postgres. The
// dedup unique constraint absorbs conflicting inserts silently, so a
// redelivered message can never double-record a finding.
type findingStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewFindingStore creates a FindingRepository backed by PostgreSQL.
func NewFindingStore(pool *pgxpool.Pool, tracer trace.Tracer) *findingStore {
	return &findingStore{pool: pool, tracer: tracer}
}

// InsertFindings batch-inserts findings with conflict-ignore semantics.
// Returns the number of rows actually inserted.
func (s *findingStore) InsertFindings(ctx context.Context, findings []scanning.Finding) (int64, error) {
	if len(findings) == 0 {
		return 0, nil
	}

	dbAttrs := append(defaultDBAttributes, attribute.Int("batch_size", len(findings)))

	var inserted int64

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_findings", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, f := range findings {
			batch.Queue(`
				INSERT INTO findings (job_id, collection, object_key, fingerprint, detector_type, masked_value, context_snippet, byte_offset, created_at)
				VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, NOW())
				ON CONFLICT ON CONSTRAINT findings_dedup DO NOTHING`,
				f.JobID.String(),
				f.Collection,
				f.ObjectKey,
				f.Fingerprint,
				f.DetectorType.String(),
				f.MaskedValue,
				f.ContextSnippet,
				f.ByteOffset,
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for range findings {
			tag, err := results.Exec()
			if err != nil {
				return fmt.Errorf("InsertFindings batch exec error: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListFindings pages findings for a job in id order. The id-keyed cursor
// stays stable under concurrent inserts.
func (s *findingStore) ListFindings(
	ctx context.Context,
	jobID uuid.UUID,
	cursor scanning.FindingCursor,
	limit int,
) (scanning.FindingPage, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int64("after_id", cursor.AfterID),
		attribute.Int("limit", limit),
	)

	var page scanning.FindingPage

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_findings", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, job_id::text, collection, object_key, fingerprint, detector_type, masked_value, context_snippet, byte_offset, created_at
			FROM findings
			WHERE job_id = $1::uuid AND id > $2
			ORDER BY id
			LIMIT $3`,
			jobID.String(),
			cursor.AfterID,
			limit,
		)
		if err != nil {
			return fmt.Errorf("ListFindings query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f     scanning.Finding
				idStr string
				dtype string
			)
			if err := rows.Scan(
				&f.ID,
				&idStr,
				&f.Collection,
				&f.ObjectKey,
				&f.Fingerprint,
				&dtype,
				&f.MaskedValue,
				&f.ContextSnippet,
				&f.ByteOffset,
				&f.CreatedAt,
			); err != nil {
				return fmt.Errorf("ListFindings scan error: %w", err)
			}
			f.JobID, err = uuid.Parse(idStr)
			if err != nil {
				return fmt.Errorf("ListFindings parse job id: %w", err)
			}
			f.DetectorType = scanning.DetectorType(dtype)
			page.Findings = append(page.Findings, f)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(page.Findings) == limit {
			page.Next = &scanning.FindingCursor{AfterID: page.Findings[len(page.Findings)-1].ID}
		}
		return nil
	})
	if err != nil {
		return scanning.FindingPage{}, err
	}
	return page, nil
}
