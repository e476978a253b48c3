package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// MergeResult holds metrics from the facilities upsert and mapping merge.
type MergeResult struct {
	FacilitiesUpserted int64
	MappingsMerged     int64
	Duration           time.Duration
}

// Merge upserts the batch's facilities and then merges its mappings into
// claims.code_mappings in one transaction. For a facility code that appears
// more than once in the file the last row wins.
func Merge(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, importBatchID uuid.UUID) (*MergeResult, error) {
	start := time.Now()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, embedsql.UpsertFacilities, importBatchID)
	if err != nil {
		return nil, fmt.Errorf("upsert facilities: %w", err)
	}
	facilities := tag.RowsAffected()
	log.Info().Int64("facilities_upserted", facilities).Msg("facilities upserted")

	tag, err = tx.Exec(ctx, embedsql.MergeMappings, importBatchID)
	if err != nil {
		return nil, fmt.Errorf("merge mappings: %w", err)
	}
	merged := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}

	dur := time.Since(start)
	log.Info().
		Int64("mappings_merged", merged).
		Str("duration", dur.String()).
		Msg("merge complete")

	return &MergeResult{
		FacilitiesUpserted: facilities,
		MappingsMerged:     merged,
		Duration:           dur,
	}, nil
}
