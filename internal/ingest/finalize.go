package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// Finalize marks the import active and refreshes planner statistics.
func Finalize(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, importID, rowsMerged int64) (time.Duration, error) {
	start := time.Now()

	if _, err := pool.Exec(ctx, embedsql.FinalizeImport, importID, rowsMerged); err != nil {
		return 0, fmt.Errorf("finalize import: %w", err)
	}
	log.Info().Int64("import_id", importID).Msg("import activated")

	if _, err := pool.Exec(ctx, embedsql.AnalyzeMappings); err != nil {
		return 0, fmt.Errorf("analyze mappings: %w", err)
	}
	log.Info().Msg("ANALYZE complete")

	return time.Since(start), nil
}
