// Package ingest loads facility code mapping files into Postgres.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/config"
	"github.com/gyeh/claimflow/internal/model"
)

// PipelineError wraps an error with the phase where it occurred.
type PipelineError struct {
	Phase string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Run executes the mapping import: preflight → stage → merge → finalize →
// cleanup.
func Run(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, cfg *config.Config) (*model.ImportSummary, error) {
	totalStart := time.Now()

	// Phase 1: Preflight
	log.Info().Str("file", cfg.FilePath).Msg("starting preflight")
	pf, err := Preflight(ctx, pool, log, cfg.FilePath, cfg.Force)
	if err != nil {
		return nil, &PipelineError{Phase: "preflight", Err: err}
	}

	if pf.AlreadyLoaded {
		log.Info().
			Int64("import_id", pf.ImportID).
			Str("sha256", pf.FileSHA256).
			Msg("file already imported, skipping (use --force to re-import)")
		return &model.ImportSummary{
			FilePath:      pf.FilePath,
			FileSHA256:    pf.FileSHA256,
			ImportID:      pf.ImportID,
			ImportBatchID: pf.ImportBatchID.String(),
			DurationTotal: time.Since(totalStart),
		}, nil
	}

	// Phase 2: Stage
	log.Info().Msg("starting staging")
	if err := UpdateStatus(ctx, pool, pf.ImportID, "staging"); err != nil {
		return nil, &PipelineError{Phase: "stage", Err: err}
	}

	stageResult, err := Stage(ctx, pool, log, pf, allowedSystems(cfg.CodeSystems))
	if err != nil {
		_ = UpdateStatus(ctx, pool, pf.ImportID, "failed")
		return nil, &PipelineError{Phase: "stage", Err: err}
	}

	if err := UpdateStatus(ctx, pool, pf.ImportID, "staged"); err != nil {
		return nil, &PipelineError{Phase: "stage", Err: err}
	}

	// Phase 3: Merge
	log.Info().Msg("starting merge")
	if err := UpdateStatus(ctx, pool, pf.ImportID, "merging"); err != nil {
		return nil, &PipelineError{Phase: "merge", Err: err}
	}

	mergeResult, err := Merge(ctx, pool, log, pf.ImportBatchID)
	if err != nil {
		_ = UpdateStatus(ctx, pool, pf.ImportID, "failed")
		return nil, &PipelineError{Phase: "merge", Err: err}
	}

	// Phase 4: Finalize
	log.Info().Msg("finalizing")
	finalizeDur, err := Finalize(ctx, pool, log, pf.ImportID, mergeResult.MappingsMerged)
	if err != nil {
		_ = UpdateStatus(ctx, pool, pf.ImportID, "failed")
		return nil, &PipelineError{Phase: "finalize", Err: err}
	}

	// Phase 5: Cleanup staging
	if !cfg.KeepStaging {
		log.Info().Msg("cleaning up staging")
		if err := Cleanup(ctx, pool, log, pf.ImportBatchID); err != nil {
			log.Warn().Err(err).Msg("staging cleanup failed (non-fatal)")
		}
	}

	summary := &model.ImportSummary{
		FilePath:          pf.FilePath,
		FileSHA256:        pf.FileSHA256,
		ImportID:          pf.ImportID,
		ImportBatchID:     pf.ImportBatchID.String(),
		RowsRead:          stageResult.RowsRead,
		RowsStaged:        stageResult.RowsStaged,
		RowsRejected:      stageResult.RowsRejected,
		Rejections:        stageResult.Rejections,
		FacilitiesUpdated: mergeResult.FacilitiesUpserted,
		MappingsMerged:    mergeResult.MappingsMerged,
		DurationStage:     stageResult.Duration,
		DurationMerge:     mergeResult.Duration,
		DurationFinalize:  finalizeDur,
		DurationTotal:     time.Since(totalStart),
	}

	log.Info().
		Int64("rows_read", summary.RowsRead).
		Int64("rows_staged", summary.RowsStaged).
		Int64("mappings_merged", summary.MappingsMerged).
		Int64("rows_rejected", summary.RowsRejected).
		Str("total_duration", summary.DurationTotal.String()).
		Msg("mapping import complete")

	return summary, nil
}

func allowedSystems(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
