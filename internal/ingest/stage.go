package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
	"github.com/gyeh/claimflow/internal/parquetread"
	embedsql "github.com/gyeh/claimflow/internal/sql"
)

const (
	readBatchSize = 1024
	// Rejected rows past this count are only tallied, not logged one by one.
	maxLoggedRejects = 20
)

// StageResult holds metrics from the staging phase.
type StageResult struct {
	RowsRead     int64
	RowsStaged   int64
	RowsRejected int64
	// Rejections counts rejected rows by cause.
	Rejections map[string]int64
	Duration   time.Duration
}

// rowSource reads mapping rows and feeds normalized staging rows to COPY.
type rowSource struct {
	reader  *parquetread.Reader
	pf      *PreflightResult
	allowed map[string]bool
	log     zerolog.Logger

	read       int64
	rejected   int64
	rejections map[string]int64
}

func (s *rowSource) reject(rowNum int64, err error) {
	s.rejected++
	cause := "invalid_row"
	switch {
	case errors.Is(err, normalize.ErrMissingField):
		cause = "missing_field"
	case errors.Is(err, normalize.ErrCodeSystemDisabled):
		cause = "code_system_disabled"
	}
	s.rejections[cause]++
	if s.rejected <= maxLoggedRejects {
		s.log.Warn().Err(err).Int64("row", rowNum).Str("cause", cause).Msg("row rejected")
	}
}

// produce pushes staging rows onto out until the file is exhausted. It
// closes out when done.
func (s *rowSource) produce(ctx context.Context, out chan<- *model.StagingMapping) error {
	defer close(out)
	buf := make([]model.MappingRow, readBatchSize)
	var rowNum int64

	for {
		n, readErr := s.reader.Read(buf)
		for i := range n {
			rowNum++
			s.read++

			staged, err := normalize.ToStagingMapping(&buf[i], s.pf.ImportBatchID, s.pf.ImportID, rowNum, s.allowed)
			if err != nil {
				s.reject(rowNum, err)
				continue
			}
			select {
			case out <- staged:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case readErr == io.EOF:
			return nil
		case readErr != nil:
			return fmt.Errorf("read parquet at row %d: %w", rowNum, readErr)
		}
	}
}

// Stage streams rows from the Parquet file, normalizes them, and COPY-loads
// them into claims.stage_mappings. Rows whose code system is not in allowed
// are rejected; an empty allowed set accepts every system.
func Stage(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, pf *PreflightResult, allowed map[string]bool) (*StageResult, error) {
	start := time.Now()

	reader, err := parquetread.Open(pf.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stage open: %w", err)
	}
	defer reader.Close()

	src := &rowSource{
		reader:     reader,
		pf:         pf,
		allowed:    allowed,
		log:        log,
		rejections: make(map[string]int64),
	}
	ch := make(chan *model.StagingMapping, readBatchSize)
	errCh := make(chan error, 1)
	go func() { errCh <- src.produce(ctx, ch) }()

	rowsStaged, copyErr := pool.CopyFrom(ctx,
		pgx.Identifier{"claims", "stage_mappings"},
		model.StagingColumns(),
		db.NewChannelSource(ch),
	)
	if copyErr != nil {
		// COPY stopped reading; drain so the producer can finish.
		for range ch {
		}
	}

	if prodErr := <-errCh; prodErr != nil {
		return nil, fmt.Errorf("stage producer: %w", prodErr)
	}
	if copyErr != nil {
		return nil, fmt.Errorf("stage copy: %w", copyErr)
	}

	dur := time.Since(start)
	ev := log.Info().
		Int64("rows_read", src.read).
		Int64("rows_staged", rowsStaged).
		Int64("rows_rejected", src.rejected).
		Str("duration", dur.String()).
		Float64("rows_per_sec", float64(rowsStaged)/dur.Seconds())
	for cause, n := range src.rejections {
		ev = ev.Int64("rejected_"+cause, n)
	}
	ev.Msg("staging complete")

	return &StageResult{
		RowsRead:     src.read,
		RowsStaged:   rowsStaged,
		RowsRejected: src.rejected,
		Rejections:   src.rejections,
		Duration:     dur,
	}, nil
}

// UpdateStatus sets the mapping import status.
func UpdateStatus(ctx context.Context, pool *pgxpool.Pool, importID int64, status string) error {
	_, err := pool.Exec(ctx, embedsql.UpdateImportStatus, importID, status)
	return err
}
