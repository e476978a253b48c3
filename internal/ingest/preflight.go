package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/normalize"
	"github.com/gyeh/claimflow/internal/parquetread"
	embedsql "github.com/gyeh/claimflow/internal/sql"
)

// PreflightResult holds all context resolved during the preflight phase.
type PreflightResult struct {
	// FilePath is the original path passed to Preflight, stored as-is.
	FilePath string
	// FileSHA256 is the hex-encoded SHA-256 digest of the file.
	FileSHA256 string
	FileSize   int64
	// ImportID is the claims.mapping_imports key, inserted or looked up by
	// sha256.
	ImportID int64
	// ImportBatchID tags this run's staged rows for merge and cleanup.
	ImportBatchID uuid.UUID
	// NumRows is the row count from the Parquet metadata.
	NumRows int64
	// AlreadyLoaded is true when the same file was already imported and
	// force mode is off.
	AlreadyLoaded bool
}

// Preflight hashes the file, validates its schema and registers the import.
func Preflight(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, filePath string, force bool) (*PreflightResult, error) {
	start := time.Now()

	sha, err := normalize.FileHash(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight hash: %w", err)
	}

	stat, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight stat: %w", err)
	}

	reader, err := parquetread.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight open: %w", err)
	}
	defer reader.Close()

	if err := parquetread.ValidateSchema(reader.Schema()); err != nil {
		return nil, fmt.Errorf("preflight validate: %w", err)
	}
	numRows := reader.NumRows()

	log.Info().
		Str("file", filepath.Base(filePath)).
		Str("sha256", sha).
		Int64("rows", numRows).
		Dur("duration", time.Since(start)).
		Msg("preflight complete")

	importID, alreadyLoaded, err := registerImport(ctx, pool, filePath, sha, stat.Size(), numRows, force)
	if err != nil {
		return nil, fmt.Errorf("preflight register import: %w", err)
	}

	return &PreflightResult{
		FilePath:      filePath,
		FileSHA256:    sha,
		FileSize:      stat.Size(),
		ImportID:      importID,
		ImportBatchID: uuid.New(),
		NumRows:       numRows,
		AlreadyLoaded: alreadyLoaded,
	}, nil
}

func registerImport(ctx context.Context, pool *pgxpool.Pool, filePath, sha string, size, rows int64, force bool) (int64, bool, error) {
	var importID int64
	err := pool.QueryRow(ctx, embedsql.RegisterImport, filepath.Base(filePath), sha, size, rows).Scan(&importID)
	if err == nil {
		return importID, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("register import: %w", err)
	}

	// ON CONFLICT DO NOTHING returned no row: the file was seen before.
	var status string
	if err := pool.QueryRow(ctx, embedsql.LookupImport, sha).Scan(&importID, &status); err != nil {
		return 0, false, fmt.Errorf("lookup existing import: %w", err)
	}
	if !force && status == "active" {
		return importID, true, nil
	}
	if err := UpdateStatus(ctx, pool, importID, "pending"); err != nil {
		return 0, false, fmt.Errorf("reset import status: %w", err)
	}
	return importID, false, nil
}
