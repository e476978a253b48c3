package model

import "time"

// ImportSummary captures metrics from a single mapping import run.
type ImportSummary struct {
	FilePath          string
	FileSHA256        string
	ImportID          int64
	ImportBatchID     string
	RowsRead          int64
	RowsStaged        int64
	RowsRejected      int64
	Rejections        map[string]int64 // rejected rows by cause
	FacilitiesUpdated int64
	MappingsMerged    int64
	DurationStage     time.Duration
	DurationMerge     time.Duration
	DurationFinalize  time.Duration
	DurationTotal     time.Duration
}
