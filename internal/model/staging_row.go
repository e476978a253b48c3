package model

import (
	"time"

	"github.com/google/uuid"
)

// StagingMapping is the normalized, DB-ready representation of a MappingRow.
type StagingMapping struct {
	ImportBatchID uuid.UUID
	ImportID      int64

	SourceRowNumber int64
	SourceRowHash   []byte

	FacilityID          string
	FacilityName        *string
	FacilityCode        string
	FacilityDescription *string

	CodeSystem          string
	OfficialCode        string
	OfficialDescription *string

	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// StagingColumns returns the ordered column names for COPY into claims.stage_mappings.
func StagingColumns() []string {
	return []string{
		"import_batch_id",
		"import_id",
		"source_row_number",
		"source_row_hash",
		"facility_id",
		"facility_name",
		"facility_code",
		"facility_description",
		"code_system",
		"official_code",
		"official_description",
		"effective_from",
		"effective_to",
	}
}

// CopyValues returns the row values in the same order as StagingColumns(),
// suitable for pgx CopyFromSource.
func (r *StagingMapping) CopyValues() []any {
	return []any{
		r.ImportBatchID,
		r.ImportID,
		r.SourceRowNumber,
		r.SourceRowHash,
		r.FacilityID,
		r.FacilityName,
		r.FacilityCode,
		r.FacilityDescription,
		r.CodeSystem,
		r.OfficialCode,
		r.OfficialDescription,
		r.EffectiveFrom,
		r.EffectiveTo,
	}
}
