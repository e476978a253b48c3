package normalize

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gyeh/claimflow/internal/model"
)

// Rejection causes returned (wrapped) by ToStagingMapping.
var (
	ErrMissingField       = errors.New("missing required field")
	ErrCodeSystemDisabled = errors.New("code system not enabled")
)

// ToStagingMapping converts a Parquet-read MappingRow into a normalized StagingMapping.
// Rows whose code system is not in allowed are rejected.
func ToStagingMapping(row *model.MappingRow, batchID uuid.UUID, importID int64, rowNum int64, allowed map[string]bool) (*model.StagingMapping, error) {
	facilityID := Text(row.FacilityID)
	if facilityID == "" {
		return nil, fmt.Errorf("row %d: facility_id: %w", rowNum, ErrMissingField)
	}
	facilityCode := Code(row.FacilityCode)
	if facilityCode == "" {
		return nil, fmt.Errorf("row %d: facility_code: %w", rowNum, ErrMissingField)
	}
	officialCode := Code(row.OfficialCode)
	if officialCode == "" {
		return nil, fmt.Errorf("row %d: official_code: %w", rowNum, ErrMissingField)
	}
	system := Code(row.CodeSystem)
	if len(allowed) > 0 && !allowed[system] {
		return nil, fmt.Errorf("row %d: %q: %w", rowNum, system, ErrCodeSystemDisabled)
	}

	s := &model.StagingMapping{
		ImportBatchID:   batchID,
		ImportID:        importID,
		SourceRowNumber: rowNum,

		FacilityID:          facilityID,
		FacilityName:        optText(row.FacilityName),
		FacilityCode:        facilityCode,
		FacilityDescription: optText(row.FacilityDescription),

		CodeSystem:          system,
		OfficialCode:        officialCode,
		OfficialDescription: optText(row.OfficialDescription),

		EffectiveFrom: ParseDatePtr(row.EffectiveFrom),
		EffectiveTo:   ParseDatePtr(row.EffectiveTo),
	}

	s.SourceRowHash = RowHashFromValues(rowNum,
		facilityID,
		facilityCode,
		system,
		officialCode,
		derefStr(row.OfficialDescription),
	)

	return s, nil
}

func optText(s *string) *string {
	if s == nil {
		return nil
	}
	v := Text(*s)
	if v == "" {
		return nil
	}
	return &v
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
