package model

// MappingRow mirrors the Parquet schema of a facility code mapping export.
// One row maps one facility-local code to one official code.
type MappingRow struct {
	FacilityID          string  `parquet:"facility_id"`
	FacilityName        *string `parquet:"facility_name,optional"`
	FacilityCode        string  `parquet:"facility_code"`
	FacilityDescription *string `parquet:"facility_description,optional"`
	CodeSystem          string  `parquet:"code_system"`
	OfficialCode        string  `parquet:"official_code"`
	OfficialDescription *string `parquet:"official_description,optional"`
	EffectiveFrom       *string `parquet:"effective_from,optional"`
	EffectiveTo         *string `parquet:"effective_to,optional"`
}

// Mapping is an authoritative facility code -> official code entry.
type Mapping struct {
	FacilityID          string
	FacilityCode        string
	CodeSystem          string
	OfficialCode        string
	OfficialDescription string
}
