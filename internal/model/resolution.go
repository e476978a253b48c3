package model

// Source tags where a resolution came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
	SourceAI       Source = "ai"
)

// ResolutionResult is the outcome of mapping a facility code to an official code.
type ResolutionResult struct {
	FacilityCode        string  `json:"facility_code"`
	ResolvedCode        string  `json:"resolved_code"`
	OfficialDescription string  `json:"official_description,omitempty"`
	Confidence          float64 `json:"confidence"`
	Source              Source  `json:"source"`
	// Origin is the source that originally produced the mapping. For cache
	// hits it is the source of the cached entry (database or ai).
	Origin      Source `json:"origin"`
	NeedsReview bool   `json:"needs_review,omitempty"`
}

// ResolvedItem pairs a line item with its resolution, as fed to pricing.
type ResolvedItem struct {
	Item       ServiceLineItem  `json:"item"`
	Resolution ResolutionResult `json:"resolution"`
}
