package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceLineItem is one claimed service as submitted by the facility.
// ResolvedCode stays nil until the resolver has run.
type ServiceLineItem struct {
	FacilityCode string          `json:"facility_code" validate:"required,max=64"`
	Description  string          `json:"description,omitempty" validate:"max=512"`
	Notes        string          `json:"notes,omitempty" validate:"max=2048"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	ResolvedCode *string         `json:"resolved_code,omitempty"`
}

// WithResolvedCode returns a copy of the item carrying the official code.
func (i ServiceLineItem) WithResolvedCode(code string) ServiceLineItem {
	i.ResolvedCode = &code
	return i
}

// Code returns the resolved code, or "" if the item is unresolved.
func (i ServiceLineItem) Code() string {
	if i.ResolvedCode == nil {
		return ""
	}
	return *i.ResolvedCode
}

// Claim is a facility-submitted claim as accepted at intake.
type Claim struct {
	CorrelationID string            `json:"correlation_id,omitempty" validate:"omitempty,uuid"`
	FacilityID    string            `json:"facility_id" validate:"required,max=64"`
	Currency      string            `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	ReceivedAt    time.Time         `json:"received_at"`
	Items         []ServiceLineItem `json:"items" validate:"required,min=1,dive"`
}
