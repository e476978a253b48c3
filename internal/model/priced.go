package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PricedLine is one line item after bundle consumption and tier pricing.
// Amount is unrounded: UnitPrice x UnbundledQuantity x tier.
type PricedLine struct {
	Index             int             `json:"index"`
	Item              ServiceLineItem `json:"item"`
	BundledQuantity   int             `json:"bundled_quantity"`
	UnbundledQuantity int             `json:"unbundled_quantity"`
	Amount            decimal.Decimal `json:"amount"`
}

// BundleUnit records how many units of a line a bundle match consumed.
type BundleUnit struct {
	LineIndex int    `json:"line_index"`
	Code      string `json:"code"`
	Quantity  int    `json:"quantity"`
}

// BundleMatch is one application of a bundle definition to a claim.
type BundleMatch struct {
	BundleID   string          `json:"bundle_id"`
	FixedPrice decimal.Decimal `json:"fixed_price"`
	Units      []BundleUnit    `json:"units"`
}

// PricedClaim is the output of the pricing engine.
type PricedClaim struct {
	CorrelationID  string          `json:"correlation_id"`
	FacilityID     string          `json:"facility_id"`
	Currency       string          `json:"currency"`
	ReceivedAt     time.Time       `json:"received_at"`
	Lines          []PricedLine    `json:"lines"`
	BundleMatches  []BundleMatch   `json:"bundle_matches"`
	TierMultiplier decimal.Decimal `json:"facility_tier_multiplier"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// BundleIDs returns the sorted set of bundle ids applied to the claim.
func (p *PricedClaim) BundleIDs() []string {
	seen := make(map[string]struct{}, len(p.BundleMatches))
	ids := make([]string, 0, len(p.BundleMatches))
	for _, m := range p.BundleMatches {
		if _, ok := seen[m.BundleID]; ok {
			continue
		}
		seen[m.BundleID] = struct{}{}
		ids = append(ids, m.BundleID)
	}
	sort.Strings(ids)
	return ids
}

// Items returns the line items in insertion order.
func (p *PricedClaim) Items() []ServiceLineItem {
	items := make([]ServiceLineItem, len(p.Lines))
	for i, l := range p.Lines {
		items[i] = l.Item
	}
	return items
}
