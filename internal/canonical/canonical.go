// Package canonical produces the byte-exact representation of a priced claim
// that gets signed. The same priced claim always yields the same bytes,
// regardless of line insertion order for distinct codes, map iteration or
// process.
package canonical

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
)

// Version tags the canonical form. Bump it when the layout below changes.
const Version = "claimflow.canonical/v1"

const decimalPlaces = 4

// Field order in these structs is the canonical key order.
type document struct {
	Version        string        `json:"version"`
	CorrelationID  string        `json:"correlation_id"`
	FacilityID     string        `json:"facility_id"`
	Currency       string        `json:"currency"`
	ReceivedAt     string        `json:"received_at"`
	TierMultiplier string        `json:"facility_tier_multiplier"`
	Items          []item        `json:"items"`
	Bundles        []string      `json:"bundles"`
	BundleMatches  []bundleMatch `json:"bundle_matches"`
	TotalAmount    string        `json:"total_amount"`
}

type item struct {
	ResolvedCode      string `json:"resolved_code"`
	FacilityCode      string `json:"facility_code"`
	Description       string `json:"description"`
	Quantity          int    `json:"quantity"`
	UnitPrice         string `json:"unit_price"`
	BundledQuantity   int    `json:"bundled_quantity"`
	UnbundledQuantity int    `json:"unbundled_quantity"`
	Amount            string `json:"amount"`
}

type bundleMatch struct {
	BundleID   string `json:"bundle_id"`
	FixedPrice string `json:"fixed_price"`
	Units      []unit `json:"units"`
}

type unit struct {
	Item     int    `json:"item"` // position in the canonical items list
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// Canonicalize renders p in canonical form.
func Canonicalize(p *model.PricedClaim) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("canonicalize: nil priced claim")
	}

	order := make([]int, len(p.Lines))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ca := normalize.Code(p.Lines[a].Item.Code())
		cb := normalize.Code(p.Lines[b].Item.Code())
		if c := cmp.Compare(ca, cb); c != 0 {
			return c
		}
		return cmp.Compare(p.Lines[a].Index, p.Lines[b].Index)
	})

	position := make(map[int]int, len(order))
	items := make([]item, len(order))
	for pos, idx := range order {
		l := p.Lines[idx]
		position[l.Index] = pos
		items[pos] = item{
			ResolvedCode:      normalize.Code(l.Item.Code()),
			FacilityCode:      normalize.Code(l.Item.FacilityCode),
			Description:       normalize.Text(l.Item.Description),
			Quantity:          l.Item.Quantity,
			UnitPrice:         fixed(l.Item.UnitPrice),
			BundledQuantity:   l.BundledQuantity,
			UnbundledQuantity: l.UnbundledQuantity,
			Amount:            fixed(l.Amount),
		}
	}

	matches := make([]bundleMatch, len(p.BundleMatches))
	for i, m := range p.BundleMatches {
		units := make([]unit, len(m.Units))
		for j, u := range m.Units {
			units[j] = unit{Item: position[u.LineIndex], Code: normalize.Code(u.Code), Quantity: u.Quantity}
		}
		slices.SortFunc(units, func(a, b unit) int {
			if c := cmp.Compare(a.Code, b.Code); c != 0 {
				return c
			}
			return cmp.Compare(a.Item, b.Item)
		})
		matches[i] = bundleMatch{BundleID: m.BundleID, FixedPrice: fixed(m.FixedPrice), Units: units}
	}
	slices.SortStableFunc(matches, compareMatches)

	doc := document{
		Version:        Version,
		CorrelationID:  p.CorrelationID,
		FacilityID:     p.FacilityID,
		Currency:       p.Currency,
		ReceivedAt:     normalize.Timestamp(p.ReceivedAt),
		TierMultiplier: fixed(p.TierMultiplier),
		Items:          items,
		Bundles:        p.BundleIDs(),
		BundleMatches:  matches,
		TotalAmount:    fixed(p.TotalAmount),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compareMatches(a, b bundleMatch) int {
	if c := cmp.Compare(a.BundleID, b.BundleID); c != 0 {
		return c
	}
	for i := 0; i < len(a.Units) && i < len(b.Units); i++ {
		if c := cmp.Compare(a.Units[i].Item, b.Units[i].Item); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Units[i].Quantity, b.Units[i].Quantity); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.Units), len(b.Units))
}

func fixed(d decimal.Decimal) string {
	return d.StringFixed(decimalPlaces)
}
