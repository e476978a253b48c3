// Package pricing turns resolved line items into a priced claim: bundles are
// detected greedily over unit quantities, facility tier multipliers apply to
// the remaining units, and only the final total is rounded.
package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/metrics"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
)

// TierSource supplies a facility's pricing tier multiplier.
type TierSource interface {
	GetFacilityTier(ctx context.Context, facilityID string) (decimal.Decimal, error)
}

// CurrencySource supplies a facility's billing currency. A TierSource that
// also implements it prices claims without an explicit currency in the
// facility's currency instead of the engine default.
type CurrencySource interface {
	GetFacilityCurrency(ctx context.Context, facilityID string) (string, error)
}

var one = decimal.NewFromInt(1)

type Engine struct {
	catalog  *Catalog
	tiers    TierSource
	currency string
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewEngine creates a pricing engine. defaultCurrency applies to claims that
// do not carry their own.
func NewEngine(catalog *Catalog, tiers TierSource, defaultCurrency string, m *metrics.Metrics, log zerolog.Logger) *Engine {
	if defaultCurrency == "" {
		defaultCurrency = "SAR"
	}
	return &Engine{
		catalog:  catalog,
		tiers:    tiers,
		currency: strings.ToUpper(defaultCurrency),
		metrics:  m,
		log:      log.With().Str("component", "pricing").Logger(),
	}
}

// Price prices resolved items for a facility in the facility's registered
// currency, or the engine default when the facility has none.
func (e *Engine) Price(ctx context.Context, facilityID string, items []model.ServiceLineItem) (*model.PricedClaim, error) {
	return e.price(ctx, facilityID, "", items)
}

// PriceClaim prices resolved items and stamps the claim's identity onto the result.
func (e *Engine) PriceClaim(ctx context.Context, claim model.Claim, items []model.ServiceLineItem) (*model.PricedClaim, error) {
	priced, err := e.price(ctx, claim.FacilityID, claim.Currency, items)
	if err != nil {
		return nil, err
	}
	priced.CorrelationID = claim.CorrelationID
	priced.ReceivedAt = claim.ReceivedAt
	return priced, nil
}

func (e *Engine) price(ctx context.Context, facilityID, currency string, items []model.ServiceLineItem) (*model.PricedClaim, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	tier, err := e.tiers.GetFacilityTier(ctx, facilityID)
	if err != nil {
		return nil, fmt.Errorf("facility tier: %w", err)
	}
	if tier.LessThan(one) {
		return nil, claimerr.InvalidClaim("price", fmt.Sprintf("facility tier %s below 1.0", tier), nil)
	}
	currency, err = e.resolveCurrency(ctx, facilityID, currency)
	if err != nil {
		return nil, err
	}

	remaining := make([]int, len(items))
	byCode := make(map[string][]int)
	for i, it := range items {
		remaining[i] = it.Quantity
		code := normalize.Code(it.Code())
		byCode[code] = append(byCode[code], i)
	}

	var matches []model.BundleMatch
	for _, b := range e.catalog.Bundles() {
		for satisfies(b, byCode, remaining) {
			matches = append(matches, consume(b, byCode, remaining))
			e.metrics.RecordBundleMatch(b.ID)
		}
	}

	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.FixedPrice)
	}

	lines := make([]model.PricedLine, len(items))
	for i, it := range items {
		amount := it.UnitPrice.Mul(decimal.NewFromInt(int64(remaining[i]))).Mul(tier)
		lines[i] = model.PricedLine{
			Index:             i,
			Item:              it,
			BundledQuantity:   it.Quantity - remaining[i],
			UnbundledQuantity: remaining[i],
			Amount:            amount,
		}
		total = total.Add(amount)
	}

	priced := &model.PricedClaim{
		FacilityID:     facilityID,
		Currency:       currency,
		Lines:          lines,
		BundleMatches:  matches,
		TierMultiplier: tier,
		TotalAmount:    normalize.RoundMinor(total, normalize.MinorUnits(currency)),
	}

	e.log.Debug().
		Str("facility_id", facilityID).
		Int("lines", len(lines)).
		Strs("bundles", priced.BundleIDs()).
		Str("tier", tier.String()).
		Str("total", priced.TotalAmount.StringFixed(normalize.MinorUnits(currency))).
		Msg("claim priced")
	return priced, nil
}

// resolveCurrency picks the claim's currency, then the facility's, then the
// engine default.
func (e *Engine) resolveCurrency(ctx context.Context, facilityID, claimCurrency string) (string, error) {
	if c := strings.ToUpper(strings.TrimSpace(claimCurrency)); c != "" {
		return c, nil
	}
	if cs, ok := e.tiers.(CurrencySource); ok {
		c, err := cs.GetFacilityCurrency(ctx, facilityID)
		if err != nil {
			return "", fmt.Errorf("facility currency: %w", err)
		}
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			return c, nil
		}
	}
	return e.currency, nil
}

func validateItems(items []model.ServiceLineItem) error {
	if len(items) == 0 {
		return claimerr.InvalidClaim("price", "claim has no line items", nil)
	}
	for i, it := range items {
		switch {
		case it.Quantity <= 0:
			return claimerr.InvalidClaim("price", fmt.Sprintf("line %d: quantity must be positive", i), nil)
		case it.UnitPrice.IsNegative():
			return claimerr.InvalidClaim("price", fmt.Sprintf("line %d: negative unit price", i), nil)
		case normalize.Code(it.Code()) == "":
			return claimerr.InvalidClaim("price", fmt.Sprintf("line %d: unresolved code", i), nil)
		}
	}
	return nil
}

// satisfies reports whether enough unconsumed units remain for one more
// application of b.
func satisfies(b Bundle, byCode map[string][]int, remaining []int) bool {
	for _, c := range b.Components {
		have := 0
		for _, idx := range byCode[c.Code] {
			have += remaining[idx]
		}
		if have < c.MinQuantity {
			return false
		}
	}
	return true
}

// consume takes MinQuantity units of every component, drawing from lines in
// insertion order.
func consume(b Bundle, byCode map[string][]int, remaining []int) model.BundleMatch {
	m := model.BundleMatch{BundleID: b.ID, FixedPrice: b.FixedPrice}
	for _, c := range b.Components {
		need := c.MinQuantity
		for _, idx := range byCode[c.Code] {
			if need == 0 {
				break
			}
			take := min(need, remaining[idx])
			if take == 0 {
				continue
			}
			remaining[idx] -= take
			need -= take
			m.Units = append(m.Units, model.BundleUnit{LineIndex: idx, Code: c.Code, Quantity: take})
		}
	}
	return m
}
