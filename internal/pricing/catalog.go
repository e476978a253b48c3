package pricing

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gyeh/claimflow/internal/normalize"
)

// Component is one required code of a bundle.
type Component struct {
	Code        string `yaml:"code"`
	MinQuantity int    `yaml:"min_quantity"`
}

// Bundle is a fixed-price package of services. It matches when every
// component is present with at least its minimum quantity.
type Bundle struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	FixedPrice decimal.Decimal `yaml:"-"`
	Components []Component     `yaml:"components"`

	RawPrice string `yaml:"fixed_price"`
}

// Catalog holds the bundle definitions in match order.
type Catalog struct {
	bundles []Bundle
}

type catalogFile struct {
	Bundles []Bundle `yaml:"bundles"`
}

// LoadCatalog reads a bundle catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bundle catalog: %w", err)
	}
	for i := range f.Bundles {
		price, err := normalize.ParseAmount(f.Bundles[i].RawPrice)
		if err != nil {
			return nil, fmt.Errorf("bundle %q: %w", f.Bundles[i].ID, err)
		}
		f.Bundles[i].FixedPrice = price
	}
	return NewCatalog(f.Bundles...)
}

// NewCatalog validates bundles and orders them for matching.
func NewCatalog(bundles ...Bundle) (*Catalog, error) {
	seen := make(map[string]struct{}, len(bundles))
	out := make([]Bundle, 0, len(bundles))
	for _, b := range bundles {
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" {
			return nil, fmt.Errorf("bundle with empty id")
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("duplicate bundle id %q", b.ID)
		}
		seen[b.ID] = struct{}{}

		if b.FixedPrice.IsNegative() {
			return nil, fmt.Errorf("bundle %q: negative fixed price %s", b.ID, b.FixedPrice)
		}
		if len(b.Components) == 0 {
			return nil, fmt.Errorf("bundle %q: no components", b.ID)
		}

		comps := make([]Component, 0, len(b.Components))
		codes := make(map[string]struct{}, len(b.Components))
		for _, c := range b.Components {
			code := normalize.Code(c.Code)
			if code == "" {
				return nil, fmt.Errorf("bundle %q: component with empty code", b.ID)
			}
			if c.MinQuantity <= 0 {
				return nil, fmt.Errorf("bundle %q: component %s: min_quantity must be positive", b.ID, code)
			}
			if _, dup := codes[code]; dup {
				return nil, fmt.Errorf("bundle %q: duplicate component %s", b.ID, code)
			}
			codes[code] = struct{}{}
			comps = append(comps, Component{Code: code, MinQuantity: c.MinQuantity})
		}
		slices.SortFunc(comps, func(a, b Component) int { return cmp.Compare(a.Code, b.Code) })
		b.Components = comps
		out = append(out, b)
	}

	slices.SortStableFunc(out, compareBundles)
	return &Catalog{bundles: out}, nil
}

// compareBundles is the single source of bundle precedence: more distinct
// components first, then the lower fixed price, then the bundle id.
func compareBundles(a, b Bundle) int {
	if c := cmp.Compare(len(b.Components), len(a.Components)); c != 0 {
		return c
	}
	if c := a.FixedPrice.Cmp(b.FixedPrice); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Bundles returns the definitions in match order.
func (c *Catalog) Bundles() []Bundle {
	if c == nil {
		return nil
	}
	return slices.Clone(c.bundles)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.bundles)
}
