// Package registry provides the facility registry the pricing engine and the
// signer consult for tier multipliers, billing currencies and key locations.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gyeh/claimflow/internal/claimerr"
)

// Registry is the facility lookup surface the pipeline depends on.
type Registry interface {
	GetFacilityTier(ctx context.Context, facilityID string) (decimal.Decimal, error)
	GetFacilityKeyPath(ctx context.Context, facilityID string) (string, error)
}

// Facility is one registered billing facility.
type Facility struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Tier          string `yaml:"tier"`     // decimal multiplier, e.g. "1.15"
	KeyPath       string `yaml:"key_path"` // relative to the signer's key base dir
	PublicKeyPath string `yaml:"public_key_path"`
	Currency      string `yaml:"currency"`

	tier decimal.Decimal
}

type fileFormat struct {
	Facilities []Facility `yaml:"facilities"`
}

// Static is an in-memory Registry, loaded from YAML or built directly.
type Static struct {
	mu         sync.RWMutex
	facilities map[string]Facility
}

// LoadFile reads a facilities YAML file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facilities file: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse facilities file: %w", err)
	}
	return NewStatic(ff.Facilities...)
}

// NewStatic builds a registry from facilities, validating ids and tiers.
func NewStatic(facilities ...Facility) (*Static, error) {
	s := &Static{facilities: make(map[string]Facility, len(facilities))}
	for _, f := range facilities {
		if err := s.put(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Static) put(f Facility) error {
	f.ID = strings.TrimSpace(f.ID)
	if f.ID == "" {
		return fmt.Errorf("facility with empty id")
	}
	if _, dup := s.facilities[f.ID]; dup {
		return fmt.Errorf("duplicate facility %q", f.ID)
	}
	tier := strings.TrimSpace(f.Tier)
	if tier == "" {
		tier = "1"
	}
	d, err := decimal.NewFromString(tier)
	if err != nil {
		return fmt.Errorf("facility %q: parse tier %q: %w", f.ID, f.Tier, err)
	}
	if d.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("facility %q: tier %s below 1.0", f.ID, d)
	}
	f.tier = d
	s.facilities[f.ID] = f
	return nil
}

// Facility returns the registered facility.
func (s *Static) Facility(_ context.Context, facilityID string) (Facility, error) {
	s.mu.RLock()
	f, ok := s.facilities[facilityID]
	s.mu.RUnlock()
	if !ok {
		return Facility{}, claimerr.FacilityNotFound("registry", facilityID)
	}
	return f, nil
}

func (s *Static) GetFacilityTier(ctx context.Context, facilityID string) (decimal.Decimal, error) {
	f, err := s.Facility(ctx, facilityID)
	if err != nil {
		return decimal.Zero, err
	}
	return f.tier, nil
}

func (s *Static) GetFacilityKeyPath(ctx context.Context, facilityID string) (string, error) {
	f, err := s.Facility(ctx, facilityID)
	if err != nil {
		return "", err
	}
	if f.KeyPath == "" {
		return "", claimerr.FacilityNotFound("registry key path", facilityID)
	}
	return f.KeyPath, nil
}

// GetFacilityCurrency returns the facility's billing currency, or "" if unset.
func (s *Static) GetFacilityCurrency(ctx context.Context, facilityID string) (string, error) {
	f, err := s.Facility(ctx, facilityID)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(f.Currency), nil
}
