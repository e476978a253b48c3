// Package intake decodes and validates facility-submitted claim documents.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/model"
)

const maxClaimDocument = 4 << 20

var validate = validator.New()

// Decode reads one claim document. Unknown fields are rejected. A missing
// correlation id is assigned, a zero received_at becomes now, and the
// currency is upper-cased.
func Decode(r io.Reader, now time.Time) (*model.Claim, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxClaimDocument+1))
	if err != nil {
		return nil, fmt.Errorf("read claim: %w", err)
	}
	if len(data) > maxClaimDocument {
		return nil, claimerr.InvalidClaim("intake", "claim document too large", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c model.Claim
	if err := dec.Decode(&c); err != nil {
		return nil, claimerr.InvalidClaim("intake", "malformed claim document", err)
	}
	if err := Normalize(&c, now); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeFile is Decode over a file on disk.
func DecodeFile(path string, now time.Time) (*model.Claim, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open claim file: %w", err)
	}
	defer f.Close()
	return Decode(f, now)
}

// Normalize fills defaults on c and validates it.
func Normalize(c *model.Claim, now time.Time) error {
	c.FacilityID = strings.TrimSpace(c.FacilityID)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = now
	}
	c.ReceivedAt = c.ReceivedAt.UTC().Truncate(time.Second)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return claimerr.InvalidClaim("intake", describe(verrs[0]), err)
		}
		return claimerr.InvalidClaim("intake", "invalid claim", err)
	}
	for i, item := range c.Items {
		if item.UnitPrice.IsNegative() {
			return claimerr.InvalidClaim("intake", fmt.Sprintf("items[%d].unit_price must not be negative", i), nil)
		}
		if item.ResolvedCode != nil {
			return claimerr.InvalidClaim("intake", fmt.Sprintf("items[%d].resolved_code is assigned by the pipeline", i), nil)
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}
