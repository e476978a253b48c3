package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gyeh/claimflow/internal/model"
)

func TestCode(t *testing.T) {
	cases := map[string]string{
		"  lab-cbc ":    "LAB-CBC",
		"lab cbc":       "LAB-CBC",
		"Lab\t CBC/01":  "LAB-CBC01",
		"85025.01":      "85025.01",
		"   ":           "",
		"x_ray (chest)": "X_RAY-CHEST",
	}
	for in, want := range cases {
		if got := Code(in); got != want {
			t.Errorf("Code(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount(" 100.10 ")
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}
	if d.StringFixed(2) != "100.10" {
		t.Errorf("got %s", d.StringFixed(2))
	}
	if _, err := ParseAmount("ten"); err == nil {
		t.Error("expected error for non-numeric amount")
	}
	if _, err := ParseAmount(""); err == nil {
		t.Error("expected error for empty amount")
	}
}

func TestRoundMinor(t *testing.T) {
	d, _ := ParseAmount("172.505")
	if got := RoundMinor(d, MinorUnits("SAR")).StringFixed(2); got != "172.51" {
		t.Errorf("SAR rounding: got %s", got)
	}
	if got := MinorUnits("kwd"); got != 3 {
		t.Errorf("KWD minor units: got %d", got)
	}
}

func TestTimestamp(t *testing.T) {
	loc := time.FixedZone("AST", 3*3600)
	ts := time.Date(2026, 3, 1, 10, 15, 30, 999_000_000, loc)
	if got := Timestamp(ts); got != "2026-03-01T07:15:30Z" {
		t.Errorf("Timestamp: got %s", got)
	}
}

func TestToStagingMapping(t *testing.T) {
	desc := "  Complete   blood count "
	row := &model.MappingRow{
		FacilityID:          "F1",
		FacilityCode:        " lab-cbc",
		CodeSystem:          "lab",
		OfficialCode:        "lab-85025",
		OfficialDescription: &desc,
	}
	allowed := map[string]bool{"LAB": true}

	s, err := ToStagingMapping(row, uuid.New(), 7, 1, allowed)
	if err != nil {
		t.Fatalf("ToStagingMapping: %v", err)
	}
	if s.FacilityCode != "LAB-CBC" || s.OfficialCode != "LAB-85025" || s.CodeSystem != "LAB" {
		t.Errorf("unexpected normalized codes: %+v", s)
	}
	if s.OfficialDescription == nil || *s.OfficialDescription != "Complete blood count" {
		t.Errorf("description not collapsed: %v", s.OfficialDescription)
	}
	if len(s.SourceRowHash) != 32 {
		t.Errorf("expected sha256 row hash, got %d bytes", len(s.SourceRowHash))
	}

	row.CodeSystem = "DENTAL"
	if _, err := ToStagingMapping(row, uuid.New(), 7, 2, allowed); !errors.Is(err, ErrCodeSystemDisabled) {
		t.Errorf("expected ErrCodeSystemDisabled, got %v", err)
	}

	row.CodeSystem = "LAB"
	row.OfficialCode = " / "
	if _, err := ToStagingMapping(row, uuid.New(), 7, 3, allowed); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}
