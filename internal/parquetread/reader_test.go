package parquetread

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/gyeh/claimflow/internal/model"
)

func strPtr(s string) *string { return &s }

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.parquet")
	rows := []model.MappingRow{
		{FacilityID: "F1", FacilityName: strPtr("King Fahad"), FacilityCode: "LAB-CBC", CodeSystem: "LAB", OfficialCode: "85025"},
		{FacilityID: "F1", FacilityCode: "IMG-XR", CodeSystem: "IMAGING", OfficialCode: "71045", EffectiveFrom: strPtr("2026-01-01")},
	}
	if err := WriteMappings(path, rows); err != nil {
		t.Fatalf("WriteMappings: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := ValidateSchema(r.Schema()); err != nil {
		t.Fatalf("ValidateSchema: %v", err)
	}
	if r.NumRows() != 2 {
		t.Fatalf("NumRows: got %d, want 2", r.NumRows())
	}

	buf := make([]model.MappingRow, 4)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}
	if n != 2 {
		t.Fatalf("read %d rows, want 2", n)
	}
	if buf[0].FacilityName == nil || *buf[0].FacilityName != "King Fahad" {
		t.Errorf("facility_name lost: %+v", buf[0].FacilityName)
	}
	if buf[1].FacilityName != nil {
		t.Errorf("expected nil facility_name, got %q", *buf[1].FacilityName)
	}
	if buf[1].OfficialCode != "71045" {
		t.Errorf("official_code: got %q", buf[1].OfficialCode)
	}
}

func TestValidateSchema_MissingColumns(t *testing.T) {
	type partial struct {
		FacilityID   string `parquet:"facility_id"`
		FacilityCode string `parquet:"facility_code"`
	}
	schema := parquet.SchemaOf(partial{})
	err := ValidateSchema(schema)
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
	for _, col := range []string{"code_system", "official_code"} {
		if !strings.Contains(err.Error(), col) {
			t.Errorf("error %q does not name %s", err, col)
		}
	}
}

func TestOpen_NotParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.parquet")
	if err := os.WriteFile(path, []byte("not parquet"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening non-parquet file")
	}
}
