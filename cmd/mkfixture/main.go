// mkfixture writes a self-contained demo workspace for claimctl: a mapping
// Parquet file, a facility signing key pair, the facilities and bundles
// YAML, a config file and sample claims.
// Usage: go run ./cmd/mkfixture --out testdata/demo --upstream http://localhost:8089/claims
// With --check it prints the code system distribution of an existing
// mapping file instead.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/parquetread"
	"github.com/gyeh/claimflow/internal/pricing"
	"github.com/gyeh/claimflow/internal/registry"
)

const facilityID = "10000000000001"

func main() {
	out := flag.String("out", "testdata/demo", "output directory")
	upstream := flag.String("upstream", "http://localhost:8089/claims", "upstream claim endpoint for the generated config")
	check := flag.String("check", "", "only print stats for this mapping parquet, don't write")
	flag.Parse()

	if *check != "" {
		if err := printStats(*check); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
		return
	}

	steps := []struct {
		name string
		fn   func(dir string) error
	}{
		{"mappings.parquet", writeMappings},
		{"keys", writeKeys},
		{"facilities.yaml", writeFacilities},
		{"bundles.yaml", writeBundles},
		{"claims", writeClaims},
		{"claimflow.yaml", func(dir string) error { return writeConfig(dir, *upstream) }},
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}
	for _, s := range steps {
		if err := s.fn(*out); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", s.name, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", filepath.Join(*out, s.name))
	}
}

func strPtr(s string) *string { return &s }

func mappingRows() []model.MappingRow {
	name := strPtr("Riyadh Care Clinic")
	row := func(code, desc, system, official, officialDesc string) model.MappingRow {
		return model.MappingRow{
			FacilityID:          facilityID,
			FacilityName:        name,
			FacilityCode:        code,
			FacilityDescription: strPtr(desc),
			CodeSystem:          system,
			OfficialCode:        official,
			OfficialDescription: strPtr(officialDesc),
			EffectiveFrom:       strPtr("2024-01-01"),
		}
	}
	return []model.MappingRow{
		row("LAB-CBC", "Complete blood count", "LAB", "85025", "Blood count; complete (CBC), automated"),
		row("LAB-CMP", "Comprehensive metabolic panel", "LAB", "80053", "Comprehensive metabolic panel"),
		row("LAB-LIPID", "Lipid profile", "LAB", "80061", "Lipid panel"),
		row("LAB-HBA1C", "Glycated hemoglobin", "LAB", "83036", "Hemoglobin; glycosylated (A1C)"),
		row("RAD-CXR2", "Chest x-ray two views", "IMAGING", "71046", "Radiologic examination, chest; 2 views"),
		row("CONS-GP", "GP consultation", "SERVICES", "99213", "Office visit, established patient"),
	}
}

func writeMappings(dir string) error {
	return parquetread.WriteMappings(filepath.Join(dir, "mappings.parquet"), mappingRows())
}

func writeKeys(dir string) error {
	keyDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if err := writePEM(filepath.Join(keyDir, facilityID+".pem"), "PRIVATE KEY", der, 0o600); err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}
	return writePEM(filepath.Join(keyDir, facilityID+".pub.pem"), "PUBLIC KEY", pubDER, 0o644)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, mode)
}

func writeFacilities(dir string) error {
	doc := map[string][]registry.Facility{
		"facilities": {{
			ID:            facilityID,
			Name:          "Riyadh Care Clinic",
			Tier:          "1.15",
			KeyPath:       facilityID + ".pem",
			PublicKeyPath: facilityID + ".pub.pem",
			Currency:      "SAR",
		}},
	}
	return writeYAML(filepath.Join(dir, "facilities.yaml"), doc)
}

func writeBundles(dir string) error {
	doc := map[string][]pricing.Bundle{
		"bundles": {
			{
				ID:       "WELLNESS-BASIC",
				Name:     "Basic wellness panel",
				RawPrice: "130.00",
				Components: []pricing.Component{
					{Code: "85025", MinQuantity: 1},
					{Code: "80053", MinQuantity: 1},
				},
			},
			{
				ID:       "DIABETES-REVIEW",
				Name:     "Diabetes review",
				RawPrice: "210.00",
				Components: []pricing.Component{
					{Code: "80061", MinQuantity: 1},
					{Code: "83036", MinQuantity: 1},
					{Code: "99213", MinQuantity: 1},
				},
			},
		},
	}
	return writeYAML(filepath.Join(dir, "bundles.yaml"), doc)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeClaims(dir string) error {
	claimDir := filepath.Join(dir, "claims")
	if err := os.MkdirAll(claimDir, 0o755); err != nil {
		return err
	}
	item := func(code, desc string, qty int, price string) model.ServiceLineItem {
		return model.ServiceLineItem{
			FacilityCode: code,
			Description:  desc,
			Quantity:     qty,
			UnitPrice:    decimal.RequireFromString(price),
		}
	}
	claims := map[string]model.Claim{
		"wellness.json": {
			CorrelationID: uuid.NewString(),
			FacilityID:    facilityID,
			Currency:      "SAR",
			ReceivedAt:    time.Now().UTC().Truncate(time.Second),
			Items: []model.ServiceLineItem{
				item("LAB-CBC", "Complete blood count", 1, "95.00"),
				item("LAB-CMP", "Comprehensive metabolic panel", 1, "80.00"),
				item("RAD-CXR2", "Chest x-ray two views", 1, "150.00"),
			},
		},
		"diabetes.json": {
			CorrelationID: uuid.NewString(),
			FacilityID:    facilityID,
			Currency:      "SAR",
			ReceivedAt:    time.Now().UTC().Truncate(time.Second),
			Items: []model.ServiceLineItem{
				item("CONS-GP", "GP consultation", 1, "120.00"),
				item("LAB-LIPID", "Lipid profile", 1, "70.00"),
				item("LAB-HBA1C", "Glycated hemoglobin", 2, "45.50"),
			},
		},
	}
	for name, c := range claims {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(claimDir, name), append(data, '\n'), 0o644); err != nil {
			return err
		}
	}
	return nil
}

var configTemplate = template.Must(template.New("config").Parse(`# claimctl demo configuration
code_systems: [SERVICES, LAB, IMAGING]

resolver:
  confidence_floor: 0.5
  review_ceiling: 0.8
  inference_timeout: 15s
  cache_ttl: 24h

inference:
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY

pricing:
  bundles_file: {{.Dir}}/bundles.yaml
  default_currency: SAR

registry:
  facilities_file: {{.Dir}}/facilities.yaml

signer:
  key_base_dir: {{.Dir}}/keys

gateway:
  upstream_url: {{.Upstream}}
  timeout: 30s
  max_attempts: 5
  backoff_initial: 500ms
  backoff_max: 30s
  backoff_multiplier: 2
  breaker_failure_threshold: 5
  breaker_cooldown: 1m

pipeline:
  concurrency: 8

# Uncomment to share the resolution cache and claim locks across processes.
# redis:
#   addr: localhost:6379
#   key_prefix: claimflow
#   lock_ttl: 2m

# Ship per-stage claim spans to an OTLP collector.
# tracing:
#   exporter: otlp-grpc
#   endpoint: localhost:4317
#   insecure: true
`))

func writeConfig(dir, upstream string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "claimflow.yaml"))
	if err != nil {
		return err
	}
	defer f.Close()
	return configTemplate.Execute(f, struct{ Dir, Upstream string }{abs, upstream})
}

func printStats(path string) error {
	reader, err := parquetread.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := parquetread.ValidateSchema(reader.Schema()); err != nil {
		return err
	}

	bySystem := make(map[string]int)
	facilities := make(map[string]bool)
	buf := make([]model.MappingRow, 1024)
	total := 0
	for {
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			total++
			bySystem[strings.ToUpper(strings.TrimSpace(buf[i].CodeSystem))]++
			facilities[buf[i].FacilityID] = true
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	fmt.Printf("Rows:       %d\n", total)
	fmt.Printf("Facilities: %d\n", len(facilities))
	fmt.Println("Code system distribution:")
	systems := make([]string, 0, len(bySystem))
	for s := range bySystem {
		systems = append(systems, s)
	}
	sort.Strings(systems)
	for _, s := range systems {
		known := ""
		if _, ok := model.CodeSystemByName(s); !ok {
			known = "  (unknown)"
		}
		fmt.Printf("  %-16s %d%s\n", s, bySystem[s], known)
	}
	return nil
}
