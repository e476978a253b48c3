package parquetread

import (
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

var requiredColumns = []string{"facility_id", "facility_code", "code_system", "official_code"}

// ValidateSchema checks that a mapping export carries every required column.
func ValidateSchema(schema *parquet.Schema) error {
	columns := make(map[string]bool)
	for _, field := range schema.Fields() {
		columns[strings.ToLower(field.Name())] = true
	}

	var missing []string
	for _, col := range requiredColumns {
		if !columns[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
