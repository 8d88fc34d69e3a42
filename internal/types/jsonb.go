package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. Scan is on pointer receivers; Value is on
// value receivers.
var (
	_ sql.Scanner   = (*ShiftGridRequest)(nil)
	_ driver.Valuer = ShiftGridRequest{}
	_ sql.Scanner   = (*JobSummary)(nil)
	_ driver.Valuer = JobSummary{}
)

// scanJSONB scans a JSONB database value into dest. It accepts the []byte and
// string representations different drivers hand back.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (r *ShiftGridRequest) Scan(value any) error {
	return scanJSONB(r, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (r ShiftGridRequest) Value() (driver.Value, error) {
	return valueJSONB(r)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (s *JobSummary) Scan(value any) error {
	return scanJSONB(s, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (s JobSummary) Value() (driver.Value, error) {
	return valueJSONB(s)
}
