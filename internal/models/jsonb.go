package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// MistakeEntries is a JSONB-backed list of session mistakes.
type MistakeEntries []MistakeEntry

// Value implements driver.Valuer.
func (m MistakeEntries) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MistakeEntries) Scan(src interface{}) error {
	return scanJSON(src, m, "mistake entries")
}

// Value implements driver.Valuer. An unset range is stored as NULL.
func (a AyahRange) Value() (driver.Value, error) {
	if a.IsZero() {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *AyahRange) Scan(src interface{}) error {
	if src == nil {
		*a = AyahRange{}
		return nil
	}
	return scanJSON(src, a, "ayah range")
}

// MushafMistakes is the JSONB-backed aggregate stored per student.
type MushafMistakes []MushafMistake

// Value implements driver.Valuer.
func (m MushafMistakes) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MushafMistakes) Scan(src interface{}) error {
	return scanJSON(src, m, "mushaf mistakes")
}

func scanJSON(src, dest interface{}, what string) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported column type for %s: %T", what, src)
	}
}
