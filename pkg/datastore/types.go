package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	b, err := jsonBytes(value, "JSONStringSlice")
	if err != nil || b == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(b, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return marshalString(s)
}

// JSONIntSlice stores an ordered []int as JSON, used for canary phase lists.
type JSONIntSlice []int

// Scan implements the sql.Scanner interface for JSONIntSlice.
func (s *JSONIntSlice) Scan(value any) error {
	b, err := jsonBytes(value, "JSONIntSlice")
	if err != nil || b == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(b, s)
}

// Value implements the driver.Valuer interface for JSONIntSlice.
func (s JSONIntSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return marshalString(s)
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	b, err := jsonBytes(value, "JSONAny")
	if err != nil || b == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(b, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return marshalString(m)
}

func jsonBytes(value any, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported type for %s: %T", typeName, value)
	}
}

func marshalString(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
