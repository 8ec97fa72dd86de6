package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type JSONB[T any] struct {
	Data T
}

func NewJSONB[T any](data T) JSONB[T] {
	return JSONB[T]{Data: data}
}

func (p *JSONB[T]) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("JSONB.Scan: %w", err)
	}
	return json.Unmarshal(b, &p.Data)
}

func (p JSONB[T]) Value() (driver.Value, error) {
	return json.Marshal(p.Data)
}

func (p *JSONB[T]) GetValue() T {
	return p.Data
}

func (p JSONB[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Data)
}

func (p *JSONB[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &p.Data)
}

// NullJSONB is a JSONB column that may be NULL.
type NullJSONB[T any] struct {
	Data  T
	Valid bool
}

func (p *NullJSONB[T]) Scan(src any) error {
	if src == nil {
		var zero T
		p.Data, p.Valid = zero, false
		return nil
	}
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("NullJSONB.Scan: %w", err)
	}
	if err := json.Unmarshal(b, &p.Data); err != nil {
		return err
	}
	p.Valid = true
	return nil
}

func (p NullJSONB[T]) Value() (driver.Value, error) {
	if !p.Valid {
		return nil, nil
	}
	return json.Marshal(p.Data)
}

func (p NullJSONB[T]) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.Data)
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected []byte, got %T", src)
	}
}
