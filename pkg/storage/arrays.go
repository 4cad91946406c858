package storage

import (
	"database/sql/driver"
	"fmt"

	"github.com/lib/pq"
)

// pqFloatArray adapts []float64 to Postgres's float8[] via lib/pq's array
// helpers, independent of which driver opened the connection.
type pqFloatArray []float64

func (a pqFloatArray) Value() (driver.Value, error) {
	return pq.Array([]float64(a)).Value()
}

func (a *pqFloatArray) Scan(src any) error {
	var out []float64
	if err := pq.Array(&out).Scan(src); err != nil {
		return fmt.Errorf("scan float array: %w", err)
	}
	*a = out
	return nil
}

// pqTextArray adapts []string to Postgres's text[].
type pqTextArray []string

func (a pqTextArray) Value() (driver.Value, error) {
	return pq.Array([]string(a)).Value()
}

func (a *pqTextArray) Scan(src any) error {
	var out []string
	if err := pq.Array(&out).Scan(src); err != nil {
		return fmt.Errorf("scan text array: %w", err)
	}
	*a = out
	return nil
}
