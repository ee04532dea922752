package h3mapper

import (
	"fmt"
)

// ResolutionOf reports the resolution encoded in cell.
func ResolutionOf(cell string) (int, error) {
	c, err := parseCell(cell)
	if err != nil {
		return 0, err
	}
	return c.Resolution(), nil
}

// CheckResolution returns an error when cell is not at resolution res.
// Persisted artifacts are bound to one resolution and must be rebuilt, not reused, on change.
func CheckResolution(cell string, res int) error {
	r, err := ResolutionOf(cell)
	if err != nil {
		return err
	}
	if r != res {
		return fmt.Errorf("cell %s has resolution %d, want %d", cell, r, res)
	}
	return nil
}
