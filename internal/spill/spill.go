// Package spill stores additive per-cell partial sums on disk when they no
// longer fit the in-memory budget.
package spill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Spill is a sqlite file of (hex_id, slot) -> value rows. Flushes add into
// existing rows, so any number of partial flushes combine into the same totals.
type Spill struct {
	db      *sql.DB
	path    string
	slots   int
	flushes int
}

func Open(ctx context.Context, dir string, slots int) (*Spill, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("spill: slots %d must be > 0", slots)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spill mkdir: %w", err)
	}
	path := filepath.Join(dir, "reagg-spill-"+uuid.NewString()+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spill open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Spill{db: db, path: path, slots: slots}
	for _, stmt := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		`CREATE TABLE acc (
			hex_id TEXT NOT NULL,
			slot   INTEGER NOT NULL,
			value  REAL NOT NULL,
			PRIMARY KEY (hex_id, slot)
		) WITHOUT ROWID`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("spill init: %w", err)
		}
	}
	return s, nil
}

func (s *Spill) Path() string { return s.path }

func (s *Spill) Flushes() int { return s.flushes }

// Flush adds every partial vector into the spill in one transaction.
func (s *Spill) Flush(ctx context.Context, parts map[string][]float64) (err error) {
	if len(parts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spill begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO acc (hex_id, slot, value) VALUES (?, ?, ?)
		 ON CONFLICT (hex_id, slot) DO UPDATE SET value = value + excluded.value`)
	if err != nil {
		return fmt.Errorf("spill prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for hex, vals := range parts {
		if len(vals) != s.slots {
			return fmt.Errorf("spill: cell %s has %d slots, want %d", hex, len(vals), s.slots)
		}
		for slot, v := range vals {
			if v == 0 {
				continue
			}
			if _, err = stmt.ExecContext(ctx, hex, slot, v); err != nil {
				return fmt.Errorf("spill upsert %s/%d: %w", hex, slot, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("spill commit: %w", err)
	}
	s.flushes++
	return nil
}

// Drain visits every cell in ascending hex id order with its combined vector.
func (s *Spill) Drain(ctx context.Context, fn func(hex string, vals []float64) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT hex_id, slot, value FROM acc ORDER BY hex_id, slot`)
	if err != nil {
		return fmt.Errorf("spill query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cur string
	var vals []float64
	emit := func() error {
		if vals == nil {
			return nil
		}
		return fn(cur, vals)
	}
	for rows.Next() {
		var hex string
		var slot int
		var v float64
		if err := rows.Scan(&hex, &slot, &v); err != nil {
			return fmt.Errorf("spill scan: %w", err)
		}
		if slot < 0 || slot >= s.slots {
			return fmt.Errorf("spill: slot %d out of range", slot)
		}
		if vals == nil || hex != cur {
			if err := emit(); err != nil {
				return err
			}
			cur = hex
			vals = make([]float64, s.slots)
		}
		vals[slot] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("spill rows: %w", err)
	}
	return emit()
}

// Close releases the database and removes the spill file.
func (s *Spill) Close() error {
	err := s.db.Close()
	for _, p := range []string{s.path, s.path + "-journal", s.path + "-wal", s.path + "-shm"} {
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return fmt.Errorf("spill close: %w", err)
	}
	return nil
}
