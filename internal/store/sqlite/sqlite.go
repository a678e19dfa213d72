package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"cendat/internal/model"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertCells(ctx context.Context, cells []model.Cell) error {
	if len(cells) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO census_cells (
			product, vintage, geo_key, variable, value, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(product, vintage, geo_key, variable)
		DO UPDATE SET
			value = excluded.value,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range cells {
		cell := cells[i]
		if cell.IngestedAt.IsZero() {
			cell.IngestedAt = now
		}
		_, err = stmt.ExecContext(
			ctx,
			cell.Product,
			cell.Vintage,
			cell.GeoKey,
			cell.Variable,
			cell.Value,
			cell.IngestedAt.UTC(),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) CountCells(ctx context.Context, product string) (int, error) {
	query := `SELECT COUNT(*) FROM census_cells`
	args := []any{}
	if product != "" {
		query += ` WHERE product = ?`
		args = append(args, product)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS census_cells (
			product TEXT NOT NULL,
			vintage INTEGER NOT NULL,
			geo_key TEXT NOT NULL,
			variable TEXT NOT NULL,
			value TEXT,
			ingested_at TEXT NOT NULL,
			PRIMARY KEY (product, vintage, geo_key, variable)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}
