package store

import (
	"context"

	"cendat/internal/model"
)

// Store persists fetched result cells. It never persists catalog state: the
// catalog cache is process-scoped by design.
type Store interface {
	UpsertCells(ctx context.Context, cells []model.Cell) error
	CountCells(ctx context.Context, product string) (int, error)
	Close() error
}

// NopStore is the no-persistence path.
type NopStore struct{}

func (s *NopStore) UpsertCells(ctx context.Context, cells []model.Cell) error {
	_ = ctx
	_ = cells
	return nil
}

func (s *NopStore) CountCells(ctx context.Context, product string) (int, error) {
	_ = ctx
	_ = product
	return 0, nil
}

func (s *NopStore) Close() error {
	return nil
}
