package etl

import (
	"context"

	"github.com/i474232898/clean-air-etl/internal/warehouse"
)

// Migrate creates every warehouse table that does not exist yet.
func (s *Stages) Migrate(ctx context.Context) error {
	return s.loader.EnsureTables(ctx, Tables()...)
}

func (s *Stages) loadDimension(spec warehouse.TableSpec) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := s.loader.EnsureTables(ctx, spec); err != nil {
			return err
		}
		_, err := s.loader.LoadDimension(ctx, spec)
		return err
	}
}

func (s *Stages) loadFact(spec warehouse.TableSpec) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := s.loader.EnsureTables(ctx, spec); err != nil {
			return err
		}
		_, err := s.loader.LoadFact(ctx, spec)
		return err
	}
}
