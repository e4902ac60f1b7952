package source

import (
	"context"

	"github.com/denismitr/keel/migration"
)

// InMemorySource serves units built in Go code
type InMemorySource struct {
	units migration.Units
}

var _ Registry = (*InMemorySource)(nil)

func NewInMemorySource(units ...*migration.Unit) (*InMemorySource, error) {
	us := make(migration.Units, len(units))
	copy(us, units)

	if err := us.Validate(); err != nil {
		return nil, err
	}

	return &InMemorySource{units: us}, nil
}

func (s *InMemorySource) List(ctx context.Context, f Filter) (migration.Units, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(s.units) == 0 {
		return nil, ErrNoMigrations
	}

	return filterUnits(s.units, f), nil
}
