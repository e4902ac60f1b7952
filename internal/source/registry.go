package source

import (
	"context"

	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

var ErrNoMigrations = errors.New("no migrations")
var ErrNotAMigrationFile = errors.New("not a migration file")
var ErrAlreadyExists = errors.New("migration file already exists")
var ErrInvalidFolder = errors.New("migrations folder does not exist")

type Filter struct {
	IDs []string
}

// Registry enumerates migration units ordered by id
type Registry interface {
	List(ctx context.Context, f Filter) (migration.Units, error)
}

type Source interface {
	Registry

	IsValid() bool
	AlreadyExists(id, name string) bool
	Create(ctx context.Context, name string) (*migration.Unit, string, error)
}

func filterUnits(units migration.Units, f Filter) migration.Units {
	if len(f.IDs) == 0 {
		return units
	}

	var result migration.Units
	for i := range units {
		if migration.InIDs(units[i].ID, f.IDs) {
			result = append(result, units[i])
		}
	}

	return result
}
