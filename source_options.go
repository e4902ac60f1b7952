package keel

import (
	"github.com/denismitr/keel/internal/source"
	"github.com/denismitr/keel/migration"
)

func UseLocalFolderSource(folder string) OptionFunc {
	return func(m *Migrator) error {
		m.registry = source.NewLocalFSSource(folder, m.lg)
		return nil
	}
}

// UseInMemorySource serves migrations built in code, ids must be unique
func UseInMemorySource(units ...*migration.Unit) OptionFunc {
	return func(m *Migrator) error {
		s, err := source.NewInMemorySource(units...)
		if err != nil {
			return err
		}

		m.registry = s
		return nil
	}
}
