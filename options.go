package keel

import (
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

type OptionFunc func(*Migrator) error
type ActionConfigurator func(a *Action)

type Action struct {
	steps  int
	ids    []string
	dryRun bool
}

func WithSteps(steps int) ActionConfigurator {
	return func(a *Action) {
		a.steps = steps
	}
}

// WithIDs restricts the run to the given migration ids, leading zeros are not significant
func WithIDs(ids ...string) ActionConfigurator {
	return func(a *Action) {
		a.ids = ids
	}
}

// WithDryRun evaluates guards and reports what would run without touching the database
func WithDryRun() ActionConfigurator {
	return func(a *Action) {
		a.dryRun = true
	}
}

// CreateConfigurators converts command line values into action configurators
func CreateConfigurators(steps int, ids []string, dryRun bool) ([]ActionConfigurator, error) {
	var configurators []ActionConfigurator

	if steps < 0 {
		return nil, errors.Errorf("steps must not be negative, got %d", steps)
	}

	if steps > 0 {
		configurators = append(configurators, WithSteps(steps))
	}

	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := migration.New(id, ""); err != nil {
				return nil, err
			}
		}

		configurators = append(configurators, WithIDs(ids...))
	}

	if dryRun {
		configurators = append(configurators, WithDryRun())
	}

	return configurators, nil
}
