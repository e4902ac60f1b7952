package keel

import (
	"context"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/internal/source"
	"github.com/pkg/errors"
)

var ErrGatewayNotInitialized = errors.New("database gateway has not been initialized")

type CloserFunc func() error

type Migrator struct {
	lg        logger.Logger
	gateway   database.Gateway
	registry  source.Registry
	closerFns []CloserFunc
}

// NewMigrator creates a migrator using option callbacks, a database option
// is required, the source defaults to the local ./migrations folder
func NewMigrator(opts ...OptionFunc) (*Migrator, CloserFunc, error) {
	m := new(Migrator)
	m.lg = &logger.NullLogger{}

	for _, oFunc := range opts {
		if err := oFunc(m); err != nil {
			_ = m.close()
			return nil, nil, err
		}
	}

	if m.gateway == nil {
		return nil, nil, ErrGatewayNotInitialized
	}

	if m.registry == nil {
		m.registry = source.NewLocalFSSource(source.DefaultMigrationsFolder, m.lg)
	}

	if s, ok := m.registry.(interface{ SetLogger(logger.Logger) }); ok {
		s.SetLogger(m.lg)
	}

	// mysql reads a backslash in a string literal as an escape
	if s, ok := m.registry.(interface{ SetBackslashEscapes(bool) }); ok {
		s.SetBackslashEscapes(m.gateway.Dialect() == dialect.MySQL)
	}

	m.gateway.SetLogger(m.lg)

	return m, m.close, nil
}

// Migrate applies pending migrations in id order and stops at the first failure,
// the report holds the outcome of every unit reached
func (m *Migrator) Migrate(ctx context.Context, cfs ...ActionConfigurator) (Report, error) {
	act := new(Action)
	for _, f := range cfs {
		f(act)
	}

	report := Report{DryRun: act.dryRun}

	units, err := m.registry.List(ctx, source.Filter{})
	if err != nil {
		if errors.Is(err, source.ErrNoMigrations) {
			m.lg.Successf("nothing to migrate")
			return report, nil
		}

		m.lg.Error(err)
		return report, err
	}

	p := database.Plan{Steps: act.steps, IDs: act.ids, DryRun: act.dryRun}
	results, err := m.gateway.Migrate(ctx, units, p)
	report.Results = results

	if err != nil {
		if errors.Is(err, database.ErrNoChangesRequired) {
			m.lg.Successf("nothing to migrate")
			return report, nil
		}

		return report, err
	}

	return report, nil
}

// DryRun is Migrate with WithDryRun
func (m *Migrator) DryRun(ctx context.Context, cfs ...ActionConfigurator) (Report, error) {
	return m.Migrate(ctx, append(cfs, WithDryRun())...)
}

// Status compares the source with the state table without changing anything
func (m *Migrator) Status(ctx context.Context) (Status, error) {
	var st Status

	units, err := m.registry.List(ctx, source.Filter{})
	if err != nil && !errors.Is(err, source.ErrNoMigrations) {
		return st, err
	}

	records, err := m.gateway.Records(ctx)
	if err != nil {
		return st, err
	}

	st.Pending = database.SchedulePending(units, records, database.Plan{})
	st.Unknown = database.UnknownRecords(units, records)

	for i := range records {
		if units.Find(records[i].ID) != nil {
			st.Applied = append(st.Applied, records[i])
		}
	}

	return st, nil
}

// Source returns the migrator source if it implements the full source.Source interface
func (m *Migrator) Source() source.Source {
	if s, ok := m.registry.(source.Source); ok {
		return s
	}

	return nil
}

func (m *Migrator) close() error {
	var result error

	for _, fn := range m.closerFns {
		if err := fn(); err != nil {
			m.lg.Error(err)
			if result == nil {
				result = err
			}
		}
	}

	m.closerFns = nil

	return result
}
