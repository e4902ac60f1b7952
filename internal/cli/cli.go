package cli

import (
	"context"
	"os"

	"github.com/denismitr/keel"
	"github.com/denismitr/keel/internal/source"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

var (
	ErrSourceTypeIsNotValid = errors.New("source type is not valid")
	ErrConfigAlreadyExists  = errors.New("config file already exists")
)

type (
	CloserFunc func() error

	ActionConfig struct {
		Steps  int
		IDs    []string
		DryRun bool
	}

	App struct {
		source   source.Source
		migrator *keel.Migrator
	}
)

func New(cfg Config) (*App, CloserFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	m, closer, err := createMigrator(cfg)
	if err != nil {
		return nil, nil, err
	}

	s := m.Source()
	if s == nil {
		_ = closer()
		return nil, nil, ErrSourceTypeIsNotValid
	}

	return &App{
		source:   s,
		migrator: m,
	}, closer, nil
}

// CreateMigration writes an empty migration file with the next id
func (app *App) CreateMigration(ctx context.Context, name string) (*migration.Unit, string, error) {
	return app.source.Create(ctx, name)
}

func (app *App) Migrate(ctx context.Context, cfg ActionConfig) (keel.Report, error) {
	configurators, err := keel.CreateConfigurators(cfg.Steps, cfg.IDs, cfg.DryRun)
	if err != nil {
		return keel.Report{DryRun: cfg.DryRun}, err
	}

	return app.migrator.Migrate(ctx, configurators...)
}

func (app *App) Status(ctx context.Context) (keel.Status, error) {
	return app.migrator.Status(ctx)
}

// InitCfg writes the config file stub, an existing file is never overwritten
func InitCfg(path string) error {
	if FileExists(path) {
		return errors.Wrapf(ErrConfigAlreadyExists, "[%s]", path)
	}

	if err := os.WriteFile(path, []byte(configFileStub), 0o644); err != nil {
		return errors.Wrap(err, "could not create config file")
	}

	return nil
}
