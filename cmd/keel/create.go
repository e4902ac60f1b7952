package main

import (
	"strings"

	"github.com/denismitr/keel/internal/cli"
	"github.com/denismitr/keel/internal/source"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty migration file with the next id",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCreate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a keel.yaml stub",
	Args:  cobra.NoArgs,
	// the config file is what this command creates
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runInit,
}

// create only touches the folder, the database is not opened
func runCreate(cmd *cobra.Command, args []string) error {
	if cfg.MigrationsFolder == "" {
		cfg.MigrationsFolder = source.DefaultMigrationsFolder
	}

	ctx, cancel := commandContext()
	defer cancel()

	src := source.NewLocalFSSource(cfg.MigrationsFolder, nil)
	_, filename, err := src.Create(ctx, strings.Join(args, " "))
	if err != nil {
		return errors.Wrap(err, "could not create migration")
	}

	success("created " + filename)

	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	if err := cli.InitCfg(configPath); err != nil {
		return err
	}

	success("created " + configPath)

	return nil
}
