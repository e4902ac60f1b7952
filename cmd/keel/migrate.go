package main

import (
	"fmt"

	"github.com/denismitr/keel"
	"github.com/denismitr/keel/internal/cli"
	"github.com/denismitr/keel/migration"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"
)

var (
	migrateDryRun bool
	migrateSteps  int
	migrateIDs    []string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations in id order",
	Long: `Apply pending migrations in id order, stopping at the first failure.

Examples:
  keel migrate                  # apply everything pending
  keel migrate --steps 1        # apply the next pending migration only
  keel migrate --id 002 --id 7  # apply only the given ids
  keel migrate --dry-run        # evaluate guards, execute nothing`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Evaluate guards and report what would run")
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "Apply at most this many migrations")
	migrateCmd.Flags().StringSliceVar(&migrateIDs, "id", nil, "Apply only the migration with this id, repeatable")
}

func runMigrate(cmd *cobra.Command, _ []string) (err error) {
	app, closer, err := openApp()
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := closer(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	ctx, cancel := commandContext()
	defer cancel()

	report, err := app.Migrate(ctx, cli.ActionConfig{Steps: migrateSteps, IDs: migrateIDs, DryRun: migrateDryRun})
	printReport(report)
	if err != nil {
		return err
	}

	if report.Empty() {
		success("nothing to migrate")
		return nil
	}

	success("all done")

	return nil
}

func printReport(report keel.Report) {
	for _, r := range report.Results {
		line := fmt.Sprintf("[%s] %s", r.Unit.ID, r.Unit.Name)

		switch r.Outcome {
		case migration.Applied:
			fmt.Println(colorize(aurora.Green("applied ")), line, statementSummary(r))
		case migration.Skipped:
			fmt.Println(colorize(aurora.Yellow("skipped ")), line)
		case migration.DryRun:
			fmt.Println(colorize(aurora.Cyan("dry-run ")), line, statementSummary(r))
			for _, st := range r.Statements {
				fmt.Printf("    %-8s %s\n", st.Outcome, st.Statement)
			}
		case migration.Failed:
			fmt.Println(colorize(aurora.Red("failed  ")), line)
		}
	}
}

func statementSummary(r migration.Result) string {
	return fmt.Sprintf(
		"(executed %d, planned %d, skipped %d, absorbed %d)",
		r.Count(migration.Executed), r.Count(migration.Planned),
		r.Count(migration.GuardSkipped), r.Count(migration.Absorbed),
	)
}
