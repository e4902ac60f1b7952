package main

import (
	"fmt"

	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied, pending and unknown migrations",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) (err error) {
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

	st, err := app.Status(ctx)
	if err != nil {
		return err
	}

	for _, r := range st.Applied {
		fmt.Println(colorize(aurora.Green("applied ")), fmt.Sprintf("[%s] %s at %s", r.ID, r.Name, r.AppliedAt.Format("2006-01-02 15:04:05")))
	}

	for _, u := range st.Pending {
		fmt.Println(colorize(aurora.Yellow("pending ")), fmt.Sprintf("[%s] %s", u.ID, u.Name))
	}

	for _, r := range st.Unknown {
		fmt.Println(colorize(aurora.Red("unknown ")), fmt.Sprintf("[%s] %s is recorded but missing from the folder", r.ID, r.Name))
	}

	success(fmt.Sprintf("%d applied, %d pending, %d unknown", len(st.Applied), len(st.Pending), len(st.Unknown)))

	return nil
}
