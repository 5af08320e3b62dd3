package main

import (
	"fmt"

	"github.com/spf13/cobra"

	roster "github.com/vaintrub/azdo-roster"
)

func checkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate settings and test connectivity to the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := flags.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings: %s\n", settings)

			ctx := runContext(cmd)
			r, err := roster.New(ctx, settings, roster.WithLogger(newLogger(cmd.ErrOrStderr(), settings)))
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.Check(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected: project %q is reachable\n", settings.Project)
			return nil
		},
	}
}
