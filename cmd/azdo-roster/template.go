package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaintrub/azdo-roster/internal/directives"
)

func templateCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write a sample directive sheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = "csv"
				if output != "" {
					format = strings.TrimPrefix(filepath.Ext(output), ".")
				}
			}
			f, err := directives.ParseFormat(format)
			if err != nil {
				return err
			}

			if output == "" {
				return directives.WriteTemplate(cmd.OutOrStdout(), f)
			}
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create template: %w", err)
			}
			if err := directives.WriteTemplate(file, f); err != nil {
				_ = file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Template written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Template format: csv or yaml (default: from --output extension, else csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")

	return cmd
}
