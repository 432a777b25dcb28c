package main

import (
	"fmt"

	"github.com/imagvfx/coflow/jobfile"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate job-file...",
		Short: "check job files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				j, err := jobfile.Load(path)
				if err != nil {
					return err
				}
				if _, err := j.Build(); err != nil {
					return fmt.Errorf("%v: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v: ok\n", path)
			}
			return nil
		},
	}
}
