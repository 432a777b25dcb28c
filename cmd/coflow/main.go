// Command coflow runs job files with the engine.
package main

import (
	"os"

	"github.com/imagvfx/coflow/logger"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coflow",
		Short:         "run trees of tasks on local and remote resources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		validateCmd(),
		treeCmd(),
		historyCmd(),
	)
	return root
}

func main() {
	err := rootCmd().Execute()
	if err != nil {
		logger.Error("coflow", "err", err)
		os.Exit(1)
	}
}
