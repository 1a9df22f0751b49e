package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/tern-hpc/tern/simulator/flags"
	"github.com/tern-hpc/tern/simulator/log"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var ternCmd = &cobra.Command{
	Use:   "tern",
	Short: "Tern schedules workflow DAGs onto batch-reserved compute nodes.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints version information",

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("tern %s (%s)\n", version, commit)
	},
}

func main() {
	flags.Setup(ternCmd.PersistentFlags())
	ternCmd.AddCommand(runCmd, levelsCmd, versionCmd)

	if err := ternCmd.Execute(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.RedString("Error: %s", err)))
		os.Exit(1)
	}
}
