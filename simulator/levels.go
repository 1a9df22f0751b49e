package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tern-hpc/tern/workflow"
)

var levelsCmd = &cobra.Command{
	Use:   "levels WORKFLOW",
	Short: "Prints the level structure of a workflow",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.FromSpec(args[0])
		if err != nil {
			return err
		}

		cmd.Println(color.New(color.Bold).Sprintf("%d tasks in %d levels", wf.NumTasks(), wf.NumLevels()))
		for l := 0; l < wf.NumLevels(); l++ {
			tasks := wf.TasksInLevelRange(l, l)
			totalFlops := 0.0
			for _, t := range tasks {
				totalFlops += t.Flops
			}
			cmd.Printf("level %d: %d tasks, %.0f flops\n", l, len(tasks), totalFlops)
		}
		return nil
	},
}
