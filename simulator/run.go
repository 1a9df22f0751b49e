package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tern-hpc/tern/batch/sim"
	"github.com/tern-hpc/tern/scheduler"
	"github.com/tern-hpc/tern/simulator/flags"
	"github.com/tern-hpc/tern/simulator/log"
	"github.com/tern-hpc/tern/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run STRATEGY WORKFLOW",
	Short: "Runs a workflow to completion on the simulated batch service",
	Long: `Runs a workflow to completion on the simulated batch service.

STRATEGY selects the scheduling strategy:
  levelbylevel:[overlap|nooverlap]:<clustering spec>   e.g. levelbylevel:overlap:hc-4-2
  zhang:[overlap|nooverlap]:[plimit|pnolimit]          e.g. zhang:overlap:plimit

WORKFLOW selects the workflow:
  indep:<seed>:<n>:<min>:<max>
  levels:<seed>:<l0>:<t0>:<T0>:...
  yaml:<path>`,
	Args: cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.FromSpec(args[1])
		if err != nil {
			return err
		}
		log.Info("Workflow loaded", "tasks", wf.NumTasks(), "levels", wf.NumLevels())

		background, err := parseBackground(viper.GetStringSlice(flags.Background))
		if err != nil {
			return err
		}

		service, err := sim.New(sim.Config{
			Workflow:     wf,
			Hosts:        viper.GetInt(flags.Nodes),
			CoreFlopRate: viper.GetFloat64(flags.FlopRate),
			Logger:       log.Base,
			Background:   background,
		})
		if err != nil {
			return err
		}

		cfg := scheduler.Config{Workflow: wf, Service: service, Logger: log.Base}
		strategy, err := scheduler.New(args[0], cfg)
		if err != nil {
			return err
		}

		log.Info("Simulation starting", "strategy", args[0], "nodes", service.NumHosts())
		if err := scheduler.Run(cfg, strategy); err != nil {
			return fmt.Errorf("simulation failed: %w", err)
		}

		cmd.Println(color.GreenString("WORKFLOW MAKESPAN: %.2f", service.Now()))
		return nil
	},
}

// parseBackground turns NODESxSECONDS flag values into background jobs.
func parseBackground(specs []string) ([]sim.BackgroundJob, error) {
	jobs := make([]sim.BackgroundJob, 0, len(specs))
	for _, spec := range specs {
		var job sim.BackgroundJob
		if _, err := fmt.Sscanf(spec, "%dx%f", &job.Nodes, &job.Duration); err != nil {
			return nil, fmt.Errorf("invalid background job '%s': expected NODESxSECONDS", spec)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
