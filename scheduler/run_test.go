package scheduler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-hpc/tern/batch/sim"
	"github.com/tern-hpc/tern/clustering"
	"github.com/tern-hpc/tern/workflow"
)

// runSimulation drives a strategy spec against the simulated batch service
// until the workflow completes, returning the makespan.
func runSimulation(t *testing.T, strategySpec, workflowSpec string, hosts int, background ...sim.BackgroundJob) float64 {
	t.Helper()

	wf, err := workflow.FromSpec(workflowSpec)
	require.NoError(t, err)

	service, err := sim.New(sim.Config{
		Workflow:     wf,
		Hosts:        hosts,
		CoreFlopRate: 1.0,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Background:   background,
	})
	require.NoError(t, err)

	cfg := Config{Workflow: wf, Service: service, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	strategy, err := New(strategySpec, cfg)
	require.NoError(t, err)

	require.NoError(t, Run(cfg, strategy))
	assert.True(t, wf.IsDone())
	return service.Now()
}

func TestRunLevelByLevelEndToEnd(t *testing.T) {
	makespan := runSimulation(t, "levelbylevel:overlap:hc-2-1", "levels:1:4:50:100:3:50:100", 8)
	assert.Greater(t, makespan, 0.0)
}

func TestRunLevelByLevelNoOverlapEndToEnd(t *testing.T) {
	makespan := runSimulation(t, "levelbylevel:nooverlap:hc-3-2", "levels:2:5:10:60:5:10:60:2:10:60", 8)
	assert.Greater(t, makespan, 0.0)
}

func TestRunLevelByLevelIndependentTasksEndToEnd(t *testing.T) {
	makespan := runSimulation(t, "levelbylevel:overlap:hc-4-4", "indep:3:16:10:50", 8)
	assert.Greater(t, makespan, 0.0)
}

func TestRunZhangEndToEnd(t *testing.T) {
	makespan := runSimulation(t, "zhang:overlap:pnolimit", "levels:1:4:50:100:3:50:100", 8)
	assert.Greater(t, makespan, 0.0)
}

func TestRunZhangWithBackgroundLoadEndToEnd(t *testing.T) {
	// The background job keeps the queue busy so grouping decisions price a
	// real wait instead of an idle cluster.
	makespan := runSimulation(t, "zhang:overlap:pnolimit", "levels:1:4:50:100:3:50:100", 8,
		sim.BackgroundJob{Nodes: 8, Duration: 300})
	assert.GreaterOrEqual(t, makespan, 300.0, "nothing can run before the background job releases")
}

func TestRunZhangNoOverlapEndToEnd(t *testing.T) {
	makespan := runSimulation(t, "zhang:nooverlap:plimit", "levels:2:3:10:60:3:10:60", 4)
	assert.Greater(t, makespan, 0.0)
}

func TestNewStrategySpecs(t *testing.T) {
	wf, err := workflow.FromSpec("indep:1:1:1:1")
	require.NoError(t, err)
	cfg := newTestConfig(wf, newMockService(wf, 4))

	strategy, err := New("levelbylevel:overlap:hc-2-1", cfg)
	require.NoError(t, err)
	assert.IsType(t, &LevelByLevel{}, strategy)

	strategy, err = New("zhang:nooverlap:plimit", cfg)
	require.NoError(t, err)
	assert.IsType(t, &Zhang{}, strategy)

	for _, spec := range []string{
		"",
		"backfill:overlap:hc-1-1",
		"levelbylevel:overlap",
		"levelbylevel:sometimes:hc-1-1",
		"levelbylevel:overlap:hc-0-1",
		"zhang:overlap",
		"zhang:overlap:maybe",
	} {
		_, err := New(spec, cfg)
		var invalid *clustering.InvalidSpecError
		assert.ErrorAs(t, err, &invalid, "spec %q", spec)
	}
}
