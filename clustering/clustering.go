// Package clustering turns sets of not-yet-completed workflow tasks into
// task groups, each sized to a node count and annotated with an estimated
// makespan.
//
// Policies are selected by a dash-delimited spec string. Only horizontal
// clustering ("hc-<tasksPerCluster>-<nodesPerCluster>") is implemented;
// vertical single-parent/single-child merging and variance-based grouping
// are extension points of the same Policy interface.
package clustering

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/tern-hpc/tern/workflow"
)

// InvalidSpecError reports a malformed clustering policy specification.
// It is fatal: scheduling never starts with a spec that does not parse.
type InvalidSpecError struct {
	Spec   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid clustering spec '%s': %s", e.Spec, e.Reason)
}

// Group is a set of tasks bound to a node count. A group is owned by
// exactly one placeholder job, and a task belongs to at most one live
// group at a time.
type Group struct {
	tasks []*workflow.Task
	nodes int
}

func NewGroup(tasks []*workflow.Task, nodes int) *Group {
	return &Group{tasks: tasks, nodes: nodes}
}

func (g *Group) Tasks() []*workflow.Task { return g.tasks }
func (g *Group) NumTasks() int           { return len(g.tasks) }
func (g *Group) Nodes() int              { return g.nodes }

// EstimateMakespan estimates the wall time to run the group on its node
// count: per level, the widest task defines the round length and the level
// runs in ceil(tasks/nodes) rounds. Level-aware so that vertical groups
// account for their internal dependency chain.
func (g *Group) EstimateMakespan(coreFlopRate float64) float64 {
	nodes := g.nodes
	if nodes < 1 {
		nodes = 1
	}

	byLevel := lo.GroupBy(g.tasks, func(t *workflow.Task) int { return t.Level() })

	makespan := 0.0
	for _, tasks := range byLevel {
		maxFlops := 0.0
		for _, t := range tasks {
			maxFlops = math.Max(maxFlops, t.Flops)
		}
		rounds := math.Ceil(float64(len(tasks)) / float64(nodes))
		makespan += rounds * maxFlops / coreFlopRate
	}
	return makespan
}

// NotCompleted filters out tasks that have already completed.
func NotCompleted(tasks []*workflow.Task) []*workflow.Task {
	return lo.Filter(tasks, func(t *workflow.Task, _ int) bool {
		return t.State() != workflow.Completed
	})
}

// Policy partitions a task set into groups.
type Policy interface {
	Name() string
	Apply(tasks []*workflow.Task) []*Group
}

// ParsePolicy parses a dash-delimited clustering policy spec.
func ParsePolicy(spec string) (Policy, error) {
	tokens := strings.Split(spec, "-")

	switch tokens[0] {
	case "hc":
		if len(tokens) != 3 {
			return nil, &InvalidSpecError{Spec: spec, Reason: "want hc-<tasksPerCluster>-<nodesPerCluster>"}
		}
		tasksPerCluster, err := strconv.Atoi(tokens[1])
		if err != nil || tasksPerCluster < 1 {
			return nil, &InvalidSpecError{Spec: spec, Reason: "tasks per cluster must be a positive integer"}
		}
		nodesPerCluster, err := strconv.Atoi(tokens[2])
		if err != nil || nodesPerCluster < 1 {
			return nil, &InvalidSpecError{Spec: spec, Reason: "nodes per cluster must be a positive integer"}
		}
		return HorizontalClustering{TasksPerCluster: tasksPerCluster, NodesPerCluster: nodesPerCluster}, nil
	}
	return nil, &InvalidSpecError{Spec: spec, Reason: fmt.Sprintf("unknown policy '%s'", tokens[0])}
}

// HorizontalClustering is the fixed-chunk policy: at most TasksPerCluster
// tasks per group, every group assigned NodesPerCluster nodes.
type HorizontalClustering struct {
	TasksPerCluster int
	NodesPerCluster int
}

func (hc HorizontalClustering) Name() string {
	return fmt.Sprintf("hc-%d-%d", hc.TasksPerCluster, hc.NodesPerCluster)
}

func (hc HorizontalClustering) Apply(tasks []*workflow.Task) []*Group {
	return lo.Map(lo.Chunk(tasks, hc.TasksPerCluster), func(chunk []*workflow.Task, _ int) *Group {
		return NewGroup(chunk, hc.NodesPerCluster)
	})
}
