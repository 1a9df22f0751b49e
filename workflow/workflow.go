// Package workflow holds the task dependency graph consumed by the
// schedulers: tasks with abstract compute costs, parent/child links, and a
// topological leveling computed once the graph is frozen.
package workflow

import (
	"fmt"
)

type State int

const (
	NotReady State = iota
	Ready
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Task is a single node of the DAG. Tasks are created and owned by the
// Workflow; schedulers only ever hold references.
type Task struct {
	ID    string
	Flops float64

	level    int
	parents  []*Task
	children []*Task
	state    State
}

func (t *Task) State() State      { return t.state }
func (t *Task) Level() int        { return t.level }
func (t *Task) Parents() []*Task  { return t.parents }
func (t *Task) Children() []*Task { return t.children }

type Workflow struct {
	tasks     map[string]*Task
	order     []*Task
	levels    [][]*Task
	completed int
	frozen    bool
}

func New() *Workflow {
	return &Workflow{tasks: make(map[string]*Task)}
}

func (w *Workflow) AddTask(id string, flops float64) (*Task, error) {
	if w.frozen {
		return nil, fmt.Errorf("workflow is frozen")
	}
	if id == "" {
		return nil, fmt.Errorf("task id must not be empty")
	}
	if flops <= 0 {
		return nil, fmt.Errorf("task '%s' must have a positive cost", id)
	}
	if _, ok := w.tasks[id]; ok {
		return nil, fmt.Errorf("duplicate task id '%s'", id)
	}

	task := &Task{ID: id, Flops: flops, state: NotReady}
	w.tasks[id] = task
	w.order = append(w.order, task)
	return task, nil
}

func (w *Workflow) AddDependency(parent, child string) error {
	if w.frozen {
		return fmt.Errorf("workflow is frozen")
	}
	p, ok := w.tasks[parent]
	if !ok {
		return fmt.Errorf("unknown parent task '%s'", parent)
	}
	c, ok := w.tasks[child]
	if !ok {
		return fmt.Errorf("unknown child task '%s'", child)
	}
	for _, existing := range p.children {
		if existing == c {
			return nil
		}
	}
	p.children = append(p.children, c)
	c.parents = append(c.parents, p)
	return nil
}

// Freeze computes the topological leveling and the initial task states.
// After Freeze the graph structure is immutable; only task states change.
func (w *Workflow) Freeze() error {
	if w.frozen {
		return nil
	}

	// Kahn's algorithm, assigning each task the longest path from a root.
	indegree := make(map[*Task]int, len(w.tasks))
	var queue []*Task
	for _, t := range w.order {
		indegree[t] = len(t.parents)
		if len(t.parents) == 0 {
			queue = append(queue, t)
		}
	}

	processed := 0
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		processed++

		for t.level >= len(w.levels) {
			w.levels = append(w.levels, nil)
		}
		w.levels[t.level] = append(w.levels[t.level], t)

		for _, c := range t.children {
			if t.level+1 > c.level {
				c.level = t.level + 1
			}
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if processed != len(w.order) {
		return fmt.Errorf("workflow contains a dependency cycle")
	}

	for _, t := range w.order {
		if len(t.parents) == 0 {
			t.state = Ready
		}
	}
	w.frozen = true
	return nil
}

func (w *Workflow) Task(id string) *Task { return w.tasks[id] }

func (w *Workflow) NumTasks() int { return len(w.order) }

func (w *Workflow) NumLevels() int { return len(w.levels) }

// TasksInLevelRange returns all tasks whose level lies in [lo, hi],
// inclusive, ordered by level then by insertion order within the level.
func (w *Workflow) TasksInLevelRange(lo, hi int) []*Task {
	var tasks []*Task
	for l := lo; l <= hi && l < len(w.levels); l++ {
		if l < 0 {
			continue
		}
		tasks = append(tasks, w.levels[l]...)
	}
	return tasks
}

func (w *Workflow) NumTasksInLevel(level int) int {
	if level < 0 || level >= len(w.levels) {
		return 0
	}
	return len(w.levels[level])
}

func (w *Workflow) IsDone() bool {
	return w.frozen && w.completed == len(w.order)
}

func (w *Workflow) MarkRunning(t *Task) error {
	if t.state != Ready {
		return fmt.Errorf("task '%s' is %s, not ready", t.ID, t.state)
	}
	t.state = Running
	return nil
}

// MarkCompleted completes a task and promotes every child whose parents are
// now all completed to Ready.
func (w *Workflow) MarkCompleted(t *Task) error {
	if t.state != Running {
		return fmt.Errorf("task '%s' is %s, not running", t.ID, t.state)
	}
	t.state = Completed
	w.completed++

	for _, c := range t.children {
		if c.state != NotReady {
			continue
		}
		ready := true
		for _, p := range c.parents {
			if p.state != Completed {
				ready = false
				break
			}
		}
		if ready {
			c.state = Ready
		}
	}
	return nil
}

// MarkFailed reverts a running task to Ready so it can be dispatched again.
func (w *Workflow) MarkFailed(t *Task) error {
	if t.state != Running {
		return fmt.Errorf("task '%s' is %s, not running", t.ID, t.state)
	}
	t.state = Ready
	return nil
}
