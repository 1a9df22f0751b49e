package workflow

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds A -> {B, C} -> D.
func diamond(t *testing.T) *Workflow {
	t.Helper()

	w := New()
	for _, id := range []string{"A", "B", "C", "D"} {
		_, err := w.AddTask(id, 10)
		require.NoError(t, err)
	}
	require.NoError(t, w.AddDependency("A", "B"))
	require.NoError(t, w.AddDependency("A", "C"))
	require.NoError(t, w.AddDependency("B", "D"))
	require.NoError(t, w.AddDependency("C", "D"))
	require.NoError(t, w.Freeze())
	return w
}

func TestFreezeComputesLevels(t *testing.T) {
	w := diamond(t)

	assert.Equal(t, 4, w.NumTasks())
	assert.Equal(t, 3, w.NumLevels())
	assert.Equal(t, 0, w.Task("A").Level())
	assert.Equal(t, 1, w.Task("B").Level())
	assert.Equal(t, 1, w.Task("C").Level())
	assert.Equal(t, 2, w.Task("D").Level())
}

func TestFreezeUsesLongestPath(t *testing.T) {
	// A -> B -> C plus a shortcut A -> C: C must sit below B, not beside it.
	w := New()
	for _, id := range []string{"A", "B", "C"} {
		_, err := w.AddTask(id, 1)
		require.NoError(t, err)
	}
	require.NoError(t, w.AddDependency("A", "B"))
	require.NoError(t, w.AddDependency("B", "C"))
	require.NoError(t, w.AddDependency("A", "C"))
	require.NoError(t, w.Freeze())

	assert.Equal(t, 2, w.Task("C").Level())
	assert.Equal(t, 3, w.NumLevels())
}

func TestFreezeRejectsCycles(t *testing.T) {
	w := New()
	for _, id := range []string{"A", "B"} {
		_, err := w.AddTask(id, 1)
		require.NoError(t, err)
	}
	require.NoError(t, w.AddDependency("A", "B"))
	require.NoError(t, w.AddDependency("B", "A"))

	assert.ErrorContains(t, w.Freeze(), "cycle")
}

func TestAddTaskValidation(t *testing.T) {
	w := New()
	_, err := w.AddTask("", 1)
	assert.ErrorContains(t, err, "empty")

	_, err = w.AddTask("A", 0)
	assert.ErrorContains(t, err, "positive cost")

	_, err = w.AddTask("A", 1)
	require.NoError(t, err)
	_, err = w.AddTask("A", 1)
	assert.ErrorContains(t, err, "duplicate")

	require.NoError(t, w.Freeze())
	_, err = w.AddTask("B", 1)
	assert.ErrorContains(t, err, "frozen")
}

func TestStateLifecycle(t *testing.T) {
	w := diamond(t)

	assert.Equal(t, Ready, w.Task("A").State())
	assert.Equal(t, NotReady, w.Task("B").State())
	assert.Equal(t, NotReady, w.Task("D").State())

	// A task must be running before it can complete.
	assert.Error(t, w.MarkCompleted(w.Task("A")))

	require.NoError(t, w.MarkRunning(w.Task("A")))
	require.NoError(t, w.MarkCompleted(w.Task("A")))
	assert.Equal(t, Ready, w.Task("B").State())
	assert.Equal(t, Ready, w.Task("C").State())
	assert.Equal(t, NotReady, w.Task("D").State())

	require.NoError(t, w.MarkRunning(w.Task("B")))
	require.NoError(t, w.MarkCompleted(w.Task("B")))
	assert.Equal(t, NotReady, w.Task("D").State(), "D has an unfinished parent")

	require.NoError(t, w.MarkRunning(w.Task("C")))
	require.NoError(t, w.MarkCompleted(w.Task("C")))
	assert.Equal(t, Ready, w.Task("D").State())

	assert.False(t, w.IsDone())
	require.NoError(t, w.MarkRunning(w.Task("D")))
	require.NoError(t, w.MarkCompleted(w.Task("D")))
	assert.True(t, w.IsDone())
}

func TestMarkFailedRevertsToReady(t *testing.T) {
	w := diamond(t)

	require.NoError(t, w.MarkRunning(w.Task("A")))
	require.NoError(t, w.MarkFailed(w.Task("A")))
	assert.Equal(t, Ready, w.Task("A").State())

	// A failed task can be dispatched again.
	require.NoError(t, w.MarkRunning(w.Task("A")))
	require.NoError(t, w.MarkCompleted(w.Task("A")))

	assert.Error(t, w.MarkFailed(w.Task("A")), "a completed task cannot fail")
}

func TestTasksInLevelRange(t *testing.T) {
	w := diamond(t)

	ids := lo.Map(w.TasksInLevelRange(0, 1), func(task *Task, _ int) string { return task.ID })
	assert.Equal(t, []string{"A", "B", "C"}, ids)

	assert.Empty(t, w.TasksInLevelRange(3, 10))
	assert.Len(t, w.TasksInLevelRange(0, 100), 4)
	assert.Equal(t, 2, w.NumTasksInLevel(1))
	assert.Equal(t, 0, w.NumTasksInLevel(5))
}
